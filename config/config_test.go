package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/mailverify/mlog"
)

func TestParse(t *testing.T) {
	conf := `LogLevel: info
PackageLogLevels:
	smtpclient: trace
Nameserver: 127.0.0.1:53
DataDir: data
HTTP:
	Address: 127.0.0.1:8080
NSQ:
	Lookupd:
		- 127.0.0.1:4161
	PublishNSQD: 127.0.0.1:4150
	RequestTopic: verify-request
	Channel: mailverify
`
	c, err := Parse(strings.NewReader(conf), "/etc/mailverify")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Sender != DefaultSender || c.Port != 25 || c.Timeout != time.Minute || c.CommandTimeout != 30*time.Second {
		t.Fatalf("defaults not applied: %#v", c)
	}
	if c.DataDir != filepath.Join("/etc/mailverify", "data") {
		t.Fatalf("datadir %q", c.DataDir)
	}
	if c.NSQ.MaxInFlight != DefaultMaxInFlight || c.NSQ.Concurrency != DefaultConcurrency || len(c.NSQ.Lookupd) != 1 {
		t.Fatalf("nsq %#v", c.NSQ)
	}
	levels := c.LogLevels()
	if levels[""] != mlog.LevelInfo || levels["smtpclient"] != mlog.LevelTrace {
		t.Fatalf("levels %v", levels)
	}
}

func TestValidate(t *testing.T) {
	test := func(conf string, expErr string) {
		t.Helper()
		_, err := Parse(strings.NewReader(conf), ".")
		if err == nil || !strings.Contains(err.Error(), expErr) {
			t.Fatalf("got err %v, expected %q", err, expErr)
		}
	}

	test("LogLevel: loud\n", "LogLevel")
	test("LogLevel: info\nSender: nobody\n", "Sender")
	test("LogLevel: info\nPort: 70000\n", "Port")
	test("LogLevel: info\nNameserver: 127.0.0.1\n", "Nameserver")
	test("LogLevel: info\nHTTP:\n\tAddress: :8080\n\tPasswordHash: secret\n", "PasswordHash")
	test("LogLevel: info\nNSQ:\n\tRequestTopic: verify\n\tChannel: mailverify\n", "one of NSQD and Lookupd")
	test("LogLevel: info\nNSQ:\n\tNSQD: 127.0.0.1:4150\n\tRequestTopic: bad topic\n\tChannel: mailverify\n", "RequestTopic")
	test("LogLevel: info\nHTTP:\n\tAddress: :443\n\tACME:\n\t\tHostname: verify.example.\n\t\tCacheDir: acme\n", "HTTP.ACME.Hostname")
	test("Sender: abc@qq.com\n", "missing required key")
}

func TestPasswordHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("test1234"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	conf := "LogLevel: info\nHTTP:\n\tAddress: :8080\n\tPasswordHash: " + string(hash) + "\n"
	c, err := Parse(strings.NewReader(conf), ".")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.HTTP.PasswordHash != string(hash) {
		t.Fatalf("password hash not kept")
	}
}

func TestLoadDescribe(t *testing.T) {
	var b bytes.Buffer
	if err := Describe(&b); err != nil {
		t.Fatalf("describe: %v", err)
	}

	// The described example is a valid config.
	dir := t.TempDir()
	p := filepath.Join(dir, "mailverify.conf")
	if err := os.WriteFile(p, b.Bytes(), 0660); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load described config: %v\n%s", err, b.String())
	}
	if c.HTTP == nil || c.HTTP.ACME == nil || c.HTTP.ACME.CacheDir != filepath.Join(dir, "acme") {
		t.Fatalf("acme config %#v", c.HTTP)
	}

	d := Default()
	if d.LogLevels()[""] != slog.LevelError || d.Sender != DefaultSender {
		t.Fatalf("default config %#v", d)
	}
}
