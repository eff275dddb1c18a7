package main

import (
	"flag"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mjl-/mailverify/config"
	"github.com/mjl-/mailverify/dns"
	"github.com/mjl-/mailverify/mlog"
	"github.com/mjl-/mailverify/verify"
)

func TestUsage(t *testing.T) {
	for _, c := range cmds {
		c.gather()
		if c.help == "" {
			t.Fatalf("command %q without help", strings.Join(c.words, " "))
		}
		usage := c.makeUsage()
		if !strings.HasPrefix(usage, "usage: mailverify "+strings.Join(c.words, " ")) {
			t.Fatalf("usage for %q: %q", strings.Join(c.words, " "), usage)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	defer func() {
		configPath = ""
		configExplicit = false
	}()

	// Missing file at default path gives the default config.
	configPath = filepath.Join(t.TempDir(), "mailverify.conf")
	configExplicit = false
	conf, err := loadConfig()
	if err != nil {
		t.Fatalf("load default config: %v", err)
	}
	if conf.Sender != config.DefaultSender || conf.Port != config.DefaultPort {
		t.Fatalf("default config %#v", conf)
	}

	// But not if explicitly configured.
	configExplicit = true
	if _, err := loadConfig(); err == nil {
		t.Fatalf("load explicit missing config, expected error")
	}

	err = os.WriteFile(configPath, []byte("LogLevel: debug\nSender: postmaster@example.org\n"), 0660)
	if err != nil {
		t.Fatalf("write config: %v", err)
	}
	conf, err = loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if conf.Sender != "postmaster@example.org" {
		t.Fatalf("sender %q", conf.Sender)
	}
}

func TestNewVerifier(t *testing.T) {
	log := mlog.New("test", nil)

	conf := config.Default()
	conf.Nameserver = ""
	conf.SOCKS5 = ""
	v, err := newVerifier(conf, log)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, ok := v.Resolver.(dns.StrictResolver); !ok {
		t.Fatalf("resolver %T, expected StrictResolver", v.Resolver)
	}
	tr := v.Transport.(verify.SMTPTransport)
	if tr.Dialer != nil || tr.Resolver == nil || tr.CommandTimeout != conf.CommandTimeout {
		t.Fatalf("transport %#v", tr)
	}

	conf.Nameserver = "127.0.0.1:53"
	conf.NameserverTCP = true
	conf.SOCKS5 = "127.0.0.1:1080"
	v, err = newVerifier(conf, log)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if r, ok := v.Resolver.(dns.ExchangeResolver); !ok || r.Net != "tcp" || r.Server != "127.0.0.1:53" {
		t.Fatalf("resolver %#v, expected ExchangeResolver", v.Resolver)
	}
	tr = v.Transport.(verify.SMTPTransport)
	if tr.Dialer == nil || tr.Resolver != nil {
		t.Fatalf("transport %#v, expected socks5 dialer without resolver", tr)
	}
	if v.Sender != conf.Sender || v.Port != conf.Port {
		t.Fatalf("verifier %#v", v)
	}
}

func TestAPIServer(t *testing.T) {
	conf := config.Default()
	conf.Nameserver = ""
	conf.SOCKS5 = ""
	conf.HTTP = &config.HTTP{Address: "127.0.0.1:0", NoMetrics: true}
	srv, err := newAPIServer(conf, mlog.New("test", nil))
	if err != nil {
		t.Fatalf("new api server: %v", err)
	}
	if srv.Metrics || srv.AuthLimiter == nil || srv.VerifyLimiter == nil {
		t.Fatalf("server %#v", srv)
	}

	test := func(path string, expCode int) {
		t.Helper()
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != expCode {
			t.Fatalf("get %s: code %d, expected %d", path, w.Code, expCode)
		}
	}
	test("/", http.StatusOK)
	test("/metrics", http.StatusNotFound)
}

func TestCommandFlags(t *testing.T) {
	// Commands register their flags on the flagset, visible in usage.
	for _, c := range cmds {
		if strings.Join(c.words, " ") != "verify" {
			continue
		}
		c.gather()
		var names []string
		c.flag.VisitAll(func(f *flag.Flag) { names = append(names, f.Name) })
		if strings.Join(names, ",") != "sender,v" {
			t.Fatalf("verify flags %v", names)
		}
	}
}
