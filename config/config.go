// Package config holds the configuration file definition for mailverify.conf,
// in sconf format, and its parsing and validation.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/nsqio/go-nsq"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mailverify/dns"
	"github.com/mjl-/mailverify/mlog"
	"github.com/mjl-/mailverify/verify"
)

// Defaults for optional fields.
const (
	DefaultSender         = verify.DefaultSender
	DefaultPort           = verify.DefaultPort
	DefaultTimeout        = time.Minute
	DefaultDialTimeout    = 30 * time.Second
	DefaultCommandTimeout = 30 * time.Second
	DefaultMaxInFlight    = 50
	DefaultConcurrency    = 10
)

// Config is the parsed form of mailverify.conf.
type Config struct {
	LogLevel         string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDefault log level, one of: error, info, debug, trace. Trace logs SMTP protocol transcripts."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. verify, smtpclient, dns, verifydb, verifyapi, nsqworker)."`
	Sender           string            `sconf:"optional" sconf-doc:"Sender address used for the SMTP session. Its localpart is used in HELO, and MAIL FROM is localpart@mail.<domain>. Default: abc@qq.com."`
	Port             int               `sconf:"optional" sconf-doc:"Port to connect to on mail exchangers. Default: 25."`
	Timeout          time.Duration     `sconf:"optional" sconf-doc:"Maximum duration of a single verification, including DNS lookups and the SMTP session. Default: 1m."`
	DialTimeout      time.Duration     `sconf:"optional" sconf-doc:"Maximum duration for connecting to a mail exchanger IP. Default: 30s."`
	CommandTimeout   time.Duration     `sconf:"optional" sconf-doc:"Maximum duration for an SMTP reply, including the greeting. Default: 30s."`
	Nameserver       string            `sconf:"optional" sconf-doc:"If set, DNS requests are sent directly to this name server, in host:port form, e.g. 127.0.0.1:53, instead of those in /etc/resolv.conf. MX records are then used in the order of the response."`
	NameserverTCP    bool              `sconf:"optional" sconf-doc:"Use TCP for requests to Nameserver instead of UDP."`
	SOCKS5           string            `sconf:"optional" sconf-doc:"Address of a SOCKS5 proxy in host:port form to make SMTP connections through."`
	DataDir          string            `sconf:"optional" sconf-doc:"Directory for the database with the history of verifications. If empty, no history is kept. If this is a relative path, it is relative to the directory of mailverify.conf."`
	HTTP             *HTTP             `sconf:"optional" sconf-doc:"HTTP API for verifications, used by the serve subcommand."`
	NSQ              *NSQ              `sconf:"optional" sconf-doc:"NSQ worker for verification requests, used by the nsqworker subcommand."`

	ConfigDir string `sconf:"-" json:"-"`
}

// HTTP configures the JSON API served at /api/.
type HTTP struct {
	Address      string `sconf-doc:"Address to listen on, e.g. 127.0.0.1:8080 or :443."`
	PasswordHash string `sconf:"optional" sconf-doc:"Bcrypt hash of password required through HTTP basic authentication, with any username. Generate with the hashpassword subcommand. If empty, no authentication is required."`
	NoMetrics    bool   `sconf:"optional" sconf-doc:"Do not serve prometheus metrics at /metrics."`
	ACME         *ACME  `sconf:"optional" sconf-doc:"Serve HTTPS with certificates from an ACME provider such as Let's Encrypt. Address should then typically be :443."`
}

// ACME configures automatic TLS certificates.
type ACME struct {
	Hostname     string `sconf-doc:"Hostname to request a certificate for."`
	CacheDir     string `sconf-doc:"Directory to store account keys and certificates. If this is a relative path, it is relative to the directory of mailverify.conf."`
	ContactEmail string `sconf:"optional" sconf-doc:"Email address for the ACME account, for notifications about certificates."`
	DirectoryURL string `sconf:"optional" sconf-doc:"ACME directory URL. Default: Let's Encrypt production."`
}

// NSQ configures the queue worker. Requests are read from RequestTopic, with
// results published to the topic named in the request, or ResultTopic.
type NSQ struct {
	NSQD         string   `sconf:"optional" sconf-doc:"Address of nsqd, e.g. 127.0.0.1:4150. Used for publishing results, and for consuming requests if Lookupd is empty."`
	Lookupd      []string `sconf:"optional" sconf-doc:"HTTP addresses of nsqlookupd instances for discovering nsqd instances with requests, e.g. 127.0.0.1:4161."`
	PublishNSQD  string   `sconf:"optional" sconf-doc:"Address of nsqd to publish results to, if different from NSQD."`
	RequestTopic string   `sconf-doc:"Topic with verification requests."`
	Channel      string   `sconf-doc:"Channel to consume requests on."`
	ResultTopic  string   `sconf:"optional" sconf-doc:"Topic for results of requests that don't specify a result topic."`
	MaxInFlight  int      `sconf:"optional" sconf-doc:"Maximum number of requests in flight. Default: 50."`
	Concurrency  int      `sconf:"optional" sconf-doc:"Number of concurrent verifications. Default: 10."`
}

// Load parses the configuration file at path, applies defaults and validates it.
func Load(path string) (Config, error) {
	var c Config
	if err := sconf.ParseFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}
	c.ConfigDir = filepath.Dir(path)
	if err := c.prepare(); err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return c, nil
}

// Parse reads a configuration from r, applies defaults and validates it.
// Relative paths are relative to dir.
func Parse(r io.Reader, dir string) (Config, error) {
	var c Config
	if err := sconf.Parse(r, &c); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	c.ConfigDir = dir
	if err := c.prepare(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Default returns a configuration with defaults, for use without a config file.
func Default() Config {
	c := Config{LogLevel: "error", ConfigDir: "."}
	if err := c.prepare(); err != nil {
		panic(err)
	}
	return c
}

func (c *Config) prepare() error {
	if c.Sender == "" {
		c.Sender = DefaultSender
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.DataDir != "" {
		c.DataDir = c.path(c.DataDir)
	}
	if c.HTTP != nil && c.HTTP.ACME != nil {
		c.HTTP.ACME.CacheDir = c.path(c.HTTP.ACME.CacheDir)
	}
	if c.NSQ != nil {
		if c.NSQ.MaxInFlight == 0 {
			c.NSQ.MaxInFlight = DefaultMaxInFlight
		}
		if c.NSQ.Concurrency == 0 {
			c.NSQ.Concurrency = DefaultConcurrency
		}
		if c.NSQ.PublishNSQD == "" {
			c.NSQ.PublishNSQD = c.NSQ.NSQD
		}
	}
	return c.validate()
}

func (c Config) path(p string) string {
	if filepath.IsAbs(p) || c.ConfigDir == "" {
		return p
	}
	return filepath.Join(c.ConfigDir, p)
}

func (c Config) validate() error {
	var errs []error
	addf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := mlog.ParseLevel(c.LogLevel); err != nil {
		addf("LogLevel: %v", err)
	}
	for _, pkg := range sortedKeys(c.PackageLogLevels) {
		if _, err := mlog.ParseLevel(c.PackageLogLevels[pkg]); err != nil {
			addf("PackageLogLevels %s: %v", pkg, err)
		}
	}
	if local, domain, ok := strings.Cut(c.Sender, "@"); !ok || local == "" || domain == "" {
		addf("Sender %q: must be an address of the form localpart@domain", c.Sender)
	}
	if c.Port <= 0 || c.Port > 65535 {
		addf("Port %d: must be between 1 and 65535", c.Port)
	}
	if c.Timeout < 0 || c.DialTimeout < 0 || c.CommandTimeout < 0 {
		addf("timeouts must not be negative")
	}
	if c.Nameserver != "" {
		if _, _, err := net.SplitHostPort(c.Nameserver); err != nil {
			addf("Nameserver %q: %v", c.Nameserver, err)
		}
	}
	if c.SOCKS5 != "" {
		if _, _, err := net.SplitHostPort(c.SOCKS5); err != nil {
			addf("SOCKS5 %q: %v", c.SOCKS5, err)
		}
	}

	if c.HTTP != nil {
		if c.HTTP.Address == "" {
			addf("HTTP.Address: must be set")
		}
		if c.HTTP.PasswordHash != "" {
			if _, err := bcrypt.Cost([]byte(c.HTTP.PasswordHash)); err != nil {
				addf("HTTP.PasswordHash: not a bcrypt hash: %v", err)
			}
		}
		if a := c.HTTP.ACME; a != nil {
			if a.Hostname == "" || a.CacheDir == "" {
				addf("HTTP.ACME: Hostname and CacheDir must be set")
			} else if _, err := dns.ParseDomain(a.Hostname); err != nil {
				addf("HTTP.ACME.Hostname %q: %v", a.Hostname, err)
			}
		}
	}

	if q := c.NSQ; q != nil {
		if q.NSQD == "" && len(q.Lookupd) == 0 {
			addf("NSQ: one of NSQD and Lookupd must be set")
		}
		if q.PublishNSQD == "" {
			addf("NSQ: NSQD or PublishNSQD must be set for publishing results")
		}
		if !nsq.IsValidTopicName(q.RequestTopic) {
			addf("NSQ.RequestTopic %q: invalid topic name", q.RequestTopic)
		}
		if q.ResultTopic != "" && !nsq.IsValidTopicName(q.ResultTopic) {
			addf("NSQ.ResultTopic %q: invalid topic name", q.ResultTopic)
		}
		if !nsq.IsValidChannelName(q.Channel) {
			addf("NSQ.Channel %q: invalid channel name", q.Channel)
		}
		if q.MaxInFlight < 0 || q.Concurrency < 0 {
			addf("NSQ: MaxInFlight and Concurrency must not be negative")
		}
	}
	return errors.Join(errs...)
}

// LogLevels returns the log levels for mlog.SetConfig, with the default level
// under the empty string.
func (c Config) LogLevels() map[string]slog.Level {
	levels := map[string]slog.Level{}
	levels[""], _ = mlog.ParseLevel(c.LogLevel)
	for pkg, s := range c.PackageLogLevels {
		levels[pkg], _ = mlog.ParseLevel(s)
	}
	return levels
}

func sortedKeys(m map[string]string) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// Describe writes an example configuration file with documentation to w.
func Describe(w io.Writer) error {
	example := Config{
		LogLevel:         "info",
		PackageLogLevels: map[string]string{"smtpclient": "trace"},
		Sender:           DefaultSender,
		Port:             DefaultPort,
		Timeout:          DefaultTimeout,
		DialTimeout:      DefaultDialTimeout,
		CommandTimeout:   DefaultCommandTimeout,
		Nameserver:       "127.0.0.1:53",
		SOCKS5:           "127.0.0.1:1080",
		DataDir:          "data",
		HTTP: &HTTP{
			Address: "127.0.0.1:8080",
			ACME: &ACME{
				Hostname: "verify.example.com",
				CacheDir: "acme",
			},
		},
		NSQ: &NSQ{
			NSQD:         "127.0.0.1:4150",
			Lookupd:      []string{"127.0.0.1:4161"},
			RequestTopic: "verify-request",
			Channel:      "mailverify",
			ResultTopic:  "verify-result",
			MaxInFlight:  DefaultMaxInFlight,
			Concurrency:  DefaultConcurrency,
		},
	}
	return sconf.Describe(w, &example)
}
