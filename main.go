// Command mailverify checks whether email addresses are plausibly
// deliverable, from the command line, through an HTTP API, or as NSQ worker.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net"
	"os"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"

	"github.com/mjl-/sherpats"

	"github.com/mjl-/mailverify/buildinfo"
	"github.com/mjl-/mailverify/config"
	"github.com/mjl-/mailverify/dns"
	"github.com/mjl-/mailverify/mlog"
	"github.com/mjl-/mailverify/smtpclient"
	"github.com/mjl-/mailverify/verify"
	"github.com/mjl-/mailverify/verifyapi"
	"github.com/mjl-/mailverify/verifydb"
)

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"verify", cmdVerify},
	{"mx", cmdMX},
	{"serve", cmdServe},
	{"nsqworker", cmdNsqworker},
	{"history", cmdHistory},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"hashpassword", cmdHashpassword},
	{"gentypescript", cmdGentypescript},
	{"version", cmdVersion},
	{"help", cmdHelp},
	{"helpall", cmdHelpall},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we run the command until it has
	// registered its flags and set params and help, and panic here.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("mailverify "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "mailverify " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "mailverify " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	n := 0
	for _, c := range cmds {
		c.gather()
		if c.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintf(os.Stderr, "\n")
		}
		n++

		fmt.Fprintf(os.Stderr, "# mailverify %s\n\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Fprintln(os.Stderr, c.help+"\n")
		}
		s := c.makeUsage()
		s = "\t" + strings.ReplaceAll(s, "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "mailverify [-config mailverify.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"mailverify"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var (
	configPath     string
	configExplicit bool   // Whether -config or $MAILVERIFYCONF was set.
	loglevel       string // If set, overrides the default log level from the config file.
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

// loadConfig loads the configuration file. Without explicitly configured path
// and without a file at the default path, the default configuration is used.
func loadConfig() (config.Config, error) {
	if !configExplicit {
		if _, err := os.Stat(configPath); err != nil && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
	}
	return config.Load(configPath)
}

// mustLoadConfig loads the configuration and sets the log levels from it,
// with the log level from the command-line taking precedence.
func mustLoadConfig() config.Config {
	conf, err := loadConfig()
	xcheckf(err, "loading config")
	levels := conf.LogLevels()
	if loglevel != "" {
		level, err := mlog.ParseLevel(loglevel)
		xcheckf(err, "parsing loglevel")
		levels[""] = level
	}
	mlog.SetConfig(levels)
	return conf
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("MAILVERIFYCONF", "mailverify.conf"), "configuration file, defaults to $MAILVERIFYCONF with a fallback to mailverify.conf; without config file, defaults are used")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, overrides the default log level from the config file: error, info, debug, trace")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}
	configExplicit = os.Getenv("MAILVERIFYCONF") != ""
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			configExplicit = true
		}
	})
	if loglevel != "" {
		level, err := mlog.ParseLevel(loglevel)
		if err != nil {
			log.Fatalf("%s", err)
		}
		mlog.SetConfig(map[string]slog.Level{"": level})
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("mailverify "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

// newResolver returns the resolver for MX and host lookups: the configured
// name server, or the system resolver.
func newResolver(conf config.Config, log mlog.Log) dns.Resolver {
	if conf.Nameserver != "" {
		network := "udp"
		if conf.NameserverTCP {
			network = "tcp"
		}
		return dns.ExchangeResolver{Server: conf.Nameserver, Net: network, Pkg: "verify", Log: log.Logger}
	}
	return dns.StrictResolver{Pkg: "verify", Log: log.Logger}
}

// newVerifier returns a verifier set up from the configuration.
func newVerifier(conf config.Config, log mlog.Log) (verify.Verifier, error) {
	resolver := newResolver(conf, log)
	transport := verify.SMTPTransport{
		Resolver:       resolver,
		DialTimeout:    conf.DialTimeout,
		CommandTimeout: conf.CommandTimeout,
		Log:            log.Logger,
	}
	if conf.SOCKS5 != "" {
		dialer, err := smtpclient.SOCKS5Dialer(conf.SOCKS5, &net.Dialer{Timeout: conf.DialTimeout})
		if err != nil {
			return verify.Verifier{}, err
		}
		transport.Dialer = dialer
		// Host names are resolved by the proxy.
		transport.Resolver = nil
	}
	v := verify.Verifier{
		Resolver:  resolver,
		Transport: transport,
		Port:      conf.Port,
		Sender:    conf.Sender,
		Log:       log.Logger,
	}
	return v, nil
}

// openDB opens the history database if a data directory is configured.
func openDB(conf config.Config, log mlog.Log) *verifydb.DB {
	if conf.DataDir == "" {
		return nil
	}
	db, err := verifydb.Open(context.Background(), log.Logger, conf.DataDir)
	xcheckf(err, "opening history database")
	return db
}

func cmdVerify(c *cmd) {
	c.params = "[-sender address] [-v] address ..."
	c.help = `Verify whether email addresses are plausibly deliverable.

For each address, the MX records of its domain are looked up, and an SMTP
session is started with the first mail exchanger that accepts a connection.
After HELO and MAIL FROM, the address is given in RCPT TO. The address is
deliverable if that command is accepted with code 250. No message is sent.

For each address, a line with "valid" or "invalid" is printed. The exit status
is 1 if any address is invalid. Results are stored in the history database if
DataDir is configured.
`
	var sender string
	var verbose bool
	c.flag.StringVar(&sender, "sender", "", "sender address for HELO and MAIL FROM, its domain is prefixed with \"mail.\"; default from config")
	c.flag.BoolVar(&verbose, "v", false, "print details about each verification")
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	conf := mustLoadConfig()
	v, err := newVerifier(conf, c.log)
	xcheckf(err, "setting up verifier")
	db := openDB(conf, c.log)
	if db != nil {
		defer db.Close()
	}

	invalid := false
	for _, addr := range args {
		ctx, cancel := context.WithTimeout(context.Background(), conf.Timeout)
		r := v.Check(ctx, addr, sender)
		cancel()
		if db != nil {
			_, err := db.Add(context.Background(), addr, v.EffectiveSender(sender), r)
			c.log.Check(err, "storing verification result")
		}

		if r.Valid {
			fmt.Printf("%s valid\n", addr)
		} else {
			invalid = true
			reason := string(r.Failure)
			if r.Err != nil {
				reason += ": " + r.Err.Error()
			} else if r.Code != 0 {
				reason += fmt.Sprintf(": %d %s", r.Code, r.Line)
			}
			fmt.Printf("%s invalid (%s)\n", addr, reason)
		}
		if verbose {
			fmt.Printf("\thost %s, code %d, line %q, duration %s\n", r.Host, r.Code, r.Line, r.Duration.Round(time.Millisecond))
		}
	}
	if invalid {
		os.Exit(1)
	}
}

func cmdMX(c *cmd) {
	c.params = "domain"
	c.help = `Lookup and print the MX records for domain.

Records are printed in the order they are used for verification.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	conf := mustLoadConfig()
	d, err := dns.ParseDomain(args[0])
	xcheckf(err, "parsing domain")
	resolver := newResolver(conf, c.log)
	ctx, cancel := context.WithTimeout(context.Background(), conf.Timeout)
	defer cancel()
	mxs, result, err := resolver.LookupMX(ctx, d.Absolute())
	xcheckf(err, "looking up mx records")
	for _, mx := range mxs {
		fmt.Printf("%d %s\n", mx.Pref, mx.Host)
	}
	if result.Authentic {
		fmt.Println("(dnssec authentic)")
	}
}

func cmdHistory(c *cmd) {
	c.params = "[-n count] [address]"
	c.help = `List earlier verifications from the history database, newest first.

Only verifications of address are listed if specified. Requires DataDir in the
configuration.
`
	var n int
	c.flag.IntVar(&n, "n", 20, "maximum number of results, 0 for all")
	args := c.Parse()
	if len(args) > 1 {
		c.Usage()
	}
	var address string
	if len(args) == 1 {
		address = args[0]
	}

	conf := mustLoadConfig()
	if conf.DataDir == "" {
		log.Fatalf("no DataDir configured, no history available")
	}
	db := openDB(conf, c.log)
	defer db.Close()
	l, err := db.List(context.Background(), address, n)
	xcheckf(err, "listing history")
	for _, r := range l {
		status := "valid"
		if !r.Valid {
			status = "invalid (" + r.Failure + ")"
		}
		fmt.Printf("%s %s %s host %s code %d %q\n", r.Time.Format(time.RFC3339), r.Recipient, status, r.Host, r.Code, r.Line)
	}
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, err := config.Load(configPath)
	if err != nil {
		log.Printf("%s", err)
		os.Exit(1)
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">mailverify.conf"
	c.help = `Prints an annotated example configuration for use as mailverify.conf.

The example includes all optional sections, remove those that are not needed.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	err := config.Describe(os.Stdout)
	xcheckf(err, "describing config")
}

func cmdHashpassword(c *cmd) {
	c.help = `Read a password from stdin and print its bcrypt hash.

Use the hash for HTTP.PasswordHash in the configuration file.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	pw := xreadpassword()
	pw, err := precis.OpaqueString.String(pw)
	xcheckf(err, `checking password with "precis" requirements`)
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	xcheckf(err, "generating hash for password")
	fmt.Println(string(hash))
}

func xreadpassword() string {
	fmt.Fprintf(os.Stderr, "password: ")
	scanner := bufio.NewScanner(os.Stdin)
	// A missing trailing newline is fine, only a read error is not.
	scanner.Scan()
	xcheckf(scanner.Err(), "reading stdin")
	pw := scanner.Text()
	if len(pw) < 8 {
		log.Fatal("password must be at least 8 characters")
	}
	return pw
}

func cmdGentypescript(c *cmd) {
	c.params = ">api.ts"
	c.help = `Print a TypeScript client for the HTTP API.

The client is generated from the API documentation, as served by the API under
_docs.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	// sherpats v0.0.6 ignores its reader argument and decodes os.Stdin.
	r, w, err := os.Pipe()
	xcheckf(err, "pipe")
	go func() {
		_, err := w.Write(verifyapi.APIJSON)
		c.log.Check(err, "writing api documentation to pipe")
		w.Close()
	}()
	stdin := os.Stdin
	os.Stdin = r
	defer func() {
		os.Stdin = stdin
		r.Close()
	}()

	opts := sherpats.Options{
		Namespace:        "api",
		SlicesNullable:   true,
		MapsNullable:     true,
		NullableOptional: true,
		BytesToString:    true,
	}
	err = sherpats.Generate(r, os.Stdout, "api", opts)
	xcheckf(err, "generating typescript")
}

func cmdVersion(c *cmd) {
	c.help = "Prints the version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(buildinfo.Version)
}
