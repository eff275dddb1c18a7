// Package smtpclient is a minimal SMTP client for probing whether a mail server
// accepts a recipient.
//
// A session is started with New on a connection made with Dial. New reads the
// server greeting. Commands are then sent one at a time with Command, or the
// Hello, Mail and Rcpt wrappers, each returning the reply code and text. No
// message data is ever sent. Close closes the connection without sending QUIT.
//
// Probing a recipient would involve:
//  1. Resolving the MX targets for the recipient domain.
//  2. Dialing an MX target with Dial.
//  3. Initializing an SMTP session with New, and checking the greeting.
//  4. Calling Hello, Mail and Rcpt, and looking at the code of the RCPT reply.
//  5. Calling Close.
package smtpclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/mailverify/metrics"
	"github.com/mjl-/mailverify/mlog"
)

var metricCommands = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "mailverify_smtpclient_command_duration_seconds",
		Help:    "SMTP client command duration and result codes in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
	},
	[]string{
		"cmd",
		"code",
		"secode",
	},
)

var (
	ErrProtocol = errors.New("smtp protocol error")    // After a malformed SMTP response or inconsistent multi-line response.
	ErrBotched  = errors.New("smtp connection is botched") // Set on a client, and returned for new operations, after an i/o error or malformed SMTP response.
	ErrClosed   = errors.New("client is closed")
	ErrCommand  = errors.New("invalid smtp command") // Command with bare CR or LF, or empty.
)

// DefaultCommandTimeout is used for reading a reply when Opts.CommandTimeout is zero.
const DefaultCommandTimeout = 30 * time.Second

// Client is an SMTP client for a single session with a mail server.
//
// Use New to make a new client.
type Client struct {
	conn           net.Conn
	remoteHostname string
	commandTimeout time.Duration

	r        *bufio.Reader
	w        *bufio.Writer
	log      mlog.Log
	lastlog  time.Time // For adding delta timestamps between log lines.
	cmd      string    // Last or active command, for generating errors and metrics.
	cmdStart time.Time // Start of command.

	botched bool // If set, protocol is out of sync and no further commands can be sent.

	greetingCode int
	greetingLine string
}

// Error represents a failed SMTP exchange.
//
// Code, Secode, Command and Line are only set for SMTP-level errors, and are zero
// values otherwise.
type Error struct {
	// Whether failure is permanent, typically because of 5xx response.
	Permanent bool
	// SMTP response status, e.g. 2xx for success, 4xx for transient error and 5xx for
	// permanent failure.
	Code int
	// Short enhanced status, minus first digit and dot. Can be empty, e.g. for io
	// errors or if remote does not send enhanced status codes. If remote responds with
	// "550 5.1.1 ...", the Secode will be "1.1".
	Secode string
	// SMTP command causing failure.
	Command string
	// For errors due to SMTP responses, the full SMTP line excluding CRLF that caused
	// the error. First line of a multi-line response.
	Line string
	// Optional additional lines in case of multi-line SMTP response.
	MoreLines []string
	// Underlying error, e.g. one of the Err variables in this package, or io errors.
	Err error
}

// Unwrap returns the underlying Err.
func (e Error) Unwrap() error {
	return e.Err
}

// Error returns a readable error string.
func (e Error) Error() string {
	s := ""
	if e.Err != nil {
		s = e.Err.Error() + ", "
	}
	if e.Permanent {
		s += "permanent"
	} else {
		s += "transient"
	}
	if e.Line != "" {
		s += ": " + e.Line
	}
	return s
}

// Reply is a complete, possibly multi-line, SMTP reply.
type Reply struct {
	Code      int
	Secode    string   // Enhanced status code without class, e.g. "1.1", if present.
	Line      string   // First line, without CRLF.
	MoreLines []string // Further lines of a multi-line reply.
}

// Text returns all lines of the reply, separated by newlines.
func (r Reply) Text() string {
	if len(r.MoreLines) == 0 {
		return r.Line
	}
	return r.Line + "\n" + strings.Join(r.MoreLines, "\n")
}

// Opts influence behaviour of Client.
type Opts struct {
	// Maximum time for writing a command and reading its reply, including the
	// greeting. If zero, DefaultCommandTimeout is used. A deadline on the context
	// passed to commands takes precedence when it is earlier.
	CommandTimeout time.Duration
}

// New initializes an SMTP session on the given connection by reading the
// server greeting.
//
// New returns a client for any syntactically valid greeting, including
// greetings that refuse service (e.g. "554 no service"), callers must check
// Greeting. If the greeting could not be read or parsed, an error is returned
// and the caller is responsible for closing the connection. Otherwise the
// caller must eventually call Close on the returned client.
func New(ctx context.Context, elog *slog.Logger, conn net.Conn, remoteHostname string, opts Opts) (*Client, error) {
	c := &Client{
		conn:           conn,
		remoteHostname: remoteHostname,
		commandTimeout: opts.CommandTimeout,
		lastlog:        time.Now(),
		cmd:            "(greeting)",
		cmdStart:       time.Now(),
	}
	if c.commandTimeout <= 0 {
		c.commandTimeout = DefaultCommandTimeout
	}
	c.log = mlog.New("smtpclient", elog).WithContext(ctx).WithFunc(func() []slog.Attr {
		now := time.Now()
		l := []slog.Attr{
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		return l
	})

	c.r = bufio.NewReader(&traceReader{c.log, "RS: ", conn})
	c.w = bufio.NewWriter(&traceWriter{c.log, "LC: ", conn})

	if err := c.greeting(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) greeting(ctx context.Context) (rerr error) {
	defer c.recover(&rerr)

	stop := c.xdeadline(ctx)
	defer stop()

	reply := c.xread()
	c.greetingCode = reply.Code
	c.greetingLine = reply.Line
	c.log.Debug("smtp greeting",
		slog.String("host", c.remoteHostname),
		slog.Int("code", reply.Code),
		slog.String("line", reply.Line))
	return nil
}

// Greeting returns the code and first line of the server greeting.
func (c *Client) Greeting() (code int, line string) {
	return c.greetingCode, c.greetingLine
}

// botchf generates a temporary error and marks the client as botched. e.g. for
// i/o errors or invalid protocol messages.
func (c *Client) botchf(code int, secode string, firstLine string, moreLines []string, format string, args ...any) error {
	c.botched = true
	return c.errorf(false, code, secode, firstLine, moreLines, format, args...)
}

func (c *Client) xbotchf(code int, secode string, firstLine string, moreLines []string, format string, args ...any) {
	panic(c.botchf(code, secode, firstLine, moreLines, format, args...))
}

func (c *Client) errorf(permanent bool, code int, secode, firstLine string, moreLines []string, format string, args ...any) error {
	return Error{permanent, code, secode, c.cmd, firstLine, moreLines, fmt.Errorf(format, args...)}
}

func (c *Client) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	cerr, ok := x.(Error)
	if !ok {
		metrics.PanicInc(metrics.Smtpclient)
		panic(x)
	}
	*rerr = cerr
}

// xdeadline sets a deadline on the connection for the current command, and
// makes a cancel of ctx abort blocking i/o. The returned function must be
// called when the command is done.
func (c *Client) xdeadline(ctx context.Context) func() {
	deadline := time.Now().Add(c.commandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.log.Errorx("setting deadline", err)
	}
	stop := context.AfterFunc(ctx, func() {
		if err := c.conn.SetDeadline(time.Now()); err != nil {
			c.log.Debugx("setting deadline after context done", err)
		}
	})
	return func() { stop() }
}

func (c *Client) xwriteline(line string) {
	if _, err := fmt.Fprintf(c.w, "%s\r\n", line); err != nil {
		c.xbotchf(0, "", "", nil, "write: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		c.xbotchf(0, "", "", nil, "writes: %w", err)
	}
}

// read response, possibly multiline.
func (c *Client) xread() Reply {
	var reply Reply
	first := true
	for {
		co, sec, line, last, err := c.read1()
		if err != nil {
			panic(err)
		}
		if first {
			reply.Line = line
			first = false
		} else {
			reply.MoreLines = append(reply.MoreLines, line)
		}
		if reply.Code != 0 && co != reply.Code {
			c.xbotchf(0, "", reply.Line, reply.MoreLines, "%w: multiline response with different codes, previous %d, last %d", ErrProtocol, reply.Code, co)
		}
		reply.Code = co
		if last {
			reply.Secode = sec
			metricCommands.WithLabelValues(c.cmd, fmt.Sprintf("%d", co), sec).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
			c.log.Debug("smtpclient command result",
				slog.String("cmd", c.cmd),
				slog.Int("code", co),
				slog.String("secode", sec),
				slog.Duration("duration", time.Since(c.cmdStart)))
			return reply
		}
	}
}

// read single response line.
func (c *Client) read1() (code int, secode, line string, last bool, rerr error) {
	line, err := readline(c.r)
	if err != nil {
		rerr = c.botchf(0, "", "", nil, "%s: %w", c.cmd, err)
		return
	}
	i := 0
	for ; i < len(line) && line[i] >= '0' && line[i] <= '9'; i++ {
	}
	if i != 3 {
		rerr = c.botchf(0, "", line, nil, "%w: expected response code: %s", ErrProtocol, line)
		return
	}
	v, err := strconv.ParseInt(line[:i], 10, 32)
	if err != nil {
		rerr = c.botchf(0, "", line, nil, "%w: bad response code (%s): %s", ErrProtocol, err, line)
		return
	}
	code = int(v)
	s := line[3:]
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, " ") {
		last = s[0] == ' '
		s = s[1:]
	} else if s == "" {
		// Allow missing space, RFC 5321 section 4.2.
		last = true
	} else {
		rerr = c.botchf(0, "", line, nil, "%w: expected space or dash after response code: %s", ErrProtocol, line)
		return
	}
	secode = parseEcode(code/100, s)
	return code, secode, line, last, nil
}

// parseEcode returns the enhanced status code without class from the start of
// reply text s, e.g. "1.1" for "5.1.1 no such user" with major 5. An empty
// string is returned if s does not start with an enhanced status code for the
// class.
func parseEcode(major int, s string) (secode string) {
	o := 0
	bad := false
	take := func(need bool, a, b byte) bool {
		if !bad && o < len(s) && s[o] >= a && s[o] <= b {
			o++
			return true
		}
		bad = bad || need
		return false
	}
	digit := func(need bool) bool {
		return take(need, '0', '9')
	}
	dot := func() bool {
		return take(true, '.', '.')
	}

	digit(true)
	dot()
	xo := o
	digit(true)
	for digit(false) {
	}
	dot()
	digit(true)
	for digit(false) {
	}
	secode = s[xo:o]
	if bad || int(s[0])-int('0') != major || o < len(s) && s[o] != ' ' {
		return ""
	}
	return secode
}

// Command writes a single command line and reads the reply. The reply is
// returned for all reply codes, only i/o and protocol errors result in an
// error. After such an error, the client is botched and only Close can be
// called.
func (c *Client) Command(ctx context.Context, line string) (reply Reply, rerr error) {
	if c.conn == nil {
		return Reply{}, ErrClosed
	} else if c.botched {
		return Reply{}, ErrBotched
	} else if line == "" || strings.ContainsAny(line, "\r\n") {
		return Reply{}, fmt.Errorf("%w: %q", ErrCommand, line)
	}

	defer c.recover(&rerr)

	stop := c.xdeadline(ctx)
	defer stop()

	c.cmd = commandName(line)
	c.cmdStart = time.Now()
	c.xwriteline(line)
	return c.xread(), nil
}

func commandName(line string) string {
	name, _, _ := strings.Cut(line, " ")
	name, _, _ = strings.Cut(name, ":")
	return strings.ToLower(name)
}

// Hello sends HELO with the given identity.
func (c *Client) Hello(ctx context.Context, name string) (Reply, error) {
	return c.Command(ctx, "HELO "+name)
}

// Mail sends MAIL FROM with the given reverse path, without angle brackets.
func (c *Client) Mail(ctx context.Context, from string) (Reply, error) {
	return c.Command(ctx, "MAIL FROM:<"+from+">")
}

// Rcpt sends RCPT TO with the given forward path, without angle brackets.
func (c *Client) Rcpt(ctx context.Context, to string) (Reply, error) {
	return c.Command(ctx, "RCPT TO:<"+to+">")
}

// Botched returns whether this connection is botched, e.g. a protocol error
// occurred and the connection is in unknown state.
func (c *Client) Botched() bool {
	return c.botched || c.conn == nil
}

// Close closes the underlying connection. No QUIT command is sent, the session
// is abandoned as is.
func (c *Client) Close() error {
	if c.conn == nil {
		return ErrClosed
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
