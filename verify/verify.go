// Package verify checks whether an email address is plausibly deliverable,
// without sending a message.
//
// An address is checked in stages: its syntax, the MX records of its domain,
// and finally an SMTP session with the first mail exchanger that greets with a
// positive reply. In that session, HELO, MAIL FROM and RCPT TO are sent, and
// the address is considered deliverable only if the reply to RCPT TO has code
// 250. No message is sent, and the session is abandoned without QUIT.
//
// Catch-all domains accept any recipient, for those every address is
// reported as deliverable.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/adns"

	"github.com/mjl-/mailverify/metrics"
	"github.com/mjl-/mailverify/mlog"
	"github.com/mjl-/mailverify/smtp"
	"github.com/mjl-/mailverify/smtpclient"
)

var (
	metricVerify = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailverify_verify_total",
			Help: "Verifications by result: ok, or the failure.",
		},
		[]string{
			"result", // ok, syntax, resolution, connection, protocol, rejected
		},
	)
	metricVerifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailverify_verify_duration_seconds",
			Help:    "Duration of verifications, including syntax failures.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
	)
)

// DefaultSender is used for the HELO and MAIL FROM commands when no sender is
// configured or passed.
const DefaultSender = "abc@qq.com"

// DefaultPort is the SMTP port mail exchangers are connected to.
const DefaultPort = 25

// Addresses must fully match this expression. Word characters are ASCII only.
var addressRegexp = regexp.MustCompile(`^[\w.\-]+@([\w\-]+\.)+[\w\-]+$`)

var (
	ErrSyntax    = errors.New("address does not have valid syntax")
	ErrNoMX      = errors.New("no mx records")
	ErrExhausted = errors.New("no mail exchanger accepted connection")
	ErrGreeting  = errors.New("greeting without positive completion")
	ErrSender    = errors.New("sender address must contain @")
	ErrPanic     = errors.New("unhandled panic")
)

// Failure indicates at which stage a verification failed.
type Failure string

const (
	FailureNone       Failure = ""
	FailureSyntax     Failure = "syntax"     // Recipient does not match the address syntax.
	FailureResolution Failure = "resolution" // MX lookup failed or returned no records.
	FailureConnection Failure = "connection" // No mail exchanger could be connected to, or none greeted with 2xx.
	FailureProtocol   Failure = "protocol"   // Error during SMTP commands, or bad sender.
	FailureRejected   Failure = "rejected"   // RCPT TO reply did not have code 250.
)

// Resolver looks up MX records. Names end with a dot. Records are used in the
// order returned.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error)
}

// Transport opens SMTP sessions.
type Transport interface {
	// Connect dials host at port and reads the greeting. The returned session is
	// owned by the caller, who must close it.
	Connect(ctx context.Context, host string, port int) (Session, error)
}

// Session is an SMTP session with a mail exchanger, after reading the greeting.
// *smtpclient.Client implements Session.
type Session interface {
	Greeting() (code int, line string)
	// Command sends a line and returns the reply. Replies with any code are
	// returned without error.
	Command(ctx context.Context, line string) (smtpclient.Reply, error)
	Close() error
}

// Result is the outcome of a verification, with details about how it was
// reached.
type Result struct {
	Valid    bool          // Whether the address is considered deliverable.
	Failure  Failure       // Empty if Valid.
	Host     string        // Mail exchanger the SMTP session was held with, if any.
	Code     int           // Code of last SMTP reply, typically for RCPT TO.
	Line     string        // First line of last SMTP reply.
	Err      error         // Cause of the failure, nil for Valid and FailureRejected.
	Duration time.Duration // Of the whole verification.
}

// Verifier verifies email addresses. The zero value is not usable, Resolver
// and Transport must be set. A Verifier can be used concurrently, it does not
// hold state between calls.
type Verifier struct {
	Resolver  Resolver
	Transport Transport
	Port      int    // If 0, DefaultPort is used.
	Sender    string // If empty, DefaultSender is used.
	Log       *slog.Logger
}

// Plausible returns whether address has valid syntax for verification, e.g.
// "user@example.com". It does not do any network access.
func Plausible(address string) bool {
	return addressRegexp.MatchString(address)
}

// Verify returns whether recipient is plausibly deliverable, using the
// configured sender. All failures, including DNS and network errors, result in
// false.
func (v Verifier) Verify(ctx context.Context, recipient string) bool {
	return v.Check(ctx, recipient, "").Valid
}

// VerifySender is like Verify, but with an explicit sender address. The local
// part of sender is used for HELO, and for MAIL FROM with the domain prefixed
// with "mail.". An empty sender means the configured or default sender.
func (v Verifier) VerifySender(ctx context.Context, recipient, sender string) bool {
	return v.Check(ctx, recipient, sender).Valid
}

func (v Verifier) log() mlog.Log {
	return mlog.New("verify", v.Log)
}

func (v Verifier) port() int {
	if v.Port == 0 {
		return DefaultPort
	}
	return v.Port
}

// EffectiveSender returns sender if not empty, otherwise the configured sender,
// or DefaultSender.
func (v Verifier) EffectiveSender(sender string) string {
	if sender != "" {
		return sender
	}
	if v.Sender != "" {
		return v.Sender
	}
	return DefaultSender
}

// Check verifies recipient like VerifySender, returning details. Every SMTP
// session that is opened is closed before Check returns.
func (v Verifier) Check(ctx context.Context, recipient, sender string) (result Result) {
	start := time.Now()
	log := v.log().WithContext(ctx).With(slog.String("recipient", recipient))

	defer func() {
		x := recover()
		if x != nil {
			log.Error("unhandled panic during verification", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Verify)
			result.Valid = false
			result.Failure = FailureProtocol
			result.Err = fmt.Errorf("%w: %v", ErrPanic, x)
		}

		result.Duration = time.Since(start)
		label := string(result.Failure)
		if result.Valid {
			label = "ok"
		}
		metricVerify.WithLabelValues(label).Inc()
		metricVerifyDuration.Observe(float64(result.Duration) / float64(time.Second))
		log.Infox("verification result", result.Err,
			slog.Bool("valid", result.Valid),
			slog.String("failure", string(result.Failure)),
			slog.String("host", result.Host),
			slog.Int("code", result.Code),
			slog.Duration("duration", result.Duration))
	}()

	if !Plausible(recipient) {
		return Result{Failure: FailureSyntax, Err: ErrSyntax}
	}

	sender = v.EffectiveSender(sender)
	senderLocal, senderDomain, ok := strings.Cut(sender, "@")
	if !ok {
		return Result{Failure: FailureProtocol, Err: fmt.Errorf("%w: %q", ErrSender, sender)}
	}
	// Only the part up to a next @ is the domain.
	senderDomain, _, _ = strings.Cut(senderDomain, "@")

	domain := recipient[strings.LastIndexByte(recipient, '@')+1:]
	mxs, _, err := v.Resolver.LookupMX(ctx, domain+".")
	if err != nil {
		return Result{Failure: FailureResolution, Err: fmt.Errorf("looking up mx records: %w", err)}
	}
	var hosts []string
	for _, mx := range mxs {
		// A null MX, with host ".", means the domain does not accept email.
		if mx != nil && mx.Host != "." && mx.Host != "" {
			hosts = append(hosts, mx.Host)
		}
	}
	if len(hosts) == 0 {
		return Result{Failure: FailureResolution, Err: ErrNoMX}
	}
	log.Debug("mail exchangers", slog.Any("hosts", hosts))

	session, host, err := v.acquire(ctx, log, hosts)
	if err != nil {
		return Result{Failure: FailureConnection, Err: err}
	}
	defer v.closeSession(log, session, host)

	result.Host = host
	commands := []string{
		"HELO " + senderLocal,
		"MAIL FROM:<" + senderLocal + "@mail." + senderDomain + ">",
		"RCPT TO:<" + recipient + ">",
	}
	for _, cmd := range commands {
		reply, err := session.Command(ctx, cmd)
		if err != nil {
			result.Failure = FailureProtocol
			result.Err = fmt.Errorf("smtp command: %w", err)
			return result
		}
		// Replies to HELO and MAIL FROM are recorded but not acted on.
		result.Code = reply.Code
		result.Line = reply.Line
		log.Debug("smtp reply", slog.String("cmd", cmd), slog.Int("code", reply.Code), slog.String("line", reply.Line))
	}

	result.Valid = result.Code == smtp.C250Completed
	if !result.Valid {
		result.Failure = FailureRejected
	}
	return result
}

// acquire returns a session with the first host that can be connected to and
// greets with a positive completion code. Sessions with other hosts are closed.
// If no host is usable, an error wrapping ErrExhausted is returned.
func (v Verifier) acquire(ctx context.Context, log mlog.Log, hosts []string) (Session, string, error) {
	var errs []error
	for _, host := range hosts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		session, err := v.connect(ctx, log, host)
		if err != nil {
			log.Debugx("mail exchanger not usable", err, slog.String("host", host))
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
			continue
		}
		return session, host, nil
	}
	return nil, "", fmt.Errorf("%w: %w", ErrExhausted, errors.Join(errs...))
}

func (v Verifier) connect(ctx context.Context, log mlog.Log, host string) (rsession Session, rerr error) {
	log.Debug("connecting to mail exchanger", slog.String("host", host), slog.Int("port", v.port()))
	session, err := v.Transport.Connect(ctx, host, v.port())
	if err != nil {
		return nil, err
	} else if session == nil {
		return nil, errors.New("transport returned no session")
	}

	accepted := false
	defer func() {
		if !accepted {
			v.closeSession(log, session, host)
		}
	}()

	code, line := session.Greeting()
	if !smtp.IsPositiveCompletion(code) {
		return nil, fmt.Errorf("%w: %s", ErrGreeting, line)
	}
	accepted = true
	return session, nil
}

func (v Verifier) closeSession(log mlog.Log, session Session, host string) {
	if err := session.Close(); err != nil {
		log.Debugx("closing smtp session", err, slog.String("host", host))
	}
}
