// Package verifyapi serves email address verification over HTTP, as a sherpa
// JSON API.
package verifyapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	_ "embed"

	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/mjl-/mailverify/buildinfo"
	"github.com/mjl-/mailverify/mlog"
	"github.com/mjl-/mailverify/verify"
	"github.com/mjl-/mailverify/verifydb"
)

var pkglog = mlog.New("verifyapi", nil)

// APIJSON is the sherpadoc documentation of the API, as served under _docs and
// used to generate a TypeScript client.
//
//go:embed api.json
var APIJSON []byte

var apiDoc = mustParseAPI("verify", APIJSON)

var apiHandler = mustNewHandler()

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		pkglog.Fatalx("parsing api docs", err, slog.String("api", api))
	}
	return doc
}

func mustNewHandler() http.Handler {
	collector, err := sherpaprom.NewCollector("mailverify", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}
	h, err := sherpa.NewHandler("/api/", buildinfo.Version, API{}, &apiDoc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		pkglog.Fatalx("sherpa handler", err)
	}
	return h
}

type ctxKey string

// requestInfoCtxKey holds a requestInfo in the context of sherpa calls.
var requestInfoCtxKey ctxKey = "requestInfo"

type requestInfo struct {
	server   *Server
	log      mlog.Log
	remoteIP netip.Addr
}

func reqInfo(ctx context.Context) requestInfo {
	return ctx.Value(requestInfoCtxKey).(requestInfo)
}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	reqInfo(ctx).log.Errorx(msg, err)
	panic(&sherpa.Error{Code: "server:error", Message: errmsg})
}

func xusererrorf(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	reqInfo(ctx).log.Debug("user error", slog.String("msg", msg))
	panic(&sherpa.Error{Code: "user:error", Message: msg})
}

// API exports functions for verifying email addresses. All methods are
// exported under api/. Calls require HTTP basic authentication if a password
// is configured.
type API struct{}

// Result is the outcome of verifying an address.
type Result struct {
	Email      string
	Valid      bool   // Whether the address is considered deliverable.
	Failure    string // Stage at which verification failed: syntax, resolution, connection, protocol, rejected. Empty if valid.
	Host       string // Mail exchanger the SMTP session was held with, if any.
	Code       int    // Code of the last SMTP reply.
	Line       string // Text of the last SMTP reply.
	Error      string // Details about the failure.
	DurationMS int64
}

// Record is a verification result from the history.
type Record struct {
	ID         int64
	Time       time.Time
	Email      string
	Sender     string
	Valid      bool
	Failure    string
	Host       string
	Code       int
	Line       string
	Error      string
	DurationMS int64
}

func apiResult(email string, r verify.Result) Result {
	var errmsg string
	if r.Err != nil {
		errmsg = r.Err.Error()
	}
	return Result{email, r.Valid, string(r.Failure), r.Host, r.Code, r.Line, errmsg, r.Duration.Milliseconds()}
}

func apiRecord(r verifydb.Record) Record {
	return Record{r.ID, r.Time, r.Recipient, r.Sender, r.Valid, r.Failure, r.Host, r.Code, r.Line, r.Error, r.Duration.Milliseconds()}
}

// Verify checks whether email is plausibly deliverable, using the configured
// sender address.
func (API) Verify(ctx context.Context, email string) Result {
	return verifyAddress(ctx, email, "")
}

// VerifySender is like Verify, but uses sender for the SMTP HELO and MAIL FROM
// commands.
func (API) VerifySender(ctx context.Context, email, sender string) Result {
	if sender == "" {
		xusererrorf(ctx, "sender required")
	} else if !strings.Contains(sender, "@") {
		xusererrorf(ctx, "sender must be an email address")
	}
	return verifyAddress(ctx, email, sender)
}

// Plausible returns whether email has valid syntax. It does not use the
// network.
func (API) Plausible(ctx context.Context, email string) bool {
	return verify.Plausible(email)
}

// History returns earlier verification results, newest first. If email is
// not empty, only results for that address are returned. A limit of 0 returns
// all results.
func (API) History(ctx context.Context, email string, limit int) []Record {
	info := reqInfo(ctx)
	if info.server.DB == nil {
		xusererrorf(ctx, "history not available")
	}
	l, err := info.server.DB.List(ctx, email, limit)
	if errors.Is(err, verifydb.ErrLimit) {
		xusererrorf(ctx, "%s", err)
	}
	xcheckf(ctx, err, "listing history")
	records := make([]Record, len(l))
	for i, r := range l {
		records[i] = apiRecord(r)
	}
	return records
}

func verifyAddress(ctx context.Context, email, sender string) Result {
	info := reqInfo(ctx)
	s := info.server

	// Syntax failures are cheap and do not count against the limit.
	if verify.Plausible(email) && s.VerifyLimiter != nil && !s.VerifyLimiter.Add(info.remoteIP, time.Now(), 1) {
		metricVerifyLimited.Inc()
		panic(&sherpa.Error{Code: "user:rateLimited", Message: "too many verifications, try again later"})
	}

	vctx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		vctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	r := s.Verifier.Check(vctx, email, sender)
	if s.DB != nil {
		// Stored with a fresh context, the request may have been canceled.
		_, err := s.DB.Add(context.WithoutCancel(ctx), email, s.Verifier.EffectiveSender(sender), r)
		info.log.Check(err, "storing verification result")
	}
	return apiResult(email, r)
}

func remoteAddr(s string) netip.Addr {
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		host = s
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return ip.Unmap()
}
