package verifyapi

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/russross/blackfriday/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/mailverify/buildinfo"
	"github.com/mjl-/mailverify/metrics"
	"github.com/mjl-/mailverify/mlog"
	"github.com/mjl-/mailverify/ratelimit"
	"github.com/mjl-/mailverify/verify"
	"github.com/mjl-/mailverify/verifydb"
)

var (
	metricVerifyLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailverify_api_verify_ratelimited_total",
			Help: "Verification calls refused due to rate limiting.",
		},
	)
	metricHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailverify_api_http_requests_total",
			Help: "HTTP requests by path kind and status code.",
		},
		[]string{
			"kind", // index, metrics, api, notfound
			"code",
		},
	)
)

//go:embed index.md
var indexMarkdown []byte

var indexHTML = renderIndex(indexMarkdown)

func renderIndex(md []byte) []byte {
	var b bytes.Buffer
	b.WriteString(`<!doctype html>
<html>
	<head>
		<meta charset="utf-8" />
		<meta name="viewport" content="width=device-width, initial-scale=1" />
		<title>mailverify</title>
	</head>
	<body>
`)
	b.Write(blackfriday.Run(md))
	b.WriteString("<p>Version " + strings.ReplaceAll(buildinfo.Version, "<", "&lt;") + "</p>\n")
	b.WriteString("\t</body>\n</html>\n")
	return b.Bytes()
}

// Server serves the verification API under /api/, documentation at /, and
// optionally prometheus metrics at /metrics.
type Server struct {
	Verifier verify.Verifier
	DB       *verifydb.DB // For storing results and History. Optional.

	// Bcrypt hash of the password for HTTP basic authentication of API calls.
	// The username is ignored. If empty, no authentication is required.
	PasswordHash string

	Metrics bool          // Whether to serve /metrics.
	Timeout time.Duration // For a single verification. No timeout if zero.

	// Rate limiters per remote IP. If nil, no limits apply. AuthLimiter
	// counts authentication attempts, and is reset after a successful login.
	// VerifyLimiter counts verifications of syntactically valid addresses.
	AuthLimiter   *ratelimit.Limiter
	VerifyLimiter *ratelimit.Limiter

	Log *slog.Logger
}

// DefaultAuthLimiter returns a limiter for authentication attempts.
func DefaultAuthLimiter() *ratelimit.Limiter {
	return &ratelimit.Limiter{
		Windows: []ratelimit.Window{
			{Duration: time.Minute, Limits: [...]int64{10, 30, 90}},
			{Duration: time.Hour, Limits: [...]int64{50, 150, 450}},
			{Duration: 24 * time.Hour, Limits: [...]int64{500, 1500, 4500}},
		},
	}
}

// DefaultVerifyLimiter returns a limiter for verifications. Each verification
// makes an SMTP connection, many connections from a single source to a mail
// server can get that source blocked.
func DefaultVerifyLimiter() *ratelimit.Limiter {
	return &ratelimit.Limiter{
		Windows: []ratelimit.Window{
			{Duration: time.Minute, Limits: [...]int64{30, 90, 270}},
			{Duration: time.Hour, Limits: [...]int64{300, 900, 2700}},
		},
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(buf []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(buf)
}

func (s *Server) ServeHTTP(xw http.ResponseWriter, r *http.Request) {
	ctx := context.WithValue(r.Context(), mlog.CidKey, mlog.Cid())
	log := mlog.New("verifyapi", s.Log).WithContext(ctx).With(slog.String("path", r.URL.Path))
	w := &statusWriter{ResponseWriter: xw}

	kind := "notfound"
	defer func() {
		x := recover()
		if x != nil {
			if x == http.ErrAbortHandler {
				panic(x)
			}
			log.Error("unhandled panic in http handler", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Verifyapi)
			if w.code == 0 {
				http.Error(w, "500 - internal server error", http.StatusInternalServerError)
			}
		}
		if w.code == 0 {
			w.code = http.StatusOK
		}
		metricHTTPRequests.WithLabelValues(kind, strconv.Itoa(w.code)).Inc()
		log.Debug("http request", slog.String("method", r.Method), slog.Int("code", w.code))
	}()

	switch {
	case r.URL.Path == "/":
		kind = "index"
		if r.Method != "GET" && r.Method != "HEAD" {
			http.Error(w, "405 - method not allowed - get required", http.StatusMethodNotAllowed)
			return
		}
		h := w.Header()
		h.Set("Content-Type", "text/html; charset=utf-8")
		h.Set("Cache-Control", "no-cache, max-age=0")
		w.Write(indexHTML)

	case r.URL.Path == "/metrics" && s.Metrics:
		kind = "metrics"
		promhttp.Handler().ServeHTTP(w, r)

	case strings.HasPrefix(r.URL.Path, "/api/"):
		kind = "api"
		ip := remoteAddr(r.RemoteAddr)
		// CORS preflight requests do not carry credentials.
		if r.Method != "OPTIONS" && !s.checkAuth(log, w, r, ip) {
			// Response already sent.
			return
		}
		ctx = context.WithValue(ctx, requestInfoCtxKey, requestInfo{s, log, ip})
		apiHandler.ServeHTTP(w, r.WithContext(ctx))

	default:
		http.NotFound(w, r)
	}
}

// checkAuth returns whether the request has valid credentials. If not, a
// response has been written.
func (s *Server) checkAuth(log mlog.Log, w http.ResponseWriter, r *http.Request, ip netip.Addr) bool {
	if s.PasswordHash == "" {
		return true
	}

	result := "error"
	start := time.Now()
	defer func() {
		metrics.AuthenticationInc("httpapi", "httpbasic", result)
		if result == "ok" && s.AuthLimiter != nil {
			s.AuthLimiter.Reset(ip, start)
		}
	}()

	if s.AuthLimiter != nil && !s.AuthLimiter.Add(ip, start, 1) {
		result = "ratelimited"
		http.Error(w, "429 - too many auth attempts", http.StatusTooManyRequests)
		return false
	}

	if _, password, ok := r.BasicAuth(); !ok {
		result = "missing"
	} else if err := bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(password)); err != nil {
		result = "badcreds"
		log.Info("failed authentication attempt", slog.Any("remote", ip))
	} else {
		result = "ok"
		return true
	}
	// Browsers do not show the realm.
	w.Header().Set("WWW-Authenticate", `Basic realm="mailverify"`)
	http.Error(w, "401 - unauthorized", http.StatusUnauthorized)
	return false
}
