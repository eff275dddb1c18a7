// Package mlog provides logging with per-package log levels on top of log/slog.
//
// Each log level has a function to log with and without error. Each such
// function takes a varargs list of slog.Attr. Variable data should be in
// attributes. Log messages themselves should be constant, for easier log
// processing.
//
// The log levels can be configured per originating package, e.g. smtpclient,
// verify. The configuration is application-global, each Log instance uses the
// same log levels.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
//
// Fatal* stops the program. Its log text is always printed.
package mlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	LevelTrace = slog.LevelDebug - 4
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelError = slog.LevelError
	LevelFatal = slog.LevelError + 4 // Printed regardless of configured log level.
	LevelPrint = slog.LevelError + 8 // Printed regardless of configured log level.
)

// Levels maps the configuration strings to levels.
var Levels = map[string]slog.Level{
	"trace": LevelTrace,
	"debug": LevelDebug,
	"info":  LevelInfo,
	"error": LevelError,
	"fatal": LevelFatal,
	"print": LevelPrint,
}

// LevelStrings maps levels to their name in log output.
var LevelStrings = map[slog.Level]string{
	LevelTrace: "trace",
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelError: "error",
	LevelFatal: "fatal",
	LevelPrint: "print",
}

// Holds a map[string]slog.Level, mapping a package (attribute pkg in logs) to a
// log level. The empty string is the default/fallback log level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

// ParseLevel returns the level for a configuration string like "debug".
func ParseLevel(s string) (slog.Level, error) {
	level, ok := Levels[s]
	if !ok {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

type key string

// CidKey can be used with context.WithValue to store a "cid" (connection or
// operation id) in a context, for logging.
var CidKey key = "cid"

var cidCounter atomic.Int64

func init() {
	cidCounter.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id, for use with CidKey.
func Cid() int64 {
	return cidCounter.Add(1)
}

// Log is a logger for a package, with optional extra attributes.
type Log struct {
	Logger *slog.Logger
	pkg    string
	attrs  []slog.Attr
	fn     func() []slog.Attr
}

// New returns a Log for package pkg, logging to elog. If elog is nil, the
// default handler writing logfmt lines to stderr is used.
func New(pkg string, elog *slog.Logger) Log {
	if elog == nil {
		elog = slog.New(defaultHandler)
	}
	return Log{Logger: elog, pkg: pkg}
}

// WithPkg returns a copy of the logger for another package.
func (l Log) WithPkg(pkg string) Log {
	nl := l
	nl.pkg = pkg
	return nl
}

// WithCid adds an attribute "cid".
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.String("cid", fmt.Sprintf("%x", cid)))
}

// WithContext adds cid from context, if present.
func (l Log) WithContext(ctx context.Context) Log {
	if ctx == nil {
		return l
	}
	cid, ok := ctx.Value(CidKey).(int64)
	if !ok {
		return l
	}
	return l.WithCid(cid)
}

// With returns a logger that adds attrs to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	nl := l
	nl.attrs = append(append([]slog.Attr{}, l.attrs...), attrs...)
	return nl
}

// WithFunc sets a function that is called just before logging, to retrieve
// additional attributes to log.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	nl := l
	nl.fn = fn
	return nl
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.Logx(LevelFatal, msg, err, attrs...)
	os.Exit(1)
}

func (l Log) Print(msg string, attrs ...slog.Attr) bool {
	return l.Logx(LevelPrint, msg, nil, attrs...)
}
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) bool {
	return l.Logx(LevelPrint, msg, err, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) bool {
	return l.Logx(LevelDebug, msg, nil, attrs...)
}
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) bool {
	return l.Logx(LevelDebug, msg, err, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) bool { return l.Logx(LevelInfo, msg, nil, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) bool {
	return l.Logx(LevelInfo, msg, err, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) bool {
	return l.Logx(LevelError, msg, nil, attrs...)
}
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) bool {
	return l.Logx(LevelError, msg, err, attrs...)
}

// Check logs err at error level, if not nil.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Trace logs protocol data at level, prefixed with prefix, e.g. "LC: " for
// data written by the local client.
func (l Log) Trace(level slog.Level, prefix string, data []byte) bool {
	if !l.Enabled(level) {
		return false
	}
	l.log(level, prefix+string(data), nil, nil)
	return true
}

// Enabled returns whether logging at level would result in output.
func (l Log) Enabled(level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	c := config.Load().(map[string]slog.Level)
	if v, ok := c[l.pkg]; ok {
		return level >= v
	}
	v, ok := c[""]
	return ok && level >= v
}

// Logx logs msg with optional error at level, returning whether a line was
// logged.
func (l Log) Logx(level slog.Level, msg string, err error, attrs ...slog.Attr) bool {
	if !l.Enabled(level) {
		return false
	}
	l.log(level, msg, err, attrs)
	return true
}

func (l Log) log(level slog.Level, msg string, err error, attrs []slog.Attr) {
	all := make([]slog.Attr, 0, 2+len(l.attrs)+len(attrs))
	if err != nil {
		all = append(all, slog.String("err", err.Error()))
	}
	all = append(all, slog.String("pkg", l.pkg))
	all = append(all, l.attrs...)
	all = append(all, attrs...)
	if l.fn != nil {
		all = append(all, l.fn()...)
	}
	l.Logger.LogAttrs(context.Background(), level, msg, all...)
}

var defaultHandler = &logfmtHandler{w: os.Stderr, mu: &sync.Mutex{}}

// NewHandler returns a slog handler that writes one logfmt line per record to
// w, with "l" for level and "m" for message. Level filtering is done by Log,
// the handler writes all records.
func NewHandler(w io.Writer) slog.Handler {
	return &logfmtHandler{w: w, mu: &sync.Mutex{}}
}

type logfmtHandler struct {
	w      io.Writer
	mu     *sync.Mutex
	prefix string // Group prefix for keys.
	attrs  []byte // Preformatted attributes from WithAttrs.
}

func (h *logfmtHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *logfmtHandler) Handle(ctx context.Context, r slog.Record) error {
	b := &bytes.Buffer{}
	level, ok := LevelStrings[r.Level]
	if !ok {
		level = strings.ToLower(r.Level.String())
	}
	fmt.Fprintf(b, "l=%s m=%s", level, logfmtValue(r.Message))
	b.Write(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(b, h.prefix, a)
		return true
	})
	b.WriteByte('\n')
	// Single write of a full line, so lines from goroutines don't interleave.
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(b.Bytes())
	return err
}

func (h *logfmtHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	b := &bytes.Buffer{}
	b.Write(h.attrs)
	for _, a := range attrs {
		writeAttr(b, h.prefix, a)
	}
	nh := *h
	nh.attrs = b.Bytes()
	return &nh
}

func (h *logfmtHandler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.prefix = h.prefix + name + "."
	return &nh
}

func writeAttr(b *bytes.Buffer, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			writeAttr(b, prefix+a.Key+".", ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	var s string
	switch v.Kind() {
	case slog.KindDuration:
		s = v.Duration().String()
	case slog.KindTime:
		s = v.Time().Format(time.RFC3339Nano)
	default:
		s = v.String()
	}
	fmt.Fprintf(b, " %s%s=%s", prefix, a.Key, logfmtValue(s))
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	if s == "" {
		return `""`
	}
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

type errWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	err := errors.New(strings.TrimSpace(string(buf)))
	w.log.Logx(w.level, w.msg, err)
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on "log"
// with given "level" and "msg" and the written content as an error.
// Can be used for making a Go log.Logger for use in http.Server.ErrorLog.
func ErrWriter(log Log, level slog.Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}
