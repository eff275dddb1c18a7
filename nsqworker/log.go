package nsqworker

import (
	"log/slog"
	"strings"

	"github.com/nsqio/go-nsq"

	"github.com/mjl-/mailverify/mlog"
)

// logAdapter passes go-nsq log lines to mlog. Lines start with the level,
// e.g. "INF    1 [topic/channel] connecting to nsqd".
type logAdapter struct {
	log mlog.Log
}

func (a logAdapter) Output(calldepth int, s string) error {
	level := mlog.LevelInfo
	if len(s) >= 3 {
		switch s[:3] {
		case "DBG":
			level = mlog.LevelDebug
		case "WRN", "ERR":
			level = mlog.LevelError
		}
		s = strings.TrimSpace(s[3:])
	}
	a.log.Logx(level, "nsq", nil, slog.String("line", s))
	return nil
}

// nsqLogger returns a logger for go-nsq and the minimum level at which go-nsq
// should log, based on the configured log level.
func nsqLogger(log mlog.Log) (logAdapter, nsq.LogLevel) {
	level := nsq.LogLevelWarning
	if log.Enabled(mlog.LevelDebug) {
		level = nsq.LogLevelDebug
	} else if log.Enabled(mlog.LevelInfo) {
		level = nsq.LogLevelInfo
	}
	return logAdapter{log}, level
}
