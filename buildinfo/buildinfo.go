// Package buildinfo holds the version of the running binary and helpers that
// behave differently under test.
package buildinfo

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"runtime/debug"
	"testing"
)

// Version of the build. From the main module version when built with "go
// install", otherwise the vcs revision, otherwise "(devel)".
var Version = "(devel)"

func init() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	Version = version(bi)
}

func version(bi *debug.BuildInfo) string {
	if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	settings := map[string]string{}
	for _, s := range bi.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return "(devel)"
	}
	switch settings["vcs.modified"] {
	case "false":
		return rev
	case "true":
		return rev + "+modifications"
	}
	return rev + "+unknown"
}

var underTest = testing.Testing()

// RegisterLogger is for bstore.Options.RegisterLogger. Under test, it returns
// nil for databases that do not exist yet, schema registration of new test
// databases is not interesting.
func RegisterLogger(path string, log *slog.Logger) *slog.Logger {
	if !underTest {
		return log
	}
	if _, err := os.Stat(path); err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return log
}
