package buildinfo

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"testing"
)

func TestVersion(t *testing.T) {
	test := func(main string, settings map[string]string, exp string) {
		t.Helper()
		bi := &debug.BuildInfo{Main: debug.Module{Version: main}}
		for k, v := range settings {
			bi.Settings = append(bi.Settings, debug.BuildSetting{Key: k, Value: v})
		}
		if v := version(bi); v != exp {
			t.Fatalf("got version %q, expected %q", v, exp)
		}
	}

	test("v0.1.0", nil, "v0.1.0")
	test("(devel)", nil, "(devel)")
	test("", map[string]string{"vcs.revision": "abcd", "vcs.modified": "false"}, "abcd")
	test("(devel)", map[string]string{"vcs.revision": "abcd", "vcs.modified": "true"}, "abcd+modifications")
	test("(devel)", map[string]string{"vcs.revision": "abcd"}, "abcd+unknown")
}

func TestRegisterLogger(t *testing.T) {
	p := filepath.Join(t.TempDir(), "test.db")
	if RegisterLogger(p, slog.Default()) != nil {
		t.Fatalf("expected nil logger for new database")
	}
	if err := os.WriteFile(p, nil, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if RegisterLogger(p, slog.Default()) == nil {
		t.Fatalf("expected logger for existing database")
	}
}
