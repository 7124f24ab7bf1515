package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newFileService(t *testing.T, level string) (*Service, Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{
		Level:   level,
		Console: false,
		File:    FileConfig{Enabled: true, Path: path},
	})
	t.Cleanup(func() { _ = svc.Close() })
	return svc, log, path
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(b)
}

func TestLoggerWritesThroughService(t *testing.T) {
	t.Parallel()

	_, log, path := newFileService(t, "debug")

	log.Info("host starting",
		String("component", "engine"),
		Int("workers", 4),
		Duration("timeout", 5*time.Second),
	)

	got := readLog(t, path)
	for _, want := range []string{"host starting", `"component":"engine"`, `"workers":4`} {
		if !strings.Contains(got, want) {
			t.Fatalf("log output missing %q:\n%s", want, got)
		}
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	t.Parallel()

	_, log, path := newFileService(t, "warn")

	log.Debug("quiet")
	log.Info("also quiet")
	log.Warn("loud")

	got := readLog(t, path)
	if strings.Contains(got, "quiet") {
		t.Fatalf("below-level messages leaked:\n%s", got)
	}
	if !strings.Contains(got, "loud") {
		t.Fatalf("warn message dropped:\n%s", got)
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	_, log, path := newFileService(t, "info")

	child := log.With(String("plugin", "echo"))
	child.Info("registered")

	got := readLog(t, path)
	if !strings.Contains(got, `"plugin":"echo"`) {
		t.Fatalf("fixed field missing:\n%s", got)
	}
}

func TestApplyChangesLevelForLiveLoggers(t *testing.T) {
	t.Parallel()

	svc, log, path := newFileService(t, "info")

	log.Debug("before reload")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("after reload")

	got := readLog(t, path)
	if strings.Contains(got, "before reload") {
		t.Fatalf("debug message logged at info level:\n%s", got)
	}
	if !strings.Contains(got, "after reload") {
		t.Fatalf("debug message dropped after level change:\n%s", got)
	}
}

func TestNopAndZeroLoggersAreSilent(t *testing.T) {
	t.Parallel()

	Nop().Error("nothing", Err(os.ErrClosed))

	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value not reported as zero")
	}
	zero.Info("still nothing")
}
