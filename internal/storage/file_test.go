package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"offstar/internal/task"
	logx "offstar/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "agent_store")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st == nil {
		t.Fatal("Open returned nil store for file driver")
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) = %v, want nil", driver, st)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("Open with unknown driver succeeded, want error")
	}
}

func TestFileStateRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := st.LoadState(ctx); err != nil || ok {
		t.Fatalf("LoadState before save = ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	want := StateSnapshot{
		SavedAt: time.Now().Truncate(time.Second),
		Plugins: []PluginState{
			{Name: "echo", Version: "1.0.0", Health: "healthy"},
			{Name: "defi", Version: "0.3.1", Health: "degraded"},
		},
	}
	if err := st.SaveState(ctx, want); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	got, ok, err := st.LoadState(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadState = ok=%v err=%v, want ok=true", ok, err)
	}
	if len(got.Plugins) != len(want.Plugins) {
		t.Fatalf("plugins = %d, want %d", len(got.Plugins), len(want.Plugins))
	}
	for i := range want.Plugins {
		if got.Plugins[i] != want.Plugins[i] {
			t.Fatalf("plugin[%d] = %+v, want %+v", i, got.Plugins[i], want.Plugins[i])
		}
	}
}

func TestFileStateOverwrite(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.SaveState(ctx, StateSnapshot{Plugins: []PluginState{{Name: "old"}}}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if err := st.SaveState(ctx, StateSnapshot{Plugins: []PluginState{{Name: "new"}}}); err != nil {
		t.Fatalf("SaveState overwrite: %v", err)
	}

	got, ok, err := st.LoadState(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadState = ok=%v err=%v", ok, err)
	}
	if len(got.Plugins) != 1 || got.Plugins[0].Name != "new" {
		t.Fatalf("state = %+v, want single plugin 'new'", got.Plugins)
	}
}

func TestFileCorruptStateIgnored(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent_store")
	if err := os.WriteFile(path+".state.json", []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt snapshot: %v", err)
	}

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if _, ok, err := st.LoadState(context.Background()); err != nil || ok {
		t.Fatalf("LoadState with corrupt snapshot = ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

func TestFileAppendOutcome(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent_store")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	outcomes := []task.Outcome{
		{TaskID: "t-1", Plugin: "echo", Status: task.StatusSucceeded, Attempt: 1},
		{TaskID: "t-2", Plugin: "echo", Status: task.StatusFailed, Error: "boom", ErrorKind: "internal_fault", Attempt: 1},
		{TaskID: "t-3", Plugin: "echo", Status: task.StatusSucceeded, Attempt: 2, RetryOf: "t-2"},
	}
	for _, o := range outcomes {
		if err := st.AppendOutcome(ctx, o); err != nil {
			t.Fatalf("AppendOutcome(%s): %v", o.TaskID, err)
		}
	}

	f, err := os.Open(path + ".outcomes.jsonl")
	if err != nil {
		t.Fatalf("open outcomes log: %v", err)
	}
	defer f.Close()

	var got []task.Outcome
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var o task.Outcome
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		got = append(got, o)
	}
	if len(got) != len(outcomes) {
		t.Fatalf("log has %d lines, want %d", len(got), len(outcomes))
	}
	for i, o := range outcomes {
		if got[i].TaskID != o.TaskID || got[i].Status != o.Status || got[i].RetryOf != o.RetryOf {
			t.Fatalf("line %d = %+v, want %+v", i, got[i], o)
		}
	}
}
