package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	m := NewManager(writeTemp(t, "config.json", `{
		"logging": {"level": "debug", "console": true},
		"engine": {"workers": 8, "default_timeout": "10s"},
		"schedules": [{"name": "tick", "spec": "@every 30s", "task": "ping"}]
	}`))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Engine.Workers != 8 || cfg.Logging.Level != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Task != "ping" {
		t.Fatalf("schedules = %+v", cfg.Schedules)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	m := NewManager(writeTemp(t, "config.yaml", `
logging:
  level: info
engine:
  workers: 2
  queue_size: 16
plugins:
  defi:
    enabled: true
    config:
      protocols: [uniswap_v3]
`))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Engine.QueueSize != 16 {
		t.Fatalf("queue_size = %d", cfg.Engine.QueueSize)
	}
	pc, ok := cfg.Plugins["defi"]
	if !ok || !pc.IsEnabled() || len(pc.Config) == 0 {
		t.Fatalf("plugins = %+v", cfg.Plugins)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	t.Parallel()

	m := NewManager(writeTemp(t, "config.json", `{"engine": {"worker_count": 8}}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	m := NewManager(writeTemp(t, "config.json", `{} {"extra": true}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("trailing tokens accepted")
	}
}

func TestParseValidates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad level", `{"logging":{"level":"loud"}}`, "logging.level"},
		{"bad duration", `{"engine":{"default_timeout":"fast"}}`, "engine.default_timeout"},
		{"negative workers", `{"engine":{"workers":-1}}`, "engine.workers"},
		{"jitter range", `{"engine":{"retry_jitter":1.5}}`, "retry_jitter"},
		{"rate order", `{"health":{"degraded_rate":0.8,"unhealthy_rate":0.2}}`, "unhealthy_rate"},
		{"bad driver", `{"storage":{"driver":"redis","path":"x"}}`, "storage.driver"},
		{"driver without path", `{"storage":{"driver":"file"}}`, "storage.path"},
		{"schedule without task", `{"schedules":[{"name":"a","spec":"@hourly"}]}`, "task is required"},
		{"duplicate schedule", `{"schedules":[{"name":"a","spec":"@hourly","task":"x"},{"name":"a","spec":"@daily","task":"y"}]}`, "duplicate"},
		{"bad debug addr", `{"debug":{"enabled":true,"addr":"no-port"}}`, "debug.addr"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeTemp(t, "config.json", tc.body))
			_, err := m.Parse()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestValidateAcceptsSupportedDrivers(t *testing.T) {
	t.Parallel()

	// Every driver storage.Open supports must validate, and the disabled
	// drivers must not demand a path.
	cases := []struct {
		name string
		body string
	}{
		{"none without path", `{"storage":{"driver":"none"}}`},
		{"sqlite3 alias", `{"storage":{"driver":"sqlite3","path":"x.db"}}`},
		{"sqlite", `{"storage":{"driver":"sqlite","path":"x.db"}}`},
		{"file", `{"storage":{"driver":"file","path":"x"}}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeTemp(t, "config.json", tc.body))
			if _, err := m.Parse(); err != nil {
				t.Fatalf("Parse: %v", err)
			}
		})
	}
}

func TestCommitAndSubscribe(t *testing.T) {
	t.Parallel()

	m := NewManager(writeTemp(t, "config.json", `{}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	next := &Config{}
	m.Commit(next)
	m.publish(next)
	select {
	case got := <-sub:
		if got != next {
			t.Fatal("subscriber saw a different config")
		}
	default:
		t.Fatal("subscriber did not receive published config")
	}
}

func TestPluginConfigEnablement(t *testing.T) {
	t.Parallel()

	m := NewManager(writeTemp(t, "config.json", `{"plugins":{
		"on": {"config": {"k": 1}},
		"off": {"enabled": false}
	}}`))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.Plugins["on"].IsEnabled() {
		t.Fatal("plugin with omitted enabled flag should default to enabled")
	}
	if cfg.Plugins["off"].IsEnabled() {
		t.Fatal("explicitly disabled plugin reported enabled")
	}
}
