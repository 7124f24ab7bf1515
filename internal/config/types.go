package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Engine controls the task execution pool.
	Engine EngineConfig `json:"engine"`

	// Health controls outcome classification and the probe loop.
	Health HealthConfig `json:"health"`

	Storage   *StorageConfig             `json:"storage,omitempty"`
	Schedules []ScheduleConfig           `json:"schedules,omitempty"`
	Plugins   map[string]PluginConfigRaw `json:"plugins"`

	// Debug controls the optional operational HTTP endpoint (status,
	// liveness, pprof).
	Debug DebugConfig `json:"debug,omitempty"`
}

// DebugConfig controls the ops/pprof HTTP server. Binding to a
// non-loopback address requires a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 64
//   - default_timeout: "30s"
//   - max_attempts: 1 (no retries)
//   - history_size: 200
type EngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`

	MaxAttempts   int     `json:"max_attempts,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`

	HistorySize int `json:"history_size,omitempty"`

	// StrictHealth rejects submissions whose every candidate plugin is
	// unhealthy instead of queueing them.
	StrictHealth bool `json:"strict_health,omitempty"`
}

// HealthConfig controls per-plugin health classification.
//
// Rates are fractions of the trailing outcome window: 0.3 means 3 failures
// out of a 10-outcome window.
type HealthConfig struct {
	WindowSize    int     `json:"window_size,omitempty"`
	DegradedRate  float64 `json:"degraded_rate,omitempty"`
	UnhealthyRate float64 `json:"unhealthy_rate,omitempty"`

	ProbeInterval      string `json:"probe_interval,omitempty"`
	ProbeTimeout       string `json:"probe_timeout,omitempty"`
	ProbeFailThreshold int    `json:"probe_fail_threshold,omitempty"`
	SoftLatency        string `json:"soft_latency,omitempty"`
	ProbeConcurrency   int    `json:"probe_concurrency,omitempty"`
	ProbeRatePerSec    int    `json:"probe_rate_per_sec,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./offstar_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ScheduleConfig declares a recurring task submission.
//
// Spec accepts standard 5-field cron expressions plus the @every form
// (e.g. "@every 30s").
type ScheduleConfig struct {
	Name     string          `json:"name"`
	Spec     string          `json:"spec"`
	Task     string          `json:"task"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority string          `json:"priority,omitempty"` // low | normal | high
	Enabled  *bool           `json:"enabled,omitempty"`  // omitted means enabled
}

func (s ScheduleConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

type PluginConfigRaw struct {
	Enabled *bool           `json:"enabled,omitempty"` // omitted means enabled
	Config  json.RawMessage `json:"config,omitempty"`
}

func (p PluginConfigRaw) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// UnmarshalJSON disallows unknown fields so removed legacy keys are caught
// early during config reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled *bool           `json:"enabled,omitempty"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}

var validLevels = map[string]struct{}{
	"": {}, "trace": {}, "debug": {}, "info": {}, "warn": {}, "error": {},
}

// Driver names accepted by storage.Open; "" and "none" disable storage.
var validDrivers = map[string]struct{}{
	"": {}, "none": {}, "file": {}, "sqlite": {}, "sqlite3": {},
}

var validPriorities = map[string]struct{}{
	"": {}, "low": {}, "normal": {}, "high": {},
}

// Validate checks everything that can be checked without starting services.
// It is also the hot-reload gate: a config that fails here is never
// committed.
func (c *Config) Validate() error {
	if _, ok := validLevels[strings.ToLower(strings.TrimSpace(c.Logging.Level))]; !ok {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path is required when file logging is enabled")
	}

	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must be >= 0")
	}
	if c.Engine.QueueSize < 0 {
		return fmt.Errorf("engine.queue_size must be >= 0")
	}
	if c.Engine.MaxAttempts < 0 {
		return fmt.Errorf("engine.max_attempts must be >= 0")
	}
	if c.Engine.RetryJitter < 0 || c.Engine.RetryJitter > 1 {
		return fmt.Errorf("engine.retry_jitter must be within [0, 1]")
	}
	if err := checkDurations(map[string]string{
		"engine.default_timeout": c.Engine.DefaultTimeout,
		"engine.retry_base":      c.Engine.RetryBase,
		"engine.retry_max_delay": c.Engine.RetryMaxDelay,
	}); err != nil {
		return err
	}

	if c.Health.DegradedRate < 0 || c.Health.DegradedRate > 1 {
		return fmt.Errorf("health.degraded_rate must be within [0, 1]")
	}
	if c.Health.UnhealthyRate < 0 || c.Health.UnhealthyRate > 1 {
		return fmt.Errorf("health.unhealthy_rate must be within [0, 1]")
	}
	if c.Health.DegradedRate > 0 && c.Health.UnhealthyRate > 0 && c.Health.UnhealthyRate < c.Health.DegradedRate {
		return fmt.Errorf("health.unhealthy_rate must be >= health.degraded_rate")
	}
	if err := checkDurations(map[string]string{
		"health.probe_interval": c.Health.ProbeInterval,
		"health.probe_timeout":  c.Health.ProbeTimeout,
		"health.soft_latency":   c.Health.SoftLatency,
	}); err != nil {
		return err
	}

	if c.Storage != nil {
		driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
		if _, ok := validDrivers[driver]; !ok {
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if driver != "" && driver != "none" && strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required when a driver is set")
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	names := map[string]struct{}{}
	for i, sc := range c.Schedules {
		if strings.TrimSpace(sc.Name) == "" {
			return fmt.Errorf("schedules[%d].name is required", i)
		}
		if _, dup := names[sc.Name]; dup {
			return fmt.Errorf("schedules[%d]: duplicate name %q", i, sc.Name)
		}
		names[sc.Name] = struct{}{}
		if strings.TrimSpace(sc.Spec) == "" {
			return fmt.Errorf("schedules[%d] (%s): spec is required", i, sc.Name)
		}
		if strings.TrimSpace(sc.Task) == "" {
			return fmt.Errorf("schedules[%d] (%s): task is required", i, sc.Name)
		}
		if _, ok := validPriorities[strings.ToLower(strings.TrimSpace(sc.Priority))]; !ok {
			return fmt.Errorf("schedules[%d] (%s): unknown priority %q", i, sc.Name, sc.Priority)
		}
	}

	if err := checkDurations(map[string]string{
		"debug.read_timeout":  c.Debug.ReadTimeout,
		"debug.write_timeout": c.Debug.WriteTimeout,
		"debug.idle_timeout":  c.Debug.IdleTimeout,
	}); err != nil {
		return err
	}
	if c.Debug.MutexProfileFraction < 0 {
		return fmt.Errorf("debug.mutex_profile_fraction must be >= 0")
	}
	if c.Debug.BlockProfileRate < 0 {
		return fmt.Errorf("debug.block_profile_rate must be >= 0")
	}
	if c.Debug.Enabled {
		addr := strings.TrimSpace(c.Debug.Addr)
		if addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("debug.addr: invalid %q (expected host:port): %w", addr, err)
			}
		}
	}
	return nil
}
