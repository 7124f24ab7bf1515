package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-valued fields are strings ("30s", "5m") so JSON and YAML files
// stay readable. An unset field parses to zero without error; the component
// applying the config decides what zero means (usually its own default).

// ParseDurationField parses one duration field. path names the field in
// errors, e.g. "engine.default_timeout". Negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback: an unset
// field yields def instead of zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// checkDurations validates a batch of duration fields, keyed by field path.
// Validate uses it per config section.
func checkDurations(fields map[string]string) error {
	for path, raw := range fields {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	return nil
}
