package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr string
	}{
		{name: "unset is zero", raw: "", want: 0},
		{name: "whitespace is unset", raw: "  ", want: 0},
		{name: "seconds", raw: "30s", want: 30 * time.Second},
		{name: "compound", raw: "1m30s", want: 90 * time.Second},
		{name: "garbage", raw: "fast", wantErr: "invalid duration"},
		{name: "bare number", raw: "30", wantErr: "invalid duration"},
		{name: "negative", raw: "-5s", wantErr: "must be >= 0"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDurationField("engine.default_timeout", tc.raw)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want %q", err, tc.wantErr)
				}
				if !strings.Contains(err.Error(), "engine.default_timeout") {
					t.Fatalf("err = %v, want field path included", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("err = %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationOrDefault("cache_ttl", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("unset: got %v, %v; want 1m", d, err)
	}
	if d, err := ParseDurationOrDefault("cache_ttl", "2m", time.Minute); err != nil || d != 2*time.Minute {
		t.Fatalf("set: got %v, %v; want 2m", d, err)
	}
	if _, err := ParseDurationOrDefault("cache_ttl", "nope", time.Minute); err == nil {
		t.Fatal("invalid value accepted")
	}
}
