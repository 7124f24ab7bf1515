// Package sysinfo reports host process runtime stats: uptime, goroutine
// counts and memory usage.
package sysinfo

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"offstar/internal/plugin"
	"offstar/internal/task"
)

// Report is the result of a sysinfo task.
type Report struct {
	GoVersion  string        `json:"go_version"`
	OS         string        `json:"os"`
	Arch       string        `json:"arch"`
	NumCPU     int           `json:"num_cpu"`
	Goroutines int           `json:"goroutines"`
	Uptime     time.Duration `json:"uptime"`

	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	HeapSysBytes   uint64 `json:"heap_sys_bytes"`
	NumGC          uint32 `json:"num_gc"`
}

type Plugin struct {
	startedAt time.Time
}

func New() *Plugin { return &Plugin{startedAt: time.Now()} }

func (p *Plugin) Identity(context.Context) (plugin.Identity, error) {
	return plugin.Identity{Name: "sysinfo", Version: "1.0.0"}, nil
}

func (p *Plugin) Capabilities() []string { return []string{"sysinfo", "uptime"} }

func (p *Plugin) Execute(ctx context.Context, t task.Task) (any, error) {
	switch t.Type {
	case "uptime":
		return time.Since(p.startedAt).Round(time.Second).String(), nil
	case "sysinfo":
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return Report{
			GoVersion:      runtime.Version(),
			OS:             runtime.GOOS,
			Arch:           runtime.GOARCH,
			NumCPU:         runtime.NumCPU(),
			Goroutines:     runtime.NumGoroutine(),
			Uptime:         time.Since(p.startedAt),
			HeapAllocBytes: ms.HeapAlloc,
			HeapSysBytes:   ms.HeapSys,
			NumGC:          ms.NumGC,
		}, nil
	default:
		return nil, plugin.InvalidPayload(fmt.Errorf("unknown task type %q", t.Type))
	}
}

func (p *Plugin) Health(context.Context) plugin.HealthReport {
	return plugin.HealthReport{Reachable: true, Latency: time.Microsecond}
}

func (p *Plugin) Shutdown(context.Context) error { return nil }
