package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"offstar/internal/agent"
	"offstar/plugins/defi"
	"offstar/plugins/echo"
	"offstar/plugins/sysinfo"
)

func main() {
	var cfgPath string
	var grace time.Duration
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.DurationVar(&grace, "grace", 30*time.Second, "shutdown grace period")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ag, err := agent.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	// Builtins; adding one is New() here plus an import.
	ag.RegisterPlugins(ctx,
		echo.New(),
		sysinfo.New(),
		defi.New(),
	)

	if err := ag.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
	case <-ag.Done():
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), grace)
	defer stopCancel()
	if err := ag.Shutdown(stopCtx); err != nil {
		fmt.Println("shutdown:", err)
		os.Exit(1)
	}
	if err := ag.Err(); err != nil && ctx.Err() == nil {
		fmt.Println("fatal run:", err)
		os.Exit(1)
	}
}
