package storage

import (
	"context"
	"errors"
	"strings"

	"offstar/internal/task"
	logx "offstar/pkg/logx"
)

// Store is the minimal persistence API used by the agent.
type Store interface {
	AppendOutcome(ctx context.Context, o task.Outcome) error
	SaveState(ctx context.Context, s StateSnapshot) error
	LoadState(ctx context.Context) (StateSnapshot, bool, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
