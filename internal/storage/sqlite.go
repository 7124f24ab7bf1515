//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"offstar/internal/task"
	logx "offstar/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, o task.Outcome) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if o.CompletedAt.IsZero() {
		o.CompletedAt = time.Now()
	}
	var result any
	if o.Result != nil {
		if b, err := json.Marshal(o.Result); err == nil {
			result = string(b)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(task_id, plugin, status, result, err, err_kind, duration_ms, completed_at, attempt, retry_of)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		o.TaskID, nullStr(o.Plugin), string(o.Status), result, nullStr(o.Error), nullStr(o.ErrorKind),
		o.Duration.Milliseconds(), o.CompletedAt.Format(time.RFC3339Nano), o.Attempt, nullStr(o.RetryOf),
	)
	return err
}

func (s *sqliteStore) SaveState(ctx context.Context, snap StateSnapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO state(id, saved_at, body) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET saved_at=excluded.saved_at, body=excluded.body`,
		snap.SavedAt.Format(time.RFC3339Nano), string(b),
	)
	return err
}

func (s *sqliteStore) LoadState(ctx context.Context) (StateSnapshot, bool, error) {
	if s == nil || s.db == nil {
		return StateSnapshot{}, false, ErrDisabled
	}
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM state WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return StateSnapshot{}, false, nil
	}
	if err != nil {
		return StateSnapshot{}, false, err
	}
	var snap StateSnapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		s.log.Warn("state row unreadable; ignoring", logx.Any("err", err))
		return StateSnapshot{}, false, nil
	}
	return snap, true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
