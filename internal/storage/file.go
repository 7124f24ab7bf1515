package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"offstar/internal/task"
	logx "offstar/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.outcomes.jsonl (append-only JSON Lines)
//   - <prefix>.state.json     (snapshot, replaced atomically via rename)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	outcomeFile *os.File
	statePath   string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	of, err := os.OpenFile(prefix+".outcomes.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:         log,
		outcomeFile: of,
		statePath:   prefix + ".state.json",
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomeFile == nil {
		return nil
	}
	err := s.outcomeFile.Close()
	s.outcomeFile = nil
	return err
}

func (s *fileStore) AppendOutcome(ctx context.Context, o task.Outcome) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomeFile == nil {
		return errors.New("outcome file closed")
	}
	return json.NewEncoder(s.outcomeFile).Encode(o)
}

// SaveState writes the snapshot next to the final path and renames it into
// place, so a crash mid-write never leaves a truncated snapshot.
func (s *fileStore) SaveState(ctx context.Context, snap StateSnapshot) error {
	_ = ctx
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

func (s *fileStore) LoadState(ctx context.Context) (StateSnapshot, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return StateSnapshot{}, false, nil
	}
	if err != nil {
		return StateSnapshot{}, false, err
	}
	var snap StateSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		// A corrupt snapshot is not fatal: the agent starts fresh.
		s.log.Warn("state snapshot unreadable; ignoring", logx.String("path", s.statePath), logx.Any("err", err))
		return StateSnapshot{}, false, nil
	}
	return snap, true, nil
}
