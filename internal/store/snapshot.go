// Package store persists launcher state on local disk: a last-write JSON
// snapshot of session records plus an append-only per-session event log.
// All writes are best-effort; persistence failures are logged and never
// propagate into session logic.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentmux/agentmux/internal/protocol"
)

const snapshotFile = "sessions.json"

// Snapshot is the atomic-rewrite launcher snapshot: the full session list,
// excluding subprocess handles, rewritten on every create/update/remove and
// on every child exit.
type Snapshot struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewSnapshot creates the snapshot store under dir, creating dir if needed.
func NewSnapshot(dir string, logger *slog.Logger) (*Snapshot, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Snapshot{path: filepath.Join(dir, snapshotFile), logger: logger}, nil
}

// Save rewrites the snapshot atomically (sibling temp file, then rename).
// Failures are logged at warn and swallowed.
func (s *Snapshot) Save(sessions []*protocol.SessionSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		s.logger.Warn("marshal launcher snapshot", "error", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("write launcher snapshot", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		s.logger.Warn("rename launcher snapshot", "error", err)
	}
}

// Load reads the snapshot. A missing file returns (nil, nil).
func (s *Snapshot) Load() ([]*protocol.SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read launcher snapshot: %w", err)
	}
	var sessions []*protocol.SessionSnapshot
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("parse launcher snapshot: %w", err)
	}
	return sessions, nil
}
