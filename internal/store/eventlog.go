package store

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/agentmux/agentmux/internal/protocol"
)

const eventLogFile = "events.db"

// Conversation message types worth keeping in the per-session event log.
// The log is not a replay source; it only rebuilds message history for
// restored or archived sessions.
var loggedTypes = map[string]bool{
	protocol.MsgUserMessage: true,
	protocol.MsgAssistant:   true,
	protocol.MsgResult:      true,
}

// EventLog is a bbolt-backed append-only event log, one bucket per session,
// keyed by the bucket's own persistent sequence counter. The in-memory ring
// seq restarts with the daemon and cannot key a durable log.
type EventLog struct {
	db     *bolt.DB
	logger *slog.Logger
}

// OpenEventLog opens (or creates) the event log under dir.
func OpenEventLog(dir string, logger *slog.Logger) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, eventLogFile), 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &EventLog{db: db, logger: logger}, nil
}

// Logged reports whether a message type belongs in the log.
func Logged(msgType string) bool { return loggedTypes[msgType] }

// Append records one event. Best-effort: failures are logged.
func (l *EventLog) Append(sessionID string, data []byte) {
	err := l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return err
		}
		n, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, n)
		return b.Put(key, data)
	})
	if err != nil {
		l.logger.Warn("append event log", "session_id", sessionID, "error", err)
	}
}

// ReadAll returns every logged event for a session in append order. Best-effort:
// a missing bucket or read error yields nil.
func (l *EventLog) ReadAll(sessionID string) [][]byte {
	var out [][]byte
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sessionID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			out = append(out, cp)
			return nil
		})
	})
	if err != nil {
		l.logger.Warn("read event log", "session_id", sessionID, "error", err)
		return nil
	}
	return out
}

// DeleteSession drops a session's bucket.
func (l *EventLog) DeleteSession(sessionID string) {
	err := l.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(sessionID)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(sessionID))
	})
	if err != nil {
		l.logger.Warn("delete event log bucket", "session_id", sessionID, "error", err)
	}
}

// Close closes the underlying database.
func (l *EventLog) Close() {
	if err := l.db.Close(); err != nil {
		l.logger.Warn("close event log", "error", err)
	}
}
