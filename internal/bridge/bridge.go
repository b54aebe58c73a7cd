// Package bridge fans sequenced session events out to browser WebSockets.
// Each session gets a hub holding the replay ring, the conversation history,
// and the attached connections; adapters publish into the hub and every
// browser sees the same ordered stream.
package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/permission"
	"github.com/agentmux/agentmux/internal/protocol"
	"github.com/agentmux/agentmux/internal/ring"
	"github.com/agentmux/agentmux/internal/store"
)

// Sessions is the bridge's view of the launcher registry.
type Sessions interface {
	Info(sessionID string) (*protocol.SessionSnapshot, bool)
	Adapter(sessionID string) (adapter.Adapter, bool)
	SetState(sessionID, state string)
}

// Bridge owns the per-session hubs.
type Bridge struct {
	sessions Sessions
	arbiter  *permission.Arbiter
	eventlog *store.EventLog
	logger   *slog.Logger

	ringSize     int
	connQueue    int
	dedupeWindow int

	mu   sync.Mutex
	hubs map[string]*hub
}

// New creates the bridge. Call Bind on the launcher and the arbiter with
// Publish afterwards; the bridge itself has no back-references to install.
func New(sessions Sessions, arbiter *permission.Arbiter, eventlog *store.EventLog, cfg *config.Config, logger *slog.Logger) *Bridge {
	return &Bridge{
		sessions:     sessions,
		arbiter:      arbiter,
		eventlog:     eventlog,
		logger:       logger,
		ringSize:     cfg.Sessions.RingSize,
		connQueue:    cfg.Sessions.ConnQueueSize,
		dedupeWindow: cfg.Sessions.DedupeWindow,
		hubs:         make(map[string]*hub),
	}
}

// Publish sequences one event and fans it out to every attached browser.
// This is the single write path into a session's ordered stream; adapters,
// the launcher, and the arbiter all land here.
func (b *Bridge) Publish(sessionID string, msg *protocol.ServerMessage) {
	h := b.hub(sessionID)

	h.mu.Lock()
	if msg.Replayable() {
		h.ring.Append(msg)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.mu.Unlock()
		b.logger.Warn("marshal event", "session_id", sessionID, "type", msg.Type, "error", err)
		return
	}
	if store.Logged(msg.Type) {
		h.history = append(h.history, data)
		if b.eventlog != nil {
			b.eventlog.Append(sessionID, data)
		}
	}
	var overflowed []*client
	for c := range h.conns {
		select {
		case c.send <- data:
		default:
			// A reader this far behind will never catch up; cut it off and
			// let it resubscribe with replay.
			delete(h.conns, c)
			overflowed = append(overflowed, c)
		}
	}
	h.mu.Unlock()

	for _, c := range overflowed {
		c.abort("event queue overflow")
	}

	if msg.Type == protocol.MsgResult {
		b.sessions.SetState(sessionID, protocol.StateConnected)
	}
}

// PublishPRStatus pushes an out-of-band pull-request status update into a
// session's stream.
func (b *Bridge) PublishPRStatus(sessionID string, fields map[string]any) {
	b.Publish(sessionID, protocol.New(protocol.MsgPRStatusUpdate, fields))
}

// DropSession discards a session's hub, closing any attached browsers.
func (b *Bridge) DropSession(sessionID string) {
	b.mu.Lock()
	h := b.hubs[sessionID]
	delete(b.hubs, sessionID)
	b.mu.Unlock()
	if h == nil {
		return
	}

	h.mu.Lock()
	conns := make([]*client, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*client]struct{})
	h.mu.Unlock()
	for _, c := range conns {
		c.abort("session deleted")
	}
}

// hub returns (creating if needed) a session's hub. On first touch the
// conversation history is rebuilt from the event log, so restored sessions
// keep their transcript across daemon restarts.
func (b *Bridge) hub(sessionID string) *hub {
	b.mu.Lock()
	h := b.hubs[sessionID]
	if h == nil {
		h = &hub{
			ring:  ring.New(b.ringSize),
			conns: make(map[*client]struct{}),
		}
		if b.eventlog != nil {
			h.history = b.eventlog.ReadAll(sessionID)
		}
		b.hubs[sessionID] = h
	}
	b.mu.Unlock()
	return h
}
