package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/protocol"
	"github.com/agentmux/agentmux/internal/ring"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// hub is one session's fan-out state. history holds the marshaled
// conversation messages (user_message, assistant, result) for
// message_history; the ring holds the sequenced replay window.
type hub struct {
	mu      sync.Mutex
	ring    *ring.Ring
	history [][]byte
	conns   map[*client]struct{}

	// client_msg_id dedupe, insertion-ordered with a bounded window.
	seenIDs  map[string]struct{}
	seenList []string
}

// client is one attached browser connection.
type client struct {
	conn    *websocket.Conn
	send    chan []byte
	lastAck uint64
}

// abort closes the connection abnormally; the reader is expected to
// resubscribe and replay.
func (c *client) abort(reason string) {
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason), deadline)
	c.conn.Close()
	close(c.send)
}

// HandleBrowser runs one browser WebSocket for its lifetime. The first
// message must be session_subscribe; the connection then gets session_init,
// message_history, one event_replay, and finally the live stream.
func (b *Bridge) HandleBrowser(sessionID string, conn *websocket.Conn) {
	defer conn.Close()
	logger := b.logger.With("session_id", sessionID)

	snap, ok := b.sessions.Info(sessionID)
	if !ok {
		writeClose(conn, websocket.ClosePolicyViolation, "unknown session")
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	sub, err := readSubscribe(conn)
	if err != nil {
		logger.Warn("browser subscribe failed", "error", err)
		writeClose(conn, websocket.ClosePolicyViolation, "expected session_subscribe")
		return
	}

	h := b.hub(sessionID)

	// Enqueue the whole preamble and register the connection in one critical
	// section. Publish holds the same lock, so no live event can land in the
	// send queue ahead of session_init or between the replay and the live
	// stream.
	c := &client{conn: conn, send: make(chan []byte, b.connQueue)}
	h.mu.Lock()
	history := make([]json.RawMessage, len(h.history))
	for i, m := range h.history {
		history[i] = m
	}
	events := make([]json.RawMessage, 0)
	for _, e := range h.ring.After(sub.LastSeq) {
		data, err := json.Marshal(e.Msg)
		if err != nil {
			continue
		}
		events = append(events, data)
	}
	replayFields := map[string]any{"events": events}
	if oldest := h.ring.OldestSeq(); sub.LastSeq > 0 && oldest > sub.LastSeq+1 {
		// The ring evicted past the subscriber's position; it gets what
		// survives plus the floor so it can tell the gap happened.
		replayFields["oldest_seq"] = oldest
	}
	sent := c.enqueueMsg(protocol.New(protocol.MsgSessionInit, map[string]any{"session": snap})) &&
		c.enqueueMsg(protocol.New(protocol.MsgMessageHistory, map[string]any{"messages": history})) &&
		c.enqueueMsg(protocol.New(protocol.MsgEventReplay, replayFields))
	if sent {
		h.conns[c] = struct{}{}
	}
	h.mu.Unlock()
	if !sent {
		return
	}

	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
	}()

	done := make(chan struct{})
	go c.writePump(done)
	defer close(done)

	b.readLoop(sessionID, h, c, logger)
}

// readSubscribe reads and validates the mandatory first browser message.
func readSubscribe(conn *websocket.Conn) (*protocol.ClientMessage, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg protocol.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse subscribe: %w", err)
	}
	if msg.Type != protocol.MsgSessionSubscribe {
		return nil, fmt.Errorf("first message was %q", msg.Type)
	}
	return &msg, nil
}

// readLoop handles post-subscribe browser messages until the socket drops.
func (b *Bridge) readLoop(sessionID string, h *hub, c *client, logger *slog.Logger) {
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("dropping malformed browser message", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.MsgSessionAck:
			if msg.LastSeq > c.lastAck {
				c.lastAck = msg.LastSeq
			}
		case protocol.MsgSessionSubscribe:
			logger.Warn("duplicate session_subscribe ignored")
		default:
			b.handleIntent(sessionID, h, c, &msg, logger)
		}
	}
}

// handleIntent dedupes and routes one browser intent.
func (b *Bridge) handleIntent(sessionID string, h *hub, c *client, msg *protocol.ClientMessage, logger *slog.Logger) {
	if msg.UserIntent() && msg.ClientMsgID != "" && h.seen(msg.ClientMsgID, b.dedupeWindow) {
		logger.Debug("dropping duplicate intent",
			"type", msg.Type, "client_msg_id", msg.ClientMsgID)
		return
	}

	adpt, ok := b.sessions.Adapter(sessionID)
	if !ok {
		b.Publish(sessionID, protocol.ErrorEvent("session has no backend"))
		return
	}

	if msg.Type == protocol.MsgUserMessage {
		// Echo into the shared stream first so every attached browser sees
		// the message in the same position relative to the reply.
		b.Publish(sessionID, protocol.New(protocol.MsgUserMessage, map[string]any{
			"content":       msg.Content,
			"client_msg_id": msg.ClientMsgID,
		}))
		b.sessions.SetState(sessionID, protocol.StateRunning)
	}

	if err := adpt.SendBrowserMessage(msg); err != nil {
		switch {
		case errors.Is(err, adapter.ErrUnsupported):
			b.Publish(sessionID, protocol.ErrorEvent(err.Error()))
		case errors.Is(err, adapter.ErrNotConnected), errors.Is(err, adapter.ErrRejected):
			b.Publish(sessionID, protocol.ErrorEvent(
				fmt.Sprintf("backend unavailable for %s", msg.Type)))
		default:
			logger.Warn("intent dispatch failed", "type", msg.Type, "error", err)
			b.Publish(sessionID, protocol.ErrorEvent(err.Error()))
		}
	}
}

// seen records a client_msg_id, evicting the oldest past the window, and
// reports whether it was already present.
func (h *hub) seen(id string, window int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seenIDs == nil {
		h.seenIDs = make(map[string]struct{})
	}
	if _, dup := h.seenIDs[id]; dup {
		return true
	}
	h.seenIDs[id] = struct{}{}
	h.seenList = append(h.seenList, id)
	for window > 0 && len(h.seenList) > window {
		delete(h.seenIDs, h.seenList[0])
		h.seenList = h.seenList[1:]
	}
	return false
}

func (c *client) enqueueMsg(msg *protocol.ServerMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings.
func (c *client) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}
