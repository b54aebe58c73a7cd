// Package permission correlates subprocess-originated approval requests with
// browser decisions. Each pending request carries a backend-specific respond
// closure; the arbiter only tracks lifecycle (publish, resolve, timeout,
// cancel) and never knows wire shapes.
package permission

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/protocol"
)

// ErrUnknownRequest is returned when a browser answers a request that has
// already been resolved, timed out, or never existed.
var ErrUnknownRequest = errors.New("permission: unknown request id")

// Decision is the browser's (or the timeout's) answer to a pending request.
type Decision struct {
	Allow              bool
	UpdatedInput       map[string]any
	UpdatedPermissions json.RawMessage
	// Answers maps question index -> chosen label for user-input questions.
	Answers map[string]string
	// Message is a human-readable denial reason.
	Message  string
	TimedOut bool
}

// Request is one subprocess-originated approval request. Respond is invoked
// exactly once with the final decision; OnTimeout additionally runs when the
// timeout fires (e.g. to emit an error tool_result for dynamic tool calls).
type Request struct {
	SessionID string
	ToolName  string
	Input     map[string]any
	Timeout   time.Duration // 0 = wait for the browser (or session exit)
	Respond   func(Decision)
	OnTimeout func()
}

type pendingRequest struct {
	req       Request
	requestID string
	createdAt time.Time
	timer     *time.Timer
}

// Publisher delivers a sequenced event to every browser attached to a
// session. The bridge binds itself here after construction.
type Publisher func(sessionID string, msg *protocol.ServerMessage)

// Arbiter owns the pending-permission map.
type Arbiter struct {
	logger  *slog.Logger
	mu      sync.Mutex
	pending map[string]*pendingRequest
	publish Publisher
}

func NewArbiter(logger *slog.Logger) *Arbiter {
	return &Arbiter{
		logger:  logger,
		pending: make(map[string]*pendingRequest),
		publish: func(string, *protocol.ServerMessage) {},
	}
}

// Bind installs the bridge's publisher. Must be called before any Register.
func (a *Arbiter) Bind(p Publisher) {
	a.mu.Lock()
	a.publish = p
	a.mu.Unlock()
}

// Register records the request, emits a sequenced permission_request to the
// browsers, and arms the timeout. Returns the server-generated request id.
func (a *Arbiter) Register(req Request) string {
	id := uuid.New().String()
	p := &pendingRequest{req: req, requestID: id, createdAt: time.Now().UTC()}

	a.mu.Lock()
	a.pending[id] = p
	if req.Timeout > 0 {
		p.timer = time.AfterFunc(req.Timeout, func() { a.timeout(id) })
	}
	publish := a.publish
	a.mu.Unlock()

	publish(req.SessionID, protocol.New(protocol.MsgPermissionRequest, map[string]any{
		"request_id": id,
		"tool_name":  req.ToolName,
		"input":      req.Input,
	}))
	return id
}

// Resolve delivers the browser's decision to the originating subprocess.
func (a *Arbiter) Resolve(requestID string, d Decision) error {
	p := a.take(requestID)
	if p == nil {
		return ErrUnknownRequest
	}
	p.req.Respond(d)
	return nil
}

// CancelSession drops every pending request for a session (the subprocess is
// gone, so nothing is answered) and tells the browsers.
func (a *Arbiter) CancelSession(sessionID string) {
	a.mu.Lock()
	var cancelled []*pendingRequest
	for id, p := range a.pending {
		if p.req.SessionID == sessionID {
			if p.timer != nil {
				p.timer.Stop()
			}
			delete(a.pending, id)
			cancelled = append(cancelled, p)
		}
	}
	publish := a.publish
	a.mu.Unlock()

	for _, p := range cancelled {
		publish(sessionID, protocol.New(protocol.MsgPermissionCancel, map[string]any{
			"request_id": p.requestID,
		}))
	}
}

// PendingCount returns the number of outstanding requests for a session.
func (a *Arbiter) PendingCount(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, p := range a.pending {
		if p.req.SessionID == sessionID {
			n++
		}
	}
	return n
}

func (a *Arbiter) timeout(requestID string) {
	p := a.take(requestID)
	if p == nil {
		return
	}
	a.logger.Warn("permission request timed out",
		"request_id", requestID, "session_id", p.req.SessionID, "tool", p.req.ToolName)

	p.req.Respond(Decision{Allow: false, TimedOut: true, Message: "approval timed out"})
	if p.req.OnTimeout != nil {
		p.req.OnTimeout()
	}

	a.mu.Lock()
	publish := a.publish
	a.mu.Unlock()
	publish(p.req.SessionID, protocol.New(protocol.MsgPermissionCancel, map[string]any{
		"request_id": requestID,
		"reason":     "timeout",
	}))
}

func (a *Arbiter) take(requestID string) *pendingRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[requestID]
	if !ok {
		return nil
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(a.pending, requestID)
	return p
}
