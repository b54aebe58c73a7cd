// Package claude implements adapter A: the claude-style CLI is spawned with
// --sdk-url pointing back at this server's loopback WebSocket, streams NDJSON
// over that socket, and has most of its messages forwarded to the browser
// as-is. The adapter extracts the CLI's internal session id for resume and
// routes can_use_tool control requests to the permission arbiter.
package claude

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/permission"
	"github.com/agentmux/agentmux/internal/protocol"
)

// BackendEnvVar is set to "1" in every claude subprocess environment.
const BackendEnvVar = "CLAUDE_CODE_BRIDGE"

// Conn is the CLI side of the loopback socket. Satisfied by
// *websocket.Conn; tests substitute a fake.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Adapter is one claude-style session's protocol adapter. It exists from
// launch; the CLI socket attaches later, when the subprocess dials back.
type Adapter struct {
	sessionID string
	sinks     adapter.Sinks
	arbiter   *permission.Arbiter
	logger    *slog.Logger

	nextControlID atomic.Int64

	mu           sync.Mutex
	conn         Conn
	wmu          sync.Mutex // serializes socket writes
	closed       bool
	cliSessionID string
}

// New creates the adapter. The subprocess is spawned separately by the
// launcher; nothing works until AttachCLI.
func New(sessionID string, sinks adapter.Sinks, arbiter *permission.Arbiter, logger *slog.Logger) *Adapter {
	return &Adapter{
		sessionID: sessionID,
		sinks:     sinks,
		arbiter:   arbiter,
		logger:    logger.With("session_id", sessionID, "backend", protocol.BackendClaude),
	}
}

// AttachCLI accepts the subprocess's loopback connection and starts the read
// loop. A second CLI connection replaces the first.
func (a *Adapter) AttachCLI(conn Conn) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return
	}
	old := a.conn
	a.conn = conn
	a.mu.Unlock()

	if old != nil {
		old.Close()
	}

	a.sinks.PublishEvent(protocol.New(protocol.MsgCLIConnected, nil))
	go a.readLoop(conn)
}

// Connected reports whether a CLI socket is currently attached.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// SendBrowserMessage forwards a browser intent to the CLI over the loopback
// socket.
func (a *Adapter) SendBrowserMessage(msg *protocol.ClientMessage) error {
	switch msg.Type {
	case protocol.MsgUserMessage:
		return a.sendUserMessage(msg.Content)
	case protocol.MsgInterrupt:
		return a.sendControlRequest("interrupt", nil)
	case protocol.MsgSetModel:
		return a.sendControlRequest("set_model", map[string]any{"model": msg.Model})
	case protocol.MsgSetPermissionMode:
		return a.sendControlRequest("set_permission_mode", map[string]any{"mode": msg.PermissionMode})
	case protocol.MsgPermissionRespond:
		return a.arbiter.Resolve(msg.RequestID, decisionFromClient(msg))
	default:
		return fmt.Errorf("%w: %s on claude backend", adapter.ErrUnsupported, msg.Type)
	}
}

// Close detaches the CLI socket. The subprocess itself is the launcher's to
// kill.
func (a *Adapter) Close() {
	a.mu.Lock()
	a.closed = true
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (a *Adapter) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		a.handleLine(data)
	}

	a.mu.Lock()
	current := a.conn == conn
	if current {
		a.conn = nil
	}
	closed := a.closed
	a.mu.Unlock()

	if current && !closed {
		a.sinks.PublishEvent(protocol.New(protocol.MsgCLIDisconnected, nil))
	}
}

// handleLine processes one NDJSON message from the CLI. Exported to tests
// via claude_test.go only.
func (a *Adapter) handleLine(data []byte) {
	msg, err := protocol.ParseServer(data)
	if err != nil {
		a.logger.Warn("dropping malformed CLI line", "error", err)
		return
	}

	switch msg.Type {
	case "system":
		if msg.GetString("subtype") == "init" {
			a.handleInit(msg)
			return
		}
	case "control_request":
		if a.handleControlRequest(msg) {
			return
		}
	}

	// Everything else is forwarded to the browser as-is; the bridge
	// attaches the seq.
	a.sinks.PublishEvent(msg)
}

func (a *Adapter) handleInit(msg *protocol.ServerMessage) {
	id := msg.GetString("session_id")

	a.mu.Lock()
	stored := a.cliSessionID
	first := stored == ""
	changed := !first && id != "" && id != stored
	if first && id != "" {
		a.cliSessionID = id
	}
	a.mu.Unlock()

	if changed {
		// Some CLI releases rotate the internal id mid-session. Resuming
		// with the rotated id is untested upstream, so never overwrite.
		a.logger.Warn("CLI internal session id changed mid-session; keeping the first",
			"stored", stored, "reported", id)
	} else if first && id != "" {
		a.sinks.ReportCLISessionID(id)
	}

	fields := make(map[string]any, len(msg.Fields)+1)
	for k, v := range msg.Fields {
		fields[k] = v
	}
	fields["session_id"] = id
	a.sinks.PublishEvent(protocol.New(protocol.MsgSessionInit, fields))
}

// handleControlRequest routes can_use_tool to the arbiter. Other control
// request subtypes fall through to passthrough; returns true when consumed.
func (a *Adapter) handleControlRequest(msg *protocol.ServerMessage) bool {
	req, _ := msg.Fields["request"].(map[string]any)
	subtype, _ := req["subtype"].(string)
	if subtype != "can_use_tool" {
		return false
	}

	cliRequestID := msg.GetString("request_id")
	toolName, _ := req["tool_name"].(string)
	input, _ := req["input"].(map[string]any)

	a.arbiter.Register(permission.Request{
		SessionID: a.sessionID,
		ToolName:  toolName,
		Input:     input,
		Respond: func(d permission.Decision) {
			a.writeControlResponse(cliRequestID, d)
		},
	})
	return true
}

func (a *Adapter) writeControlResponse(cliRequestID string, d permission.Decision) {
	resp := map[string]any{
		"type":       "control_response",
		"request_id": cliRequestID,
	}
	if d.Allow {
		resp["subtype"] = "allow"
		if d.UpdatedInput != nil {
			resp["updated_input"] = d.UpdatedInput
		}
		if len(d.UpdatedPermissions) > 0 {
			resp["updated_permissions"] = json.RawMessage(d.UpdatedPermissions)
		}
	} else {
		resp["subtype"] = "deny"
		if d.Message != "" {
			resp["message"] = d.Message
		}
	}
	if err := a.writeJSON(resp); err != nil {
		a.logger.Warn("write control_response", "error", err)
	}
}

func (a *Adapter) sendUserMessage(text string) error {
	a.mu.Lock()
	sid := a.cliSessionID
	a.mu.Unlock()
	if sid == "" {
		sid = "default"
	}
	return a.writeJSON(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
		"session_id":         sid,
		"parent_tool_use_id": nil,
	})
}

func (a *Adapter) sendControlRequest(subtype string, fields map[string]any) error {
	req := map[string]any{"subtype": subtype}
	for k, v := range fields {
		req[k] = v
	}
	return a.writeJSON(map[string]any{
		"type":       "control_request",
		"request_id": fmt.Sprintf("bridge-%d", a.nextControlID.Add(1)),
		"request":    req,
	})
}

func (a *Adapter) writeJSON(v any) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return adapter.ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal CLI message: %w", err)
	}
	a.wmu.Lock()
	defer a.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func decisionFromClient(msg *protocol.ClientMessage) permission.Decision {
	return permission.Decision{
		Allow:              msg.Behavior == "allow",
		UpdatedInput:       msg.UpdatedInput,
		UpdatedPermissions: msg.UpdatedPermissions,
		Answers:            msg.Answers,
		Message:            msg.Message,
	}
}
