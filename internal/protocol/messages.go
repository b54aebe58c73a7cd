package protocol

import (
	"encoding/json"
	"fmt"
)

// Outbound (server -> browser) message types.
const (
	MsgSessionInit       = "session_init"
	MsgSessionUpdate     = "session_update"
	MsgAssistant         = "assistant"
	MsgStreamEvent       = "stream_event"
	MsgResult            = "result"
	MsgPermissionRequest = "permission_request"
	MsgPermissionCancel  = "permission_cancelled"
	MsgToolProgress      = "tool_progress"
	MsgToolUseSummary    = "tool_use_summary"
	MsgStatusChange      = "status_change"
	MsgAuthStatus        = "auth_status"
	MsgError             = "error"
	MsgCLIConnected      = "cli_connected"
	MsgCLIDisconnected   = "cli_disconnected"
	MsgUserMessage       = "user_message"
	MsgMessageHistory    = "message_history"
	MsgEventReplay       = "event_replay"
	MsgSessionNameUpdate = "session_name_update"
	MsgPRStatusUpdate    = "pr_status_update"
	MsgMCPStatus         = "mcp_status"
	MsgTaskNotification  = "task_notification"
)

// Inbound (browser -> server) message types.
const (
	MsgSessionSubscribe  = "session_subscribe"
	MsgSessionAck        = "session_ack"
	MsgPermissionRespond = "permission_response"
	MsgInterrupt         = "interrupt"
	MsgSetModel          = "set_model"
	MsgSetPermissionMode = "set_permission_mode"
	MsgMCPGetStatus      = "mcp_get_status"
	MsgMCPToggle         = "mcp_toggle"
	MsgMCPReconnect      = "mcp_reconnect"
	MsgMCPSetServers     = "mcp_set_servers"
)

// ServerMessage is a single outbound browser message: a JSON object tagged by
// "type", optionally carrying "seq", plus arbitrary message fields. Fields is
// the payload without the type and seq keys; they are merged on marshal so
// that adapters can pass backend messages through without re-shaping them.
type ServerMessage struct {
	Type   string
	Seq    uint64
	Fields map[string]any
}

// New builds a ServerMessage of the given type. Fields may be nil.
func New(typ string, fields map[string]any) *ServerMessage {
	if fields == nil {
		fields = map[string]any{}
	}
	return &ServerMessage{Type: typ, Fields: fields}
}

// MarshalJSON merges Type and Seq into the field map. Seq is omitted while
// zero; session_init and message_history are sent unsequenced.
func (m *ServerMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+2)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["type"] = m.Type
	if m.Seq > 0 {
		out["seq"] = m.Seq
	} else {
		delete(out, "seq")
	}
	return json.Marshal(out)
}

// ParseServer decodes a raw JSON object into a ServerMessage, extracting the
// type tag. Used by adapter A to forward subprocess NDJSON as-is.
func ParseServer(data []byte) (*ServerMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("parse server message: %w", err)
	}
	typ, _ := fields["type"].(string)
	if typ == "" {
		return nil, fmt.Errorf("parse server message: missing type tag")
	}
	delete(fields, "type")
	delete(fields, "seq")
	return &ServerMessage{Type: typ, Fields: fields}, nil
}

// GetString returns a top-level string field, or "" when absent.
func (m *ServerMessage) GetString(key string) string {
	s, _ := m.Fields[key].(string)
	return s
}

// Replayable reports whether the message participates in the sequenced
// replay stream. event_replay wraps other messages and is never itself
// replayed.
func (m *ServerMessage) Replayable() bool {
	return m.Type != MsgEventReplay
}

// ClientMessage is a single inbound browser message. One flat struct covers
// the whole inbound union; unused fields stay at their zero value.
type ClientMessage struct {
	Type        string `json:"type"`
	ClientMsgID string `json:"client_msg_id,omitempty"`

	// session_subscribe / session_ack
	LastSeq uint64 `json:"last_seq,omitempty"`

	// user_message
	Content string `json:"content,omitempty"`

	// permission_response
	RequestID          string            `json:"request_id,omitempty"`
	Behavior           string            `json:"behavior,omitempty"` // "allow" | "deny"
	UpdatedInput       map[string]any    `json:"updated_input,omitempty"`
	UpdatedPermissions json.RawMessage   `json:"updated_permissions,omitempty"`
	Message            string            `json:"message,omitempty"`
	Answers            map[string]string `json:"answers,omitempty"` // question index -> chosen label

	// set_model / set_permission_mode
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`

	// mcp_toggle / mcp_reconnect / mcp_set_servers
	ServerName string          `json:"server_name,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
	Servers    json.RawMessage `json:"servers,omitempty"`
}

// UserIntent reports whether the message is a user intent that must carry a
// client_msg_id for idempotent delivery (the browser adds one when absent).
func (m *ClientMessage) UserIntent() bool {
	switch m.Type {
	case MsgUserMessage, MsgPermissionRespond, MsgInterrupt, MsgSetModel,
		MsgSetPermissionMode, MsgMCPGetStatus, MsgMCPToggle, MsgMCPReconnect,
		MsgMCPSetServers:
		return true
	}
	return false
}
