package protocol

import "encoding/json"

// ContentBlock is one block of an Anthropic-style message. Backend-sourced
// tool inputs are untyped blobs; fields are only extracted at translator
// boundaries.
type ContentBlock struct {
	Type string `json:"type"` // "text" | "thinking" | "tool_use" | "tool_result"

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// AssistantMessage is the message object carried by an "assistant" event.
// StopReason stays a pointer so a terminating message_delta can carry an
// explicit null.
type AssistantMessage struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content"`
	StopReason *string        `json:"stop_reason"`
}

// NewAssistantMessage builds an assistant message with the given blocks.
func NewAssistantMessage(id string, blocks ...ContentBlock) AssistantMessage {
	return AssistantMessage{ID: id, Type: "message", Role: "assistant", Content: blocks}
}

// AssistantEvent wraps an AssistantMessage as an outbound "assistant"
// ServerMessage.
func AssistantEvent(msg AssistantMessage) *ServerMessage {
	return New(MsgAssistant, map[string]any{"message": msg})
}

// StreamEvent wraps a raw Anthropic-style stream event (content_block_start,
// content_block_delta, content_block_stop, message_delta) as an outbound
// "stream_event" ServerMessage tied to the assistant message it streams.
func StreamEvent(messageID string, event map[string]any) *ServerMessage {
	return New(MsgStreamEvent, map[string]any{
		"event":      event,
		"message_id": messageID,
	})
}

// ErrorEvent builds an outbound "error" ServerMessage.
func ErrorEvent(msg string) *ServerMessage {
	return New(MsgError, map[string]any{"message": msg})
}

// RawJSON converts v through encoding/json into a generic value, for
// embedding typed structs inside map-based message fields. Returns nil on
// marshal failure.
func RawJSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
