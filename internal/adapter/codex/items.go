package codex

import (
	"encoding/json"
	"strings"

	"github.com/agentmux/agentmux/internal/protocol"
)

// wireItem is the backend's unit of model output. Command stays raw because
// backend versions disagree on string vs array; it is preserved as received
// and never re-quoted.
type wireItem struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Text             string          `json:"text,omitempty"`
	Command          json.RawMessage `json:"command,omitempty"`
	ExitCode         *int            `json:"exitCode,omitempty"`
	AggregatedOutput string          `json:"aggregatedOutput,omitempty"`
	Changes          []wireChange    `json:"changes,omitempty"`
	Query            string          `json:"query,omitempty"`
	Results          json.RawMessage `json:"results,omitempty"`
}

type wireChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"` // "create" | "update" | "delete"
}

// itemState tracks a live item between started and completed. startedSeen
// guards against double-emitting the tool_use block when completed arrives
// without a prior started (the backfill path).
type itemState struct {
	kind        string
	startedSeen bool
	text        strings.Builder
}

func (a *Adapter) itemEnvelope(params json.RawMessage) (*wireItem, bool) {
	var env struct {
		Item *wireItem `json:"item"`
	}
	if err := json.Unmarshal(params, &env); err != nil || env.Item == nil || env.Item.ID == "" {
		a.logger.Warn("dropping malformed item notification")
		return nil, false
	}
	return env.Item, true
}

func (a *Adapter) itemStarted(params json.RawMessage) {
	item, ok := a.itemEnvelope(params)
	if !ok {
		return
	}

	switch item.Type {
	case "agentMessage":
		a.trackItem(item, true)
		a.publishStream(item.ID, map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]any{"type": "text", "text": ""},
		})
	case "reasoning":
		a.trackItem(item, true)
		a.publishStream(item.ID, map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]any{"type": "thinking", "thinking": ""},
		})
	case "commandExecution", "fileChange", "webSearch":
		a.trackItem(item, true)
		block := toolUseBlock(item)
		a.publishStream(item.ID, map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]any{"type": "tool_use", "id": block.ID, "name": block.Name},
		})
		a.sinks.PublishEvent(protocol.AssistantEvent(
			protocol.NewAssistantMessage(agentMessageID(item.ID), block)))
	default:
		a.logger.Warn("dropping unknown item kind", "kind", item.Type)
	}
}

func (a *Adapter) itemDelta(kind string, params json.RawMessage) {
	var d struct {
		ItemID string `json:"itemId"`
		Delta  string `json:"delta"`
	}
	if err := json.Unmarshal(params, &d); err != nil || d.ItemID == "" {
		a.logger.Warn("dropping malformed item delta", "kind", kind)
		return
	}

	switch kind {
	case "agentMessage":
		a.appendText(d.ItemID, kind, d.Delta)
		a.publishStream(d.ItemID, map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": d.Delta},
		})
	case "reasoning":
		a.appendText(d.ItemID, kind, d.Delta)
		a.publishStream(d.ItemID, map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "thinking_delta", "thinking": d.Delta},
		})
	default:
		a.logger.Warn("dropping delta for unknown item kind", "kind", kind)
	}
}

func (a *Adapter) itemCompleted(params json.RawMessage) {
	item, ok := a.itemEnvelope(params)
	if !ok {
		return
	}

	a.mu.Lock()
	st := a.items[item.ID]
	delete(a.items, item.ID)
	a.mu.Unlock()
	if st == nil {
		st = &itemState{kind: item.Type}
	}

	switch item.Type {
	case "agentMessage":
		text := st.text.String()
		if text == "" {
			text = item.Text
		}
		msg := protocol.NewAssistantMessage(agentMessageID(item.ID),
			protocol.ContentBlock{Type: "text", Text: text})
		a.sinks.PublishEvent(protocol.AssistantEvent(msg))
		a.publishStream(item.ID, map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": nil},
		})
		a.publishStream(item.ID, map[string]any{"type": "content_block_stop", "index": 0})
	case "reasoning":
		a.publishStream(item.ID, map[string]any{"type": "content_block_stop", "index": 0})
	case "commandExecution":
		a.completeCommand(item, st)
	case "fileChange":
		a.completeToolItem(item, st, fileChangeSummary(item.Changes))
	case "webSearch":
		var content any = item.Query
		if len(item.Results) > 0 {
			content = json.RawMessage(item.Results)
		}
		a.completeToolItem(item, st, content)
	default:
		a.logger.Warn("dropping completion for unknown item kind", "kind", item.Type)
	}
}

func (a *Adapter) completeCommand(item *wireItem, st *itemState) {
	exitCode := 0
	if item.ExitCode != nil {
		exitCode = *item.ExitCode
	}
	output := item.AggregatedOutput

	if !st.startedSeen {
		// Backfill: the tool_use block must precede its result.
		a.sinks.PublishEvent(protocol.AssistantEvent(
			protocol.NewAssistantMessage(agentMessageID(item.ID), toolUseBlock(item))))
		if output == "" && exitCode == 0 {
			// Nothing ran visibly; a synthetic empty success result would
			// only clutter the transcript.
			return
		}
	}

	a.sinks.PublishEvent(protocol.AssistantEvent(protocol.NewAssistantMessage(
		agentMessageID(item.ID),
		protocol.ContentBlock{
			Type:      "tool_result",
			ToolUseID: item.ID,
			Content:   output,
			IsError:   exitCode != 0,
		})))
}

func (a *Adapter) completeToolItem(item *wireItem, st *itemState, content any) {
	if !st.startedSeen {
		a.sinks.PublishEvent(protocol.AssistantEvent(
			protocol.NewAssistantMessage(agentMessageID(item.ID), toolUseBlock(item))))
	}
	a.sinks.PublishEvent(protocol.AssistantEvent(protocol.NewAssistantMessage(
		agentMessageID(item.ID),
		protocol.ContentBlock{Type: "tool_result", ToolUseID: item.ID, Content: content})))
}

func (a *Adapter) trackItem(item *wireItem, started bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.items[item.ID]
	if st == nil {
		st = &itemState{kind: item.Type}
		a.items[item.ID] = st
	}
	if started {
		st.startedSeen = true
	}
}

func (a *Adapter) appendText(itemID, kind, delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.items[itemID]
	if st == nil {
		st = &itemState{kind: kind}
		a.items[itemID] = st
	}
	st.text.WriteString(delta)
}

func (a *Adapter) publishStream(itemID string, event map[string]any) {
	a.sinks.PublishEvent(protocol.StreamEvent(agentMessageID(itemID), event))
}

// agentMessageID is the stable browser-side id for everything derived from
// one backend item.
func agentMessageID(itemID string) string { return "codex-agent-" + itemID }

// toolUseBlock maps an item to its common-schema tool_use block.
func toolUseBlock(item *wireItem) protocol.ContentBlock {
	switch item.Type {
	case "commandExecution":
		return protocol.ContentBlock{
			Type:  "tool_use",
			ID:    item.ID,
			Name:  "Bash",
			Input: map[string]any{"command": commandValue(item.Command)},
		}
	case "fileChange":
		name := "Write"
		paths := make([]string, 0, len(item.Changes))
		for _, c := range item.Changes {
			paths = append(paths, c.Path)
			if c.Kind != "create" {
				name = "Edit"
			}
		}
		return protocol.ContentBlock{
			Type: "tool_use",
			ID:   item.ID,
			Name: name,
			Input: map[string]any{
				"changes":    protocol.RawJSON(item.Changes),
				"file_paths": paths,
			},
		}
	case "webSearch":
		return protocol.ContentBlock{
			Type:  "tool_use",
			ID:    item.ID,
			Name:  "WebSearch",
			Input: map[string]any{"query": item.Query},
		}
	}
	return protocol.ContentBlock{Type: "tool_use", ID: item.ID, Name: item.Type}
}

// commandValue decodes the command field preserving its source form: a
// string stays a string, an array stays an array. Callers tolerate both.
func commandValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// commandDisplay renders the command for human-facing surfaces: arrays are
// joined with spaces, strings pass through.
func commandDisplay(raw json.RawMessage) string {
	v := commandValue(raw)
	switch cmd := v.(type) {
	case string:
		return cmd
	case []any:
		parts := make([]string, 0, len(cmd))
		for _, p := range cmd {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return string(raw)
}

func fileChangeSummary(changes []wireChange) string {
	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		paths = append(paths, c.Path)
	}
	if len(paths) == 0 {
		return "No files changed"
	}
	return "Applied changes to " + strings.Join(paths, ", ")
}
