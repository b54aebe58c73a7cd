package codex

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/agentmux/agentmux/internal/permission"
	"github.com/agentmux/agentmux/internal/protocol"
)

// dynamicToolTimeout bounds how long a dynamic tool call waits for a browser
// answer before the backend gets a failure response.
const dynamicToolTimeout = 120 * time.Second

// HandleRequest implements jsonrpc.Handler for server-initiated requests.
// Every approval flavor is registered with the arbiter; the reply shape is
// fixed here per method and echoed through a respond closure.
func (a *Adapter) HandleRequest(id json.RawMessage, method string, params json.RawMessage) {
	switch method {
	case "item/commandExecution/requestApproval":
		a.commandApproval(id, params, "accept", "decline")
	case "execCommandApproval":
		a.commandApproval(id, params, "approved", "denied")
	case "item/fileChange/requestApproval":
		a.fileChangeApproval(id, params, "accept", "decline")
	case "applyPatchApproval":
		a.fileChangeApproval(id, params, "approved", "denied")
	case "item/mcpToolCall/requestApproval":
		a.mcpToolApproval(id, params)
	case "item/tool/call":
		a.dynamicToolCall(id, params)
	case "item/tool/requestUserInput":
		a.userInputRequest(id, params)
	default:
		a.logger.Warn("rejecting unknown server-initiated method", "method", method)
		if err := a.conn.ReplyError(id, -32601, "method not found"); err != nil {
			a.logger.Warn("write method-not-found reply", "error", err)
		}
	}
}

// decisionReply writes {"decision": <allowWord|denyWord>} for the two
// ReviewDecision dialects the backend uses.
func (a *Adapter) decisionReply(id json.RawMessage, allowWord, denyWord string) func(permission.Decision) {
	return func(d permission.Decision) {
		word := denyWord
		if d.Allow {
			word = allowWord
		}
		if err := a.conn.Reply(id, map[string]any{"decision": word}); err != nil {
			a.logger.Warn("write approval reply", "error", err)
		}
	}
}

func (a *Adapter) commandApproval(id json.RawMessage, params json.RawMessage, allowWord, denyWord string) {
	var p struct {
		ItemID  string          `json:"itemId"`
		CallID  string          `json:"callId"`
		Command json.RawMessage `json:"command"`
		Cwd     string          `json:"cwd"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		a.logger.Warn("malformed command approval params", "error", err)
	}

	input := map[string]any{"command": commandDisplay(p.Command)}
	if p.Cwd != "" {
		input["cwd"] = p.Cwd
	}
	a.arbiter.Register(permission.Request{
		SessionID: a.sessionID,
		ToolName:  "Bash",
		Input:     input,
		Respond:   a.decisionReply(id, allowWord, denyWord),
	})
}

func (a *Adapter) fileChangeApproval(id json.RawMessage, params json.RawMessage, allowWord, denyWord string) {
	var p struct {
		ItemID  string       `json:"itemId"`
		Changes []wireChange `json:"changes"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		a.logger.Warn("malformed file change approval params", "error", err)
	}

	paths := make([]string, 0, len(p.Changes))
	for _, c := range p.Changes {
		paths = append(paths, c.Path)
	}
	a.arbiter.Register(permission.Request{
		SessionID: a.sessionID,
		ToolName:  "Edit",
		Input: map[string]any{
			"file_paths": paths,
			"changes":    protocol.RawJSON(p.Changes),
		},
		Respond: a.decisionReply(id, allowWord, denyWord),
	})
}

func (a *Adapter) mcpToolApproval(id json.RawMessage, params json.RawMessage) {
	var p struct {
		ItemID    string         `json:"itemId"`
		Server    string         `json:"server"`
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		a.logger.Warn("malformed mcp tool approval params", "error", err)
	}

	a.arbiter.Register(permission.Request{
		SessionID: a.sessionID,
		ToolName:  fmt.Sprintf("mcp:%s:%s", p.Server, p.Tool),
		Input:     p.Arguments,
		Respond:   a.decisionReply(id, "accept", "decline"),
	})
}

// dynamicToolCall handles item/tool/call. The tool_use block is emitted up
// front; a denial or the 120s timeout answers the backend with
// {success:false} and the timeout also surfaces an error tool_result.
func (a *Adapter) dynamicToolCall(id json.RawMessage, params json.RawMessage) {
	var p struct {
		CallID    string         `json:"callId"`
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		a.logger.Warn("malformed dynamic tool call params", "error", err)
	}

	toolName := "dynamic:" + p.Tool
	a.sinks.PublishEvent(protocol.AssistantEvent(protocol.NewAssistantMessage(
		agentMessageID(p.CallID),
		protocol.ContentBlock{Type: "tool_use", ID: p.CallID, Name: toolName, Input: p.Arguments})))

	a.arbiter.Register(permission.Request{
		SessionID: a.sessionID,
		ToolName:  toolName,
		Input:     p.Arguments,
		Timeout:   dynamicToolTimeout,
		Respond: func(d permission.Decision) {
			if err := a.conn.Reply(id, dynamicToolResponse(d)); err != nil {
				a.logger.Warn("write dynamic tool reply", "error", err)
			}
		},
		OnTimeout: func() {
			a.sinks.PublishEvent(protocol.AssistantEvent(protocol.NewAssistantMessage(
				agentMessageID(p.CallID),
				protocol.ContentBlock{
					Type:      "tool_result",
					ToolUseID: p.CallID,
					Content:   "dynamic tool call timed out",
					IsError:   true,
				})))
		},
	})
}

// dynamicToolResponse builds the DynamicToolCallResponse payload. On allow
// the browser's updated_input is the response body; on deny the denial
// message travels as an inputText content item.
func dynamicToolResponse(d permission.Decision) map[string]any {
	if !d.Allow {
		msg := d.Message
		if msg == "" {
			msg = "denied"
		}
		return map[string]any{
			"success": false,
			"contentItems": []map[string]any{
				{"type": "inputText", "text": msg},
			},
		}
	}
	resp := map[string]any{"success": true, "contentItems": []any{}}
	for k, v := range d.UpdatedInput {
		resp[k] = v
	}
	return resp
}

func (a *Adapter) userInputRequest(id json.RawMessage, params json.RawMessage) {
	var p struct {
		ItemID    string `json:"itemId"`
		Questions []struct {
			ID       string `json:"id"`
			Question string `json:"question"`
			Options  []struct {
				Label string `json:"label"`
			} `json:"options"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		a.logger.Warn("malformed user input request params", "error", err)
	}

	questionIDs := make([]string, len(p.Questions))
	for i, q := range p.Questions {
		questionIDs[i] = q.ID
	}

	var full map[string]any
	var rawQuestions any
	if json.Unmarshal(params, &full) == nil {
		rawQuestions = full["questions"]
	}

	a.arbiter.Register(permission.Request{
		SessionID: a.sessionID,
		ToolName:  "AskUserQuestion",
		Input:     map[string]any{"questions": rawQuestions},
		Respond: func(d permission.Decision) {
			// The browser answers by question index; the backend wants
			// stable question ids.
			answers := make(map[string]any, len(d.Answers))
			for idxStr, label := range d.Answers {
				idx, err := strconv.Atoi(idxStr)
				if err != nil || idx < 0 || idx >= len(questionIDs) {
					continue
				}
				answers[questionIDs[idx]] = map[string]any{"answers": []string{label}}
			}
			if err := a.conn.Reply(id, map[string]any{"answers": answers}); err != nil {
				a.logger.Warn("write user input reply", "error", err)
			}
		},
	})
}
