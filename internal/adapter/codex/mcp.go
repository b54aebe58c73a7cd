package codex

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/agentmux/agentmux/internal/protocol"
)

// MCP server management: each browser command is a short script of JSON-RPC
// calls against the backend, ending with a fresh mcp_status event. All
// intermediate request ids run through the correlator like any other call.

func (a *Adapter) mcpGetStatus() {
	ctx := context.Background()

	var status json.RawMessage
	if err := a.conn.Call(ctx, "mcpServerStatus/list", nil, &status); err != nil {
		a.sinks.PublishEvent(protocol.ErrorEvent("mcp status: " + err.Error()))
		return
	}
	var cfg json.RawMessage
	if err := a.conn.Call(ctx, "config/read", nil, &cfg); err != nil {
		a.logger.Warn("config/read", "error", err)
	}

	fields := map[string]any{"servers": status}
	if len(cfg) > 0 {
		fields["config"] = cfg
	}
	a.sinks.PublishEvent(protocol.New(protocol.MsgMCPStatus, fields))
}

func (a *Adapter) mcpToggle(server string, enabled bool) {
	ctx := context.Background()

	err := a.conn.Call(ctx, "config/value/write", map[string]any{
		"key":   "mcpServers." + server + ".enabled",
		"value": enabled,
	}, nil)
	if err != nil {
		a.sinks.PublishEvent(protocol.ErrorEvent("mcp toggle: " + err.Error()))
		return
	}

	if err := a.reloadMCPServer(ctx, server); err != nil {
		a.sinks.PublishEvent(protocol.ErrorEvent("mcp reload: " + err.Error()))
	}
	a.mcpGetStatus()
}

func (a *Adapter) mcpReconnect(server string) {
	if err := a.reloadMCPServer(context.Background(), server); err != nil {
		a.sinks.PublishEvent(protocol.ErrorEvent("mcp reconnect: " + err.Error()))
	}
	a.mcpGetStatus()
}

func (a *Adapter) mcpSetServers(servers json.RawMessage) {
	ctx := context.Background()

	err := a.conn.Call(ctx, "config/value/write", map[string]any{
		"key":           "mcpServers",
		"value":         servers,
		"mergeStrategy": "replace",
	}, nil)
	if err != nil {
		a.sinks.PublishEvent(protocol.ErrorEvent("mcp set servers: " + err.Error()))
		return
	}
	if err := a.conn.Call(ctx, "config/mcpServer/reload", map[string]any{}, nil); err != nil {
		a.logger.Warn("config/mcpServer/reload", "error", err)
	}
	a.mcpGetStatus()
}

// reloadMCPServer reloads one server's config. A reload rejected with
// "invalid transport" means the entry is unloadable; remove it outright so
// the backend stops tripping over it.
func (a *Adapter) reloadMCPServer(ctx context.Context, server string) error {
	err := a.conn.Call(ctx, "config/mcpServer/reload", map[string]any{"server": server}, nil)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "invalid transport") {
		return err
	}
	a.logger.Warn("removing mcp server with invalid transport", "server", server)
	return a.conn.Call(ctx, "config/value/write", map[string]any{
		"key":           "mcpServers." + server,
		"value":         nil,
		"mergeStrategy": "replace",
	}, nil)
}
