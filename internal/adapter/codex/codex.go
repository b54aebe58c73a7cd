// Package codex implements adapter B: a JSON-RPC 2.0 client over the
// codex-style subprocess's stdio. It performs the initialize -> thread/start
// (or thread/resume) handshake, queues browser intents until the handshake
// completes, translates the backend's item lifecycle into the common browser
// schema, and routes server-initiated approval requests to the arbiter.
package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/jsonrpc"
	"github.com/agentmux/agentmux/internal/permission"
	"github.com/agentmux/agentmux/internal/protocol"
)

type state int

const (
	stateInitializing state = iota
	stateAwaitingThread
	stateReady
	stateFailed
	stateClosed
)

// Options fix a codex session's launch-time knobs. The backend exposes no
// post-handshake model or permission-mode switches.
type Options struct {
	WorkingDir                 string
	Model                      string
	PermissionMode             string
	DangerouslySkipPermissions bool
	Sandbox                    string // kebab-case wire enum; defaults to workspace-write
	InternetAccess             bool
	// ResumeThreadID continues a previous conversation via thread/resume.
	ResumeThreadID string
}

// Adapter is one codex session's protocol adapter.
type Adapter struct {
	sessionID string
	opts      Options
	sinks     adapter.Sinks
	arbiter   *permission.Arbiter
	logger    *slog.Logger
	conn      *jsonrpc.Conn

	mu       sync.Mutex
	st       state
	threadID string
	turnID   string
	queue    []*protocol.ClientMessage
	queueCap int
	items    map[string]*itemState
	rate     *RateLimits
}

// Stdio is the subprocess's wiring: the JSON-RPC channel runs over
// stdin/stdout, stderr carries diagnostics. Done is invoked once per drained
// reader so the process watcher can reap after the pipes empty.
type Stdio struct {
	Stdin  io.Writer
	Stdout io.Reader
	Stderr io.Reader
	Done   func()
}

func (s Stdio) done() {
	if s.Done != nil {
		s.Done()
	}
}

// New wires the adapter onto a spawned subprocess and kicks off the
// handshake. The subprocess must have been started with two expected readers.
func New(sessionID string, stdio Stdio, opts Options, queueCap int, sinks adapter.Sinks, arbiter *permission.Arbiter, logger *slog.Logger) *Adapter {
	if opts.Sandbox == "" {
		opts.Sandbox = protocol.SandboxWorkspaceWrite
	}
	if queueCap <= 0 {
		queueCap = 256
	}
	a := &Adapter{
		sessionID: sessionID,
		opts:      opts,
		sinks:     sinks,
		arbiter:   arbiter,
		logger:    logger.With("session_id", sessionID, "backend", protocol.BackendCodex),
		queueCap:  queueCap,
		items:     make(map[string]*itemState),
	}
	a.conn = jsonrpc.NewConn(stdio.Stdin, a, a.logger)

	go func() {
		// Stdout is the JSON-RPC channel; it must never be logged as prose.
		a.conn.ReadLoop(stdio.Stdout)
		stdio.done()
	}()
	go func() {
		drainStderr(stdio.Stderr, a.logger)
		stdio.done()
	}()
	go a.handshake()
	return a
}

// BuildArgs composes the codex app-server command line.
func BuildArgs(webSearch bool) []string {
	return []string{"app-server", "-c", fmt.Sprintf("tools.webSearch=%t", webSearch)}
}

// approvalPolicy maps the common permission-mode symbol onto the backend's
// kebab-case approval enum. Only bypass maps to never; plan, acceptEdits,
// default and absent all mean untrusted.
func approvalPolicy(mode string, dangerouslySkip bool) string {
	if dangerouslySkip || mode == "bypassPermissions" {
		return "never"
	}
	return "untrusted"
}

type threadReply struct {
	ThreadID string `json:"threadId"`
}

func (a *Adapter) handshake() {
	ctx := context.Background()

	err := a.conn.Call(ctx, "initialize", map[string]any{
		"clientInfo": map[string]any{"name": "agentmux", "version": "1"},
	}, nil)
	if err != nil {
		a.fail(fmt.Errorf("initialize: %w", err))
		return
	}

	a.mu.Lock()
	a.st = stateAwaitingThread
	a.mu.Unlock()

	var tr threadReply
	if a.opts.ResumeThreadID != "" {
		err = a.conn.Call(ctx, "thread/resume", map[string]any{
			"threadId": a.opts.ResumeThreadID,
			"cwd":      a.opts.WorkingDir,
		}, &tr)
	} else {
		params := map[string]any{
			"cwd":            a.opts.WorkingDir,
			"approvalPolicy": approvalPolicy(a.opts.PermissionMode, a.opts.DangerouslySkipPermissions),
			"sandbox":        a.opts.Sandbox,
		}
		if a.opts.Model != "" {
			params["model"] = a.opts.Model
		}
		if a.opts.InternetAccess {
			params["internetAccess"] = true
		}
		err = a.conn.Call(ctx, "thread/start", params, &tr)
	}
	if err != nil {
		a.fail(fmt.Errorf("thread handshake: %w", err))
		return
	}

	a.mu.Lock()
	a.threadID = tr.ThreadID
	a.mu.Unlock()

	a.sinks.ReportCLISessionID(tr.ThreadID)
	a.sinks.PublishEvent(protocol.New(protocol.MsgSessionInit, map[string]any{
		"session_id": tr.ThreadID,
		"backend":    protocol.BackendCodex,
		"model":      a.opts.Model,
		"cwd":        a.opts.WorkingDir,
	}))

	go a.refreshRateLimits()
	a.flushQueue()
}

// flushQueue drains queued intents in arrival order, then flips to ready.
// Intents arriving mid-flush land in the queue and drain before ready, so
// the FIFO guarantee holds across the transition.
func (a *Adapter) flushQueue() {
	for {
		a.mu.Lock()
		if a.st == stateFailed || a.st == stateClosed {
			a.queue = nil
			a.mu.Unlock()
			return
		}
		if len(a.queue) == 0 {
			a.st = stateReady
			a.mu.Unlock()
			return
		}
		batch := a.queue
		a.queue = nil
		a.mu.Unlock()

		for _, msg := range batch {
			a.dispatch(msg)
		}
	}
}

func (a *Adapter) fail(err error) {
	a.mu.Lock()
	if a.st == stateFailed || a.st == stateClosed {
		a.mu.Unlock()
		return
	}
	a.st = stateFailed
	dropped := len(a.queue)
	a.queue = nil
	a.mu.Unlock()

	a.logger.Warn("codex init failed", "error", err, "dropped_intents", dropped)
	a.sinks.PublishEvent(protocol.ErrorEvent(fmt.Sprintf("backend failed to initialize: %v", err)))
	a.sinks.ReportInitError(err)
}

// SendBrowserMessage forwards or queues a browser intent. Before the
// handshake completes only user_message, permission_response and interrupt
// are accepted; after a failed init everything is rejected.
func (a *Adapter) SendBrowserMessage(msg *protocol.ClientMessage) error {
	a.mu.Lock()
	switch a.st {
	case stateFailed, stateClosed:
		a.mu.Unlock()
		return adapter.ErrRejected
	case stateReady:
		a.mu.Unlock()
		return a.dispatch(msg)
	default:
		switch msg.Type {
		case protocol.MsgUserMessage, protocol.MsgPermissionRespond, protocol.MsgInterrupt:
			var dropped *protocol.ClientMessage
			if len(a.queue) >= a.queueCap {
				dropped = a.queue[0]
				a.queue = a.queue[1:]
			}
			a.queue = append(a.queue, msg)
			a.mu.Unlock()
			if dropped != nil {
				a.sinks.PublishEvent(protocol.ErrorEvent(
					fmt.Sprintf("intent queue overflow; dropped oldest %s", dropped.Type)))
			}
			return nil
		case protocol.MsgSetModel, protocol.MsgSetPermissionMode:
			a.mu.Unlock()
			return fmt.Errorf("%w: %s is fixed at codex launch", adapter.ErrUnsupported, msg.Type)
		default:
			a.mu.Unlock()
			return fmt.Errorf("%w: %s before codex handshake", adapter.ErrUnsupported, msg.Type)
		}
	}
}

func (a *Adapter) dispatch(msg *protocol.ClientMessage) error {
	switch msg.Type {
	case protocol.MsgUserMessage:
		return a.startTurn(msg.Content)
	case protocol.MsgInterrupt:
		return a.interrupt()
	case protocol.MsgPermissionRespond:
		return a.arbiter.Resolve(msg.RequestID, permission.Decision{
			Allow:              msg.Behavior == "allow",
			UpdatedInput:       msg.UpdatedInput,
			UpdatedPermissions: msg.UpdatedPermissions,
			Answers:            msg.Answers,
			Message:            msg.Message,
		})
	case protocol.MsgSetModel, protocol.MsgSetPermissionMode:
		return fmt.Errorf("%w: %s is fixed at codex launch", adapter.ErrUnsupported, msg.Type)
	case protocol.MsgMCPGetStatus:
		go a.mcpGetStatus()
		return nil
	case protocol.MsgMCPToggle:
		enabled := msg.Enabled != nil && *msg.Enabled
		go a.mcpToggle(msg.ServerName, enabled)
		return nil
	case protocol.MsgMCPReconnect:
		go a.mcpReconnect(msg.ServerName)
		return nil
	case protocol.MsgMCPSetServers:
		go a.mcpSetServers(msg.Servers)
		return nil
	default:
		return fmt.Errorf("%w: %s on codex backend", adapter.ErrUnsupported, msg.Type)
	}
}

type turnStartReply struct {
	TurnID string `json:"turnId"`
}

func (a *Adapter) startTurn(text string) error {
	a.mu.Lock()
	threadID := a.threadID
	a.mu.Unlock()

	ch, err := a.conn.CallAsync("turn/start", map[string]any{
		"threadId": threadID,
		"input":    []map[string]any{{"type": "text", "text": text}},
	})
	if err != nil {
		return fmt.Errorf("turn/start: %w", err)
	}
	go func() {
		reply, ok := <-ch
		if !ok || reply == nil {
			return
		}
		if reply.Error != nil {
			a.sinks.PublishEvent(protocol.ErrorEvent(fmt.Sprintf("turn/start: %v", reply.Error)))
			return
		}
		var tr turnStartReply
		if err := json.Unmarshal(reply.Result, &tr); err != nil {
			a.logger.Warn("decode turn/start reply", "error", err)
			return
		}
		a.mu.Lock()
		a.turnID = tr.TurnID
		a.mu.Unlock()
	}()
	return nil
}

// interrupt requires a known turn id; without one it is a no-op.
func (a *Adapter) interrupt() error {
	a.mu.Lock()
	threadID, turnID := a.threadID, a.turnID
	a.mu.Unlock()
	if turnID == "" {
		return nil
	}
	return a.conn.Notify("turn/interrupt", map[string]any{
		"threadId": threadID,
		"turnId":   turnID,
	})
}

// Close tears down the JSON-RPC connection and rejects future sends.
func (a *Adapter) Close() {
	a.mu.Lock()
	if a.st != stateFailed {
		a.st = stateClosed
	}
	a.queue = nil
	a.mu.Unlock()
	a.conn.Close()
}

// HandleNotification implements jsonrpc.Handler.
func (a *Adapter) HandleNotification(method string, params json.RawMessage) {
	switch method {
	case "item/started":
		a.itemStarted(params)
		return
	case "item/completed":
		a.itemCompleted(params)
		return
	case "turn/completed":
		a.turnCompleted(params)
		return
	case "account/rateLimits/updated":
		a.rateLimitsUpdated(params)
		return
	}

	if kind, ok := deltaKind(method); ok {
		a.itemDelta(kind, params)
		return
	}
	a.logger.Warn("dropping unknown notification", "method", method)
}

// deltaKind extracts the item kind from an item/<kind>/delta method name.
func deltaKind(method string) (string, bool) {
	parts := strings.Split(method, "/")
	if len(parts) == 3 && parts[0] == "item" && parts[2] == "delta" {
		return parts[1], true
	}
	return "", false
}

func (a *Adapter) turnCompleted(params json.RawMessage) {
	a.mu.Lock()
	a.turnID = ""
	a.mu.Unlock()

	fields := map[string]any{"subtype": "success"}
	var tc struct {
		Usage json.RawMessage `json:"usage"`
	}
	if err := json.Unmarshal(params, &tc); err == nil && len(tc.Usage) > 0 {
		fields["usage"] = tc.Usage
	}
	a.sinks.PublishEvent(protocol.New(protocol.MsgResult, fields))
}

func drainStderr(r io.Reader, logger *slog.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		logger.Debug("codex stderr", "line", line)
	}
}
