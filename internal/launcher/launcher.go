// Package launcher owns the session registry: it spawns backend subprocesses,
// watches their exits, persists the session list, and hands adapters to the
// browser bridge. At most one live subprocess exists per session; relaunch
// tears the old one down before spawning its replacement.
package launcher

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	ps "github.com/mitchellh/go-ps"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/adapter/claude"
	"github.com/agentmux/agentmux/internal/adapter/codex"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/permission"
	"github.com/agentmux/agentmux/internal/proc"
	"github.com/agentmux/agentmux/internal/protocol"
	"github.com/agentmux/agentmux/internal/store"
	"github.com/agentmux/agentmux/internal/worktree"
)

var (
	// ErrNotFound is returned for operations on unknown session ids.
	ErrNotFound = errors.New("launcher: session not found")
	// ErrExited is returned for operations requiring a live subprocess.
	ErrExited = errors.New("launcher: session has exited")
)

// Events is the launcher's view of the browser fan-out. The bridge binds
// itself here after construction.
type Events interface {
	Publish(sessionID string, msg *protocol.ServerMessage)
}

type noopEvents struct{}

func (noopEvents) Publish(string, *protocol.ServerMessage) {}

// LaunchOptions are the browser-supplied knobs for a new session.
type LaunchOptions struct {
	Backend                    string
	WorkingDir                 string
	Model                      string
	PermissionMode             string
	DangerouslySkipPermissions bool
	AllowedTools               []string
	Env                        map[string]string
	Worktree                   *protocol.WorktreeMeta

	// Codex-only.
	Sandbox        string
	InternetAccess bool
}

// session pairs the persisted snapshot with the live runtime pieces. gen
// detaches a superseded exit watcher during relaunch.
type session struct {
	snap      *protocol.SessionSnapshot
	handle    *proc.Handle
	adapter   adapter.Adapter
	claude    *claude.Adapter
	codex     *codex.Adapter
	gen       int
	resumed   bool
	spawnedAt time.Time
}

// Launcher is the session registry.
type Launcher struct {
	cfg      *config.Config
	snapshot *store.Snapshot
	eventlog *store.EventLog
	arbiter  *permission.Arbiter
	starter  proc.Starter
	logger   *slog.Logger

	killGrace     time.Duration
	relaunchGrace time.Duration
	crashWindow   time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	events   Events
}

// New creates the launcher. starter is injectable for tests; nil means real
// subprocesses.
func New(cfg *config.Config, snapshot *store.Snapshot, eventlog *store.EventLog, arbiter *permission.Arbiter, starter proc.Starter, logger *slog.Logger) *Launcher {
	return &Launcher{
		cfg:           cfg,
		snapshot:      snapshot,
		eventlog:      eventlog,
		arbiter:       arbiter,
		starter:       starter,
		logger:        logger,
		killGrace:     config.ParseDuration(cfg.Sessions.KillGrace, 5*time.Second),
		relaunchGrace: config.ParseDuration(cfg.Sessions.RelaunchGrace, 2*time.Second),
		crashWindow:   config.ParseDuration(cfg.Sessions.ResumeCrashWindow, 5*time.Second),
		sessions:      make(map[string]*session),
		events:        noopEvents{},
	}
}

// Bind installs the browser fan-out. Must run before the first Launch.
func (l *Launcher) Bind(events Events) {
	l.mu.Lock()
	l.events = events
	l.mu.Unlock()
}

// Launch creates a session and spawns its subprocess. A spawn failure still
// creates the session, in state exited, so the browser sees what happened.
func (l *Launcher) Launch(opts LaunchOptions) (*protocol.SessionSnapshot, error) {
	switch opts.Backend {
	case protocol.BackendClaude, protocol.BackendCodex:
	default:
		return nil, fmt.Errorf("launcher: unknown backend %q", opts.Backend)
	}
	if opts.WorkingDir == "" {
		return nil, errors.New("launcher: working_dir is required")
	}

	if err := worktree.InjectGuardrails(opts.WorkingDir, opts.Worktree); err != nil {
		l.logger.Warn("worktree guardrail injection failed",
			"working_dir", opts.WorkingDir, "error", err)
	}

	snap := &protocol.SessionSnapshot{
		SessionID:      uuid.New().String(),
		Backend:        opts.Backend,
		WorkingDir:     opts.WorkingDir,
		Model:          opts.Model,
		PermissionMode: opts.PermissionMode,
		State:          protocol.StateStarting,
		CreatedAt:      time.Now().UTC(),
		Worktree:       opts.Worktree,

		DangerouslySkipPermissions: opts.DangerouslySkipPermissions,
		AllowedTools:               opts.AllowedTools,
		InternetAccess:             opts.InternetAccess,
		Sandbox:                    opts.Sandbox,
		Env:                        opts.Env,
	}

	s := &session{snap: snap}

	l.mu.Lock()
	l.sessions[snap.SessionID] = s
	l.mu.Unlock()

	l.spawn(s, "")
	l.persist()
	return l.cloneSnap(snap.SessionID), nil
}

// spawn starts (or restarts) the subprocess for a session. resumeID is the
// stored CLI-internal conversation id, empty on first launch. Callers must
// not hold l.mu.
func (l *Launcher) spawn(s *session, resumeID string) {
	l.mu.Lock()
	s.gen++
	gen := s.gen
	snap := s.snap
	events := l.events
	l.mu.Unlock()

	var (
		handle *proc.Handle
		err    error
	)
	switch snap.Backend {
	case protocol.BackendClaude:
		handle, err = l.spawnClaude(s, snap, resumeID)
	case protocol.BackendCodex:
		handle, err = l.spawnCodex(s, snap, resumeID)
	}
	if err != nil {
		l.logger.Error("spawn failed",
			"session_id", snap.SessionID, "backend", snap.Backend, "error", err)
		code := -1
		l.mu.Lock()
		snap.State = protocol.StateExited
		snap.ExitCode = &code
		snap.PID = 0
		l.mu.Unlock()
		events.Publish(snap.SessionID, protocol.ErrorEvent(fmt.Sprintf("failed to start %s: %v", snap.Backend, err)))
		l.publishUpdate(snap.SessionID)
		return
	}

	l.mu.Lock()
	s.handle = handle
	s.resumed = resumeID != ""
	s.spawnedAt = time.Now()
	snap.PID = handle.PID()
	snap.ExitCode = nil
	if snap.Backend == protocol.BackendClaude {
		snap.State = protocol.StateStarting
	} else {
		snap.State = protocol.StateConnected
	}
	l.mu.Unlock()

	l.logger.Info("session spawned",
		"session_id", snap.SessionID, "backend", snap.Backend,
		"pid", handle.PID(), "resumed", resumeID != "")
	l.publishUpdate(snap.SessionID)
	go l.watchExit(snap.SessionID, handle, gen)
}

func (l *Launcher) spawnClaude(s *session, snap *protocol.SessionSnapshot, resumeID string) (*proc.Handle, error) {
	args := claude.BuildArgs(claude.LaunchSpec{
		SDKURL:                     l.sdkURL(snap.SessionID),
		Model:                      snap.Model,
		PermissionMode:             snap.PermissionMode,
		AllowedTools:               snap.AllowedTools,
		Resume:                     resumeID,
		DangerouslySkipPermissions: snap.DangerouslySkipPermissions,
		ExtraArgs:                  l.cfg.Backends.Claude.ExtraArgs,
	})

	env := append(proc.FilterEnv(os.Environ()), claude.BackendEnvVar+"=1")
	for k, v := range snap.Env {
		env = append(env, k+"="+v)
	}

	handle, err := proc.Start(proc.StartOptions{
		Binary: l.cfg.Backends.Claude.Binary,
		Args:   args,
		Dir:    snap.WorkingDir,
		Env:    env,
	}, 2, l.starter)
	if err != nil {
		return nil, err
	}

	// Stdout and stderr carry diagnostics only; the protocol runs over the
	// loopback WebSocket.
	ca := claude.New(snap.SessionID, l.sinks(snap.SessionID), l.arbiter, l.logger)
	go func() {
		drainToLog(handle.Stdout, l.logger, snap.SessionID, "stdout")
		handle.StreamDone()
	}()
	go func() {
		drainToLog(handle.Stderr, l.logger, snap.SessionID, "stderr")
		handle.StreamDone()
	}()

	l.mu.Lock()
	s.claude = ca
	s.codex = nil
	s.adapter = ca
	l.mu.Unlock()
	return handle, nil
}

func (l *Launcher) spawnCodex(s *session, snap *protocol.SessionSnapshot, resumeID string) (*proc.Handle, error) {
	env := proc.FilterEnv(os.Environ())
	for k, v := range snap.Env {
		env = append(env, k+"="+v)
	}

	handle, err := proc.Start(proc.StartOptions{
		Binary: l.cfg.Backends.Codex.Binary,
		Args:   codex.BuildArgs(l.cfg.Backends.Codex.WebSearch),
		Dir:    snap.WorkingDir,
		Env:    env,
	}, 2, l.starter)
	if err != nil {
		return nil, err
	}

	cx := codex.New(snap.SessionID, codex.Stdio{
		Stdin:  handle.Stdin,
		Stdout: handle.Stdout,
		Stderr: handle.Stderr,
		Done:   handle.StreamDone,
	}, codex.Options{
		WorkingDir:                 snap.WorkingDir,
		Model:                      snap.Model,
		PermissionMode:             snap.PermissionMode,
		DangerouslySkipPermissions: snap.DangerouslySkipPermissions,
		Sandbox:                    snap.Sandbox,
		InternetAccess:             snap.InternetAccess,
		ResumeThreadID:             resumeID,
	}, l.cfg.Sessions.IntentQueueSize, l.sinks(snap.SessionID), l.arbiter, l.logger)

	l.mu.Lock()
	s.codex = cx
	s.claude = nil
	s.adapter = cx
	l.mu.Unlock()
	return handle, nil
}

// sinks wires one session's adapter callbacks.
func (l *Launcher) sinks(sessionID string) adapter.Sinks {
	return adapter.Sinks{
		Publish: func(msg *protocol.ServerMessage) {
			l.mu.Lock()
			events := l.events
			l.mu.Unlock()
			events.Publish(sessionID, msg)
		},
		CLISessionID: func(id string) {
			l.mu.Lock()
			s := l.sessions[sessionID]
			if s == nil {
				l.mu.Unlock()
				return
			}
			if s.snap.CLISessionID != "" && s.snap.CLISessionID != id {
				l.mu.Unlock()
				l.logger.Warn("CLI session id already recorded; keeping the first",
					"session_id", sessionID, "stored", s.snap.CLISessionID, "reported", id)
				return
			}
			s.snap.CLISessionID = id
			l.mu.Unlock()
			l.persist()
		},
		InitError: func(err error) {
			code := 1
			l.mu.Lock()
			s := l.sessions[sessionID]
			if s == nil {
				l.mu.Unlock()
				return
			}
			s.snap.State = protocol.StateExited
			s.snap.ExitCode = &code
			handle := s.handle
			l.mu.Unlock()

			l.publishUpdate(sessionID)
			l.persist()
			if handle != nil {
				go handle.Terminate(l.killGrace)
			}
		},
	}
}

// watchExit waits for the subprocess and records its death. A superseded
// generation means a relaunch already replaced this handle.
func (l *Launcher) watchExit(sessionID string, handle *proc.Handle, gen int) {
	<-handle.Exited()
	code := handle.ExitCode()

	l.mu.Lock()
	s := l.sessions[sessionID]
	if s == nil || s.gen != gen {
		l.mu.Unlock()
		return
	}
	s.handle = nil
	s.snap.State = protocol.StateExited
	s.snap.ExitCode = &code
	s.snap.PID = 0
	adpt := s.adapter
	crashLoop := s.resumed && time.Since(s.spawnedAt) < l.crashWindow
	if crashLoop && s.snap.CLISessionID != "" {
		// A resumed subprocess dying this fast usually means the resume token
		// itself is poison; drop it so the next relaunch starts clean.
		l.logger.Warn("resumed subprocess crashed immediately; clearing resume token",
			"session_id", sessionID, "cli_session_id", s.snap.CLISessionID)
		s.snap.CLISessionID = ""
	}
	l.mu.Unlock()

	if adpt != nil {
		adpt.Close()
	}
	l.arbiter.CancelSession(sessionID)

	l.logger.Info("subprocess exited", "session_id", sessionID, "exit_code", code)
	l.mu.Lock()
	events := l.events
	l.mu.Unlock()
	events.Publish(sessionID, protocol.New(protocol.MsgCLIDisconnected, nil))
	l.publishUpdate(sessionID)
	l.persist()
}

// Relaunch kills any live subprocess and spawns a fresh one, resuming the
// stored backend conversation when one is known.
func (l *Launcher) Relaunch(sessionID string) (*protocol.SessionSnapshot, error) {
	l.mu.Lock()
	s := l.sessions[sessionID]
	if s == nil {
		l.mu.Unlock()
		return nil, ErrNotFound
	}
	s.gen++ // detach the old exit watcher
	old := s.handle
	s.handle = nil
	oldAdapter := s.adapter
	resumeID := s.snap.CLISessionID
	l.mu.Unlock()

	if oldAdapter != nil {
		oldAdapter.Close()
	}
	if old != nil {
		old.Terminate(l.relaunchGrace)
	}
	l.arbiter.CancelSession(sessionID)

	l.spawn(s, resumeID)
	l.persist()
	return l.cloneSnap(sessionID), nil
}

// Kill terminates a session's subprocess. The exit watcher does the state
// bookkeeping.
func (l *Launcher) Kill(sessionID string) error {
	l.mu.Lock()
	s := l.sessions[sessionID]
	if s == nil {
		l.mu.Unlock()
		return ErrNotFound
	}
	handle := s.handle
	pid := s.snap.PID
	exited := s.snap.State == protocol.StateExited
	l.mu.Unlock()

	if handle != nil {
		handle.Terminate(l.killGrace)
		return nil
	}
	if exited {
		return ErrExited
	}

	// Recovered session without a handle: signal the process group directly
	// and record the death ourselves.
	if pid > 0 {
		terminateGroup(pid, l.killGrace)
	}
	code := -1
	l.mu.Lock()
	s.snap.State = protocol.StateExited
	s.snap.ExitCode = &code
	s.snap.PID = 0
	adpt := s.adapter
	l.mu.Unlock()
	if adpt != nil {
		adpt.Close()
	}
	l.arbiter.CancelSession(sessionID)
	l.publishUpdate(sessionID)
	l.persist()
	return nil
}

// Delete kills the session if needed and removes every trace of it.
func (l *Launcher) Delete(sessionID string) error {
	if err := l.Kill(sessionID); err != nil && !errors.Is(err, ErrExited) {
		return err
	}
	l.mu.Lock()
	delete(l.sessions, sessionID)
	l.mu.Unlock()

	if l.eventlog != nil {
		l.eventlog.DeleteSession(sessionID)
	}
	l.persist()
	return nil
}

// Archive flips the archived flag; archived sessions stay listable.
func (l *Launcher) Archive(sessionID string, archived bool) error {
	l.mu.Lock()
	s := l.sessions[sessionID]
	if s == nil {
		l.mu.Unlock()
		return ErrNotFound
	}
	s.snap.Archived = archived
	l.mu.Unlock()

	l.publishUpdate(sessionID)
	l.persist()
	return nil
}

// SetState records a bridge-observed lifecycle transition (running on a user
// message, back to connected on a result). Exited is terminal and never
// overwritten.
func (l *Launcher) SetState(sessionID, state string) {
	l.mu.Lock()
	s := l.sessions[sessionID]
	if s == nil || s.snap.State == protocol.StateExited || s.snap.State == state {
		l.mu.Unlock()
		return
	}
	s.snap.State = state
	l.mu.Unlock()
	l.publishUpdate(sessionID)
}

// AttachCLI hands a claude subprocess's loopback socket to its adapter.
func (l *Launcher) AttachCLI(sessionID string, conn claude.Conn) error {
	l.mu.Lock()
	s := l.sessions[sessionID]
	if s == nil {
		l.mu.Unlock()
		return ErrNotFound
	}
	ca := s.claude
	if ca == nil {
		l.mu.Unlock()
		return fmt.Errorf("launcher: session %s has no claude adapter", sessionID)
	}
	if s.snap.State == protocol.StateStarting {
		s.snap.State = protocol.StateConnected
	}
	l.mu.Unlock()

	ca.AttachCLI(conn)
	l.publishUpdate(sessionID)
	l.persist()
	return nil
}

// Info returns a copy of one session's snapshot.
func (l *Launcher) Info(sessionID string) (*protocol.SessionSnapshot, bool) {
	snap := l.cloneSnap(sessionID)
	return snap, snap != nil
}

// List returns every session, oldest first.
func (l *Launcher) List() []*protocol.SessionSnapshot {
	l.mu.Lock()
	out := make([]*protocol.SessionSnapshot, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, s.snap.Clone())
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Adapter returns the session's protocol adapter.
func (l *Launcher) Adapter(sessionID string) (adapter.Adapter, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.sessions[sessionID]
	if s == nil || s.adapter == nil {
		return nil, false
	}
	return s.adapter, true
}

// RateLimits returns the codex rate-limit snapshot, or nil for claude
// sessions and sessions that have not read one yet.
func (l *Launcher) RateLimits(sessionID string) (*codex.RateLimits, error) {
	l.mu.Lock()
	s := l.sessions[sessionID]
	if s == nil {
		l.mu.Unlock()
		return nil, ErrNotFound
	}
	if s.snap.State == protocol.StateExited {
		l.mu.Unlock()
		return nil, ErrExited
	}
	cx := s.codex
	l.mu.Unlock()
	if cx == nil {
		return nil, nil
	}
	return cx.RateLimits(), nil
}

// RestoreFromDisk rebuilds the registry after a daemon restart. Claude
// subprocesses survive a restart (they reconnect over the loopback socket);
// codex subprocesses lose their stdio with the daemon and are reaped.
func (l *Launcher) RestoreFromDisk() error {
	snaps, err := l.snapshot.Load()
	if err != nil {
		return err
	}

	recovered := 0
	for _, snap := range snaps {
		alive := snap.State != protocol.StateExited && snap.PID > 0 && processAlive(snap.PID)

		switch {
		case alive && snap.Backend == protocol.BackendClaude:
			snap.State = protocol.StateStarting
			s := &session{snap: snap}
			ca := claude.New(snap.SessionID, l.sinks(snap.SessionID), l.arbiter, l.logger)
			s.claude = ca
			s.adapter = ca
			l.mu.Lock()
			l.sessions[snap.SessionID] = s
			l.mu.Unlock()
			recovered++
		case alive:
			// Orphaned codex process: its JSON-RPC channel died with us.
			go terminateGroup(snap.PID, l.killGrace)
			fallthrough
		default:
			if snap.State != protocol.StateExited {
				snap.State = protocol.StateExited
				snap.PID = 0
			}
			l.mu.Lock()
			l.sessions[snap.SessionID] = &session{snap: snap}
			l.mu.Unlock()
		}
	}

	l.logger.Info("restored sessions from disk", "total", len(snaps), "recovered", recovered)
	l.persist()
	return nil
}

// Shutdown kills every live subprocess and persists the final state.
func (l *Launcher) Shutdown() {
	l.mu.Lock()
	var handles []*proc.Handle
	for _, s := range l.sessions {
		if s.handle != nil {
			handles = append(handles, s.handle)
		}
	}
	l.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *proc.Handle) {
			defer wg.Done()
			h.Terminate(l.killGrace)
		}(h)
	}
	wg.Wait()
	l.persist()
}

func (l *Launcher) publishUpdate(sessionID string) {
	snap := l.cloneSnap(sessionID)
	if snap == nil {
		return
	}
	l.mu.Lock()
	events := l.events
	l.mu.Unlock()
	events.Publish(sessionID, protocol.New(protocol.MsgSessionUpdate, map[string]any{
		"session": snap,
	}))
}

func (l *Launcher) cloneSnap(sessionID string) *protocol.SessionSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.sessions[sessionID]
	if s == nil {
		return nil
	}
	return s.snap.Clone()
}

func (l *Launcher) persist() {
	if l.snapshot == nil {
		return
	}
	l.mu.Lock()
	snaps := make([]*protocol.SessionSnapshot, 0, len(l.sessions))
	for _, s := range l.sessions {
		snaps = append(snaps, s.snap.Clone())
	}
	l.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	l.snapshot.Save(snaps)
}

// sdkURL builds the loopback WebSocket URL a claude subprocess dials back to.
func (l *Launcher) sdkURL(sessionID string) string {
	host := l.cfg.Server.AdvertiseHost
	if host == "" {
		host = strings.Replace(l.cfg.Server.Listen, "0.0.0.0", "127.0.0.1", 1)
	}
	return "ws://" + host + "/ws/cli/" + sessionID
}

func processAlive(pid int) bool {
	p, err := ps.FindProcess(pid)
	return err == nil && p != nil
}

// terminateGroup brings down a process group we never owned a handle for:
// SIGTERM, then SIGKILL if the leader is still around after the grace.
func terminateGroup(pid int, grace time.Duration) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func drainToLog(r io.Reader, logger *slog.Logger, sessionID, stream string) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			line := strings.TrimSpace(string(buf[:n]))
			if line != "" {
				logger.Debug("subprocess output",
					"session_id", sessionID, "stream", stream, "output", line)
			}
		}
		if err != nil {
			return
		}
	}
}
