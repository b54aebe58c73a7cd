// Package proc wraps an OS subprocess with piped stdio and an exited future.
// One handle is owned by exactly one session and released on exit.
package proc

import (
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// StartOptions describes a subprocess to spawn.
type StartOptions struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
}

// Starter launches the prepared command. Tests inject a fake to avoid
// spawning real binaries.
type Starter func(cmd *exec.Cmd) error

// DefaultStarter runs the command for real.
func DefaultStarter(cmd *exec.Cmd) error { return cmd.Start() }

// Handle is a running subprocess. Stdout and Stderr are drained by the
// owning adapter; the adapter must call StreamDone once per reader so the
// exit watcher can reap the process only after the pipes are drained.
type Handle struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	cmd *exec.Cmd
	pid int

	streamWG sync.WaitGroup

	mu       sync.Mutex
	exited   chan struct{}
	exitCode int
}

// Start spawns the subprocess in its own process group, with nReaders
// outstanding StreamDone calls expected before the exit watcher reaps it.
func Start(opts StartOptions, nReaders int, starter Starter) (*Handle, error) {
	if starter == nil {
		starter = DefaultStarter
	}

	binPath, err := ResolveBinary(opts.Binary)
	if err != nil {
		return nil, fmt.Errorf("resolve binary %q: %w", opts.Binary, err)
	}

	cmd := exec.Command(binPath, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	// Own process group so signals reach the whole subprocess tree and
	// never propagate back to the bridge.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := starter(cmd); err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.Binary, err)
	}

	h := &Handle{
		Stdin:    stdin,
		Stdout:   stdout,
		Stderr:   stderr,
		cmd:      cmd,
		exited:   make(chan struct{}),
		exitCode: -1,
	}
	if cmd.Process != nil {
		h.pid = cmd.Process.Pid
	}
	h.streamWG.Add(nReaders)
	go h.waitForExit()
	return h, nil
}

// ResolveBinary resolves a binary name via PATH lookup, or a path to its
// absolute form.
func ResolveBinary(binary string) (string, error) {
	if strings.Contains(binary, "/") {
		if filepath.IsAbs(binary) {
			return binary, nil
		}
		return filepath.Abs(binary)
	}
	return exec.LookPath(binary)
}

func (h *Handle) PID() int { return h.pid }

// Exited is closed once the process has been reaped; ExitCode is valid after.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// ExitCode returns the process exit code, or -1 for signal death.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Alive reports whether the process has not yet exited.
func (h *Handle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// StreamDone signals that one stdout/stderr reader has drained to EOF.
func (h *Handle) StreamDone() { h.streamWG.Done() }

// Terminate sends SIGTERM to the process group, waits up to grace, then
// SIGKILLs and waits for the exit watcher. The exited future stays the
// single source of truth.
func (h *Handle) Terminate(grace time.Duration) {
	if !h.Alive() {
		return
	}
	h.signal(syscall.SIGTERM)
	select {
	case <-h.exited:
		return
	case <-time.After(grace):
	}
	h.signal(syscall.SIGKILL)
	<-h.exited
}

func (h *Handle) signal(sig syscall.Signal) {
	if h.pid > 0 {
		// Negative pid targets the process group (pid == pgid with Setpgid).
		_ = syscall.Kill(-h.pid, sig)
	} else if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(sig)
	}
}

func (h *Handle) waitForExit() {
	// Drain the pipes before Wait: StdoutPipe/StderrPipe read ends are
	// closed by Wait, which would drop buffered output mid-stream. The
	// process exiting closes the write ends, so readers get a natural EOF.
	h.streamWG.Wait()

	err := h.cmd.Wait()

	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}

	h.mu.Lock()
	h.exitCode = code
	h.mu.Unlock()
	close(h.exited)
}

// FilterEnv drops environment variables that interfere with managed
// subprocesses or leak credentials children should not inherit.
func FilterEnv(env []string) []string {
	blocked := map[string]bool{
		"AWS_SECRET_ACCESS_KEY": true,
		"AWS_SESSION_TOKEN":     true,
		// The claude CLI sets this to prevent nested invocations; unset it
		// so the bridge can launch claude as a managed subprocess.
		"CLAUDECODE": true,
	}
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		key, _, ok := strings.Cut(e, "=")
		if ok && blocked[key] {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}
