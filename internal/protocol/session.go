package protocol

import "time"

// Backend identifiers for the two subprocess kinds.
const (
	BackendClaude = "claude" // dials back over a loopback WebSocket, NDJSON
	BackendCodex  = "codex"  // JSON-RPC 2.0 over its own stdio
)

// Session lifecycle states. Exited is terminal.
const (
	StateStarting  = "starting"
	StateConnected = "connected"
	StateRunning   = "running"
	StateExited    = "exited"
)

// Codex sandbox modes. Kebab-case is the wire form; camelCase variants must
// never be written.
const (
	SandboxWorkspaceWrite   = "workspace-write"
	SandboxDangerFullAccess = "danger-full-access"
	SandboxReadOnly         = "read-only"
)

// WorktreeMeta describes an isolated git worktree a session runs in.
type WorktreeMeta struct {
	IsWorktree      bool   `json:"is_worktree"`
	RepoRoot        string `json:"repo_root"`
	RequestedBranch string `json:"requested_branch"`
	ActualBranch    string `json:"actual_branch"`
}

// SessionSnapshot is the persisted, browser-visible view of a session. It
// excludes the subprocess handle; pid is informational and only meaningful
// while state != exited.
type SessionSnapshot struct {
	SessionID      string        `json:"session_id"`
	Backend        string        `json:"backend"`
	WorkingDir     string        `json:"working_dir"`
	Model          string        `json:"model,omitempty"`
	PermissionMode string        `json:"permission_mode,omitempty"`
	State          string        `json:"state"`
	ExitCode       *int          `json:"exit_code,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	PID            int           `json:"pid,omitempty"`
	CLISessionID   string        `json:"cli_session_id,omitempty"`
	Archived       bool          `json:"archived"`
	Worktree       *WorktreeMeta `json:"worktree,omitempty"`

	DangerouslySkipPermissions bool     `json:"dangerously_skip_permissions,omitempty"`
	AllowedTools               []string `json:"allowed_tools,omitempty"`

	// Codex-only.
	InternetAccess bool   `json:"internet_access,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`

	Env map[string]string `json:"env,omitempty"`
}

// Clone returns a shallow copy safe to hand outside the registry lock.
func (s *SessionSnapshot) Clone() *SessionSnapshot {
	c := *s
	if s.ExitCode != nil {
		code := *s.ExitCode
		c.ExitCode = &code
	}
	if s.Worktree != nil {
		wt := *s.Worktree
		c.Worktree = &wt
	}
	return &c
}
