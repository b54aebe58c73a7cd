// Package worktree injects safety directives into isolated git worktrees so
// a coding agent working inside one cannot wander off its branch.
package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentmux/agentmux/internal/protocol"
)

const (
	guardrailStart = "<!-- WORKTREE_GUARDRAILS_START -->"
	guardrailEnd   = "<!-- WORKTREE_GUARDRAILS_END -->"
)

// InjectGuardrails writes (or replaces in place) a marker-delimited block in
// <workingDir>/.claude/CLAUDE.md describing the worktree's branch and
// forbidding branch-switching commands. It never touches the main checkout:
// injection is skipped when workingDir equals the repo root or does not
// exist.
func InjectGuardrails(workingDir string, meta *protocol.WorktreeMeta) error {
	if meta == nil || !meta.IsWorktree {
		return nil
	}
	if filepath.Clean(workingDir) == filepath.Clean(meta.RepoRoot) {
		return nil
	}
	if info, err := os.Stat(workingDir); err != nil || !info.IsDir() {
		return nil
	}

	claudeDir := filepath.Join(workingDir, ".claude")
	if err := os.MkdirAll(claudeDir, 0o755); err != nil {
		return fmt.Errorf("create .claude dir: %w", err)
	}
	path := filepath.Join(claudeDir, "CLAUDE.md")

	existing := ""
	if data, err := os.ReadFile(path); err == nil {
		existing = string(data)
	}

	updated := replaceGuardrailBlock(existing, guardrailBlock(meta))

	// Atomic rewrite so a crashed injection never leaves a torn file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("write guardrails: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename guardrails: %w", err)
	}
	return nil
}

func guardrailBlock(meta *protocol.WorktreeMeta) string {
	var b strings.Builder
	b.WriteString(guardrailStart)
	b.WriteString("\n# Worktree rules\n\n")
	fmt.Fprintf(&b, "This directory is an isolated git worktree on branch `%s`.\n", meta.ActualBranch)
	if meta.ActualBranch != meta.RequestedBranch && meta.RequestedBranch != "" {
		fmt.Fprintf(&b, "It was branched from `%s`.\n", meta.RequestedBranch)
	}
	fmt.Fprintf(&b, "The main repository checkout lives at `%s`. Do not modify it.\n\n", meta.RepoRoot)
	b.WriteString("Never run commands that switch or delete branches in this worktree:\n\n")
	b.WriteString("- `git checkout`\n")
	b.WriteString("- `git switch`\n")
	b.WriteString("- `git branch -d` / `git branch -D`\n")
	b.WriteString("- `git worktree remove`\n")
	b.WriteString(guardrailEnd)
	return b.String()
}

// replaceGuardrailBlock swaps only the managed section, leaving the rest of
// the file untouched; without an existing block it appends one.
func replaceGuardrailBlock(existing, block string) string {
	start := strings.Index(existing, guardrailStart)
	end := strings.Index(existing, guardrailEnd)
	if start >= 0 && end > start {
		return existing[:start] + block + existing[end+len(guardrailEnd):]
	}
	if existing == "" {
		return block + "\n"
	}
	if !strings.HasSuffix(existing, "\n") {
		existing += "\n"
	}
	return existing + "\n" + block + "\n"
}
