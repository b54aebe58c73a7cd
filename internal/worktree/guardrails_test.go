package worktree

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/protocol"
)

func meta(repoRoot string) *protocol.WorktreeMeta {
	return &protocol.WorktreeMeta{
		IsWorktree:      true,
		RepoRoot:        repoRoot,
		RequestedBranch: "main",
		ActualBranch:    "feature/login",
	}
}

func readGuardrails(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, ".claude", "CLAUDE.md"))
	require.NoError(t, err)
	return string(data)
}

func TestInjectWritesGuardrailBlock(t *testing.T) {
	repo := t.TempDir()
	wt := t.TempDir()

	require.NoError(t, InjectGuardrails(wt, meta(repo)))

	content := readGuardrails(t, wt)
	assert.Contains(t, content, guardrailStart)
	assert.Contains(t, content, guardrailEnd)
	assert.Contains(t, content, "feature/login")
	assert.Contains(t, content, repo)
	assert.Contains(t, content, "git checkout")
}

func TestInjectSkipsNonWorktrees(t *testing.T) {
	wt := t.TempDir()

	require.NoError(t, InjectGuardrails(wt, nil))
	require.NoError(t, InjectGuardrails(wt, &protocol.WorktreeMeta{IsWorktree: false}))

	_, err := os.Stat(filepath.Join(wt, ".claude"))
	assert.True(t, os.IsNotExist(err))
}

func TestInjectSkipsMainCheckout(t *testing.T) {
	repo := t.TempDir()

	require.NoError(t, InjectGuardrails(repo, meta(repo)))

	_, err := os.Stat(filepath.Join(repo, ".claude"))
	assert.True(t, os.IsNotExist(err))
}

func TestInjectSkipsMissingDir(t *testing.T) {
	repo := t.TempDir()
	missing := filepath.Join(t.TempDir(), "gone")

	require.NoError(t, InjectGuardrails(missing, meta(repo)))
	_, err := os.Stat(missing)
	assert.True(t, os.IsNotExist(err))
}

func TestInjectPreservesUserContent(t *testing.T) {
	repo := t.TempDir()
	wt := t.TempDir()

	claudeDir := filepath.Join(wt, ".claude")
	require.NoError(t, os.MkdirAll(claudeDir, 0o755))
	existing := "# My project notes\n\nAlways run make lint.\n"
	require.NoError(t, os.WriteFile(filepath.Join(claudeDir, "CLAUDE.md"), []byte(existing), 0o644))

	require.NoError(t, InjectGuardrails(wt, meta(repo)))

	content := readGuardrails(t, wt)
	assert.Contains(t, content, "Always run make lint.")
	assert.Contains(t, content, guardrailStart)
	assert.True(t, strings.Index(content, "My project notes") < strings.Index(content, guardrailStart))
}

func TestInjectIsIdempotent(t *testing.T) {
	repo := t.TempDir()
	wt := t.TempDir()

	require.NoError(t, InjectGuardrails(wt, meta(repo)))
	first := readGuardrails(t, wt)

	require.NoError(t, InjectGuardrails(wt, meta(repo)))
	second := readGuardrails(t, wt)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, strings.Count(second, guardrailStart))
}

func TestInjectReplacesStaleBlock(t *testing.T) {
	repo := t.TempDir()
	wt := t.TempDir()

	stale := meta(repo)
	stale.ActualBranch = "old-branch"
	require.NoError(t, InjectGuardrails(wt, stale))

	require.NoError(t, InjectGuardrails(wt, meta(repo)))
	content := readGuardrails(t, wt)

	assert.Contains(t, content, "feature/login")
	assert.NotContains(t, content, "old-branch")
	assert.Equal(t, 1, strings.Count(content, guardrailStart))
}
