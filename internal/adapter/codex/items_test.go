package codex

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/permission"
)

func TestCommandValuePreservesForm(t *testing.T) {
	assert.Equal(t, "ls -la", commandValue(json.RawMessage(`"ls -la"`)))

	v := commandValue(json.RawMessage(`["git","status"]`))
	arr, ok := v.([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"git", "status"}, arr)

	assert.Nil(t, commandValue(nil))
}

func TestCommandDisplayJoinsArrays(t *testing.T) {
	assert.Equal(t, "ls -la", commandDisplay(json.RawMessage(`"ls -la"`)))
	assert.Equal(t, "git status --short", commandDisplay(json.RawMessage(`["git","status","--short"]`)))
}

func TestToolUseBlockMapsKinds(t *testing.T) {
	cmd := toolUseBlock(&wireItem{ID: "i1", Type: "commandExecution", Command: json.RawMessage(`"make"`)})
	assert.Equal(t, "Bash", cmd.Name)
	assert.Equal(t, "make", cmd.Input["command"])

	create := toolUseBlock(&wireItem{ID: "i2", Type: "fileChange", Changes: []wireChange{
		{Path: "a.go", Kind: "create"},
		{Path: "b.go", Kind: "create"},
	}})
	assert.Equal(t, "Write", create.Name)
	assert.Equal(t, []string{"a.go", "b.go"}, create.Input["file_paths"])

	edit := toolUseBlock(&wireItem{ID: "i3", Type: "fileChange", Changes: []wireChange{
		{Path: "a.go", Kind: "create"},
		{Path: "b.go", Kind: "update"},
	}})
	assert.Equal(t, "Edit", edit.Name)

	search := toolUseBlock(&wireItem{ID: "i4", Type: "webSearch", Query: "go generics"})
	assert.Equal(t, "WebSearch", search.Name)
	assert.Equal(t, "go generics", search.Input["query"])
}

func TestFileChangeSummary(t *testing.T) {
	assert.Equal(t, "No files changed", fileChangeSummary(nil))
	assert.Equal(t, "Applied changes to a.go, b.go", fileChangeSummary([]wireChange{
		{Path: "a.go"}, {Path: "b.go"},
	}))
}

func TestDynamicToolResponseShapes(t *testing.T) {
	deny := dynamicToolResponse(permission.Decision{Allow: false, Message: "nope"})
	assert.Equal(t, false, deny["success"])
	items := deny["contentItems"].([]map[string]any)
	require.Len(t, items, 1)
	assert.Equal(t, "inputText", items[0]["type"])
	assert.Equal(t, "nope", items[0]["text"])

	denyDefault := dynamicToolResponse(permission.Decision{Allow: false})
	assert.Equal(t, "denied", denyDefault["contentItems"].([]map[string]any)[0]["text"])

	allow := dynamicToolResponse(permission.Decision{
		Allow:        true,
		UpdatedInput: map[string]any{"answer": "42"},
	})
	assert.Equal(t, true, allow["success"])
	assert.Equal(t, "42", allow["answer"])
	assert.Empty(t, allow["contentItems"])
}

func TestApprovalPolicyMapping(t *testing.T) {
	assert.Equal(t, "never", approvalPolicy("bypassPermissions", false))
	assert.Equal(t, "never", approvalPolicy("plan", true))
	assert.Equal(t, "untrusted", approvalPolicy("plan", false))
	assert.Equal(t, "untrusted", approvalPolicy("acceptEdits", false))
	assert.Equal(t, "untrusted", approvalPolicy("", false))
}

func TestBuildArgs(t *testing.T) {
	assert.Equal(t, []string{"app-server", "-c", "tools.webSearch=true"}, BuildArgs(true))
	assert.Equal(t, []string{"app-server", "-c", "tools.webSearch=false"}, BuildArgs(false))
}

func TestDeltaKind(t *testing.T) {
	kind, ok := deltaKind("item/agentMessage/delta")
	require.True(t, ok)
	assert.Equal(t, "agentMessage", kind)

	kind, ok = deltaKind("item/reasoning/delta")
	require.True(t, ok)
	assert.Equal(t, "reasoning", kind)

	_, ok = deltaKind("turn/completed")
	assert.False(t, ok)
	_, ok = deltaKind("item/x/y/delta")
	assert.False(t, ok)
}
