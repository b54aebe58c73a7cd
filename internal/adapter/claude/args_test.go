package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildArgsMinimal(t *testing.T) {
	args := BuildArgs(LaunchSpec{SDKURL: "ws://127.0.0.1:8750/ws/cli/abc"})
	assert.Equal(t, []string{
		"--sdk-url", "ws://127.0.0.1:8750/ws/cli/abc",
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"-p", "",
	}, args)
}

func TestBuildArgsAllKnobs(t *testing.T) {
	args := BuildArgs(LaunchSpec{
		SDKURL:         "ws://host/ws/cli/x",
		Model:          "opus",
		PermissionMode: "acceptEdits",
		AllowedTools:   []string{"Bash", "Edit"},
		Resume:         "conv-1",
		ExtraArgs:      []string{"--debug"},
	})

	assert.Contains(t, args, "--model")
	assert.Contains(t, args, "opus")
	assert.Contains(t, args, "--permission-mode")
	assert.Contains(t, args, "acceptEdits")
	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "conv-1")
	assert.Contains(t, args, "--debug")

	// Repeated flag, once per tool.
	count := 0
	for i, a := range args {
		if a == "--allowedTools" {
			count++
			assert.Contains(t, []string{"Bash", "Edit"}, args[i+1])
		}
	}
	assert.Equal(t, 2, count)

	// The headless prompt stays last.
	assert.Equal(t, "", args[len(args)-1])
	assert.Equal(t, "-p", args[len(args)-2])
}

func TestBuildArgsSkipPermissionsWinsOverMode(t *testing.T) {
	args := BuildArgs(LaunchSpec{
		SDKURL:                     "ws://h/ws/cli/x",
		PermissionMode:             "plan",
		DangerouslySkipPermissions: true,
	})
	assert.Contains(t, args, "--dangerously-skip-permissions")
	assert.NotContains(t, args, "--permission-mode")
	assert.NotContains(t, args, "plan")
}
