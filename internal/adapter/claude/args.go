package claude

// LaunchSpec holds everything that varies on a claude CLI command line.
type LaunchSpec struct {
	SDKURL         string
	Model          string
	PermissionMode string
	AllowedTools   []string
	// Resume is the CLI's internal session id from a previous run.
	Resume string
	// DangerouslySkipPermissions is mutually exclusive with PermissionMode
	// on the wire and takes precedence.
	DangerouslySkipPermissions bool
	ExtraArgs                  []string
}

// BuildArgs composes the claude CLI argument list: the loopback SDK URL, the
// fixed streaming flags, the optional knobs, and an empty headless prompt.
func BuildArgs(spec LaunchSpec) []string {
	args := []string{
		"--sdk-url", spec.SDKURL,
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.DangerouslySkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	} else if spec.PermissionMode != "" {
		args = append(args, "--permission-mode", spec.PermissionMode)
	}
	for _, tool := range spec.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	if spec.Resume != "" {
		args = append(args, "--resume", spec.Resume)
	}
	args = append(args, spec.ExtraArgs...)
	args = append(args, "-p", "")
	return args
}
