package agentloop

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultShellTimeout = 120
	maxShellOutputBytes = 100 * 1024
)

// blockedCommands never run, whatever the approval policy.
var blockedCommands = []string{
	"rm -rf /",
	"rm -rf ~",
	"rm -rf /*",
	"dd if=/dev/zero",
	"dd if=/dev/random",
	"mkfs",
	"fdisk",
	"parted",
	":(){ :|:& };:",
	"chmod 777 /",
	"chmod -R 777",
	"shutdown",
	"reboot",
	"halt",
	"poweroff",
	"init 0",
	"init 6",
}

func blockedCommand(command string) (string, bool) {
	normalized := strings.Join(strings.Fields(strings.ToLower(command)), " ")
	for _, b := range blockedCommands {
		if b == "rm -rf /" {
			// Only the filesystem root, not every absolute path.
			if normalized == b || strings.Contains(normalized, b+" ") || strings.HasSuffix(normalized, b) {
				return b, true
			}
			continue
		}
		if strings.Contains(normalized, b) {
			return b, true
		}
	}
	return "", false
}

type shellParams struct {
	Command string `json:"command" jsonschema:"description=The shell command to execute."`
	Timeout int    `json:"timeout,omitempty" validate:"omitempty,min=1,max=600" jsonschema:"description=Timeout in seconds. Defaults to 120.,minimum=1,maximum=600,default=120"`
	Cwd     string `json:"cwd,omitempty" jsonschema:"description=Working directory for the command. Defaults to the session working directory."`
}

type shellTool struct {
	paramTool[shellParams]
	env ExecutionEnvironment
}

func newShellTool(env ExecutionEnvironment) *shellTool {
	return &shellTool{
		paramTool: newParamTool[shellParams]("shell",
			"Execute a shell command and return stdout, stderr and the exit code. "+
				"Commands run in their own process group and are killed when the timeout expires.", KindShell),
		env: env,
	}
}

func (t *shellTool) GetConfirmation(_ context.Context, inv ToolInvocation) *ToolConfirmation {
	p := t.decode(inv.Params)
	cwd := inv.WorkDir
	if p.Cwd != "" {
		cwd = ResolvePath(inv.WorkDir, p.Cwd)
	}
	return &ToolConfirmation{
		ToolName:      t.Name(),
		Params:        inv.Params,
		Description:   "Execute shell command",
		Command:       p.Command,
		AffectedPaths: []string{cwd},
		IsDangerous:   IsDangerousCommand(p.Command),
	}
}

func (t *shellTool) Execute(ctx context.Context, inv ToolInvocation) *ToolResult {
	p := t.decode(inv.Params)

	if pattern, blocked := blockedCommand(p.Command); blocked {
		return ErrorResult(fmt.Sprintf("Command blocked for safety: matches %q", pattern),
			map[string]any{"blocked": true, "command": p.Command})
	}

	cwd := inv.WorkDir
	if p.Cwd != "" {
		cwd = ResolvePath(inv.WorkDir, p.Cwd)
	}
	if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
		return ErrorResult("Working directory doesn't exist: "+cwd, nil)
	}

	timeout := p.Timeout
	if timeout == 0 {
		timeout = defaultShellTimeout
	}

	res, err := t.env.ExecCommand(ctx, p.Command, time.Duration(timeout)*time.Second, cwd, nil)
	if err != nil {
		return ErrorResult("Failed to execute command: "+err.Error(), map[string]any{"command": p.Command})
	}
	if res.TimedOut {
		code := res.ExitCode
		r := ErrorResult(fmt.Sprintf("Command timed out after %d seconds", timeout), map[string]any{
			"command":   p.Command,
			"timed_out": true,
		})
		r.Output = formatShellOutput(res)
		r.ExitCode = &code
		return r
	}

	output := formatShellOutput(res)
	md := map[string]any{
		"command":     p.Command,
		"exit_code":   res.ExitCode,
		"duration_ms": res.DurationMs,
	}
	code := res.ExitCode
	var r *ToolResult
	if res.ExitCode == 0 {
		r = SuccessResult(output, md)
	} else {
		r = ErrorResult(fmt.Sprintf("Command exited with code %d", res.ExitCode), md)
		r.Output = output
	}
	r.ExitCode = &code
	return r
}

func formatShellOutput(res *ExecResult) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimRight(res.Stdout, " \t\r\n"))
	if stderr := strings.TrimRight(res.Stderr, " \t\r\n"); stderr != "" {
		sb.WriteString("\n--- stderr ---\n")
		sb.WriteString(stderr)
	}
	if res.ExitCode != 0 && !res.TimedOut {
		fmt.Fprintf(&sb, "\nExit code: %d", res.ExitCode)
	}
	out := sb.String()
	if len(out) > maxShellOutputBytes {
		out = TruncateOutput(out, maxShellOutputBytes, TruncateHead)
	}
	return out
}
