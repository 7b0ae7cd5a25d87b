//go:build windows

package agentloop

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
