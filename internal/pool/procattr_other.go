//go:build unix && !linux

package pool

import (
	"os/exec"
	"syscall"
)

// setProcGroup places the worker in its own process group so signals reach
// the agent CLI children too. Pdeathsig is Linux-only; elsewhere orphaned
// workers are caught by the reaper's sweep instead.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
