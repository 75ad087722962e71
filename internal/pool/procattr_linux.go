//go:build linux

package pool

import (
	"os/exec"
	"syscall"
)

// setProcGroup places the worker in its own process group so signals reach
// the agent CLI children too, and arranges for the kernel to SIGTERM the
// worker if the pool process dies first.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
