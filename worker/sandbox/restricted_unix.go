//go:build !windows

package sandbox

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the job in its own process group and makes the
// timeout kill the entire group, so spawned grandchildren die with it
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
