//go:build windows

package sandbox

import "os/exec"

// setProcessGroup is a no-op on Windows; WaitDelay unblocks Run at the
// deadline even when grandchildren hold the output pipes open
func setProcessGroup(cmd *exec.Cmd) {}
