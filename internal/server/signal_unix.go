//go:build !windows

package server

import (
	"os"
	"os/exec"
	"syscall"
)

// interruptProcess sends SIGINT to the server's process group
func interruptProcess(cmd *exec.Cmd) error {
	if cmd.SysProcAttr != nil && cmd.SysProcAttr.Setpgid {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
	}
	return cmd.Process.Signal(os.Interrupt)
}
