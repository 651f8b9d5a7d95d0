//go:build windows

package server

import (
	"errors"
	"os/exec"
)

// interruptProcess is unsupported on Windows; Stop falls back to a kill
func interruptProcess(cmd *exec.Cmd) error {
	return errors.New("graceful interrupt is not supported on windows")
}
