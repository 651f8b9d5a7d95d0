package installer

import (
	"context"
	"os/exec"
	"strings"
)

// Runner executes packaging and signing tools
type Runner interface {
	// Run executes name with args in dir and returns combined output
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
	// LookPath reports the resolved path of a tool, or an error if absent
	LookPath(name string) (string, error)
}

// ExecRunner runs tools as child processes
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
