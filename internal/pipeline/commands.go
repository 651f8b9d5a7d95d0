package pipeline

import (
	"context"
	"os/exec"
	"strings"

	"github.com/mgutz/str"

	"github.com/phpack/phpack/internal/fault"
)

// CommandRunner runs a build's custom commands inside the staged app
type CommandRunner interface {
	Run(ctx context.Context, dir string, argv []string) (string, error)
}

// ExecCommandRunner runs commands as child processes
type ExecCommandRunner struct{}

func (ExecCommandRunner) Run(ctx context.Context, dir string, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// splitCommand parses one custom command line into argv
func splitCommand(line string) ([]string, error) {
	argv := str.ToArgv(strings.TrimSpace(line))
	if len(argv) == 0 {
		return nil, fault.New(fault.KindInvalidConfig, "pipeline.command", "empty custom command")
	}
	return argv, nil
}
