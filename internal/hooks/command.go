package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mgutz/str"
)

// CommandHandler runs an external command per event with a JSON envelope
// {"kind": ..., "payload": ...} on stdin.
type CommandHandler struct {
	// Command is a shell-style command line, e.g. `notify-send "phpack"`
	Command string
	// Dir is the working directory; empty uses the current one
	Dir string
}

type envelope struct {
	Kind    Kind  `json:"kind"`
	Payload Event `json:"payload"`
}

// HandleHook runs the command and returns its stderr on failure
func (h *CommandHandler) HandleHook(ctx context.Context, ev Event) error {
	argv := str.ToArgv(h.Command)
	if len(argv) == 0 {
		return fmt.Errorf("empty hook command")
	}

	body, err := json.Marshal(envelope{Kind: ev.Kind(), Payload: ev})
	if err != nil {
		return fmt.Errorf("failed to encode hook event: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = h.Dir
	cmd.Stdin = bytes.NewReader(body)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// ParseKinds converts config strings into hook kinds
func ParseKinds(names []string) ([]Kind, error) {
	kinds := make([]Kind, 0, len(names))
	for _, n := range names {
		k := Kind(strings.TrimSpace(n))
		if !k.IsValid() {
			return nil, fmt.Errorf("unknown hook kind %q", n)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
