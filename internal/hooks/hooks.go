// Package hooks dispatches lifecycle events to registered handlers. The set
// of hook kinds is closed and each kind has a fixed payload type.
package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/phpack/phpack/internal/logging"
	"github.com/phpack/phpack/internal/types"
)

// Kind identifies a lifecycle hook
type Kind string

const (
	// KindProjectImport fires after a project is detected and registered
	KindProjectImport Kind = "on_project_import"
	// KindBuildStage fires on every build stage transition
	KindBuildStage Kind = "on_build_stage"
	// KindServerStart fires once a preview server is running
	KindServerStart Kind = "on_server_start"
	// KindServerStop fires when a preview server stops or crashes
	KindServerStop Kind = "on_server_stop"
)

// IsValid checks if the hook kind value is valid
func (k Kind) IsValid() bool {
	switch k {
	case KindProjectImport, KindBuildStage, KindServerStart, KindServerStop:
		return true
	}
	return false
}

// Event is implemented by the payload types below
type Event interface {
	Kind() Kind
}

// ProjectImport is the payload for KindProjectImport
type ProjectImport struct {
	Project types.Project `json:"project"`
}

// BuildStage is the payload for KindBuildStage
type BuildStage struct {
	SessionID string           `json:"session_id"`
	ProjectID string           `json:"project_id"`
	Platform  types.Platform   `json:"platform"`
	Stage     types.Stage      `json:"stage"`
	Status    types.StepStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
}

// ServerStart is the payload for KindServerStart
type ServerStart struct {
	ProjectID   string `json:"project_id"`
	ProjectPath string `json:"project_path"`
	Port        int    `json:"port"`
	PID         int    `json:"pid"`
}

// ServerStop is the payload for KindServerStop
type ServerStop struct {
	ProjectID string `json:"project_id"`
	Port      int    `json:"port"`
	Crashed   bool   `json:"crashed"`
	Reason    string `json:"reason,omitempty"`
}

func (ProjectImport) Kind() Kind { return KindProjectImport }
func (BuildStage) Kind() Kind    { return KindBuildStage }
func (ServerStart) Kind() Kind   { return KindServerStart }
func (ServerStop) Kind() Kind    { return KindServerStop }

// Handler receives hook events
type Handler interface {
	HandleHook(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, ev Event) error

// HandleHook calls f
func (f HandlerFunc) HandleHook(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Dispatcher is what components depend on to publish hook events
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) []error
}

type registration struct {
	name    string
	kinds   map[Kind]bool
	handler Handler
}

// Registry holds handlers and dispatches events to them in registration order
type Registry struct {
	mu   sync.RWMutex
	regs []registration
	log  *logrus.Entry

	// Timeout bounds each handler call; zero means no limit
	Timeout time.Duration
}

// NewRegistry creates an empty registry
func NewRegistry(log *logrus.Entry) *Registry {
	return &Registry{log: logging.Component(log, "hooks"), Timeout: 30 * time.Second}
}

// Register adds a handler for the given kinds. No kinds means all kinds.
func (r *Registry) Register(name string, h Handler, kinds ...Kind) error {
	set := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		if !k.IsValid() {
			return fmt.Errorf("invalid hook kind %q for %s", k, name)
		}
		set[k] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.regs {
		if reg.name == name {
			return fmt.Errorf("hook %s is already registered", name)
		}
	}
	r.regs = append(r.regs, registration{name: name, kinds: set, handler: h})
	return nil
}

// Unregister removes a handler by name
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, reg := range r.regs {
		if reg.name == name {
			r.regs = append(r.regs[:i], r.regs[i+1:]...)
			return true
		}
	}
	return false
}

// Names lists registered handlers in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.regs))
	for _, reg := range r.regs {
		names = append(names, reg.name)
	}
	return names
}

// Dispatch calls every matching handler. Handler errors are logged and
// returned; they never abort the caller's operation.
func (r *Registry) Dispatch(ctx context.Context, ev Event) []error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	regs := make([]registration, len(r.regs))
	copy(regs, r.regs)
	r.mu.RUnlock()

	var errs []error
	for _, reg := range regs {
		if len(reg.kinds) > 0 && !reg.kinds[ev.Kind()] {
			continue
		}
		if err := r.call(ctx, reg, ev); err != nil {
			r.log.WithFields(logrus.Fields{"hook": reg.name, "kind": ev.Kind()}).WithError(err).Warn("hook handler failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", reg.name, err))
		}
	}
	return errs
}

func (r *Registry) call(ctx context.Context, reg registration, ev Event) (err error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return reg.handler.HandleHook(ctx, ev)
}

// Dispatch is a nil-safe helper for components holding an optional Dispatcher
func Dispatch(ctx context.Context, d Dispatcher, ev Event) {
	if d == nil {
		return
	}
	_ = d.Dispatch(ctx, ev)
}
