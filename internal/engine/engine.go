// Package engine wires every phpack component from one configuration and
// exposes the commands a frontend (CLI, HTTP API) calls.
package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/phpack/phpack/internal/config"
	"github.com/phpack/phpack/internal/deps"
	"github.com/phpack/phpack/internal/events"
	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/hooks"
	"github.com/phpack/phpack/internal/installer"
	"github.com/phpack/phpack/internal/launcher"
	"github.com/phpack/phpack/internal/logging"
	"github.com/phpack/phpack/internal/metrics"
	"github.com/phpack/phpack/internal/phpruntime"
	"github.com/phpack/phpack/internal/pipeline"
	"github.com/phpack/phpack/internal/ports"
	"github.com/phpack/phpack/internal/registry"
	"github.com/phpack/phpack/internal/server"
	"github.com/phpack/phpack/internal/workspace"
)

// staleWorkspaceAge is how old an orphaned session directory must be before
// startup removes it
const staleWorkspaceAge = 24 * time.Hour

// Engine owns the long-lived components. Fields are exported for frontends
// that need direct access, e.g. the API event hub subscribing to Broker.
type Engine struct {
	Config     *config.Config
	Metrics    *metrics.Metrics
	Hooks      *hooks.Registry
	Ports      *ports.Allocator
	Servers    *server.Manager
	Deps       *deps.Resolver
	Runtimes   *phpruntime.Provisioner
	Workspaces workspace.Manager
	Registry   *registry.Store
	Broker     *events.Broker
	Pipeline   *pipeline.Pipeline

	log *logrus.Entry
}

// New validates cfg and constructs every component
func New(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fault.Wrapf(fault.KindInvalidConfig, "engine.new", err, "invalid configuration")
	}
	if log == nil {
		log = logging.Discard()
	}

	e := &Engine{
		Config:  cfg,
		Metrics: metrics.New(),
		Broker:  events.NewBroker(),
		log:     logging.Component(log, "engine"),
	}

	e.Hooks = hooks.NewRegistry(log)
	if err := registerCommandHooks(e.Hooks, cfg.Hooks); err != nil {
		return nil, fault.Wrap(fault.KindInvalidConfig, "engine.new", err)
	}

	var err error
	e.Ports, err = ports.New(cfg.Ports.Min, cfg.Ports.Max, ports.WithHost(cfg.Server.Host), ports.WithLogger(logging.Component(log, "ports")))
	if err != nil {
		return nil, err
	}

	e.Servers, err = server.NewManager(server.ConfigFrom(cfg.Server), e.Ports,
		server.WithHooks(e.Hooks), server.WithMetrics(e.Metrics), server.WithLogger(log))
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidConfig, "engine.new", err)
	}

	resolverOpts := []deps.Option{
		deps.WithTimeout(cfg.Composer.Timeout),
		deps.WithMetrics(e.Metrics),
		deps.WithLogger(log),
	}
	if cfg.Composer.PackagistURL != "" {
		resolverOpts = append(resolverOpts, deps.WithLatestSource(
			deps.NewPackagistSource(cfg.Composer.PackagistURL, cfg.Composer.CacheSize, cfg.Composer.CacheTTL)))
	}
	e.Deps = deps.NewResolver(&deps.ComposerRunner{Binary: cfg.Composer.Binary}, resolverOpts...)

	sources, err := phpruntime.SourcesFrom(cfg)
	if err != nil {
		return nil, err
	}
	e.Runtimes, err = phpruntime.NewProvisioner(phpruntime.OptionsFrom(cfg), sources,
		phpruntime.WithMetrics(e.Metrics), phpruntime.WithLogger(log))
	if err != nil {
		return nil, err
	}

	e.Workspaces, err = workspace.NewManager(workspace.Config{
		Root:            cfg.Paths.WorkspaceRoot,
		DefaultExcludes: cfg.Build.Excludes,
		Log:             log,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidConfig, "engine.new", err)
	}
	if n, err := e.Workspaces.CleanupStale(ctx, staleWorkspaceAge); err != nil {
		e.log.WithError(err).Warn("stale workspace cleanup failed")
	} else if n > 0 {
		e.log.WithField("removed", n).Info("removed stale build workspaces")
	}

	e.Registry, err = registry.Open(ctx, cfg.Paths.RegistryPath(), log)
	if err != nil {
		return nil, err
	}

	e.Pipeline, err = pipeline.New(pipeline.ConfigFrom(cfg), pipeline.Components{
		Workspaces: e.Workspaces,
		Runtimes:   e.Runtimes,
		Deps:       e.Deps,
		Launcher:   launcher.NewGenerator(cfg.Build.ShellStubDir, log),
		Packager:   installer.NewGenerator(cfg.Installer, installer.WithLogger(log)),
	},
		pipeline.WithHooks(e.Hooks),
		pipeline.WithHistory(e.Registry),
		pipeline.WithBroker(e.Broker),
		pipeline.WithMetrics(e.Metrics),
		pipeline.WithLogger(log),
	)
	if err != nil {
		_ = e.Registry.Close()
		return nil, err
	}
	return e, nil
}

// registerCommandHooks turns configured hook commands into handlers
func registerCommandHooks(reg *hooks.Registry, cfgs []config.HookConfig) error {
	for _, hc := range cfgs {
		kinds, err := hooks.ParseKinds(hc.Kinds)
		if err != nil {
			return err
		}
		var h hooks.Handler = &hooks.CommandHandler{Command: hc.Command}
		if hc.Timeout > 0 {
			h = withTimeout(h, hc.Timeout)
		}
		if err := reg.Register(hc.Name, h, kinds...); err != nil {
			return err
		}
	}
	return nil
}

func withTimeout(h hooks.Handler, d time.Duration) hooks.Handler {
	return hooks.HandlerFunc(func(ctx context.Context, ev hooks.Event) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return h.HandleHook(ctx, ev)
	})
}

// Close cancels running builds, stops every server and closes the registry
func (e *Engine) Close(ctx context.Context) error {
	e.Pipeline.CancelAll()
	for _, s := range e.Pipeline.Active() {
		if _, err := s.Wait(ctx); err != nil {
			e.log.WithField("session", s.ID).Warn("build did not stop before shutdown")
		}
	}
	var errs []error
	if err := e.Servers.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	e.Broker.Close()
	if err := e.Registry.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// absDir resolves path and checks that it is a readable directory
func absDir(op, path string) (string, error) {
	if path == "" {
		return "", fault.New(fault.KindDetection, op, "project path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fault.Wrap(fault.KindDetection, op, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fault.Wrapf(fault.KindDetection, op, err, "cannot read %s", abs)
	}
	if !info.IsDir() {
		return "", fault.New(fault.KindDetection, op, "%s is not a directory", abs)
	}
	return abs, nil
}
