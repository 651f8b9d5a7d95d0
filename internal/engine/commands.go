package engine

import (
	"context"
	"path/filepath"

	"github.com/imdario/mergo"
	"github.com/sirupsen/logrus"

	"github.com/phpack/phpack/internal/deps"
	"github.com/phpack/phpack/internal/detect"
	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/hooks"
	"github.com/phpack/phpack/internal/pipeline"
	"github.com/phpack/phpack/internal/server"
	"github.com/phpack/phpack/internal/types"
)

// DetectProject classifies the project at path without registering it
func (e *Engine) DetectProject(path string) (*detect.Result, error) {
	abs, err := absDir("engine.detect", path)
	if err != nil {
		return nil, err
	}
	return detect.Detect(abs)
}

// ImportProject detects and registers the project at path. Importing a path
// that is already registered returns the existing project.
func (e *Engine) ImportProject(ctx context.Context, path, name string) (*types.Project, error) {
	abs, err := absDir("engine.import", path)
	if err != nil {
		return nil, err
	}
	if existing, err := e.Registry.GetByPath(ctx, abs); err == nil {
		return existing, nil
	} else if !fault.Is(err, fault.KindNotFound) {
		return nil, err
	}

	res, err := detect.Detect(abs)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = filepath.Base(abs)
	}
	p := &types.Project{
		Name:         name,
		Path:         abs,
		Type:         res.Type,
		EntryFile:    res.EntryFile,
		DocumentRoot: res.DocumentRoot,
	}
	if err := e.Registry.Add(ctx, p); err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{"project": p.ID, "type": p.Type, "path": abs}).Info("project imported")
	hooks.Dispatch(ctx, e.Hooks, hooks.ProjectImport{Project: *p})
	return p, nil
}

// Project resolves a registered project by id, or by path when ref names a
// directory
func (e *Engine) Project(ctx context.Context, ref string) (*types.Project, error) {
	p, err := e.Registry.Get(ctx, ref)
	if err == nil || !fault.Is(err, fault.KindNotFound) {
		return p, err
	}
	abs, pathErr := filepath.Abs(ref)
	if pathErr != nil {
		return nil, err
	}
	return e.Registry.GetByPath(ctx, abs)
}

// ListProjects returns registered projects, most recently modified first
func (e *Engine) ListProjects(ctx context.Context) ([]*types.Project, error) {
	return e.Registry.List(ctx)
}

// RemoveProject unregisters a project. Its directory is left alone and a
// running preview server is stopped.
func (e *Engine) RemoveProject(ctx context.Context, id string) error {
	if inst, ok := e.Servers.ByProject(id); ok {
		if err := e.Servers.Stop(ctx, inst.Port); err != nil && !fault.Is(err, fault.KindNotRunning) {
			return err
		}
	}
	return e.Registry.Remove(ctx, id)
}

// ListDependencies scans the composer manifest at path
func (e *Engine) ListDependencies(ctx context.Context, path string) ([]types.Dependency, error) {
	abs, err := absDir("engine.deps", path)
	if err != nil {
		return nil, err
	}
	return e.Deps.Scan(ctx, abs)
}

// InstallDependencies runs composer install at path. progress may be nil and
// is not closed.
func (e *Engine) InstallDependencies(ctx context.Context, path string, noDev bool, progress chan<- deps.Progress) error {
	abs, err := absDir("engine.deps", path)
	if err != nil {
		return err
	}
	return e.Deps.Install(ctx, abs, deps.InstallOptions{NoDev: noDev}, progress)
}

// StartServer starts a preview server for the project at path. Port 0
// allocates one from the configured range.
func (e *Engine) StartServer(ctx context.Context, path string, port int) (*types.ServerInstance, error) {
	abs, err := absDir("engine.serve", path)
	if err != nil {
		return nil, err
	}

	req := server.StartRequest{ProjectPath: abs, Port: port}
	if p, err := e.Registry.GetByPath(ctx, abs); err == nil {
		req.ProjectID = p.ID
		req.DocumentRoot = p.DocumentRoot
	} else {
		res, err := detect.Detect(abs)
		if err != nil {
			return nil, err
		}
		req.DocumentRoot = res.DocumentRoot
	}
	return e.Servers.Start(ctx, req)
}

// StopServer stops the preview server on port
func (e *Engine) StopServer(ctx context.Context, port int) error {
	return e.Servers.Stop(ctx, port)
}

// ServerStatus returns the server on port. A port without a tracked server
// reports Stopped.
func (e *Engine) ServerStatus(port int) types.ServerInstance {
	if inst, ok := e.Servers.Instance(port); ok {
		return *inst
	}
	return types.ServerInstance{Port: port, Status: e.Servers.Status(port)}
}

// ServerLogs queries the log buffer of the server on port
func (e *Engine) ServerLogs(port int, q server.LogQuery) ([]server.LogEntry, error) {
	return e.Servers.Logs(port, q)
}

// GetAvailablePort returns a port that is free right now without claiming it
func (e *Engine) GetAvailablePort() (int, error) {
	return e.Ports.Suggest()
}

// BuildConfigFor returns the last configuration used to build the project,
// or the defaults named after it
func (e *Engine) BuildConfigFor(ctx context.Context, project *types.Project) (types.BuildConfig, error) {
	last, err := e.Registry.LastBuildConfig(ctx, project.ID)
	if err == nil {
		return *last, nil
	}
	if !fault.Is(err, fault.KindNotFound) {
		return types.BuildConfig{}, err
	}
	cfg := types.DefaultBuildConfig()
	cfg.AppName = project.Name
	return cfg, nil
}

// Overlay returns base with every non-zero field of overrides applied
func Overlay(base, overrides types.BuildConfig) (types.BuildConfig, error) {
	out := base.Clone()
	if err := mergo.Merge(&out, overrides.Clone(), mergo.WithOverride); err != nil {
		return base, fault.Wrap(fault.KindInvalidConfig, "engine.config", err)
	}
	return out, nil
}

// StartBuild saves cfg as the project's last configuration and starts a
// build session
func (e *Engine) StartBuild(ctx context.Context, projectID string, cfg types.BuildConfig) (*pipeline.Session, error) {
	project, err := e.Registry.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := e.Registry.SaveBuildConfig(ctx, project.ID, cfg); err != nil {
		e.log.WithError(err).WithField("project", project.ID).Warn("failed to save build config")
	}
	return e.Pipeline.Start(ctx, project, cfg)
}

// RunBuild starts a build and waits for its report. Cancelling ctx cancels
// the session.
func (e *Engine) RunBuild(ctx context.Context, projectID string, cfg types.BuildConfig) (*types.SessionReport, error) {
	s, err := e.StartBuild(ctx, projectID, cfg)
	if err != nil {
		return nil, err
	}
	report, err := s.Wait(ctx)
	if err == nil {
		return report, nil
	}
	s.Cancel()
	report, _ = s.Wait(context.Background())
	return report, fault.Wrap(fault.KindCancelled, "engine.build", err)
}

// Session returns a running or recently finished build session
func (e *Engine) Session(id string) (*pipeline.Session, error) {
	s, ok := e.Pipeline.Get(id)
	if !ok {
		return nil, fault.New(fault.KindNotFound, "engine.session", "build session %s not found", id)
	}
	return s, nil
}

// History returns the newest build reports of a project
func (e *Engine) History(ctx context.Context, projectID string, limit int) ([]*types.SessionReport, error) {
	return e.Registry.ListSessions(ctx, projectID, limit)
}
