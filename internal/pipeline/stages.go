package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/phpack/phpack/internal/deps"
	"github.com/phpack/phpack/internal/events"
	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/hooks"
	"github.com/phpack/phpack/internal/installer"
	"github.com/phpack/phpack/internal/launcher"
	"github.com/phpack/phpack/internal/phpruntime"
	"github.com/phpack/phpack/internal/types"
	"github.com/phpack/phpack/internal/workspace"
)

// runtimeSubdir is where the provisioned runtime lands inside the
// workspace runtime dir
const runtimeSubdir = "php"

// task is the state of one platform's pipeline
type task struct {
	s        *Session
	platform types.Platform
	log      *logrus.Entry

	ws       *workspace.Workspace
	runtime  *phpruntime.Handle
	bundle   *launcher.Result
	artifact *installer.Artifact
}

// run executes every platform and aggregates the report
func (p *Pipeline) run(s *Session) {
	s.publish(events.NewSessionEvent(events.EventTypeSessionStarted, s.ID, s.Project.ID,
		fmt.Sprintf("Building %s for %s", s.Config.AppName, strings.Join(lo.Map(s.Config.Platforms, func(pl types.Platform, _ int) string { return pl.DisplayName() }), ", "))))

	sem := semaphore.NewWeighted(int64(p.cfg.MaxParallelPlatforms))
	var g errgroup.Group
	for _, platform := range s.Config.Platforms {
		platform := platform
		g.Go(func() error {
			result := p.runPlatform(s, sem, platform)
			s.setResult(result)
			p.metrics.BuildResult(string(platform), string(result.Status))
			if e, err := events.NewPlatformFinishedEvent(s.ID, s.Project.ID, result); err == nil {
				s.publish(e)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := s.finish()
	if p.history != nil {
		if err := p.history.RecordSession(context.Background(), report); err != nil {
			p.log.WithError(err).WithField("session", s.ID).Warn("failed to record build history")
		}
	}
	if err := p.c.Workspaces.ReleaseSession(context.Background(), s.ID); err != nil {
		p.log.WithError(err).WithField("session", s.ID).Debug("session directory not released")
	}

	final, err := events.NewSessionFinishedEvent(report)
	if err != nil {
		p.log.WithError(err).Warn("failed to build session summary")
	}
	s.seal(report, final)
	p.retire(s)

	p.log.WithFields(logrus.Fields{
		"session":   s.ID,
		"succeeded": report.Succeeded(),
		"total":     len(report.Results),
		"duration":  report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
	}).Info("build session finished")
}

// runPlatform walks the stages in order. It checks for cancellation before
// each stage and never returns before the workspace is released.
func (p *Pipeline) runPlatform(s *Session, sem *semaphore.Weighted, platform types.Platform) (result types.BuildResult) {
	start := time.Now()
	t := &task{
		s:        s,
		platform: platform,
		log:      p.log.WithFields(logrus.Fields{"session": s.ID, "platform": platform}),
	}
	result = types.BuildResult{Platform: platform}
	defer func() {
		result.Duration = time.Since(start)
		p.releaseTask(t, result.Status)
	}()

	if err := sem.Acquire(s.ctx, 1); err != nil {
		return cancelled(result)
	}
	defer sem.Release(1)

	for _, stage := range types.WorkStages {
		if s.ctx.Err() != nil {
			return cancelled(result)
		}
		p.transition(t, stage, types.StepProcess, nil)

		stageStart := time.Now()
		err := p.runStage(t, stage)
		p.metrics.ObserveStage(string(platform), string(stage), time.Since(stageStart))

		if err != nil {
			if s.ctx.Err() != nil {
				p.transition(t, stage, types.StepError, fault.Wrap(fault.KindCancelled, string(stage), s.ctx.Err()))
				return cancelled(result)
			}
			p.transition(t, stage, types.StepError, err)
			t.log.WithError(err).WithField("stage", stage).Warn("platform build failed")
			if stack := fault.Stack(err); stack != "" {
				t.log.Debug(stack)
			}
			result.Status = types.BuildStatusFailed
			result.Error = err.Error()
			result.ErrorKind = string(fault.KindOf(err))
			return result
		}
		p.transition(t, stage, types.StepFinish, nil)
	}

	result.Status = types.BuildStatusSuccess
	result.OutputPath = t.artifact.Path
	result.Size = t.artifact.Size
	result.Format = string(t.artifact.Format)
	result.Signed = t.artifact.Signed
	return result
}

func cancelled(r types.BuildResult) types.BuildResult {
	r.Status = types.BuildStatusCancelled
	r.Error = "build cancelled"
	r.ErrorKind = string(fault.KindCancelled)
	return r
}

// releaseTask drops the runtime reference and removes the workspace
func (p *Pipeline) releaseTask(t *task, status types.BuildStatus) {
	t.runtime = nil
	if t.ws == nil {
		return
	}
	if p.cfg.KeepWorkspace && status != types.BuildStatusCancelled {
		t.log.WithField("workspace", t.ws.Path).Info("keeping workspace")
		return
	}
	if err := p.c.Workspaces.Cleanup(context.Background(), t.ws); err != nil {
		t.log.WithError(err).Warn("failed to remove workspace")
	}
	t.ws = nil
}

func (p *Pipeline) transition(t *task, stage types.Stage, status types.StepStatus, err error) {
	t.s.publish(events.NewStageEvent(t.s.ID, t.s.Project.ID, t.platform, stage, status, err))
	ev := hooks.BuildStage{
		SessionID: t.s.ID,
		ProjectID: t.s.Project.ID,
		Platform:  t.platform,
		Stage:     stage,
		Status:    status,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	hooks.Dispatch(context.WithoutCancel(t.s.ctx), p.hooks, ev)
}

// note appends log lines to the running step
func (t *task) note(stage types.Stage, severity events.EventSeverity, lines ...string) {
	t.s.publish(events.NewLogEvent(t.s.ID, t.s.Project.ID, t.platform, stage, severity, lines...))
}

func (p *Pipeline) runStage(t *task, stage types.Stage) error {
	ctx := t.s.ctx
	if p.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StageTimeout)
		defer cancel()
	}

	var err error
	switch stage {
	case types.StagePreparing:
		err = p.prepare(ctx, t)
	case types.StageCopyingFiles:
		err = p.copyFiles(ctx, t)
	case types.StageProvisioningRuntime:
		err = p.provisionRuntime(ctx, t)
	case types.StageResolvingDependencies:
		err = p.resolveDependencies(ctx, t)
	case types.StageGeneratingExecutable:
		err = p.generateExecutable(ctx, t)
	case types.StagePackaging:
		err = p.packageArtifact(ctx, t)
	default:
		err = fault.New(fault.KindInternal, "pipeline.stage", "unknown stage %s", stage)
	}

	if err != nil && ctx.Err() == context.DeadlineExceeded && t.s.ctx.Err() == nil {
		return fault.Wrapf(stageKind(stage), string(stage), err, "stage timed out after %s", p.cfg.StageTimeout)
	}
	return err
}

// stageKind is the error kind reported when a stage times out
func stageKind(stage types.Stage) fault.Kind {
	switch stage {
	case types.StageProvisioningRuntime:
		return fault.KindNetwork
	case types.StageResolvingDependencies:
		return fault.KindInstall
	case types.StageGeneratingExecutable, types.StagePackaging:
		return fault.KindPackaging
	}
	return fault.KindInternal
}

func (p *Pipeline) prepare(ctx context.Context, t *task) error {
	cfg := t.s.Config
	if err := cfg.Validate(p.cfg.SupportedVersions); err != nil {
		return fault.Wrapf(fault.KindInvalidConfig, "pipeline.prepare", err, "invalid build configuration")
	}
	if t.s.OutputDir == "" {
		return fault.New(fault.KindInvalidConfig, "pipeline.prepare", "output directory is required")
	}
	ws, err := p.c.Workspaces.Prepare(ctx, t.s.ID, t.platform)
	if err != nil {
		return err
	}
	t.ws = ws
	t.note(types.StagePreparing, events.SeverityInfo, "Workspace: "+ws.Path)
	return nil
}

func (p *Pipeline) copyFiles(ctx context.Context, t *task) error {
	stats, err := p.c.Workspaces.CopyProject(ctx, t.ws, t.s.Project.Path, t.s.Config.Excludes)
	if err != nil {
		return err
	}
	t.note(types.StageCopyingFiles, events.SeverityInfo,
		fmt.Sprintf("Copied %d files (%d bytes), skipped %d", stats.Files, stats.Bytes, stats.Skipped))
	return nil
}

func (p *Pipeline) provisionRuntime(ctx context.Context, t *task) error {
	cfg := t.s.Config
	handle, err := p.c.Runtimes.Provision(ctx, t.platform, cfg.PHPVersion)
	if err != nil {
		return err
	}
	t.runtime = handle

	origin := "downloaded from " + handle.Source
	if handle.FromCache {
		origin = "from cache"
	}
	t.note(types.StageProvisioningRuntime, events.SeverityInfo, fmt.Sprintf("PHP %s for %s %s", handle.ResolvedVersion, t.platform.DisplayName(), origin))

	missing := lo.Filter(cfg.Extensions, func(ext string, _ int) bool { return !handle.HasExtension(ext) })
	if len(missing) > 0 && len(handle.Extensions) > 0 {
		t.note(types.StageProvisioningRuntime, events.SeverityWarning,
			"Extensions not shipped with this runtime: "+strings.Join(missing, ", "))
	}

	dst := filepath.Join(t.ws.RuntimeDir, runtimeSubdir)
	if _, err := workspace.CopyTree(ctx, handle.Dir, dst, []string{phpruntime.MarkerFile}); err != nil {
		return err
	}
	available := lo.Filter(cfg.Extensions, func(ext string, _ int) bool { return handle.HasExtension(ext) })
	if err := p.c.Launcher.WriteRuntimeSummary(t.ws.RuntimeDir, t.platform, cfg, handle.ResolvedVersion, available); err != nil {
		return fault.Wrap(fault.KindPackaging, "pipeline.runtime", err)
	}
	return nil
}

func (p *Pipeline) resolveDependencies(ctx context.Context, t *task) error {
	const stage = types.StageResolvingDependencies
	cfg := t.s.Config

	if deps.HasManifest(t.ws.AppDir) {
		progress := make(chan deps.Progress)
		forwarded := make(chan struct{})
		go func() {
			defer close(forwarded)
			for pr := range progress {
				e := events.NewLogEvent(t.s.ID, t.s.Project.ID, t.platform, stage, events.SeverityInfo, pr.Message)
				_ = e.SetProgressData(events.ProgressData{Phase: string(pr.Phase), Fraction: pr.Fraction})
				t.s.publish(e)
			}
		}()
		err := p.c.Deps.Install(ctx, t.ws.AppDir, deps.InstallOptions{NoDev: !cfg.IncludeDevDependencies}, progress)
		close(progress)
		<-forwarded
		if err != nil {
			return err
		}
	} else {
		t.note(stage, events.SeverityInfo, "No composer.json, skipping dependency installation")
	}

	for _, line := range cfg.CustomCommands {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fault.Wrap(fault.KindCancelled, "pipeline.command", err)
		}
		argv, err := splitCommand(line)
		if err != nil {
			return err
		}
		t.note(stage, events.SeverityInfo, "$ "+line)
		out, err := p.c.Commands.Run(ctx, t.ws.AppDir, argv)
		if out != "" {
			t.note(stage, events.SeverityInfo, strings.Split(out, "\n")...)
		}
		if err != nil {
			if ctx.Err() != nil {
				return fault.Wrap(fault.KindCancelled, "pipeline.command", ctx.Err())
			}
			return fault.Wrapf(fault.KindInstall, "pipeline.command", err, "custom command %q failed", line).WithOutput(out)
		}
	}
	return nil
}

func (p *Pipeline) generateExecutable(ctx context.Context, t *task) error {
	if t.runtime == nil {
		return fault.New(fault.KindInternal, "pipeline.launcher", "no runtime provisioned")
	}
	res, err := p.c.Launcher.Generate(ctx, launcher.Request{
		Workspace:    t.ws,
		Platform:     t.platform,
		Config:       t.s.Config,
		Project:      &t.s.Project,
		PHPBinary:    filepath.Join(runtimeSubdir, t.runtime.Binary),
		ExtensionDir: filepath.Join(runtimeSubdir, "ext"),
		Available:    t.runtime.Extensions,
	})
	if err != nil {
		return err
	}
	t.bundle = res
	if len(res.MissingExtensions) > 0 {
		t.note(types.StageGeneratingExecutable, events.SeverityWarning, "php.ini skips missing extensions: "+strings.Join(res.MissingExtensions, ", "))
	}
	t.note(types.StageGeneratingExecutable, events.SeverityInfo, "Launcher: "+filepath.Base(res.Executable))
	return nil
}

func (p *Pipeline) packageArtifact(ctx context.Context, t *task) error {
	art, err := p.c.Packager.Package(ctx, installer.Request{
		Workspace: t.ws,
		Platform:  t.platform,
		Config:    t.s.Config,
		Bundle:    t.bundle,
		OutputDir: t.s.OutputDir,
	})
	if err != nil {
		return err
	}
	t.artifact = art
	if art.SignError != "" {
		t.note(types.StagePackaging, events.SeverityWarning, "Artifact left unsigned: "+art.SignError)
	}
	t.note(types.StagePackaging, events.SeverityInfo, fmt.Sprintf("%s (%d bytes)", art.Path, art.Size))
	return nil
}
