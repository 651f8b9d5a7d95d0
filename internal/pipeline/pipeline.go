// Package pipeline runs build sessions: one sequential stage pipeline per
// target platform, all platforms in parallel, aggregated into a session
// report once every platform reached a terminal state.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"
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
	"github.com/phpack/phpack/internal/types"
	"github.com/phpack/phpack/internal/workspace"
)

// finishedSessions bounds how many completed sessions stay queryable
const finishedSessions = 64

// RuntimeProvider provisions PHP runtimes
type RuntimeProvider interface {
	Provision(ctx context.Context, platform types.Platform, version string) (*phpruntime.Handle, error)
}

// DependencyInstaller runs the composer install flow in a directory
type DependencyInstaller interface {
	Install(ctx context.Context, dir string, opts deps.InstallOptions, progress chan<- deps.Progress) error
}

// LauncherGenerator writes launchers into workspaces
type LauncherGenerator interface {
	Generate(ctx context.Context, req launcher.Request) (*launcher.Result, error)
	WriteRuntimeSummary(runtimeDir string, platform types.Platform, cfg types.BuildConfig, version string, extensions []string) error
}

// Packager turns a launcher bundle into an artifact in the output directory
type Packager interface {
	Package(ctx context.Context, req installer.Request) (*installer.Artifact, error)
}

// HistoryRecorder stores finished session reports
type HistoryRecorder interface {
	RecordSession(ctx context.Context, report *types.SessionReport) error
}

// Config holds pipeline settings
type Config struct {
	MaxParallelPlatforms int
	KeepWorkspace        bool
	// StageTimeout bounds a single stage; 0 disables the limit
	StageTimeout      time.Duration
	SupportedVersions []string
}

// ConfigFrom extracts pipeline settings from the application config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MaxParallelPlatforms: cfg.Build.MaxParallelPlatforms,
		KeepWorkspace:        cfg.Build.KeepWorkspace,
		StageTimeout:         cfg.Build.StageTimeout,
		SupportedVersions:    cfg.Runtime.SupportedVersions,
	}
}

// Components are the collaborators every stage delegates to
type Components struct {
	Workspaces workspace.Manager
	Runtimes   RuntimeProvider
	Deps       DependencyInstaller
	Launcher   LauncherGenerator
	Packager   Packager
	// Commands runs BuildConfig.CustomCommands; defaults to ExecCommandRunner
	Commands CommandRunner
}

// Pipeline starts and tracks build sessions
type Pipeline struct {
	cfg     Config
	c       Components
	hooks   hooks.Dispatcher
	history HistoryRecorder
	broker  *events.Broker
	metrics *metrics.Metrics
	log     *logrus.Entry

	mu       deadlock.Mutex
	active   map[string]*Session
	finished *lru.Cache[string, *Session]
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithHooks dispatches OnBuildStage hooks
func WithHooks(d hooks.Dispatcher) Option {
	return func(p *Pipeline) { p.hooks = d }
}

// WithHistory records finished sessions
func WithHistory(h HistoryRecorder) Option {
	return func(p *Pipeline) { p.history = h }
}

// WithBroker publishes every session event to a shared broker
func WithBroker(b *events.Broker) Option {
	return func(p *Pipeline) { p.broker = b }
}

// WithMetrics records stage durations and results
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger
func WithLogger(log *logrus.Entry) Option {
	return func(p *Pipeline) { p.log = logging.Component(log, "pipeline") }
}

// New creates a pipeline
func New(cfg Config, c Components, opts ...Option) (*Pipeline, error) {
	if c.Workspaces == nil || c.Runtimes == nil || c.Deps == nil || c.Launcher == nil || c.Packager == nil {
		return nil, fault.New(fault.KindInternal, "pipeline.new", "all pipeline components are required")
	}
	if cfg.MaxParallelPlatforms < 1 {
		cfg.MaxParallelPlatforms = 1
	}
	if c.Commands == nil {
		c.Commands = ExecCommandRunner{}
	}
	finished, err := lru.New[string, *Session](finishedSessions)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:      cfg,
		c:        c,
		log:      logging.Discard(),
		active:   make(map[string]*Session),
		finished: finished,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start validates the request, snapshots the configuration and launches
// one task per platform. It returns as soon as the session is running.
// The session outlives ctx; use Session.Cancel to stop it.
func (p *Pipeline) Start(ctx context.Context, project *types.Project, cfg types.BuildConfig) (*Session, error) {
	if project == nil {
		return nil, fault.New(fault.KindInvalidConfig, "pipeline.start", "project is required")
	}
	info, err := os.Stat(project.Path)
	if err != nil || !info.IsDir() {
		return nil, fault.New(fault.KindDetection, "pipeline.start", "project directory %s is not readable", project.Path)
	}
	cfg = cfg.Clone()
	if len(cfg.Platforms) == 0 {
		return nil, fault.New(fault.KindInvalidConfig, "pipeline.start", "at least one target platform is required")
	}
	if len(lo.Uniq(cfg.Platforms)) != len(cfg.Platforms) {
		return nil, fault.New(fault.KindInvalidConfig, "pipeline.start", "target platforms contain duplicates: %v", cfg.Platforms)
	}

	outputDir := cfg.OutputDir
	if outputDir != "" && !filepath.IsAbs(outputDir) {
		outputDir = filepath.Join(project.Path, outputDir)
	}

	s := newSession(context.WithoutCancel(ctx), uuid.New().String(), *project, cfg, outputDir)
	s.broker = p.broker

	p.mu.Lock()
	p.active[s.ID] = s
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"session":   s.ID,
		"project":   project.ID,
		"platforms": cfg.Platforms,
	}).Info("build session started")

	go p.run(s)
	return s, nil
}

// Run starts a session and waits for it. If ctx ends first the session is
// cancelled and its report still returned.
func (p *Pipeline) Run(ctx context.Context, project *types.Project, cfg types.BuildConfig) (*types.SessionReport, error) {
	s, err := p.Start(ctx, project, cfg)
	if err != nil {
		return nil, err
	}
	report, err := s.Wait(ctx)
	if err == nil {
		return report, nil
	}
	s.Cancel()
	report, _ = s.Wait(context.Background())
	return report, fault.Wrap(fault.KindCancelled, "pipeline.run", err)
}

// Get returns a running or recently finished session
func (p *Pipeline) Get(id string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.active[id]; ok {
		return s, true
	}
	return p.finished.Get(id)
}

// Active lists running sessions, oldest first
func (p *Pipeline) Active() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := lo.Values(p.active)
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })
	return list
}

// CancelAll cancels every running session
func (p *Pipeline) CancelAll() {
	for _, s := range p.Active() {
		s.Cancel()
	}
}

func (p *Pipeline) retire(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, s.ID)
	p.finished.Add(s.ID, s)
}
