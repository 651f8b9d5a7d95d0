// Package server runs PHP built-in web servers for interactive preview and
// tracks their lifecycle, output and health.
package server

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/mgutz/str"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/phpack/phpack/internal/config"
	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/hooks"
	"github.com/phpack/phpack/internal/logging"
	"github.com/phpack/phpack/internal/metrics"
	"github.com/phpack/phpack/internal/ports"
	"github.com/phpack/phpack/internal/types"
)

// CommandFunc builds the process for a server. Tests substitute a helper process.
type CommandFunc func(name string, args ...string) *exec.Cmd

// Config holds server manager settings
type Config struct {
	PHPBinary string
	Host      string
	ExtraArgs []string

	StartupGrace  time.Duration
	StopTimeout   time.Duration
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	ProbeFailures int
	LogBuffer     int

	// CommandFunc overrides process construction; nil uses exec.Command
	// after resolving PHPBinary on PATH.
	CommandFunc CommandFunc
}

// ConfigFrom converts the file configuration
func ConfigFrom(c config.ServerConfig) Config {
	return Config{
		PHPBinary:     c.PHPBinary,
		Host:          c.Host,
		ExtraArgs:     str.ToArgv(c.ExtraArgs),
		StartupGrace:  c.StartupGrace,
		StopTimeout:   c.StopTimeout,
		ProbeInterval: c.ProbeInterval,
		ProbeTimeout:  c.ProbeTimeout,
		ProbeFailures: c.ProbeFailures,
		LogBuffer:     c.LogBuffer,
	}
}

// StartRequest describes a server to start
type StartRequest struct {
	ProjectID   string
	ProjectPath string
	// DocumentRoot is relative to ProjectPath; empty serves the project root
	DocumentRoot string
	// Router is an optional router script relative to ProjectPath
	Router string
	// Port 0 allocates a free port from the allocator's range
	Port int
}

// LogListener is notified of every appended log line
type LogListener func(port int, entry LogEntry)

// Manager owns every preview server started by this process
type Manager struct {
	cfg     Config
	ports   *ports.Allocator
	hooks   hooks.Dispatcher
	metrics *metrics.Metrics
	log     *logrus.Entry

	mu        deadlock.RWMutex
	instances map[int]*instance
	// crashed keeps the last crashed instance per port for status and logs
	crashed   map[int]*instance
	listeners []LogListener
}

// Option customizes a Manager
type Option func(*Manager)

// WithHooks publishes server start and stop events
func WithHooks(d hooks.Dispatcher) Option {
	return func(m *Manager) { m.hooks = d }
}

// WithMetrics records lifecycle counters
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the logger
func WithLogger(log *logrus.Entry) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a server manager sharing the given port allocator
func NewManager(cfg Config, alloc *ports.Allocator, opts ...Option) (*Manager, error) {
	if alloc == nil {
		return nil, fmt.Errorf("port allocator cannot be nil")
	}
	if cfg.PHPBinary == "" && cfg.CommandFunc == nil {
		return nil, fmt.Errorf("PHPBinary cannot be empty")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = 500 * time.Millisecond
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 2 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = time.Second
	}
	if cfg.ProbeFailures < 1 {
		cfg.ProbeFailures = 3
	}
	if cfg.LogBuffer < 1 {
		cfg.LogBuffer = 5000
	}

	m := &Manager{
		cfg:       cfg,
		ports:     alloc,
		instances: make(map[int]*instance),
		crashed:   make(map[int]*instance),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logging.Component(m.log, "server")
	return m, nil
}

// OnLog registers a listener for appended log lines
func (m *Manager) OnLog(l LogListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Start spawns a PHP built-in server for the project and waits until it has
// survived the startup grace period.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*types.ServerInstance, error) {
	docRoot, router, err := m.resolvePaths(req)
	if err != nil {
		return nil, err
	}

	inst, err := m.claim(req, docRoot)
	if err != nil {
		return nil, err
	}
	port := inst.info.Port
	log := m.log.WithFields(logrus.Fields{"port": port, "project": req.ProjectID})

	args := []string{"-S", m.cfg.Host + ":" + strconv.Itoa(port), "-t", docRoot}
	args = append(args, m.cfg.ExtraArgs...)
	if router != "" {
		args = append(args, router)
	}

	cmd, err := m.command(args)
	if err != nil {
		m.abandon(inst)
		return nil, err
	}
	cmd.Dir = req.ProjectPath

	if err := inst.launch(cmd); err != nil {
		m.abandon(inst)
		return nil, fault.Wrapf(fault.KindSpawn, "server.start", err, "failed to start %s", cmd.Path)
	}
	log.WithField("pid", cmd.Process.Pid).Info("php server spawned")

	grace := time.NewTimer(m.cfg.StartupGrace)
	defer grace.Stop()
	select {
	case <-inst.done:
		output := inst.logs.Tail(20)
		m.abandon(inst)
		return nil, fault.New(fault.KindSpawn, "server.start",
			"php server on port %d exited immediately: %v", port, inst.exitError()).WithOutput(output)
	case <-ctx.Done():
		_ = inst.forceKill()
		<-inst.done
		m.abandon(inst)
		return nil, fault.Wrap(fault.KindCancelled, "server.start", ctx.Err())
	case <-grace.C:
	}

	probeCtx, cancel := context.WithCancel(context.Background())
	inst.setRunning(cancel)
	go m.watchExit(inst)
	go m.probeLoop(probeCtx, inst)

	m.metrics.ServerEvent("started")
	hooks.Dispatch(ctx, m.hooks, hooks.ServerStart{
		ProjectID:   req.ProjectID,
		ProjectPath: req.ProjectPath,
		Port:        port,
		PID:         cmd.Process.Pid,
	})
	log.Info("php server running")

	snap := inst.snapshot()
	return &snap, nil
}

func (m *Manager) resolvePaths(req StartRequest) (docRoot, router string, err error) {
	if req.ProjectPath == "" {
		return "", "", fault.New(fault.KindSpawn, "server.start", "project path is required")
	}
	info, statErr := os.Stat(req.ProjectPath)
	if statErr != nil || !info.IsDir() {
		return "", "", fault.New(fault.KindSpawn, "server.start", "project path %s is not a directory", req.ProjectPath)
	}

	docRoot = req.ProjectPath
	if req.DocumentRoot != "" && req.DocumentRoot != "." {
		docRoot = filepath.Join(req.ProjectPath, filepath.FromSlash(req.DocumentRoot))
	}
	if info, statErr := os.Stat(docRoot); statErr != nil || !info.IsDir() {
		return "", "", fault.New(fault.KindSpawn, "server.start", "document root %s does not exist", docRoot)
	}

	if req.Router != "" {
		router = filepath.Join(req.ProjectPath, filepath.FromSlash(req.Router))
		if _, statErr := os.Stat(router); statErr != nil {
			return "", "", fault.New(fault.KindSpawn, "server.start", "router script %s does not exist", router)
		}
	}
	return docRoot, router, nil
}

// claim registers a starting instance and reserves its port. A port or
// project that already has a live server is rejected.
func (m *Manager) claim(req StartRequest, docRoot string) (*instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Port != 0 {
		if _, ok := m.instances[req.Port]; ok {
			return nil, fault.New(fault.KindPortInUse, "server.start", "a server is already running on port %d", req.Port)
		}
	}
	if req.ProjectID != "" {
		for port, inst := range m.instances {
			if inst.info.ProjectID == req.ProjectID {
				return nil, fault.New(fault.KindPortInUse, "server.start",
					"project %s already has a server on port %d", req.ProjectID, port)
			}
		}
	}

	owner := req.ProjectID
	if owner == "" {
		owner = req.ProjectPath
	}
	port := req.Port
	if port == 0 {
		p, err := m.ports.Allocate(owner)
		if err != nil {
			return nil, err
		}
		port = p
	} else if err := m.ports.Reserve(port, owner); err != nil {
		return nil, err
	}

	inst := newInstance(types.ServerInstance{
		Port:         port,
		ProjectID:    req.ProjectID,
		ProjectPath:  req.ProjectPath,
		DocumentRoot: docRoot,
		Status:       types.ServerStarting,
	}, m.cfg.LogBuffer, m.notify)
	m.instances[port] = inst
	delete(m.crashed, port)
	return inst, nil
}

// abandon forgets an instance that never reached Running
func (m *Manager) abandon(inst *instance) {
	m.mu.Lock()
	if m.instances[inst.info.Port] == inst {
		delete(m.instances, inst.info.Port)
	}
	m.mu.Unlock()
	m.ports.Release(inst.info.Port)
	inst.setStatus(types.ServerStopped)
}

func (m *Manager) command(args []string) (*exec.Cmd, error) {
	if m.cfg.CommandFunc != nil {
		return m.cfg.CommandFunc(m.cfg.PHPBinary, args...), nil
	}
	bin, err := exec.LookPath(m.cfg.PHPBinary)
	if err != nil {
		return nil, fault.Wrapf(fault.KindSpawn, "server.start", err, "php binary %q not found", m.cfg.PHPBinary)
	}
	return exec.Command(bin, args...), nil
}

func (m *Manager) notify(port int, e LogEntry) {
	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()
	for _, l := range listeners {
		l(port, e)
	}
}

// Stop shuts down the server on port: interrupt, bounded wait, then kill
func (m *Manager) Stop(ctx context.Context, port int) error {
	m.mu.Lock()
	inst, ok := m.instances[port]
	if !ok {
		delete(m.crashed, port)
		m.mu.Unlock()
		return fault.New(fault.KindNotRunning, "server.stop", "no server is running on port %d", port)
	}
	if !inst.beginStop() {
		m.mu.Unlock()
		return fault.New(fault.KindNotRunning, "server.stop", "server on port %d is already stopping", port)
	}
	m.mu.Unlock()

	log := m.log.WithField("port", port)
	log.Info("stopping php server")

	if err := inst.interrupt(); err != nil {
		log.WithError(err).Debug("interrupt failed, killing")
		_ = inst.forceKill()
	}

	timer := time.NewTimer(m.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-inst.done:
	case <-timer.C:
		log.Warn("graceful shutdown timed out, killing")
		_ = inst.forceKill()
		<-inst.done
	case <-ctx.Done():
		_ = inst.forceKill()
		<-inst.done
	}

	m.mu.Lock()
	delete(m.instances, port)
	m.mu.Unlock()
	m.ports.Release(port)
	inst.setStatus(types.ServerStopped)
	inst.logs.AppendLevel(SourceManager, LogInfo, 0, "server stopped")

	m.metrics.ServerEvent("stopped")
	hooks.Dispatch(ctx, m.hooks, hooks.ServerStop{ProjectID: inst.info.ProjectID, Port: port})
	log.Info("php server stopped")
	return nil
}

// crash moves a running instance to Crashed, kills whatever is left of the
// process and releases its port. It is a no-op unless the instance is Running.
func (m *Manager) crash(inst *instance, reason string) {
	if !inst.markCrashed() {
		return
	}
	_ = inst.forceKill()

	port := inst.info.Port
	m.mu.Lock()
	if m.instances[port] == inst {
		delete(m.instances, port)
	}
	m.crashed[port] = inst
	m.mu.Unlock()
	m.ports.Release(port)

	inst.logs.AppendLevel(SourceManager, LogError, 0, "server crashed: "+reason)
	m.log.WithFields(logrus.Fields{"port": port, "reason": reason}).Warn("php server crashed")
	m.metrics.ServerEvent("crashed")
	hooks.Dispatch(context.Background(), m.hooks, hooks.ServerStop{
		ProjectID: inst.info.ProjectID,
		Port:      port,
		Crashed:   true,
		Reason:    reason,
	})
}

// watchExit detects unexpected process exits
func (m *Manager) watchExit(inst *instance) {
	<-inst.done
	reason := "process exited"
	if err := inst.exitError(); err != nil {
		reason = "process exited: " + err.Error()
	}
	m.crash(inst, reason)
}

// Status returns the lifecycle state of the server on port
func (m *Manager) Status(port int) types.ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inst, ok := m.instances[port]; ok {
		return inst.status()
	}
	if _, ok := m.crashed[port]; ok {
		return types.ServerCrashed
	}
	return types.ServerStopped
}

// Instance returns a snapshot of the server on port, including a crashed one
func (m *Manager) Instance(port int) (*types.ServerInstance, bool) {
	inst := m.lookup(port)
	if inst == nil {
		return nil, false
	}
	snap := inst.snapshot()
	return &snap, true
}

// ByProject returns the live server of a project
func (m *Manager) ByProject(projectID string) (*types.ServerInstance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inst := range m.instances {
		if inst.info.ProjectID == projectID {
			snap := inst.snapshot()
			return &snap, true
		}
	}
	return nil, false
}

// List returns snapshots of all live servers ordered by port
func (m *Manager) List() []types.ServerInstance {
	m.mu.RLock()
	out := make([]types.ServerInstance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Logs queries the log buffer of the server on port
func (m *Manager) Logs(port int, q LogQuery) ([]LogEntry, error) {
	inst := m.lookup(port)
	if inst == nil {
		return nil, fault.New(fault.KindNotRunning, "server.logs", "no server is tracked on port %d", port)
	}
	return inst.logs.Query(q), nil
}

func (m *Manager) lookup(port int) *instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inst, ok := m.instances[port]; ok {
		return inst
	}
	return m.crashed[port]
}

// Shutdown stops every live server
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	var portsToStop []int
	for port := range m.instances {
		portsToStop = append(portsToStop, port)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, port := range portsToStop {
		if err := m.Stop(ctx, port); err != nil && !fault.Is(err, fault.KindNotRunning) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
