package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phpack/phpack/internal/deps"
	"github.com/phpack/phpack/internal/events"
	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/installer"
	"github.com/phpack/phpack/internal/launcher"
	"github.com/phpack/phpack/internal/phpruntime"
	"github.com/phpack/phpack/internal/types"
	"github.com/phpack/phpack/internal/workspace"
)

type fakeRuntimes struct {
	dir  string
	fail map[types.Platform]error

	// block makes Provision wait for cancellation after closing started
	block   bool
	started chan struct{}
	once    sync.Once

	mu    sync.Mutex
	calls map[types.Platform]int
}

func (f *fakeRuntimes) Provision(ctx context.Context, platform types.Platform, version string) (*phpruntime.Handle, error) {
	f.mu.Lock()
	f.calls[platform]++
	f.mu.Unlock()
	if err := f.fail[platform]; err != nil {
		return nil, err
	}
	if f.block {
		f.once.Do(func() { close(f.started) })
		<-ctx.Done()
		return nil, fault.Wrap(fault.KindCancelled, "runtime.provision", ctx.Err())
	}
	return &phpruntime.Handle{
		Platform:        platform,
		Version:         version,
		ResolvedVersion: version + ".12",
		Dir:             f.dir,
		Binary:          "php",
		Extensions:      []string{"curl", "mbstring"},
		Source:          "fake",
	}, nil
}

type fakeDeps struct {
	block   bool
	started chan struct{}
	once    sync.Once
}

func (f *fakeDeps) Install(ctx context.Context, dir string, opts deps.InstallOptions, progress chan<- deps.Progress) error {
	if f.block {
		f.once.Do(func() { close(f.started) })
		<-ctx.Done()
		return fault.Wrap(fault.KindCancelled, "deps.install", ctx.Err())
	}
	progress <- deps.Progress{Fraction: 1, Message: "Installed 3 packages"}
	return nil
}

type fakeLauncher struct{}

func (fakeLauncher) Generate(ctx context.Context, req launcher.Request) (*launcher.Result, error) {
	return &launcher.Result{BundleDir: req.Workspace.AppDir, AppRoot: req.Workspace.AppDir, Executable: filepath.Join(req.Workspace.AppDir, "app.cmd")}, nil
}

func (fakeLauncher) WriteRuntimeSummary(runtimeDir string, platform types.Platform, cfg types.BuildConfig, version string, extensions []string) error {
	return os.WriteFile(filepath.Join(runtimeDir, "php.conf"), []byte(version), 0644)
}

type fakePackager struct{}

func (fakePackager) Package(ctx context.Context, req installer.Request) (*installer.Artifact, error) {
	dir := filepath.Join(req.OutputDir, string(req.Platform))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "app.zip")
	if err := os.WriteFile(path, []byte("zip"), 0644); err != nil {
		return nil, err
	}
	return &installer.Artifact{Path: path, Size: 3, Format: types.InstallerFormatZip}, nil
}

type recordingHistory struct {
	mu      sync.Mutex
	reports []*types.SessionReport
}

func (h *recordingHistory) RecordSession(ctx context.Context, report *types.SessionReport) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, report)
	return nil
}

type harness struct {
	pipeline *Pipeline
	runtimes *fakeRuntimes
	deps     *fakeDeps
	ws       workspace.Manager
	history  *recordingHistory
	project  *types.Project
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()

	runtimeDir := filepath.Join(root, "runtime")
	require.NoError(t, os.MkdirAll(filepath.Join(runtimeDir, "ext"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(runtimeDir, "php"), []byte("#!/bin/sh\n"), 0755))

	projectDir := filepath.Join(root, "project")
	require.NoError(t, os.MkdirAll(filepath.Join(projectDir, "public"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "public", "index.php"), []byte("<?php echo 'hi';"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "composer.json"), []byte(`{"require":{}}`), 0644))

	ws, err := workspace.NewManager(workspace.Config{Root: filepath.Join(root, "work")})
	require.NoError(t, err)

	h := &harness{
		runtimes: &fakeRuntimes{dir: runtimeDir, fail: map[types.Platform]error{}, calls: map[types.Platform]int{}, started: make(chan struct{})},
		deps:     &fakeDeps{started: make(chan struct{})},
		ws:       ws,
		history:  &recordingHistory{},
		project: &types.Project{
			ID:           "proj-1",
			Name:         "demo",
			Path:         projectDir,
			Type:         types.ProjectTypePlainPHP,
			EntryFile:    "public/index.php",
			DocumentRoot: "public",
		},
	}
	h.pipeline, err = New(Config{MaxParallelPlatforms: 2, SupportedVersions: []string{"8.1", "8.2", "8.3"}}, Components{
		Workspaces: ws,
		Runtimes:   h.runtimes,
		Deps:       h.deps,
		Launcher:   fakeLauncher{},
		Packager:   fakePackager{},
	}, WithHistory(h.history), WithBroker(events.NewBroker()))
	require.NoError(t, err)
	return h
}

func buildConfig(platforms ...types.Platform) types.BuildConfig {
	cfg := types.DefaultBuildConfig()
	cfg.AppName = "Demo"
	cfg.Platforms = platforms
	return cfg
}

func TestRunAllPlatformsSucceed(t *testing.T) {
	h := newHarness(t)

	report, err := h.pipeline.Run(context.Background(), h.project, buildConfig(types.PlatformWindowsX64, types.PlatformLinuxX64))
	require.NoError(t, err)

	require.Len(t, report.Results, 2)
	assert.Equal(t, types.PlatformWindowsX64, report.Results[0].Platform)
	assert.Equal(t, types.PlatformLinuxX64, report.Results[1].Platform)
	assert.Equal(t, 2, report.Succeeded())
	for _, r := range report.Results {
		assert.Equal(t, types.BuildStatusSuccess, r.Status)
		assert.FileExists(t, r.OutputPath)
		assert.Equal(t, "zip", r.Format)
		for _, step := range report.Steps[r.Platform] {
			assert.Equal(t, types.StepFinish, step.Status, "%s %s", r.Platform, step.Stage)
		}
	}

	// relative output dir resolves against the project
	assert.Equal(t, filepath.Join(h.project.Path, "dist", "windows-x64", "app.zip"), report.Results[0].OutputPath)
	assert.Empty(t, h.ws.Active())
	require.Len(t, h.history.reports, 1)
	assert.Equal(t, report.SessionID, h.history.reports[0].SessionID)
}

func TestPartialFailure(t *testing.T) {
	h := newHarness(t)
	h.runtimes.fail[types.PlatformMacOSARM64] = fault.New(fault.KindNetwork, "runtime.fetch", "download failed")

	report, err := h.pipeline.Run(context.Background(), h.project, buildConfig(types.PlatformWindowsX64, types.PlatformMacOSARM64))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded())

	win, ok := report.Result(types.PlatformWindowsX64)
	require.True(t, ok)
	assert.Equal(t, types.BuildStatusSuccess, win.Status)

	mac, ok := report.Result(types.PlatformMacOSARM64)
	require.True(t, ok)
	assert.Equal(t, types.BuildStatusFailed, mac.Status)
	assert.Equal(t, string(fault.KindNetwork), mac.ErrorKind)
	assert.Contains(t, mac.Error, "download failed")

	steps := report.Steps[types.PlatformMacOSARM64]
	assert.Equal(t, types.StepFinish, steps[0].Status)
	assert.Equal(t, types.StepFinish, steps[1].Status)
	assert.Equal(t, types.StepError, steps[2].Status)
	for _, step := range steps[3:] {
		assert.Equal(t, types.StepWait, step.Status)
	}
	assert.Empty(t, h.ws.Active())
}

func TestStagesRunInOrder(t *testing.T) {
	h := newHarness(t)

	s, err := h.pipeline.Start(context.Background(), h.project, buildConfig(types.PlatformLinuxX64))
	require.NoError(t, err)
	_, err = s.Wait(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var started []types.Stage
	var all []events.BuildEvent
	for e := range s.Events(ctx) {
		all = append(all, e)
		if e.Type == events.EventTypeStageStarted {
			started = append(started, e.Stage)
		}
	}
	assert.Equal(t, types.WorkStages, started)
	require.NotEmpty(t, all)
	assert.Equal(t, events.EventTypeSessionStarted, all[0].Type)
	assert.Equal(t, events.EventTypeSessionFinished, all[len(all)-1].Type)

	for i := 1; i < len(all); i++ {
		if all[i].Platform == types.PlatformLinuxX64 && all[i-1].Platform == types.PlatformLinuxX64 {
			assert.Greater(t, all[i].Seq, all[i-1].Seq)
		}
	}
}

func TestRuntimeProvisionedOncePerPlatform(t *testing.T) {
	h := newHarness(t)

	_, err := h.pipeline.Run(context.Background(), h.project, buildConfig(types.PlatformWindowsX64))
	require.NoError(t, err)

	assert.Equal(t, 1, h.runtimes.calls[types.PlatformWindowsX64])
	assert.Zero(t, h.runtimes.calls[types.PlatformLinuxX64])
	assert.Zero(t, h.runtimes.calls[types.PlatformMacOSARM64])
}

func TestCancelDuringDependencies(t *testing.T) {
	h := newHarness(t)
	h.deps.block = true

	s, err := h.pipeline.Start(context.Background(), h.project, buildConfig(types.PlatformLinuxX64))
	require.NoError(t, err)

	select {
	case <-h.deps.started:
	case <-time.After(10 * time.Second):
		t.Fatal("dependency stage never started")
	}
	s.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := s.Wait(ctx)
	require.NoError(t, err)

	r, ok := report.Result(types.PlatformLinuxX64)
	require.True(t, ok)
	assert.Equal(t, types.BuildStatusCancelled, r.Status)
	assert.Empty(t, r.OutputPath)
	assert.NoDirExists(t, filepath.Join(h.project.Path, "dist", "linux-x64"))
	assert.Empty(t, h.ws.Active())

	steps := report.Steps[types.PlatformLinuxX64]
	assert.Equal(t, types.StepError, steps[3].Status)
	assert.Equal(t, types.StepWait, steps[4].Status)
}

func TestCancelDuringProvisioning(t *testing.T) {
	h := newHarness(t)
	h.runtimes.block = true

	s, err := h.pipeline.Start(context.Background(), h.project, buildConfig(types.PlatformWindowsX64))
	require.NoError(t, err)

	select {
	case <-h.runtimes.started:
	case <-time.After(10 * time.Second):
		t.Fatal("provisioning never started")
	}
	s.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := s.Wait(ctx)
	require.NoError(t, err)

	r, ok := report.Result(types.PlatformWindowsX64)
	require.True(t, ok)
	assert.Equal(t, types.BuildStatusCancelled, r.Status)
	assert.Empty(t, r.OutputPath)
	assert.Empty(t, h.ws.Active())
	assert.NoDirExists(t, filepath.Join(h.project.Path, "dist"))

	steps := report.Steps[types.PlatformWindowsX64]
	assert.Equal(t, types.StepFinish, steps[1].Status)
	assert.Equal(t, types.StepError, steps[2].Status)
	for _, step := range steps[3:] {
		assert.Equal(t, types.StepWait, step.Status)
	}
}

// runtimeIndex serves a runtime index over HTTP and counts archive
// downloads per path
type runtimeIndex struct {
	*httptest.Server
	mu        sync.Mutex
	archives  map[string][]byte
	downloads map[string]int
	index     phpruntime.Index
}

func newRuntimeIndex(t *testing.T) *runtimeIndex {
	ri := &runtimeIndex{archives: map[string][]byte{}, downloads: map[string]int{}}
	ri.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ri.mu.Lock()
		defer ri.mu.Unlock()
		if r.URL.Path == "/index.json" {
			_ = json.NewEncoder(w).Encode(ri.index)
			return
		}
		data, ok := ri.archives[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		ri.downloads[r.URL.Path]++
		_, _ = w.Write(data)
	}))
	t.Cleanup(ri.Close)
	return ri
}

func (ri *runtimeIndex) add(t *testing.T, platform types.Platform, binary string) string {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"php-8.2.12/" + binary, "php-8.2.12/ext/php_mbstring.dll"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("bin"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	sum := sha256.Sum256(buf.Bytes())

	path := "/" + string(platform) + "/php-8.2.12.zip"
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.archives[path] = buf.Bytes()
	ri.index.Runtimes = append(ri.index.Runtimes, phpruntime.IndexEntry{
		Platform: platform,
		Version:  "8.2.12",
		URL:      path[1:],
		SHA256:   hex.EncodeToString(sum[:]),
	})
	return path
}

func (ri *runtimeIndex) count(path string) int {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.downloads[path]
}

func TestBuildUsesCachedRuntimeAndFetchesMissing(t *testing.T) {
	h := newHarness(t)
	ri := newRuntimeIndex(t)
	linuxPath := ri.add(t, types.PlatformLinuxX64, "php")
	windowsPath := ri.add(t, types.PlatformWindowsX64, "php.exe")

	prov, err := phpruntime.NewProvisioner(phpruntime.Options{
		CacheDir:           t.TempDir(),
		SupportedVersions:  []string{"8.1", "8.2", "8.3"},
		MaxParallelFetches: 2,
		Retry:              phpruntime.DefaultRetryConfig(),
	}, []phpruntime.Source{phpruntime.NewIndexSource(ri.URL+"/index.json", nil)})
	require.NoError(t, err)
	h.pipeline.c.Runtimes = prov

	_, err = prov.Provision(context.Background(), types.PlatformLinuxX64, "8.2")
	require.NoError(t, err)
	require.True(t, prov.Cached(types.PlatformLinuxX64, "8.2"))
	require.Equal(t, 1, ri.count(linuxPath))

	report, err := h.pipeline.Run(context.Background(), h.project, buildConfig(types.PlatformWindowsX64, types.PlatformLinuxX64))
	require.NoError(t, err)

	for _, p := range []types.Platform{types.PlatformWindowsX64, types.PlatformLinuxX64} {
		r, ok := report.Result(p)
		require.True(t, ok)
		assert.Equal(t, types.BuildStatusSuccess, r.Status, "%s: %s", p, r.Error)
	}
	assert.Equal(t, 1, ri.count(windowsPath))
	assert.Equal(t, 1, ri.count(linuxPath), "cached runtime is not downloaded again")
	assert.True(t, prov.Cached(types.PlatformWindowsX64, "8.2"))
}

func TestInvalidConfigFailsPlatform(t *testing.T) {
	h := newHarness(t)
	cfg := buildConfig(types.PlatformLinuxX64)
	cfg.PHPVersion = "5.6"

	report, err := h.pipeline.Run(context.Background(), h.project, cfg)
	require.NoError(t, err)

	r, ok := report.Result(types.PlatformLinuxX64)
	require.True(t, ok)
	assert.Equal(t, types.BuildStatusFailed, r.Status)
	assert.Equal(t, string(fault.KindInvalidConfig), r.ErrorKind)
	assert.Zero(t, h.runtimes.calls[types.PlatformLinuxX64])
}

func TestStartRejectsBadRequests(t *testing.T) {
	h := newHarness(t)

	_, err := h.pipeline.Start(context.Background(), h.project, buildConfig())
	assert.True(t, fault.Is(err, fault.KindInvalidConfig))

	_, err = h.pipeline.Start(context.Background(), h.project, buildConfig(types.PlatformLinuxX64, types.PlatformLinuxX64))
	assert.True(t, fault.Is(err, fault.KindInvalidConfig))

	missing := *h.project
	missing.Path = filepath.Join(t.TempDir(), "gone")
	_, err = h.pipeline.Start(context.Background(), &missing, buildConfig(types.PlatformLinuxX64))
	assert.True(t, fault.Is(err, fault.KindDetection))
}

func TestCustomCommandFailure(t *testing.T) {
	h := newHarness(t)
	h.pipeline.c.Commands = commandFunc(func(ctx context.Context, dir string, argv []string) (string, error) {
		if argv[0] == "false" {
			return "boom", assert.AnError
		}
		return "", nil
	})
	cfg := buildConfig(types.PlatformLinuxX64)
	cfg.CustomCommands = []string{"php artisan optimize", "false --quiet"}

	report, err := h.pipeline.Run(context.Background(), h.project, cfg)
	require.NoError(t, err)

	r, ok := report.Result(types.PlatformLinuxX64)
	require.True(t, ok)
	assert.Equal(t, types.BuildStatusFailed, r.Status)
	assert.Equal(t, string(fault.KindInstall), r.ErrorKind)
	logs := report.Steps[types.PlatformLinuxX64][3].Logs
	assert.Contains(t, logs, "$ php artisan optimize")
	assert.Contains(t, logs, "boom")
}

func TestSessionLookup(t *testing.T) {
	h := newHarness(t)

	s, err := h.pipeline.Start(context.Background(), h.project, buildConfig(types.PlatformLinuxX64))
	require.NoError(t, err)
	_, err = s.Wait(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.pipeline.Active()) == 0 }, 5*time.Second, 10*time.Millisecond)
	got, ok := h.pipeline.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = h.pipeline.Get("nope")
	assert.False(t, ok)
}

func TestSplitCommand(t *testing.T) {
	argv, err := splitCommand(`php artisan config:cache --env "local dev"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"php", "artisan", "config:cache", "--env", "local dev"}, argv)

	_, err = splitCommand("   ")
	assert.True(t, fault.Is(err, fault.KindInvalidConfig))
}

type commandFunc func(ctx context.Context, dir string, argv []string) (string, error)

func (f commandFunc) Run(ctx context.Context, dir string, argv []string) (string, error) {
	return f(ctx, dir, argv)
}
