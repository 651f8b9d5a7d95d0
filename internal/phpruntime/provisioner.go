package phpruntime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/phpack/phpack/internal/config"
	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/logging"
	"github.com/phpack/phpack/internal/metrics"
	"github.com/phpack/phpack/internal/types"
)

// MarkerFile is written last; a version directory without it is partial
const MarkerFile = ".phpack-runtime.json"

// Key identifies a cached runtime by platform and requested version
type Key struct {
	Platform types.Platform `json:"platform"`
	Version  string         `json:"version"`
}

func (k Key) String() string { return string(k.Platform) + "/" + k.Version }

// Handle points at a provisioned runtime on disk
type Handle struct {
	Platform types.Platform `json:"platform"`
	// Version is the requested version, ResolvedVersion what it matched
	Version         string    `json:"version"`
	ResolvedVersion string    `json:"resolved_version"`
	Dir             string    `json:"dir"`
	Binary          string    `json:"binary"` // relative to Dir
	Extensions      []string  `json:"extensions"`
	Source          string    `json:"source"`
	SHA256          string    `json:"sha256"`
	InstalledAt     time.Time `json:"installed_at"`
	FromCache       bool      `json:"-"`
}

// BinaryPath returns the absolute path of the php executable
func (h *Handle) BinaryPath() string {
	return filepath.Join(h.Dir, h.Binary)
}

// HasExtension reports whether the runtime ships the named extension
func (h *Handle) HasExtension(name string) bool {
	return lo.Contains(h.Extensions, strings.ToLower(name))
}

// marker is the completion record stored in each version directory
type marker struct {
	Platform        types.Platform `json:"platform"`
	Version         string         `json:"version"`
	ResolvedVersion string         `json:"resolved_version"`
	Root            string         `json:"root"` // runtime root relative to the version dir
	Binary          string         `json:"binary"`
	Extensions      []string       `json:"extensions"`
	Source          string         `json:"source"`
	SHA256          string         `json:"sha256"`
	InstalledAt     time.Time      `json:"installed_at"`
}

// Options configures a Provisioner
type Options struct {
	CacheDir           string
	SupportedVersions  []string
	MaxParallelFetches int
	DownloadRateLimit  int64
	FetchTimeout       time.Duration
	Retry              RetryConfig
}

// OptionsFrom builds provisioner options from configuration
func OptionsFrom(cfg *config.Config) Options {
	retry := DefaultRetryConfig()
	retry.MaxAttempts = cfg.Runtime.MaxAttempts
	retry.InitialBackoff = cfg.Runtime.InitialBackoff
	retry.MaxBackoff = cfg.Runtime.MaxBackoff
	return Options{
		CacheDir:           cfg.Paths.RuntimeCacheDir(),
		SupportedVersions:  cfg.Runtime.SupportedVersions,
		MaxParallelFetches: cfg.Runtime.MaxParallelFetches,
		DownloadRateLimit:  cfg.Runtime.DownloadRateLimit,
		FetchTimeout:       cfg.Runtime.FetchTimeout,
		Retry:              retry,
	}
}

// SourcesFrom builds the configured sources: the S3 mirror first when
// enabled, then the HTTP index
func SourcesFrom(cfg *config.Config) ([]Source, error) {
	var sources []Source
	if cfg.Runtime.S3.Enabled() {
		s3, err := NewS3Source(cfg.Runtime.S3)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s3)
	}
	if cfg.Runtime.IndexURL != "" {
		sources = append(sources, NewIndexSource(cfg.Runtime.IndexURL, nil))
	}
	return sources, nil
}

// Provisioner fetches and caches PHP runtimes. Concurrent requests for the
// same key share one fetch; fetches of different keys are bounded by
// MaxParallelFetches.
type Provisioner struct {
	opts     Options
	sources  []Source
	breakers map[string]*CircuitBreaker
	group    singleflight.Group
	sem      *semaphore.Weighted

	flightMu deadlock.Mutex
	flights  map[string]*flight
	metrics  *metrics.Metrics
	log      *logrus.Entry
}

// Option configures a Provisioner
type Option func(*Provisioner)

// WithMetrics records fetches and cache hits
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provisioner) { p.metrics = m }
}

// WithLogger sets the logger
func WithLogger(log *logrus.Entry) Option {
	return func(p *Provisioner) { p.log = log }
}

// NewProvisioner creates a provisioner caching under opts.CacheDir
func NewProvisioner(opts Options, sources []Source, options ...Option) (*Provisioner, error) {
	if opts.CacheDir == "" {
		return nil, fmt.Errorf("runtime cache directory is required")
	}
	if opts.MaxParallelFetches < 1 {
		opts.MaxParallelFetches = 1
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}

	p := &Provisioner{
		opts:     opts,
		sources:  sources,
		breakers: make(map[string]*CircuitBreaker, len(sources)),
		sem:      semaphore.NewWeighted(int64(opts.MaxParallelFetches)),
		flights:  make(map[string]*flight),
	}
	for _, o := range options {
		o(p)
	}
	if p.log == nil {
		p.log = logging.Discard()
	}
	p.log = logging.Component(p.log, "runtime")
	for _, s := range sources {
		p.breakers[s.Name()] = NewCircuitBreaker(s.Name(), opts.Retry, p.log)
	}
	return p, nil
}

func (p *Provisioner) versionDir(k Key) string {
	return filepath.Join(p.opts.CacheDir, string(k.Platform), k.Version)
}

// Supported reports whether version is in the supported list
func (p *Provisioner) Supported(version string) bool {
	if len(p.opts.SupportedVersions) == 0 {
		return true
	}
	mm := minorOf(version)
	if mm == "" {
		mm = version
	}
	return lo.Contains(p.opts.SupportedVersions, mm) || lo.Contains(p.opts.SupportedVersions, version)
}

// Cached reports whether a complete runtime for the key is on disk. It never
// touches the network.
func (p *Provisioner) Cached(platform types.Platform, version string) bool {
	_, ok := p.load(Key{platform, version})
	return ok
}

func (p *Provisioner) load(k Key) (*Handle, bool) {
	dir := p.versionDir(k)
	data, err := os.ReadFile(filepath.Join(dir, MarkerFile))
	if err != nil {
		return nil, false
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	root := filepath.Join(dir, filepath.FromSlash(m.Root))
	if _, err := os.Stat(filepath.Join(root, m.Binary)); err != nil {
		return nil, false
	}
	return &Handle{
		Platform:        m.Platform,
		Version:         m.Version,
		ResolvedVersion: m.ResolvedVersion,
		Dir:             root,
		Binary:          m.Binary,
		Extensions:      m.Extensions,
		Source:          m.Source,
		SHA256:          m.SHA256,
		InstalledAt:     m.InstalledAt,
	}, true
}

// Provision returns a runtime for platform and version, fetching it on a
// cache miss
func (p *Provisioner) Provision(ctx context.Context, platform types.Platform, version string) (*Handle, error) {
	if !platform.IsValid() {
		return nil, fault.New(fault.KindUnsupportedPlatform, "runtime.provision", "unknown platform %q", platform)
	}
	if !p.Supported(version) {
		return nil, fault.New(fault.KindUnsupportedPlatform, "runtime.provision",
			"PHP %s is not supported (supported: %s)", version, strings.Join(p.opts.SupportedVersions, ", "))
	}

	key := Key{platform, version}
	if h, ok := p.load(key); ok {
		p.metrics.RuntimeCacheHit()
		h.FromCache = true
		return h, nil
	}

	for attempt := 1; ; attempt++ {
		h, err := p.await(ctx, key)
		// the shared fetch was aborted because every earlier waiter left
		// just before this caller joined; start a fresh one
		if err != nil && errors.Is(err, context.Canceled) && ctx.Err() == nil && attempt < maxJoinAttempts {
			continue
		}
		return h, err
	}
}

const maxJoinAttempts = 3

// flight is the cancellation scope of one shared fetch. It ends only when
// every caller waiting on it has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (p *Provisioner) join(ctx context.Context, name string) *flight {
	p.flightMu.Lock()
	defer p.flightMu.Unlock()
	f, ok := p.flights[name]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		p.flights[name] = f
	}
	f.waiters++
	return f
}

func (p *Provisioner) leave(name string, f *flight) {
	p.flightMu.Lock()
	defer p.flightMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if p.flights[name] == f {
		delete(p.flights, name)
	}
}

func (p *Provisioner) await(ctx context.Context, key Key) (*Handle, error) {
	name := key.String()
	f := p.join(ctx, name)
	defer p.leave(name, f)

	ch := p.group.DoChan(name, func() (interface{}, error) {
		return p.fetch(f.ctx, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		h := *res.Val.(*Handle)
		return &h, nil
	case <-ctx.Done():
		return nil, fault.Wrap(fault.KindCancelled, "runtime.provision", ctx.Err())
	}
}

func (p *Provisioner) fetch(ctx context.Context, key Key) (*Handle, error) {
	// another process may have finished it while we waited
	if h, ok := p.load(key); ok {
		h.FromCache = true
		return h, nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fault.Wrap(fault.KindCancelled, "runtime.provision", err)
	}
	defer p.sem.Release(1)

	if p.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.FetchTimeout)
		defer cancel()
	}

	if len(p.sources) == 0 {
		return nil, fault.New(fault.KindUnsupportedPlatform, "runtime.provision",
			"no runtime source configured for PHP %s on %s", key.Version, key.Platform)
	}

	var lastErr error
	for _, src := range p.sources {
		log := p.log.WithFields(logrus.Fields{"source": src.Name(), "runtime": key.String()})
		h, err := p.fetchFrom(ctx, src, key, log)
		if err == nil {
			p.metrics.RuntimeFetch(src.Name(), "success")
			log.WithField("resolved", h.ResolvedVersion).Info("runtime provisioned")
			return h, nil
		}
		lastErr = err
		p.metrics.RuntimeFetch(src.Name(), string(fault.KindOf(err)))
		// an integrity failure or cancellation is final; a missing runtime
		// or a failing source falls through to the next source
		if fault.Is(err, fault.KindIntegrity) || fault.Is(err, fault.KindCancelled) || ctx.Err() != nil {
			break
		}
		log.WithError(err).Warn("runtime source failed")
	}
	if ctx.Err() != nil && !fault.Is(lastErr, fault.KindCancelled) {
		return nil, fault.Wrap(fault.KindCancelled, "runtime.provision", ctx.Err())
	}
	return nil, lastErr
}

func (p *Provisioner) fetchFrom(ctx context.Context, src Source, key Key, log *logrus.Entry) (*Handle, error) {
	cb := p.breakers[src.Name()]

	var artifact Artifact
	err := retryWithBackoff(ctx, p.opts.Retry, cb, log, "runtime.resolve", func(ctx context.Context) error {
		a, err := src.Resolve(ctx, key.Platform, key.Version)
		artifact = a
		return err
	})
	if err != nil {
		return nil, err
	}

	downloads := filepath.Join(p.opts.CacheDir, ".downloads")
	if err := os.MkdirAll(downloads, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	archive := filepath.Join(downloads, uuid.New().String()+"."+string(artifact.Format))
	defer os.Remove(archive)

	var sum string
	err = retryWithBackoff(ctx, p.opts.Retry, cb, log, "runtime.download", func(ctx context.Context) error {
		s, err := p.download(ctx, src, artifact, archive)
		sum = s
		return err
	})
	if err != nil {
		return nil, err
	}

	if artifact.SHA256 == "" {
		log.Warn("runtime source publishes no checksum, recording computed digest")
	} else if !strings.EqualFold(sum, artifact.SHA256) {
		return nil, fault.New(fault.KindIntegrity, "runtime.verify",
			"checksum mismatch for PHP %s on %s: expected %s, got %s", artifact.Version, key.Platform, artifact.SHA256, sum)
	}

	return p.install(key, artifact, src.Name(), sum, archive)
}

// download streams the artifact into path and returns its SHA-256
func (p *Provisioner) download(ctx context.Context, src Source, a Artifact, path string) (string, error) {
	body, size, err := src.Open(ctx, a)
	if err != nil {
		return "", err
	}
	defer body.Close()

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer out.Close()

	hash := sha256.New()
	reader := newLimitedReader(ctx, body, p.opts.DownloadRateLimit)
	written, err := io.Copy(io.MultiWriter(out, hash), reader)
	if err != nil {
		if ctx.Err() != nil {
			return "", fault.Wrap(fault.KindCancelled, "runtime.download", ctx.Err())
		}
		return "", fault.Wrapf(fault.KindNetwork, "runtime.download", err, "download of %s interrupted", a.Location)
	}
	if size >= 0 && written != size {
		return "", fault.New(fault.KindNetwork, "runtime.download",
			"short download of %s: got %d of %d bytes", a.Location, written, size)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// install extracts the archive beside the final directory and renames it
// into place, writing the marker last
func (p *Provisioner) install(key Key, a Artifact, source, sum, archive string) (*Handle, error) {
	final := p.versionDir(key)
	staging := filepath.Join(filepath.Dir(final), "."+key.Version+".partial-"+uuid.New().String()[:8])
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return nil, fmt.Errorf("failed to create runtime directory: %w", err)
	}

	if err := extract(archive, a.Format, staging); err != nil {
		os.RemoveAll(staging)
		return nil, err
	}

	root := runtimeRoot(staging)
	binary, ok := findBinary(root, key.Platform.ExecutableSuffix())
	if !ok {
		os.RemoveAll(staging)
		return nil, fault.New(fault.KindIntegrity, "runtime.install",
			"archive for PHP %s on %s contains no php executable", a.Version, key.Platform)
	}
	rel, _ := filepath.Rel(staging, root)

	m := marker{
		Platform:        key.Platform,
		Version:         key.Version,
		ResolvedVersion: a.Version,
		Root:            filepath.ToSlash(rel),
		Binary:          binary,
		Extensions:      listExtensions(root),
		Source:          source,
		SHA256:          sum,
		InstalledAt:     time.Now().UTC(),
	}

	// a directory without a marker is a leftover partial install
	if err := os.RemoveAll(final); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("failed to clear partial runtime: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("failed to move runtime into place: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(final, MarkerFile), data, 0644); err != nil {
		os.RemoveAll(final)
		return nil, fmt.Errorf("failed to write runtime marker: %w", err)
	}

	h, ok := p.load(key)
	if !ok {
		return nil, fault.New(fault.KindInternal, "runtime.install", "runtime %s vanished after install", key)
	}
	return h, nil
}

// List returns every complete cached runtime
func (p *Provisioner) List() ([]Handle, error) {
	platforms, err := os.ReadDir(p.opts.CacheDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read runtime cache: %w", err)
	}

	var out []Handle
	for _, pd := range platforms {
		platform := types.Platform(pd.Name())
		if !pd.IsDir() || !platform.IsValid() {
			continue
		}
		versions, err := os.ReadDir(filepath.Join(p.opts.CacheDir, pd.Name()))
		if err != nil {
			continue
		}
		for _, vd := range versions {
			if !vd.IsDir() || strings.HasPrefix(vd.Name(), ".") {
				continue
			}
			if h, ok := p.load(Key{platform, vd.Name()}); ok {
				out = append(out, *h)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// Prune removes cached runtimes not listed in keep, along with partial
// installs and stale downloads. It returns the removed keys.
func (p *Provisioner) Prune(keep []Key) ([]Key, error) {
	keepSet := make(map[string]bool, len(keep))
	for _, k := range keep {
		keepSet[k.String()] = true
	}

	platforms, err := os.ReadDir(p.opts.CacheDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read runtime cache: %w", err)
	}

	var removed []Key
	for _, pd := range platforms {
		if !pd.IsDir() {
			continue
		}
		dir := filepath.Join(p.opts.CacheDir, pd.Name())
		if pd.Name() == ".downloads" {
			if err := os.RemoveAll(dir); err != nil {
				return removed, fmt.Errorf("failed to remove downloads: %w", err)
			}
			continue
		}
		versions, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, vd := range versions {
			key := Key{types.Platform(pd.Name()), vd.Name()}
			partial := strings.HasPrefix(vd.Name(), ".")
			if !partial && keepSet[key.String()] {
				continue
			}
			if err := os.RemoveAll(filepath.Join(dir, vd.Name())); err != nil {
				return removed, fmt.Errorf("failed to remove %s: %w", key, err)
			}
			if !partial {
				removed = append(removed, key)
				p.log.WithField("runtime", key.String()).Info("pruned cached runtime")
			}
		}
	}
	return removed, nil
}
