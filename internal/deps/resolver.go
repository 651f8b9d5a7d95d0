package deps

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mgutz/str"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/logging"
	"github.com/phpack/phpack/internal/metrics"
	"github.com/phpack/phpack/internal/types"
)

// maxLatestLookups bounds concurrent latest-version requests during a scan
const maxLatestLookups = 8

// Runner executes composer in a project directory and returns its combined
// output
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ComposerRunner runs the composer CLI. Binary may carry arguments, e.g.
// "php /opt/composer.phar".
type ComposerRunner struct {
	Binary string
	Env    []string
}

// Run implements Runner
func (c *ComposerRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	argv := str.ToArgv(c.Binary)
	if len(argv) == 0 {
		return "", fault.New(fault.KindInstall, "deps.composer", "composer binary is not configured")
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return "", fault.Wrapf(fault.KindInstall, "deps.composer", err, "composer not found (%s)", argv[0])
	}

	cmd := exec.CommandContext(ctx, bin, append(argv[1:], args...)...)
	cmd.Dir = dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("composer %s failed: %w", strings.Join(args, " "), err)
	}
	return string(output), nil
}

// Phase is one composer invocation of an install
type Phase string

const (
	PhaseDownload Phase = "download"
	PhaseInstall  Phase = "install"
	PhaseAutoload Phase = "autoload"
	PhaseOptimize Phase = "optimize"
)

// Progress is reported once per completed install phase
type Progress struct {
	Phase    Phase   `json:"phase"`
	Fraction float64 `json:"fraction"`
	Message  string  `json:"message"`
	Output   string  `json:"output,omitempty"`
}

// InstallOptions tunes an install
type InstallOptions struct {
	// NoDev skips require-dev packages
	NoDev bool
}

// Resolver reads and installs Composer dependencies
type Resolver struct {
	runner  Runner
	latest  LatestSource
	timeout time.Duration
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// Option configures a Resolver
type Option func(*Resolver)

// WithLatestSource enables latest-version lookups during Scan
func WithLatestSource(src LatestSource) Option {
	return func(r *Resolver) { r.latest = src }
}

// WithTimeout bounds each composer invocation
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithMetrics records install outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithLogger sets the logger
func WithLogger(log *logrus.Entry) Option {
	return func(r *Resolver) { r.log = log }
}

// NewResolver creates a Resolver running composer through runner
func NewResolver(runner Runner, opts ...Option) *Resolver {
	r := &Resolver{runner: runner}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logging.Discard()
	}
	r.log = logging.Component(r.log, "deps")
	return r
}

// Scan lists the declared dependencies of the project in dir with their
// installed and latest versions. Runtime requirements come first, then
// development requirements, each ordered by name. Latest-version lookup
// failures leave LatestVersion empty.
func (r *Resolver) Scan(ctx context.Context, dir string) ([]types.Dependency, error) {
	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}

	installed, ok, err := ParseInstalled(dir)
	if err != nil {
		return nil, err
	}
	if !ok {
		if installed, err = ParseLock(dir); err != nil {
			return nil, err
		}
	}

	deps := append(
		declared(manifest.Require, types.DependencyRequire, installed),
		declared(manifest.RequireDev, types.DependencyRequireDev, installed)...,
	)

	latest := r.lookupLatest(ctx, deps)
	for i := range deps {
		d := &deps[i]
		if d.Type == types.DependencyPlatform {
			d.Status = types.DependencyInstalled
			continue
		}
		d.LatestVersion = latest[d.Name]
		d.Status = DeriveStatus(d.Version, d.Installed, d.LatestVersion)
	}
	return deps, nil
}

// declared builds the dependency list for one require block, sorted by name
func declared(block map[string]string, typ types.DependencyType, installed map[string]Package) []types.Dependency {
	names := make([]string, 0, len(block))
	for name := range block {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]types.Dependency, 0, len(names))
	for _, name := range names {
		d := types.Dependency{Name: name, Version: block[name], Type: typ}
		if IsPlatformPackage(name) {
			d.Type = types.DependencyPlatform
		}
		if pkg, ok := installed[strings.ToLower(name)]; ok {
			d.Installed = pkg.Version
			d.Description = pkg.Description
		} else if pkg, ok := installed[name]; ok {
			d.Installed = pkg.Version
			d.Description = pkg.Description
		}
		out = append(out, d)
	}
	return out
}

func (r *Resolver) lookupLatest(ctx context.Context, deps []types.Dependency) map[string]string {
	out := make(map[string]string)
	if r.latest == nil {
		return out
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxLatestLookups)
	for _, d := range deps {
		if d.Type == types.DependencyPlatform {
			continue
		}
		name := d.Name
		g.Go(func() error {
			v, err := r.latest.Latest(gctx, name)
			if err != nil {
				r.log.WithError(err).WithField("package", name).Debug("latest version unknown")
				return nil
			}
			mu.Lock()
			out[name] = v
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

type phaseSpec struct {
	phase   Phase
	args    []string
	message string
}

func installPhases(opts InstallOptions) []phaseSpec {
	phases := []phaseSpec{
		{PhaseDownload, []string{"install", "--no-interaction", "--no-progress", "--no-autoloader", "--no-scripts"}, "Downloaded packages"},
		{PhaseInstall, []string{"run-script", "post-install-cmd", "--no-interaction"}, "Ran install scripts"},
		{PhaseAutoload, []string{"dump-autoload", "--no-interaction"}, "Generated autoloader"},
		{PhaseOptimize, []string{"dump-autoload", "--no-interaction", "--optimize", "--classmap-authoritative"}, "Optimized autoloader"},
	}
	if opts.NoDev {
		for i := range phases {
			phases[i].args = append(phases[i].args, "--no-dev")
		}
	}
	return phases
}

// Install runs the four install phases in dir: download, install, autoload
// and optimize. A Progress value is sent on progress (if non-nil) after each
// phase. A failed phase stops the install with an install fault carrying the
// composer output.
func (r *Resolver) Install(ctx context.Context, dir string, opts InstallOptions, progress chan<- Progress) error {
	if !HasManifest(dir) {
		return fault.New(fault.KindManifestParse, "deps.install", "no %s in %s", manifestFile, dir)
	}
	if _, err := ParseManifest(dir); err != nil {
		return err
	}

	log := r.log.WithField("dir", dir)
	phases := installPhases(opts)
	for i, p := range phases {
		if err := ctx.Err(); err != nil {
			r.metrics.DependencyInstall("cancelled")
			return fault.Wrap(fault.KindCancelled, "deps.install", err)
		}

		output, err := r.runPhase(ctx, dir, p.args)
		if err != nil {
			if ctx.Err() != nil {
				r.metrics.DependencyInstall("cancelled")
				return fault.Wrap(fault.KindCancelled, "deps.install", ctx.Err())
			}
			r.metrics.DependencyInstall("failed")
			log.WithError(err).WithField("phase", p.phase).Warn("composer phase failed")
			return fault.Wrapf(fault.KindInstall, "deps.install", err,
				"%s phase failed", p.phase).WithOutput(strings.TrimSpace(output))
		}
		log.WithField("phase", p.phase).Debug("composer phase finished")

		if progress != nil {
			update := Progress{
				Phase:    p.phase,
				Fraction: float64(i+1) / float64(len(phases)),
				Message:  p.message,
				Output:   strings.TrimSpace(output),
			}
			select {
			case progress <- update:
			case <-ctx.Done():
				r.metrics.DependencyInstall("cancelled")
				return fault.Wrap(fault.KindCancelled, "deps.install", ctx.Err())
			}
		}
	}

	r.metrics.DependencyInstall("success")
	log.Info("dependencies installed")
	return nil
}

func (r *Resolver) runPhase(ctx context.Context, dir string, args []string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return r.runner.Run(ctx, dir, args...)
}
