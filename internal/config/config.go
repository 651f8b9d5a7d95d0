package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/OpenPeeDeeP/xdg"
)

// Config is the complete phpack configuration
type Config struct {
	Paths     PathsConfig     `yaml:"paths"`
	Ports     PortsConfig     `yaml:"ports"`
	Server    ServerConfig    `yaml:"server"`
	Composer  ComposerConfig  `yaml:"composer"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Build     BuildConfig     `yaml:"build"`
	Installer InstallerConfig `yaml:"installer"`
	Logging   LoggingConfig   `yaml:"logging"`
	API       APIConfig       `yaml:"api"`
	Hooks     []HookConfig    `yaml:"hooks"`
}

// PathsConfig holds on-disk locations
type PathsConfig struct {
	// DataDir holds the project registry database
	DataDir string `yaml:"data_dir"`
	// CacheDir holds provisioned PHP runtimes
	CacheDir string `yaml:"cache_dir"`
	// WorkspaceRoot holds per-session scratch workspaces
	WorkspaceRoot string `yaml:"workspace_root"`
}

// RegistryPath returns the SQLite database path
func (p PathsConfig) RegistryPath() string {
	return filepath.Join(p.DataDir, "phpack.db")
}

// RuntimeCacheDir returns the runtime cache root
func (p PathsConfig) RuntimeCacheDir() string {
	return filepath.Join(p.CacheDir, "runtimes")
}

// PortsConfig is the range preview servers are allocated from
type PortsConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// ServerConfig controls PHP preview servers
type ServerConfig struct {
	PHPBinary string `yaml:"php_binary"`
	Host      string `yaml:"host"`
	// ExtraArgs is appended to the php command line, shell-style quoting allowed
	ExtraArgs string `yaml:"extra_args"`

	// StartupGrace is how long a new process must survive to count as started
	StartupGrace time.Duration `yaml:"startup_grace"`
	// StopTimeout bounds the graceful shutdown wait before force kill
	StopTimeout   time.Duration `yaml:"stop_timeout"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	// ProbeFailures consecutive failed probes mark a server crashed
	ProbeFailures int `yaml:"probe_failures"`
	// LogBuffer is the number of log entries retained per server
	LogBuffer int `yaml:"log_buffer"`
}

// ComposerConfig controls dependency resolution
type ComposerConfig struct {
	Binary  string        `yaml:"binary"`
	Timeout time.Duration `yaml:"timeout"`
	// PackagistURL is queried for latest versions; empty disables lookups
	PackagistURL string        `yaml:"packagist_url"`
	CacheSize    int           `yaml:"cache_size"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

// RuntimeConfig controls PHP runtime provisioning
type RuntimeConfig struct {
	// IndexURL points at a JSON runtime index
	IndexURL          string   `yaml:"index_url"`
	SupportedVersions []string `yaml:"supported_versions"`

	MaxParallelFetches int           `yaml:"max_parallel_fetches"`
	MaxAttempts        int           `yaml:"max_attempts"`
	InitialBackoff     time.Duration `yaml:"initial_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
	// DownloadRateLimit caps download bandwidth in bytes per second; 0 is unlimited
	DownloadRateLimit int64 `yaml:"download_rate_limit"`

	S3 S3Config `yaml:"s3"`
}

// S3Config describes an S3-compatible runtime mirror. Unused when Endpoint is empty.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether the mirror is configured
func (s S3Config) Enabled() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

// BuildConfig controls the build pipeline
type BuildConfig struct {
	MaxParallelPlatforms int `yaml:"max_parallel_platforms"`
	// KeepWorkspace leaves scratch workspaces on disk after a build
	KeepWorkspace bool `yaml:"keep_workspace"`
	// Excludes are always skipped when copying a project
	Excludes []string `yaml:"excludes"`
	// ShellStubDir holds prebuilt native window shells as <dir>/<platform>/shell[.exe]
	ShellStubDir string `yaml:"shell_stub_dir"`
	// StageTimeout bounds a single stage; 0 disables the limit
	StageTimeout time.Duration `yaml:"stage_timeout"`
}

// InstallerConfig names the external packaging and signing tools
type InstallerConfig struct {
	MakeNSIS     string `yaml:"makensis"`
	HDIUtil      string `yaml:"hdiutil"`
	OSSLSignCode string `yaml:"osslsigncode"`
	CodeSign     string `yaml:"codesign"`
	GPG          string `yaml:"gpg"`
	// SpaceMargin is extra free space required beyond the estimated artifact size
	SpaceMargin int64 `yaml:"space_margin"`
}

// LoggingConfig controls the logger
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
	File   string `yaml:"file"`
}

// APIConfig controls the HTTP API used by desktop frontends
type APIConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// HookConfig registers an external command as a lifecycle hook handler
type HookConfig struct {
	Name    string        `yaml:"name"`
	Command string        `yaml:"command"`
	Kinds   []string      `yaml:"kinds"`
	Timeout time.Duration `yaml:"timeout"`
}

// Defaults returns the built-in configuration
func Defaults() Config {
	dirs := xdg.New("phpack", "phpack")
	cacheDir := dirs.CacheHome()

	return Config{
		Paths: PathsConfig{
			DataDir:       dirs.DataHome(),
			CacheDir:      cacheDir,
			WorkspaceRoot: filepath.Join(cacheDir, "workspaces"),
		},
		Ports: PortsConfig{
			Min: 8000,
			Max: 8999,
		},
		Server: ServerConfig{
			PHPBinary:     "php",
			Host:          "127.0.0.1",
			StartupGrace:  500 * time.Millisecond,
			StopTimeout:   10 * time.Second,
			ProbeInterval: 2 * time.Second,
			ProbeTimeout:  time.Second,
			ProbeFailures: 3,
			LogBuffer:     5000,
		},
		Composer: ComposerConfig{
			Binary:       "composer",
			Timeout:      10 * time.Minute,
			PackagistURL: "https://repo.packagist.org",
			CacheSize:    1024,
			CacheTTL:     time.Hour,
		},
		Runtime: RuntimeConfig{
			SupportedVersions:  []string{"8.1", "8.2", "8.3", "8.4"},
			MaxParallelFetches: 2,
			MaxAttempts:        4,
			InitialBackoff:     time.Second,
			MaxBackoff:         30 * time.Second,
			FetchTimeout:       10 * time.Minute,
		},
		Build: BuildConfig{
			MaxParallelPlatforms: 4,
			// composer reinstalls only the root vendor directory; nested ones
			// such as public/vendor assets ship with the project
			Excludes: []string{".git", ".svn", ".hg", "/vendor", "node_modules", ".idea", ".vscode", ".DS_Store"},
		},
		Installer: InstallerConfig{
			MakeNSIS:     "makensis",
			HDIUtil:      "hdiutil",
			OSSLSignCode: "osslsigncode",
			CodeSign:     "codesign",
			GPG:          "gpg",
			SpaceMargin:  16 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		API: APIConfig{
			Addr: "127.0.0.1:7420",
		},
	}
}

// DefaultConfigPath is $XDG_CONFIG_HOME/phpack/config.yaml
func DefaultConfigPath() string {
	return filepath.Join(xdg.New("phpack", "phpack").ConfigHome(), "config.yaml")
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	if c.Paths.DataDir == "" {
		return fmt.Errorf("paths.data_dir is required")
	}
	if c.Paths.CacheDir == "" {
		return fmt.Errorf("paths.cache_dir is required")
	}
	if c.Paths.WorkspaceRoot == "" {
		return fmt.Errorf("paths.workspace_root is required")
	}

	if c.Ports.Min < 1024 || c.Ports.Max > 65535 {
		return fmt.Errorf("ports must be within 1024-65535 (got %d-%d)", c.Ports.Min, c.Ports.Max)
	}
	if c.Ports.Min > c.Ports.Max {
		return fmt.Errorf("ports.min (%d) must be <= ports.max (%d)", c.Ports.Min, c.Ports.Max)
	}

	if c.Server.PHPBinary == "" {
		return fmt.Errorf("server.php_binary is required")
	}
	if c.Server.StopTimeout <= 0 {
		return fmt.Errorf("server.stop_timeout must be positive (got %s)", c.Server.StopTimeout)
	}
	if c.Server.ProbeInterval <= 0 {
		return fmt.Errorf("server.probe_interval must be positive (got %s)", c.Server.ProbeInterval)
	}
	if c.Server.ProbeFailures < 1 || c.Server.ProbeFailures > 100 {
		return fmt.Errorf("server.probe_failures must be between 1 and 100 (got %d)", c.Server.ProbeFailures)
	}
	if c.Server.LogBuffer < 100 || c.Server.LogBuffer > 1000000 {
		return fmt.Errorf("server.log_buffer must be between 100 and 1000000 (got %d)", c.Server.LogBuffer)
	}

	if c.Composer.Binary == "" {
		return fmt.Errorf("composer.binary is required")
	}
	if c.Composer.CacheSize < 1 {
		return fmt.Errorf("composer.cache_size must be at least 1 (got %d)", c.Composer.CacheSize)
	}

	if len(c.Runtime.SupportedVersions) == 0 {
		return fmt.Errorf("runtime.supported_versions cannot be empty")
	}
	if c.Runtime.MaxParallelFetches < 1 || c.Runtime.MaxParallelFetches > 64 {
		return fmt.Errorf("runtime.max_parallel_fetches must be between 1 and 64 (got %d)", c.Runtime.MaxParallelFetches)
	}
	if c.Runtime.MaxAttempts < 1 || c.Runtime.MaxAttempts > 20 {
		return fmt.Errorf("runtime.max_attempts must be between 1 and 20 (got %d)", c.Runtime.MaxAttempts)
	}
	if c.Runtime.InitialBackoff <= 0 || c.Runtime.MaxBackoff < c.Runtime.InitialBackoff {
		return fmt.Errorf("runtime backoff must satisfy 0 < initial_backoff <= max_backoff (got %s, %s)",
			c.Runtime.InitialBackoff, c.Runtime.MaxBackoff)
	}
	if c.Runtime.DownloadRateLimit < 0 {
		return fmt.Errorf("runtime.download_rate_limit cannot be negative (got %d)", c.Runtime.DownloadRateLimit)
	}
	if c.Runtime.S3.Endpoint != "" && c.Runtime.S3.Bucket == "" {
		return fmt.Errorf("runtime.s3.bucket is required when runtime.s3.endpoint is set")
	}

	if c.Build.MaxParallelPlatforms < 1 || c.Build.MaxParallelPlatforms > 32 {
		return fmt.Errorf("build.max_parallel_platforms must be between 1 and 32 (got %d)", c.Build.MaxParallelPlatforms)
	}

	if c.Installer.SpaceMargin < 0 {
		return fmt.Errorf("installer.space_margin cannot be negative (got %d)", c.Installer.SpaceMargin)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be 'text' or 'json' (got %q)", c.Logging.Format)
	}

	for i, h := range c.Hooks {
		if h.Name == "" || h.Command == "" {
			return fmt.Errorf("hooks[%d]: name and command are required", i)
		}
	}

	return nil
}
