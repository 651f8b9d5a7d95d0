package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// BuildConfig is the per-build snapshot of app metadata and packaging options.
// The pipeline clones it when a session starts; later edits do not affect
// running builds.
type BuildConfig struct {
	AppName        string `json:"app_name" yaml:"app_name"`
	AppVersion     string `json:"app_version" yaml:"app_version"`
	AppDescription string `json:"app_description" yaml:"app_description"`
	AppIcon        string `json:"app_icon,omitempty" yaml:"app_icon,omitempty"`

	Platforms []Platform   `json:"target_platforms" yaml:"target_platforms"`
	Window    WindowConfig `json:"window" yaml:"window"`

	// PHPVersion selects a runtime line such as "8.2"
	PHPVersion string   `json:"php_version" yaml:"php_version"`
	Extensions []string `json:"php_extensions" yaml:"php_extensions"`

	OutputDir string `json:"output_dir" yaml:"output_dir"`

	// CustomCommands run inside the staged app directory after dependencies
	// are installed, one command line per entry.
	CustomCommands []string `json:"custom_commands,omitempty" yaml:"custom_commands,omitempty"`

	// Excludes are extra glob patterns skipped when copying the project
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`

	IncludeDevDependencies bool `json:"include_dev_dependencies" yaml:"include_dev_dependencies"`

	Installer InstallerOptions `json:"installer" yaml:"installer"`
	Signing   SigningOptions   `json:"signing" yaml:"signing"`
}

// WindowConfig controls the launcher window geometry and behavior
type WindowConfig struct {
	Width      int  `json:"width" yaml:"width"`
	Height     int  `json:"height" yaml:"height"`
	Resizable  bool `json:"resizable" yaml:"resizable"`
	Fullscreen bool `json:"fullscreen" yaml:"fullscreen"`
}

// InstallerFormat selects the artifact type produced by packaging
type InstallerFormat string

const (
	// InstallerFormatAuto picks the native installer when its tool is available
	InstallerFormatAuto  InstallerFormat = "auto"
	InstallerFormatZip   InstallerFormat = "zip"
	InstallerFormatTarGz InstallerFormat = "tar.gz"
	InstallerFormatNSIS  InstallerFormat = "nsis"
	InstallerFormatDMG   InstallerFormat = "dmg"
)

// IsValid checks if the installer format value is valid
func (f InstallerFormat) IsValid() bool {
	switch f {
	case InstallerFormatAuto, InstallerFormatZip, InstallerFormatTarGz, InstallerFormatNSIS, InstallerFormatDMG:
		return true
	}
	return false
}

// InstallerOptions holds installer generation settings
type InstallerOptions struct {
	Generate           bool            `json:"generate" yaml:"generate"`
	Format             InstallerFormat `json:"format" yaml:"format"`
	IncludeUninstaller bool            `json:"include_uninstaller" yaml:"include_uninstaller"`
	InstallPath        string          `json:"install_path,omitempty" yaml:"install_path,omitempty"`
	StartMenuFolder    string          `json:"start_menu_folder,omitempty" yaml:"start_menu_folder,omitempty"`
	DesktopShortcut    bool            `json:"desktop_shortcut" yaml:"desktop_shortcut"`
	AddToPath          bool            `json:"add_to_path" yaml:"add_to_path"`
}

// SigningOptions holds code-signing credentials.
// Signing is attempted only when Certificate is set and either Password or
// Identity is present.
type SigningOptions struct {
	Certificate string `json:"certificate,omitempty" yaml:"certificate,omitempty"`
	Password    string `json:"-" yaml:"password,omitempty"`
	Identity    string `json:"identity,omitempty" yaml:"identity,omitempty"`

	// RequireSigned turns a signing failure into a failed platform build
	RequireSigned bool `json:"require_signed" yaml:"require_signed"`
}

// Enabled reports whether signing credentials were supplied
func (s SigningOptions) Enabled() bool {
	return s.Certificate != "" && (s.Password != "" || s.Identity != "")
}

// DefaultBuildConfig returns the defaults applied to every build request
func DefaultBuildConfig() BuildConfig {
	return BuildConfig{
		AppName:        "My PHP App",
		AppVersion:     "1.0.0",
		AppDescription: "A desktop application built with PHP",
		Platforms:      []Platform{PlatformWindowsX64},
		Window: WindowConfig{
			Width:     1200,
			Height:    800,
			Resizable: true,
		},
		PHPVersion: "8.2",
		Extensions: []string{"curl", "gd", "mbstring", "mysqli", "pdo"},
		OutputDir:  "./dist",
		Installer: InstallerOptions{
			Generate:           true,
			Format:             InstallerFormatAuto,
			IncludeUninstaller: true,
			DesktopShortcut:    true,
		},
	}
}

// Validate checks the build config invariants against the PHP versions the
// runtime provisioner supports.
func (c *BuildConfig) Validate(supportedVersions []string) error {
	if strings.TrimSpace(c.AppName) == "" {
		return fmt.Errorf("app name is required")
	}
	if len(c.Platforms) == 0 {
		return fmt.Errorf("at least one target platform is required")
	}
	for _, p := range c.Platforms {
		if !p.IsValid() {
			return fmt.Errorf("unknown target platform: %s", p)
		}
	}
	if len(lo.Uniq(c.Platforms)) != len(c.Platforms) {
		return fmt.Errorf("target platforms contain duplicates: %v", c.Platforms)
	}
	if c.PHPVersion == "" {
		return fmt.Errorf("php version is required")
	}
	if len(supportedVersions) > 0 && !lo.Contains(supportedVersions, c.PHPVersion) {
		return fmt.Errorf("php version %s is not supported (supported: %s)",
			c.PHPVersion, strings.Join(supportedVersions, ", "))
	}
	if c.Window.Width <= 0 || c.Window.Height <= 0 {
		return fmt.Errorf("window dimensions must be positive (got %dx%d)", c.Window.Width, c.Window.Height)
	}
	if c.Installer.Format != "" && !c.Installer.Format.IsValid() {
		return fmt.Errorf("invalid installer format: %s", c.Installer.Format)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	return nil
}

// Clone returns a deep copy so a running build is isolated from later edits
func (c BuildConfig) Clone() BuildConfig {
	out := c
	out.Platforms = append([]Platform(nil), c.Platforms...)
	out.Extensions = append([]string(nil), c.Extensions...)
	out.CustomCommands = append([]string(nil), c.CustomCommands...)
	out.Excludes = append([]string(nil), c.Excludes...)
	return out
}

// Stage is a step in the per-platform build state machine
type Stage string

const (
	StagePending               Stage = "pending"
	StagePreparing             Stage = "preparing"
	StageCopyingFiles          Stage = "copying_files"
	StageProvisioningRuntime   Stage = "provisioning_runtime"
	StageResolvingDependencies Stage = "resolving_dependencies"
	StageGeneratingExecutable  Stage = "generating_executable"
	StagePackaging             Stage = "packaging"
	StageSucceeded             Stage = "succeeded"
	StageFailed                Stage = "failed"
	StageCancelled             Stage = "cancelled"
)

// WorkStages lists the working stages in the order every platform runs them
var WorkStages = []Stage{
	StagePreparing,
	StageCopyingFiles,
	StageProvisioningRuntime,
	StageResolvingDependencies,
	StageGeneratingExecutable,
	StagePackaging,
}

// IsTerminal reports whether the stage ends a platform pipeline
func (s Stage) IsTerminal() bool {
	return s == StageSucceeded || s == StageFailed || s == StageCancelled
}

// Title returns the step title shown to users
func (s Stage) Title() string {
	switch s {
	case StagePending:
		return "Pending"
	case StagePreparing:
		return "Preparing build"
	case StageCopyingFiles:
		return "Copying project files"
	case StageProvisioningRuntime:
		return "Provisioning PHP runtime"
	case StageResolvingDependencies:
		return "Resolving dependencies"
	case StageGeneratingExecutable:
		return "Generating executable"
	case StagePackaging:
		return "Packaging"
	case StageSucceeded:
		return "Succeeded"
	case StageFailed:
		return "Failed"
	case StageCancelled:
		return "Cancelled"
	}
	return string(s)
}

// StepStatus is the display status of a BuildStep
type StepStatus string

const (
	StepWait    StepStatus = "wait"
	StepProcess StepStatus = "process"
	StepFinish  StepStatus = "finish"
	StepError   StepStatus = "error"
)

// BuildStep is one stage of a platform pipeline as shown to users.
// Logs are append-only.
type BuildStep struct {
	Stage  Stage      `json:"stage"`
	Title  string     `json:"title"`
	Status StepStatus `json:"status"`
	Logs   []string   `json:"logs"`
}

// NewBuildSteps returns the initial step list for a platform, all waiting
func NewBuildSteps() []BuildStep {
	steps := make([]BuildStep, 0, len(WorkStages))
	for _, s := range WorkStages {
		steps = append(steps, BuildStep{Stage: s, Title: s.Title(), Status: StepWait})
	}
	return steps
}

// BuildStatus is the terminal status of one platform build
type BuildStatus string

const (
	BuildStatusSuccess   BuildStatus = "success"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// BuildResult is the terminal, immutable outcome of one platform build
type BuildResult struct {
	Platform   Platform      `json:"platform"`
	Status     BuildStatus   `json:"status"`
	OutputPath string        `json:"output_path,omitempty"`
	Size       int64         `json:"size,omitempty"`
	Format     string        `json:"format,omitempty"`
	Signed     bool          `json:"signed"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// SessionReport aggregates every platform's result once all have finished
type SessionReport struct {
	SessionID  string                   `json:"session_id"`
	ProjectID  string                   `json:"project_id"`
	AppName    string                   `json:"app_name"`
	AppVersion string                   `json:"app_version"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Results    []BuildResult            `json:"results"`
	Steps      map[Platform][]BuildStep `json:"steps,omitempty"`
}

// Succeeded counts successful platforms
func (r *SessionReport) Succeeded() int {
	return len(lo.Filter(r.Results, func(res BuildResult, _ int) bool { return res.Status == BuildStatusSuccess }))
}

// Result returns the result for a platform, if present
func (r *SessionReport) Result(p Platform) (BuildResult, bool) {
	return lo.Find(r.Results, func(res BuildResult) bool { return res.Platform == p })
}
