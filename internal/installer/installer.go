// Package installer turns a generated launcher bundle into a distributable
// artifact and moves it into the build output directory.
package installer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/sirupsen/logrus"

	"github.com/phpack/phpack/internal/config"
	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/launcher"
	"github.com/phpack/phpack/internal/logging"
	"github.com/phpack/phpack/internal/types"
	"github.com/phpack/phpack/internal/workspace"
)

// Artifact is a finished build output
type Artifact struct {
	Path   string                `json:"path"`
	Size   int64                 `json:"size"`
	Format types.InstallerFormat `json:"format"`
	Signed bool                  `json:"signed"`
	// Signature is a detached signature file, when the signer produces one
	Signature string `json:"signature,omitempty"`
	// SignError explains why an artifact that should be signed is not
	SignError string `json:"sign_error,omitempty"`
}

// Request describes one platform's packaging
type Request struct {
	Workspace *workspace.Workspace
	Platform  types.Platform
	Config    types.BuildConfig
	Bundle    *launcher.Result
	// OutputDir is the absolute build output directory; the artifact lands
	// in <OutputDir>/<platform>/
	OutputDir string
}

// Generator packages bundles
type Generator struct {
	tools     config.InstallerConfig
	runner    Runner
	freeSpace func(path string) (uint64, error)
	log       *logrus.Entry
}

// Option configures a Generator
type Option func(*Generator)

// WithRunner replaces the tool runner
func WithRunner(r Runner) Option {
	return func(g *Generator) { g.runner = r }
}

// WithLogger sets the logger
func WithLogger(log *logrus.Entry) Option {
	return func(g *Generator) { g.log = logging.Component(log, "installer") }
}

// NewGenerator creates a Generator using the configured tools
func NewGenerator(tools config.InstallerConfig, opts ...Option) *Generator {
	g := &Generator{
		tools:     tools,
		runner:    ExecRunner{},
		freeSpace: freeSpace,
		log:       logging.Discard(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ResolveFormat picks the artifact format for a platform. Native installers
// are used only for their own OS; auto falls back to a portable archive
// when the installer tool is missing.
func (g *Generator) ResolveFormat(platform types.Platform, opts types.InstallerOptions) (types.InstallerFormat, error) {
	portable := types.InstallerFormatTarGz
	if platform.OS() == "windows" {
		portable = types.InstallerFormatZip
	}
	if !opts.Generate {
		return portable, nil
	}

	switch opts.Format {
	case types.InstallerFormatZip, types.InstallerFormatTarGz:
		return opts.Format, nil
	case types.InstallerFormatNSIS:
		if platform.OS() != "windows" {
			return "", fault.New(fault.KindPackaging, "installer.format", "nsis installers target Windows, not %s", platform)
		}
		return opts.Format, nil
	case types.InstallerFormatDMG:
		if platform.OS() != "macos" {
			return "", fault.New(fault.KindPackaging, "installer.format", "dmg images target macOS, not %s", platform)
		}
		return opts.Format, nil
	case types.InstallerFormatAuto, "":
		switch platform.OS() {
		case "windows":
			if _, err := g.runner.LookPath(g.tools.MakeNSIS); err == nil {
				return types.InstallerFormatNSIS, nil
			}
		case "macos":
			if _, err := g.runner.LookPath(g.tools.HDIUtil); err == nil {
				return types.InstallerFormatDMG, nil
			}
		}
		return portable, nil
	}
	return "", fault.New(fault.KindInvalidConfig, "installer.format", "unknown installer format %q", opts.Format)
}

// ArtifactName returns <slug>-<version>-<platform>.<ext>
func ArtifactName(cfg types.BuildConfig, platform types.Platform, format types.InstallerFormat) string {
	ext := string(format)
	switch format {
	case types.InstallerFormatNSIS:
		ext = "exe"
	}
	version := strings.TrimSpace(cfg.AppVersion)
	if version == "" {
		version = "0.0.0"
	}
	return fmt.Sprintf("%s-%s-%s.%s", launcher.Slug(cfg.AppName), version, platform, ext)
}

// Package builds the artifact in the workspace dist dir, signs it when
// credentials are present and moves it into the output directory. A
// signing failure leaves the unsigned artifact in place unless
// Signing.RequireSigned is set.
func (g *Generator) Package(ctx context.Context, req Request) (*Artifact, error) {
	if req.Workspace == nil || req.Bundle == nil {
		return nil, fault.New(fault.KindInternal, "installer.package", "workspace and bundle are required")
	}
	if req.OutputDir == "" || !filepath.IsAbs(req.OutputDir) {
		return nil, fault.New(fault.KindInvalidConfig, "installer.package", "output directory must be absolute (got %q)", req.OutputDir)
	}
	format, err := g.ResolveFormat(req.Platform, req.Config.Installer)
	if err != nil {
		return nil, err
	}
	log := g.log.WithFields(logrus.Fields{"platform": req.Platform, "format": format})

	if format == types.InstallerFormatZip || format == types.InstallerFormatTarGz {
		if req.Config.Installer.IncludeUninstaller {
			if err := g.writeUninstaller(req); err != nil {
				return nil, err
			}
		}
	}

	estimate, err := workspace.DirSize(req.Bundle.BundleDir)
	if err != nil {
		return nil, fault.Wrapf(fault.KindPackaging, "installer.package", err, "failed to measure bundle")
	}
	destDir := filepath.Join(req.OutputDir, string(req.Platform))
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fault.Wrapf(fault.KindPackaging, "installer.package", err, "failed to create output directory")
	}
	// the artifact is written once in the workspace and once in the output
	if err := g.checkSpace(req.Workspace.DistDir, estimate); err != nil {
		return nil, err
	}
	if err := g.checkSpace(destDir, estimate); err != nil {
		return nil, err
	}

	name := ArtifactName(req.Config, req.Platform, format)
	staged := filepath.Join(req.Workspace.DistDir, name)
	log.WithField("artifact", name).Info("packaging")

	switch format {
	case types.InstallerFormatZip:
		err = writeZip(ctx, req.Bundle.BundleDir, staged)
	case types.InstallerFormatTarGz:
		err = writeTarGz(ctx, req.Bundle.BundleDir, staged)
	case types.InstallerFormatNSIS:
		err = g.buildNSIS(ctx, req, staged)
	case types.InstallerFormatDMG:
		err = g.buildDMG(ctx, req, staged)
	}
	if err != nil {
		os.Remove(staged)
		if fault.KindOf(err) == fault.KindInternal {
			err = fault.Wrap(fault.KindPackaging, "installer.package", err)
		}
		return nil, err
	}

	art := &Artifact{Format: format}
	if req.Config.Signing.Enabled() {
		signer := signerFor(req.Platform, g.tools, g.runner)
		sig, err := signer.Sign(ctx, staged, req.Config.Signing)
		switch {
		case err == nil:
			art.Signed = true
			art.Signature = sig
		case fault.Is(err, fault.KindCancelled) || req.Config.Signing.RequireSigned:
			os.Remove(staged)
			return nil, err
		default:
			art.SignError = err.Error()
			log.WithError(err).WithField("signer", signer.Name()).Warn("signing failed, keeping unsigned artifact")
		}
	}

	if err := ctx.Err(); err != nil {
		os.Remove(staged)
		return nil, fault.Wrap(fault.KindCancelled, "installer.package", err)
	}

	dest := filepath.Join(destDir, name)
	if err := moveFile(staged, dest); err != nil {
		return nil, fault.Wrapf(fault.KindPackaging, "installer.package", err, "failed to move artifact into output directory")
	}
	art.Path = dest
	if art.Signature != "" {
		sigDest := filepath.Join(destDir, filepath.Base(art.Signature))
		if err := moveFile(art.Signature, sigDest); err != nil {
			return nil, fault.Wrapf(fault.KindPackaging, "installer.package", err, "failed to move signature into output directory")
		}
		art.Signature = sigDest
	}
	info, err := os.Stat(dest)
	if err != nil {
		return nil, fault.Wrap(fault.KindPackaging, "installer.package", err)
	}
	art.Size = info.Size()

	log.WithFields(logrus.Fields{"path": dest, "size": art.Size, "signed": art.Signed}).Info("artifact ready")
	return art, nil
}

func (g *Generator) checkSpace(dir string, need int64) error {
	free, err := g.freeSpace(dir)
	if err != nil {
		g.log.WithError(err).WithField("dir", dir).Warn("could not determine free space")
		return nil
	}
	need += g.tools.SpaceMargin
	if need > 0 && free < uint64(need) {
		return fault.New(fault.KindInsufficientSpace, "installer.package",
			"not enough space in %s: need %d bytes, %d available", dir, need, free)
	}
	return nil
}

var nonVersion = regexp.MustCompile(`[^0-9.]`)

type nsisData struct {
	AppName, AppVersion, Description string
	Slug, OutFile, InstallDir        string
	SourceDir, Executable, Icon      string
	StartMenuFolder, FileVersion     string
	DesktopShortcut, AddToPath       bool
	Uninstaller                      bool
}

func (g *Generator) buildNSIS(ctx context.Context, req Request, out string) error {
	cfg := req.Config
	data := nsisData{
		AppName:         nsisEscape(cfg.AppName),
		AppVersion:      nsisEscape(cfg.AppVersion),
		Description:     nsisEscape(cfg.AppDescription),
		Slug:            launcher.Slug(cfg.AppName),
		OutFile:         out,
		InstallDir:      cfg.Installer.InstallPath,
		SourceDir:       req.Bundle.AppRoot,
		Executable:      filepath.Base(req.Bundle.Executable),
		StartMenuFolder: nsisEscape(cfg.Installer.StartMenuFolder),
		FileVersion:     fileVersion(cfg.AppVersion),
		DesktopShortcut: cfg.Installer.DesktopShortcut,
		AddToPath:       cfg.Installer.AddToPath,
		Uninstaller:     cfg.Installer.IncludeUninstaller,
	}
	if data.InstallDir == "" {
		data.InstallDir = `$PROGRAMFILES64\` + data.AppName
	}
	if data.StartMenuFolder == "" {
		data.StartMenuFolder = data.AppName
	}
	if ico := findIcon(req.Bundle.AppRoot, ".ico"); ico != "" {
		data.Icon = ico
	}

	script := filepath.Join(req.Workspace.Path, "installer.nsi")
	if err := renderTo(script, nsisTemplate, data, 0644); err != nil {
		return err
	}
	return runTool(ctx, g.runner, req.Workspace.Path, g.tools.MakeNSIS, fault.KindPackaging, "installer.nsis", "-V2", script)
}

func (g *Generator) buildDMG(ctx context.Context, req Request, out string) error {
	link := filepath.Join(req.Bundle.BundleDir, "Applications")
	if _, err := os.Lstat(link); os.IsNotExist(err) {
		if err := os.Symlink("/Applications", link); err != nil {
			g.log.WithError(err).Debug("could not add Applications link to disk image")
		}
	}
	return runTool(ctx, g.runner, req.Workspace.Path, g.tools.HDIUtil, fault.KindPackaging, "installer.dmg",
		"create", "-volname", req.Config.AppName, "-srcfolder", req.Bundle.BundleDir, "-ov", "-format", "UDZO", out)
}

func (g *Generator) writeUninstaller(req Request) error {
	data := struct {
		AppName, AppVersion, DesktopEntry, Target string
	}{AppName: req.Config.AppName, AppVersion: req.Config.AppVersion}

	switch req.Platform.OS() {
	case "windows":
		return renderTo(filepath.Join(req.Bundle.AppRoot, "uninstall.cmd"), uninstallCmdTemplate, data, 0755)
	case "macos":
		// written next to the .app since the bundle itself is what gets removed
		data.Target = filepath.Base(req.Bundle.Executable)
		return renderTo(filepath.Join(req.Bundle.BundleDir, "uninstall.sh"), uninstallShTemplate, data, 0755)
	default:
		data.DesktopEntry = launcher.Slug(req.Config.AppName) + ".desktop"
		return renderTo(filepath.Join(req.Bundle.AppRoot, "uninstall.sh"), uninstallShTemplate, data, 0755)
	}
}

func renderTo(dest, text string, data interface{}, mode os.FileMode) error {
	tmpl, err := template.New(filepath.Base(dest)).Parse(text)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "installer.render", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fault.Wrap(fault.KindInternal, "installer.render", err)
	}
	if err := os.WriteFile(dest, buf.Bytes(), mode); err != nil {
		return fault.Wrapf(fault.KindPackaging, "installer.render", err, "failed to write %s", filepath.Base(dest))
	}
	return nil
}

// nsisEscape quotes the characters NSIS treats specially inside strings
func nsisEscape(s string) string {
	return strings.NewReplacer(`$`, `$$`, `"`, `$\"`).Replace(s)
}

// fileVersion converts a version to the four-part form VIProductVersion needs
func fileVersion(v string) string {
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	parts := strings.Split(nonVersion.ReplaceAllString(v, ""), ".")
	out := make([]string, 4)
	for i := range out {
		out[i] = "0"
		if i < len(parts) && parts[i] != "" {
			out[i] = parts[i]
		}
	}
	return strings.Join(out, ".")
}

func findIcon(dir, ext string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, "*"+ext))
	if len(matches) == 0 {
		return ""
	}
	return matches[0]
}

// moveFile renames src to dst, copying through a temporary sibling of dst
// when they are on different filesystems
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	tmp := dst + ".partial"
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
