package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/logging"
	"github.com/phpack/phpack/internal/types"
	"github.com/phpack/phpack/internal/workspace"
)

// startupTimeout is how long a launcher waits for the bundled server, in seconds
const startupTimeout = 15

// WindowManifest mirrors the window settings of a build
type WindowManifest struct {
	Width      int  `json:"width"`
	Height     int  `json:"height"`
	Resizable  bool `json:"resizable"`
	Fullscreen bool `json:"fullscreen"`
}

// Manifest is written as launcher.json next to the bundled app. Paths are
// relative to the bundle directory and slash separated.
type Manifest struct {
	AppName      string         `json:"app_name"`
	AppVersion   string         `json:"app_version"`
	Description  string         `json:"description,omitempty"`
	Platform     types.Platform `json:"platform"`
	Window       WindowManifest `json:"window"`
	PHPBinary    string         `json:"php_binary"`
	PHPIni       string         `json:"php_ini"`
	ExtensionDir string         `json:"extension_dir"`
	DocumentRoot string         `json:"document_root"`
	EntryFile    string         `json:"entry_file,omitempty"`
	EntryPath    string         `json:"entry_path"`
	Router       string         `json:"router,omitempty"`
	// PortStrategy is always "ephemeral": the port is picked at launch
	PortStrategy string   `json:"port_strategy"`
	Extensions   []string `json:"extensions"`
	Shell        string   `json:"shell,omitempty"`
}

// Request describes what to generate
type Request struct {
	Workspace *workspace.Workspace
	Platform  types.Platform
	Config    types.BuildConfig
	Project   *types.Project
	// PHPBinary is the php executable relative to the workspace runtime dir
	PHPBinary string
	// ExtensionDir is relative to the workspace runtime dir
	ExtensionDir string
	// Available lists extensions the runtime ships; nil means unknown
	Available []string
	Router    string
}

// Result locates the generated bundle
type Result struct {
	// BundleDir holds exactly what gets packaged
	BundleDir string
	// AppRoot is the directory holding app/, runtime/ and launcher.json
	AppRoot    string
	Executable string
	Manifest   Manifest
	// MissingExtensions were requested but are not in the runtime
	MissingExtensions []string
}

// Generator writes launchers into build workspaces
type Generator struct {
	shellStubDir string
	templates    *template.Template
	log          *logrus.Entry
}

// NewGenerator creates a generator. shellStubDir may be empty; otherwise it
// holds prebuilt native window shells as <dir>/<platform>/shell[.exe].
func NewGenerator(shellStubDir string, log *logrus.Entry) *Generator {
	if log == nil {
		log = logging.Discard()
	}
	tmpl := template.New("launcher").Funcs(template.FuncMap{
		"winpath": func(p string) string { return strings.ReplaceAll(p, "/", `\`) },
		"xml": func(s string) string {
			var buf bytes.Buffer
			_ = xml.EscapeText(&buf, []byte(s))
			return buf.String()
		},
	})
	template.Must(tmpl.New("bootstrap").Parse(bootstrapTemplate))
	template.Must(tmpl.New("cmd").Parse(windowsCmdTemplate))
	template.Must(tmpl.New("sh").Parse(unixShellTemplate))
	template.Must(tmpl.New("desktop").Parse(desktopEntryTemplate))
	template.Must(tmpl.New("plist").Parse(infoPlistTemplate))
	template.Must(tmpl.New("ini").Parse(phpIniTemplate))
	template.Must(tmpl.New("summary").Parse(runtimeSummaryTemplate))

	return &Generator{
		shellStubDir: shellStubDir,
		templates:    tmpl,
		log:          logging.Component(log, "launcher"),
	}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug turns an application name into a file-name friendly identifier
func Slug(name string) string {
	s := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if s == "" {
		return "app"
	}
	return s
}

// fileName keeps an application name readable but safe as a file name
func fileName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`<>:"/\|?*`, r) || r < 32 {
			return -1
		}
		return r
	}, name)
	cleaned = strings.TrimSpace(strings.TrimRight(cleaned, ". "))
	if cleaned == "" {
		return Slug(name)
	}
	return cleaned
}

// Generate moves the workspace app and runtime into a bundle directory and
// writes the launcher for the platform. The workspace AppDir and RuntimeDir
// no longer exist afterwards; use Result.AppRoot.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	ws := req.Workspace
	cfg := req.Config
	if ws == nil || req.Project == nil {
		return nil, fault.New(fault.KindInternal, "launcher.generate", "workspace and project are required")
	}
	if _, err := os.Stat(ws.AppDir); err != nil {
		return nil, fault.Wrapf(fault.KindPackaging, "launcher.generate", err, "app directory missing from workspace")
	}
	if req.PHPBinary == "" {
		return nil, fault.New(fault.KindPackaging, "launcher.generate", "no PHP binary in the workspace runtime")
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindCancelled, "launcher.generate", err)
	}

	slug := Slug(cfg.AppName)
	bundleDir := filepath.Join(ws.Path, "bundle")
	var appRoot, contents string
	if req.Platform.OS() == "macos" {
		contents = filepath.Join(bundleDir, fileName(cfg.AppName)+".app", "Contents")
		appRoot = filepath.Join(contents, "Resources")
	} else {
		appRoot = filepath.Join(bundleDir, slug)
	}
	if err := os.MkdirAll(appRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bundle directory: %w", err)
	}
	if err := os.Rename(ws.AppDir, filepath.Join(appRoot, "app")); err != nil {
		return nil, fmt.Errorf("failed to move app into bundle: %w", err)
	}
	if err := os.Rename(ws.RuntimeDir, filepath.Join(appRoot, "runtime")); err != nil {
		return nil, fmt.Errorf("failed to move runtime into bundle: %w", err)
	}

	extensions, missing := selectExtensions(cfg.Extensions, req.Available)
	if len(missing) > 0 {
		g.log.WithFields(logrus.Fields{"platform": req.Platform, "missing": missing}).Warn("requested extensions not in runtime")
	}

	manifest := Manifest{
		AppName:     cfg.AppName,
		AppVersion:  cfg.AppVersion,
		Description: cfg.AppDescription,
		Platform:    req.Platform,
		Window: WindowManifest{
			Width:      cfg.Window.Width,
			Height:     cfg.Window.Height,
			Resizable:  cfg.Window.Resizable,
			Fullscreen: cfg.Window.Fullscreen,
		},
		PHPBinary:    path.Join("runtime", filepath.ToSlash(req.PHPBinary)),
		PHPIni:       "runtime/php.ini",
		ExtensionDir: path.Join("runtime", filepath.ToSlash(lo.Ternary(req.ExtensionDir != "", req.ExtensionDir, "ext"))),
		DocumentRoot: path.Join("app", filepath.ToSlash(req.Project.DocumentRoot)),
		EntryFile:    filepath.ToSlash(req.Project.EntryFile),
		EntryPath:    entryPath(req.Project),
		PortStrategy: "ephemeral",
		Extensions:   extensions,
	}
	if req.Router != "" {
		manifest.Router = path.Join("app", filepath.ToSlash(req.Router))
	}

	shell, err := g.copyShell(req.Platform, appRoot)
	if err != nil {
		return nil, err
	}
	manifest.Shell = shell

	icon := g.copyIcon(req, appRoot)

	if err := writeJSON(filepath.Join(appRoot, "launcher.json"), manifest); err != nil {
		return nil, err
	}
	if err := g.render("bootstrap", filepath.Join(appRoot, "launcher.php"), 0644, manifestView(manifest)); err != nil {
		return nil, err
	}
	if err := g.render("ini", filepath.Join(appRoot, "runtime", "php.ini"), 0644, manifest); err != nil {
		return nil, err
	}

	res := &Result{
		BundleDir:         bundleDir,
		AppRoot:           appRoot,
		Manifest:          manifest,
		MissingExtensions: missing,
	}

	view := struct {
		Manifest
		ResourcesDir   string
		AppDescription string
		Executable     string
		Icon           string
		BundleID       string
	}{Manifest: manifest, AppDescription: cfg.AppDescription, Icon: icon}

	switch req.Platform.OS() {
	case "windows":
		res.Executable = filepath.Join(appRoot, fileName(cfg.AppName)+".cmd")
		if err := g.render("cmd", res.Executable, 0755, view); err != nil {
			return nil, err
		}
	case "linux":
		res.Executable = filepath.Join(appRoot, slug)
		if err := g.render("sh", res.Executable, 0755, view); err != nil {
			return nil, err
		}
		view.Executable = slug
		if err := g.render("desktop", filepath.Join(appRoot, slug+".desktop"), 0644, view); err != nil {
			return nil, err
		}
	case "macos":
		exe := fileName(cfg.AppName)
		view.ResourcesDir = "../Resources"
		view.Executable = exe
		view.BundleID = "com.phpack." + slug
		if err := os.MkdirAll(filepath.Join(contents, "MacOS"), 0755); err != nil {
			return nil, fmt.Errorf("failed to create app bundle: %w", err)
		}
		if err := g.render("sh", filepath.Join(contents, "MacOS", exe), 0755, view); err != nil {
			return nil, err
		}
		if err := g.render("plist", filepath.Join(contents, "Info.plist"), 0644, view); err != nil {
			return nil, err
		}
		res.Executable = filepath.Dir(contents)
	default:
		return nil, fault.New(fault.KindUnsupportedPlatform, "launcher.generate", "no launcher for platform %q", req.Platform)
	}

	g.log.WithFields(logrus.Fields{"platform": req.Platform, "executable": res.Executable}).Debug("launcher generated")
	return res, nil
}

// WriteRuntimeSummary writes runtime/php.conf describing the bundled runtime
func (g *Generator) WriteRuntimeSummary(runtimeDir string, platform types.Platform, cfg types.BuildConfig, version string, extensions []string) error {
	data := struct {
		AppName, AppVersion, PHPVersion string
		Platform                        types.Platform
		Extensions                      []string
	}{cfg.AppName, cfg.AppVersion, version, platform, extensions}
	return g.render("summary", filepath.Join(runtimeDir, "php.conf"), 0644, data)
}

// bootstrapView adds template-only values to the manifest
type bootstrapView struct {
	Manifest
	StartupTimeout int
}

func manifestView(m Manifest) bootstrapView {
	return bootstrapView{Manifest: m, StartupTimeout: startupTimeout}
}

func (g *Generator) render(name, dest string, mode os.FileMode, data interface{}) error {
	var buf bytes.Buffer
	if err := g.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return fault.Wrapf(fault.KindInternal, "launcher.render", err, "failed to render %s", name)
	}
	if err := os.WriteFile(dest, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	// WriteFile keeps the mode of an existing file
	return os.Chmod(dest, mode)
}

func writeJSON(dest string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(dest), err)
	}
	return os.WriteFile(dest, data, 0644)
}

// selectExtensions keeps the requested extensions the runtime ships. With
// no runtime information every request is kept.
func selectExtensions(requested, available []string) (keep, missing []string) {
	norm := lo.Uniq(lo.Map(requested, func(e string, _ int) string { return strings.ToLower(strings.TrimSpace(e)) }))
	norm = lo.Filter(norm, func(e string, _ int) bool { return e != "" })
	if available == nil {
		return norm, nil
	}
	have := lo.Map(available, func(e string, _ int) string { return strings.ToLower(e) })
	for _, e := range norm {
		if lo.Contains(have, e) {
			keep = append(keep, e)
		} else {
			missing = append(missing, e)
		}
	}
	return keep, missing
}

// entryPath is the URL path the window opens
func entryPath(p *types.Project) string {
	if p.EntryFile == "" {
		return "/"
	}
	entry := filepath.ToSlash(p.EntryFile)
	root := strings.Trim(filepath.ToSlash(p.DocumentRoot), "/")
	if root != "" && root != "." {
		entry = strings.TrimPrefix(entry, root+"/")
	}
	if entry == "index.php" {
		return "/"
	}
	return "/" + entry
}

func (g *Generator) copyShell(platform types.Platform, appRoot string) (string, error) {
	if g.shellStubDir == "" {
		return "", nil
	}
	name := "shell" + platform.ExecutableSuffix()
	src := filepath.Join(g.shellStubDir, string(platform), name)
	if _, err := os.Stat(src); err != nil {
		g.log.WithField("platform", platform).Debug("no native shell for platform, using the browser")
		return "", nil
	}
	if err := copyFile(src, filepath.Join(appRoot, name), 0755); err != nil {
		return "", fault.Wrapf(fault.KindPackaging, "launcher.shell", err, "failed to copy native shell")
	}
	return name, nil
}

// copyIcon copies the configured icon next to the launcher and returns its
// bundle-relative name, or "" when there is none
func (g *Generator) copyIcon(req Request, appRoot string) string {
	icon := req.Config.AppIcon
	if icon == "" {
		return ""
	}
	if !filepath.IsAbs(icon) {
		icon = filepath.Join(req.Project.Path, icon)
	}
	if _, err := os.Stat(icon); err != nil {
		g.log.WithField("icon", icon).Warn("app icon not found, skipping")
		return ""
	}
	name := Slug(req.Config.AppName) + strings.ToLower(filepath.Ext(icon))
	if err := copyFile(icon, filepath.Join(appRoot, name), 0644); err != nil {
		g.log.WithError(err).Warn("failed to copy app icon")
		return ""
	}
	return name
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
