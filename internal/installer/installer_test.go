package installer

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phpack/phpack/internal/config"
	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/launcher"
	"github.com/phpack/phpack/internal/types"
	"github.com/phpack/phpack/internal/workspace"
)

// fakeRunner pretends to be the packaging tools. Tools listed in present
// are found on PATH; failing tools exit non-zero.
type fakeRunner struct {
	mu      sync.Mutex
	present map[string]bool
	failing map[string]bool
	calls   [][]string
}

func newFakeRunner(present ...string) *fakeRunner {
	r := &fakeRunner{present: map[string]bool{}, failing: map[string]bool{}}
	for _, p := range present {
		r.present[p] = true
	}
	return r
}

func (r *fakeRunner) LookPath(name string) (string, error) {
	if r.present[name] {
		return "/usr/bin/" + name, nil
	}
	return "", errors.New("not found")
}

func (r *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	r.mu.Unlock()
	if r.failing[name] {
		return name + ": simulated failure", errors.New("exit status 1")
	}
	switch name {
	case "makensis":
		script, err := os.ReadFile(args[len(args)-1])
		if err != nil {
			return "", err
		}
		for _, line := range strings.Split(string(script), "\n") {
			if strings.HasPrefix(line, "OutFile ") {
				return "", os.WriteFile(strings.Trim(strings.TrimPrefix(line, "OutFile "), `"`), []byte("MZ"), 0644)
			}
		}
	case "hdiutil":
		return "", os.WriteFile(args[len(args)-1], []byte("dmg"), 0644)
	case "osslsigncode":
		in, out := argAfter(args, "-in"), argAfter(args, "-out")
		data, err := os.ReadFile(in)
		if err != nil {
			return "", err
		}
		return "", os.WriteFile(out, append(data, []byte("SIG")...), 0644)
	case "gpg":
		return "", os.WriteFile(argAfter(args, "--output"), []byte("-----BEGIN PGP SIGNATURE-----"), 0644)
	}
	return "", nil
}

func (r *fakeRunner) called(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c[0] == name {
			return c
		}
	}
	return nil
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func testTools() config.InstallerConfig {
	return config.InstallerConfig{
		MakeNSIS:     "makensis",
		HDIUtil:      "hdiutil",
		OSSLSignCode: "osslsigncode",
		CodeSign:     "codesign",
		GPG:          "gpg",
	}
}

// fakeBundle lays out what launcher generation leaves in a workspace
func fakeBundle(t *testing.T, platform types.Platform) (*workspace.Workspace, *launcher.Result) {
	t.Helper()
	root := t.TempDir()
	ws := &workspace.Workspace{SessionID: "s1", Platform: platform, Path: root, DistDir: filepath.Join(root, "dist")}
	require.NoError(t, os.MkdirAll(ws.DistDir, 0755))

	bundle := filepath.Join(root, "bundle")
	appRoot := filepath.Join(bundle, "hello")
	exe := filepath.Join(appRoot, "hello")
	if platform.OS() == "windows" {
		exe = filepath.Join(appRoot, "Hello.cmd")
	}
	require.NoError(t, os.MkdirAll(filepath.Join(appRoot, "app"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(appRoot, "app", "index.php"), []byte("<?php echo 1;"), 0644))
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755))
	return ws, &launcher.Result{BundleDir: bundle, AppRoot: appRoot, Executable: exe}
}

func testConfig(platform types.Platform) types.BuildConfig {
	cfg := types.DefaultBuildConfig()
	cfg.AppName = "Hello"
	cfg.AppVersion = "1.2.3"
	cfg.Platforms = []types.Platform{platform}
	cfg.Installer.Format = types.InstallerFormatAuto
	return cfg
}

func newTestGenerator(r *fakeRunner) *Generator {
	g := NewGenerator(testTools(), WithRunner(r))
	g.freeSpace = func(string) (uint64, error) { return 1 << 40, nil }
	return g
}

func TestResolveFormat(t *testing.T) {
	withTools := newTestGenerator(newFakeRunner("makensis", "hdiutil"))
	without := newTestGenerator(newFakeRunner())
	auto := types.InstallerOptions{Generate: true, Format: types.InstallerFormatAuto}

	tests := []struct {
		name     string
		gen      *Generator
		platform types.Platform
		opts     types.InstallerOptions
		want     types.InstallerFormat
		wantErr  fault.Kind
	}{
		{"auto windows with makensis", withTools, types.PlatformWindowsX64, auto, types.InstallerFormatNSIS, ""},
		{"auto windows without makensis", without, types.PlatformWindowsX64, auto, types.InstallerFormatZip, ""},
		{"auto macos with hdiutil", withTools, types.PlatformMacOSARM64, auto, types.InstallerFormatDMG, ""},
		{"auto macos without hdiutil", without, types.PlatformMacOSX64, auto, types.InstallerFormatTarGz, ""},
		{"auto linux", withTools, types.PlatformLinuxX64, auto, types.InstallerFormatTarGz, ""},
		{"no installer", withTools, types.PlatformWindowsX64, types.InstallerOptions{Format: types.InstallerFormatNSIS}, types.InstallerFormatZip, ""},
		{"explicit zip on linux", without, types.PlatformLinuxARM64, types.InstallerOptions{Generate: true, Format: types.InstallerFormatZip}, types.InstallerFormatZip, ""},
		{"nsis on linux", withTools, types.PlatformLinuxX64, types.InstallerOptions{Generate: true, Format: types.InstallerFormatNSIS}, "", fault.KindPackaging},
		{"dmg on windows", withTools, types.PlatformWindowsX64, types.InstallerOptions{Generate: true, Format: types.InstallerFormatDMG}, "", fault.KindPackaging},
		{"unknown", withTools, types.PlatformWindowsX64, types.InstallerOptions{Generate: true, Format: "msi"}, "", fault.KindInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.gen.ResolveFormat(tt.platform, tt.opts)
			if tt.wantErr != "" {
				assert.True(t, fault.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArtifactName(t *testing.T) {
	cfg := testConfig(types.PlatformWindowsX64)
	cfg.AppName = "My Cool App"
	assert.Equal(t, "my-cool-app-1.2.3-windows-x64.exe", ArtifactName(cfg, types.PlatformWindowsX64, types.InstallerFormatNSIS))
	assert.Equal(t, "my-cool-app-1.2.3-linux-x64.tar.gz", ArtifactName(cfg, types.PlatformLinuxX64, types.InstallerFormatTarGz))
	cfg.AppVersion = ""
	assert.Equal(t, "my-cool-app-0.0.0-macos-arm64.dmg", ArtifactName(cfg, types.PlatformMacOSARM64, types.InstallerFormatDMG))
}

func TestPackageZip(t *testing.T) {
	ws, bundle := fakeBundle(t, types.PlatformWindowsX64)
	out := t.TempDir()
	art, err := newTestGenerator(newFakeRunner()).Package(context.Background(), Request{
		Workspace: ws, Platform: types.PlatformWindowsX64, Config: testConfig(types.PlatformWindowsX64), Bundle: bundle, OutputDir: out,
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(out, "windows-x64", "hello-1.2.3-windows-x64.zip"), art.Path)
	assert.Equal(t, types.InstallerFormatZip, art.Format)
	assert.False(t, art.Signed)
	assert.NoFileExists(t, filepath.Join(ws.DistDir, "hello-1.2.3-windows-x64.zip"))

	zr, err := zip.OpenReader(art.Path)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "hello/app/index.php")
	assert.Contains(t, names, "hello/Hello.cmd")
	assert.Contains(t, names, "hello/uninstall.cmd")
}

func TestPackageTarGzKeepsModes(t *testing.T) {
	ws, bundle := fakeBundle(t, types.PlatformLinuxX64)
	cfg := testConfig(types.PlatformLinuxX64)
	cfg.Installer.IncludeUninstaller = false
	art, err := newTestGenerator(newFakeRunner()).Package(context.Background(), Request{
		Workspace: ws, Platform: types.PlatformLinuxX64, Config: cfg, Bundle: bundle, OutputDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Greater(t, art.Size, int64(0))

	f, err := os.Open(art.Path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	modes := map[string]int64{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		modes[hdr.Name] = hdr.Mode
	}
	require.Contains(t, modes, "hello/hello")
	assert.NotZero(t, modes["hello/hello"]&0100)
	assert.NotContains(t, modes, "hello/uninstall.sh")
}

func TestPackageInsufficientSpace(t *testing.T) {
	ws, bundle := fakeBundle(t, types.PlatformLinuxX64)
	g := newTestGenerator(newFakeRunner())
	g.freeSpace = func(string) (uint64, error) { return 4, nil }

	out := t.TempDir()
	_, err := g.Package(context.Background(), Request{
		Workspace: ws, Platform: types.PlatformLinuxX64, Config: testConfig(types.PlatformLinuxX64), Bundle: bundle, OutputDir: out,
	})
	assert.True(t, fault.Is(err, fault.KindInsufficientSpace))
	entries, _ := os.ReadDir(filepath.Join(out, "linux-x64"))
	assert.Empty(t, entries)
}

func TestPackageNSIS(t *testing.T) {
	ws, bundle := fakeBundle(t, types.PlatformWindowsX64)
	r := newFakeRunner("makensis")
	cfg := testConfig(types.PlatformWindowsX64)
	cfg.Installer.AddToPath = true

	art, err := newTestGenerator(r).Package(context.Background(), Request{
		Workspace: ws, Platform: types.PlatformWindowsX64, Config: cfg, Bundle: bundle, OutputDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.InstallerFormatNSIS, art.Format)
	assert.True(t, strings.HasSuffix(art.Path, ".exe"))

	script, err := os.ReadFile(filepath.Join(ws.Path, "installer.nsi"))
	require.NoError(t, err)
	assert.Contains(t, string(script), `CreateShortcut "$DESKTOP\Hello.lnk" "$INSTDIR\Hello.cmd"`)
	assert.Contains(t, string(script), `EnVar::AddValue "PATH" "$INSTDIR"`)
	assert.Contains(t, string(script), "WriteUninstaller")
	assert.Contains(t, string(script), `VIProductVersion "1.2.3.0"`)
	assert.NotContains(t, string(script), "uninstall.cmd")
}

func TestPackageToolFailure(t *testing.T) {
	ws, bundle := fakeBundle(t, types.PlatformMacOSARM64)
	r := newFakeRunner("hdiutil")
	r.failing["hdiutil"] = true

	_, err := newTestGenerator(r).Package(context.Background(), Request{
		Workspace: ws, Platform: types.PlatformMacOSARM64, Config: testConfig(types.PlatformMacOSARM64), Bundle: bundle, OutputDir: t.TempDir(),
	})
	assert.True(t, fault.Is(err, fault.KindPackaging))
	assert.Contains(t, fault.OutputOf(err), "simulated failure")
}

func TestPackageSigning(t *testing.T) {
	signed := func(cfg *types.BuildConfig) {
		cfg.Signing = types.SigningOptions{Certificate: "cert.p12", Password: "secret"}
	}

	t.Run("windows authenticode", func(t *testing.T) {
		ws, bundle := fakeBundle(t, types.PlatformWindowsX64)
		r := newFakeRunner("osslsigncode")
		cfg := testConfig(types.PlatformWindowsX64)
		signed(&cfg)
		art, err := newTestGenerator(r).Package(context.Background(), Request{
			Workspace: ws, Platform: types.PlatformWindowsX64, Config: cfg, Bundle: bundle, OutputDir: t.TempDir(),
		})
		require.NoError(t, err)
		assert.True(t, art.Signed)
		assert.Equal(t, "secret", argAfter(r.called("osslsigncode"), "-pass"))
	})

	t.Run("linux detached signature", func(t *testing.T) {
		ws, bundle := fakeBundle(t, types.PlatformLinuxX64)
		cfg := testConfig(types.PlatformLinuxX64)
		signed(&cfg)
		out := t.TempDir()
		art, err := newTestGenerator(newFakeRunner("gpg")).Package(context.Background(), Request{
			Workspace: ws, Platform: types.PlatformLinuxX64, Config: cfg, Bundle: bundle, OutputDir: out,
		})
		require.NoError(t, err)
		assert.True(t, art.Signed)
		assert.Equal(t, art.Path+".asc", art.Signature)
		assert.FileExists(t, art.Signature)
	})

	t.Run("failure keeps unsigned artifact", func(t *testing.T) {
		ws, bundle := fakeBundle(t, types.PlatformLinuxX64)
		cfg := testConfig(types.PlatformLinuxX64)
		signed(&cfg)
		art, err := newTestGenerator(newFakeRunner()).Package(context.Background(), Request{
			Workspace: ws, Platform: types.PlatformLinuxX64, Config: cfg, Bundle: bundle, OutputDir: t.TempDir(),
		})
		require.NoError(t, err)
		assert.False(t, art.Signed)
		assert.NotEmpty(t, art.SignError)
		assert.FileExists(t, art.Path)
	})

	t.Run("failure is fatal when required", func(t *testing.T) {
		ws, bundle := fakeBundle(t, types.PlatformLinuxX64)
		cfg := testConfig(types.PlatformLinuxX64)
		signed(&cfg)
		cfg.Signing.RequireSigned = true
		out := t.TempDir()
		_, err := newTestGenerator(newFakeRunner()).Package(context.Background(), Request{
			Workspace: ws, Platform: types.PlatformLinuxX64, Config: cfg, Bundle: bundle, OutputDir: out,
		})
		assert.True(t, fault.Is(err, fault.KindSigning))
		entries, _ := os.ReadDir(filepath.Join(out, "linux-x64"))
		assert.Empty(t, entries)
	})
}

func TestPackageCancelled(t *testing.T) {
	ws, bundle := fakeBundle(t, types.PlatformLinuxX64)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := t.TempDir()
	_, err := newTestGenerator(newFakeRunner()).Package(ctx, Request{
		Workspace: ws, Platform: types.PlatformLinuxX64, Config: testConfig(types.PlatformLinuxX64), Bundle: bundle, OutputDir: out,
	})
	assert.True(t, fault.Is(err, fault.KindCancelled))
	entries, _ := os.ReadDir(filepath.Join(out, "linux-x64"))
	assert.Empty(t, entries)
}

func TestPackageRequiresAbsoluteOutput(t *testing.T) {
	ws, bundle := fakeBundle(t, types.PlatformLinuxX64)
	_, err := newTestGenerator(newFakeRunner()).Package(context.Background(), Request{
		Workspace: ws, Platform: types.PlatformLinuxX64, Config: testConfig(types.PlatformLinuxX64), Bundle: bundle, OutputDir: "dist",
	})
	assert.True(t, fault.Is(err, fault.KindInvalidConfig))
}

func TestFileVersion(t *testing.T) {
	assert.Equal(t, "1.2.3.0", fileVersion("1.2.3"))
	assert.Equal(t, "2.0.0.0", fileVersion("v2.0-beta1"))
	assert.Equal(t, "0.0.0.0", fileVersion(""))
}
