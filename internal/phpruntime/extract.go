package phpruntime

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/phpack/phpack/internal/fault"
)

// extract unpacks archivePath into dest, which must not exist yet
func extract(archivePath string, format Format, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	switch format {
	case FormatZip:
		return extractZip(archivePath, dest)
	case FormatTarGz:
		return extractTarGz(archivePath, dest)
	}
	return fault.New(fault.KindUnsupportedPlatform, "runtime.extract", "unsupported archive format %q", format)
}

// safeJoin resolves an archive member name inside dest, rejecting absolute
// paths and any name that escapes dest
func safeJoin(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" || strings.HasPrefix(name, "/") {
		return "", fault.New(fault.KindIntegrity, "runtime.extract", "archive member %q has an absolute path", name)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fault.New(fault.KindIntegrity, "runtime.extract", "archive member %q escapes the extraction directory", name)
	}
	return filepath.Join(dest, clean), nil
}

func extractZip(archivePath, dest string) error {
	// member names are checked by safeJoin, so ErrInsecurePath is not fatal here
	zr, err := zip.OpenReader(archivePath)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return fault.Wrapf(fault.KindIntegrity, "runtime.extract", err, "failed to open zip archive")
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := writeZipMember(f, target); err != nil {
			return err
		}
	}
	return nil
}

func writeZipMember(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fault.Wrapf(fault.KindIntegrity, "runtime.extract", err, "failed to read %s", f.Name)
	}
	defer rc.Close()
	return writeFile(target, rc, f.Mode())
}

func extractTarGz(archivePath, dest string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fault.Wrapf(fault.KindIntegrity, "runtime.extract", err, "failed to open gzip stream")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fault.Wrapf(fault.KindIntegrity, "runtime.extract", err, "corrupt tar archive")
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := writeSymlink(dest, target, hdr.Linkname); err != nil {
				return err
			}
		default:
			// device nodes, fifos and hard links are not needed by a runtime
		}
	}
}

// writeSymlink creates a relative symlink whose target stays inside dest
func writeSymlink(dest, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fault.New(fault.KindIntegrity, "runtime.extract", "symlink %s points to absolute path %s", target, linkname)
	}
	resolved := filepath.Join(filepath.Dir(target), filepath.FromSlash(linkname))
	rel, err := filepath.Rel(dest, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fault.New(fault.KindIntegrity, "runtime.extract", "symlink %s escapes the extraction directory", target)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	return os.Symlink(linkname, target)
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fault.Wrapf(fault.KindIntegrity, "runtime.extract", err, "failed to write %s", target)
	}
	return out.Close()
}

// runtimeRoot descends through a single wrapping directory, as produced by
// archives such as php-8.2.12/...
func runtimeRoot(dir string) string {
	for {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) != 1 || !entries[0].IsDir() {
			return dir
		}
		dir = filepath.Join(dir, entries[0].Name())
	}
}

// findBinary locates the php executable inside an extracted runtime
func findBinary(root, suffix string) (string, bool) {
	for _, rel := range []string{"php" + suffix, filepath.Join("bin", "php"+suffix)} {
		if info, err := os.Stat(filepath.Join(root, rel)); err == nil && !info.IsDir() {
			return rel, true
		}
	}
	return "", false
}

// listExtensions returns extension names found under ext/, e.g.
// php_curl.dll and curl.so both yield "curl"
func listExtensions(root string) []string {
	entries, err := os.ReadDir(filepath.Join(root, "ext"))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".dll" && ext != ".so" {
			continue
		}
		out = append(out, strings.TrimPrefix(strings.TrimSuffix(name, ext), "php_"))
	}
	return out
}
