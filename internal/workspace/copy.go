package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/phpack/phpack/internal/fault"
)

// CopyStats summarises a tree copy
type CopyStats struct {
	Files   int
	Dirs    int
	Bytes   int64
	Skipped int
}

// Excluded reports whether the slash-separated relative path rel matches
// any pattern. A pattern without a slash matches any path element, e.g.
// "node_modules" or "*.log"; a leading "/" anchors it to the first element,
// so "/vendor" skips only the root vendor directory. A pattern with an inner
// slash matches the relative path from the root, and a trailing "/**"
// matches everything below it.
func Excluded(rel string, patterns []string) bool {
	rel = strings.TrimPrefix(path.Clean(filepath.ToSlash(rel)), "./")
	elems := strings.Split(rel, "/")
	for _, p := range patterns {
		p = strings.TrimSpace(filepath.ToSlash(p))
		if p == "" {
			continue
		}
		anchored := strings.HasPrefix(p, "/")
		p = strings.TrimPrefix(strings.TrimSuffix(p, "/"), "/")
		if p == "" {
			continue
		}

		if prefix, ok := strings.CutSuffix(p, "/**"); ok {
			if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
				return true
			}
			continue
		}
		if strings.Contains(p, "/") {
			if ok, _ := path.Match(p, rel); ok {
				return true
			}
			continue
		}
		if anchored {
			if ok, _ := path.Match(p, elems[0]); ok {
				return true
			}
			continue
		}
		for _, e := range elems {
			if ok, _ := path.Match(p, e); ok {
				return true
			}
		}
	}
	return false
}

// CopyTree copies src into dst, skipping excluded paths. The copy is staged
// in dst+".partial" and renamed into place, so dst either does not exist or
// is complete. Symlinks to files are copied as files; symlinks to
// directories are skipped.
func CopyTree(ctx context.Context, src, dst string, excludes []string) (CopyStats, error) {
	var stats CopyStats
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return stats, fault.New(fault.KindDetection, "workspace.copy", "project directory %s is not readable", src)
	}
	if _, err := os.Stat(dst); err == nil {
		return stats, fault.New(fault.KindInternal, "workspace.copy", "destination %s already exists", dst)
	}

	staging := dst + ".partial"
	if err := os.RemoveAll(staging); err != nil {
		return stats, fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := os.MkdirAll(staging, 0755); err != nil {
		return stats, fmt.Errorf("failed to create staging directory: %w", err)
	}

	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return fault.Wrap(fault.KindCancelled, "workspace.copy", err)
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if Excluded(rel, excludes) {
			stats.Skipped++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(staging, rel)
		switch {
		case d.IsDir():
			stats.Dirs++
			return os.MkdirAll(target, 0755)
		case d.Type()&fs.ModeSymlink != 0:
			resolved, err := os.Stat(p)
			if err != nil || resolved.IsDir() {
				stats.Skipped++
				return nil
			}
			n, err := copyFile(p, target, resolved.Mode())
			stats.Files++
			stats.Bytes += n
			return err
		case d.Type().IsRegular():
			fi, err := d.Info()
			if err != nil {
				return err
			}
			n, err := copyFile(p, target, fi.Mode())
			stats.Files++
			stats.Bytes += n
			return err
		default:
			stats.Skipped++
			return nil
		}
	})
	if err != nil {
		_ = os.RemoveAll(staging)
		if fault.Is(err, fault.KindCancelled) {
			return stats, err
		}
		return stats, fault.Wrapf(fault.KindPackaging, "workspace.copy", err, "failed to copy %s", src)
	}

	if err := os.Rename(staging, dst); err != nil {
		_ = os.RemoveAll(staging)
		return stats, fmt.Errorf("failed to move staged copy into place: %w", err)
	}
	return stats, nil
}

func copyFile(src, dst string, mode fs.FileMode) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0200)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// DirSize returns the total size of regular files under dir
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
