package phpruntime

import (
	"context"
	"io"
	"sort"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/phpack/phpack/internal/types"
)

// Format is a runtime archive format
type Format string

const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar.gz"
)

// IsValid checks if the format value is valid
func (f Format) IsValid() bool {
	return f == FormatZip || f == FormatTarGz
}

// formatFromName infers the archive format from a file name
func formatFromName(name string) Format {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz
	}
	return ""
}

// Artifact is a resolved, downloadable runtime archive
type Artifact struct {
	Platform types.Platform
	// Version is the full version the selector resolved to, e.g. 8.2.12
	Version string
	// Location is a URL or object key, interpreted by the source
	Location string
	SHA256   string
	Format   Format
}

// Source resolves and downloads PHP runtime archives
type Source interface {
	Name() string
	Resolve(ctx context.Context, platform types.Platform, version string) (Artifact, error)
	// Open returns the archive stream and its size, -1 when unknown
	Open(ctx context.Context, a Artifact) (io.ReadCloser, int64, error)
}

// matchesSelector reports whether a full version satisfies a selector such
// as "8.2" (any 8.2.x) or "8.2.12" (exact)
func matchesSelector(version, selector string) bool {
	return version == selector || strings.HasPrefix(version, selector+".")
}

// highestVersion picks the highest of the candidate versions
func highestVersion(versions []string) string {
	if len(versions) == 0 {
		return ""
	}
	sorted := append([]string(nil), versions...)
	sort.Slice(sorted, func(i, j int) bool {
		return semver.Compare("v"+sorted[i], "v"+sorted[j]) > 0
	})
	return sorted[0]
}

// minorOf returns the major.minor part of a version
func minorOf(version string) string {
	mm := semver.MajorMinor("v" + version)
	return strings.TrimPrefix(mm, "v")
}
