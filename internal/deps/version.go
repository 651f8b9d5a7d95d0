package deps

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/phpack/phpack/internal/types"
)

// composerVersion matches tagged Composer versions such as 1.2, v2.0.3,
// 3.1.0-beta1, 4.0.0RC2 or 1.2.3.4
var composerVersion = regexp.MustCompile(
	`^(\d+)(?:\.(\d+))?(?:\.(\d+))?(?:\.\d+)?(?:[-._]?(alpha|beta|rc|a|b|patch|pl|p|stable)[-._]?(\d+)?)?$`)

// Normalize converts a Composer version into a semver string with the "v"
// prefix golang.org/x/mod/semver expects. Branch versions (dev-main,
// 2.x-dev) have no ordering and return ok=false.
func Normalize(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "dev-") || strings.HasSuffix(v, "-dev") {
		return "", false
	}
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}

	m := composerVersion.FindStringSubmatch(strings.ToLower(v))
	if m == nil {
		return "", false
	}
	// semver rejects leading zeros
	part := func(s string) string {
		n, _ := strconv.Atoi(s)
		return strconv.Itoa(n)
	}
	out := "v" + part(m[1]) + "." + part(m[2]) + "." + part(m[3])

	switch m[4] {
	case "", "stable", "patch", "pl", "p":
	default:
		stability := map[string]string{"a": "alpha", "b": "beta"}[m[4]]
		if stability == "" {
			stability = m[4]
		}
		out += "-" + stability
		if m[5] != "" {
			out += "." + part(m[5])
		}
	}

	if !semver.IsValid(out) {
		return "", false
	}
	return out, true
}

// IsStable reports whether v is a tagged release without a stability suffix
func IsStable(v string) bool {
	n, ok := Normalize(v)
	return ok && semver.Prerelease(n) == ""
}

// Compare orders two Composer versions. Versions that cannot be normalised
// sort before any that can.
func Compare(a, b string) int {
	na, okA := Normalize(a)
	nb, okB := Normalize(b)
	switch {
	case okA && okB:
		return semver.Compare(na, nb)
	case okA:
		return 1
	case okB:
		return -1
	}
	return strings.Compare(a, b)
}

// DeriveStatus computes a dependency status from its declared constraint,
// the installed version and the latest known version. It is a pure function.
func DeriveStatus(declared, installed, latest string) types.DependencyStatus {
	if installed == "" {
		return types.DependencyMissing
	}
	if latest == "" || strings.HasPrefix(declared, "dev-") {
		return types.DependencyInstalled
	}
	ni, okI := Normalize(installed)
	nl, okL := Normalize(latest)
	if okI && okL && semver.Compare(ni, nl) < 0 {
		return types.DependencyOutdated
	}
	return types.DependencyInstalled
}

// IsPlatformPackage reports whether name is a Composer platform requirement
// (php, extensions, system libraries, Composer itself)
func IsPlatformPackage(name string) bool {
	switch {
	case name == "php", name == "php-64bit", name == "php-ipv6", name == "php-zts", name == "php-debug", name == "hhvm":
		return true
	case name == "composer", name == "composer-plugin-api", name == "composer-runtime-api":
		return true
	case strings.HasPrefix(name, "ext-"), strings.HasPrefix(name, "lib-"):
		return true
	}
	return false
}
