package deps

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/spkg/bom"

	"github.com/phpack/phpack/internal/fault"
)

const (
	manifestFile  = "composer.json"
	lockFile      = "composer.lock"
	installedFile = "vendor/composer/installed.json"
)

// Manifest is the part of composer.json the resolver cares about
type Manifest struct {
	Name        string
	Description string
	Require     map[string]string
	RequireDev  map[string]string
}

// Package is one entry of composer.lock or installed.json
type Package struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Dev         bool   `json:"-"`
}

// constraints decodes a require block. PHP encodes an empty map as [].
type constraints map[string]string

func (c *constraints) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("[]")) || bytes.Equal(trimmed, []byte("null")) {
		*c = constraints{}
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return err
	}
	*c = m
	return nil
}

// HasManifest reports whether dir contains a composer.json
func HasManifest(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, manifestFile))
	return err == nil && !info.IsDir()
}

// ParseManifest reads composer.json in dir
func ParseManifest(dir string) (*Manifest, error) {
	var raw struct {
		Name        string      `json:"name"`
		Description string      `json:"description"`
		Require     constraints `json:"require"`
		RequireDev  constraints `json:"require-dev"`
	}
	path := filepath.Join(dir, manifestFile)
	found, err := readJSON(path, &raw)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fault.New(fault.KindManifestParse, "deps.manifest", "no %s in %s", manifestFile, dir)
	}

	m := &Manifest{
		Name:        raw.Name,
		Description: raw.Description,
		Require:     raw.Require,
		RequireDev:  raw.RequireDev,
	}
	if m.Require == nil {
		m.Require = map[string]string{}
	}
	if m.RequireDev == nil {
		m.RequireDev = map[string]string{}
	}
	return m, nil
}

// ParseLock reads composer.lock in dir. A missing lock file yields an empty
// result: nothing is installed yet.
func ParseLock(dir string) (map[string]Package, error) {
	var raw struct {
		Packages    []Package `json:"packages"`
		PackagesDev []Package `json:"packages-dev"`
	}
	if _, err := readJSON(filepath.Join(dir, lockFile), &raw); err != nil {
		return nil, err
	}

	out := make(map[string]Package, len(raw.Packages)+len(raw.PackagesDev))
	for _, p := range raw.Packages {
		out[p.Name] = p
	}
	for _, p := range raw.PackagesDev {
		p.Dev = true
		out[p.Name] = p
	}
	return out, nil
}

// ParseInstalled reads vendor/composer/installed.json, which describes what
// is actually on disk. Both the Composer 1 array form and the Composer 2
// object form are accepted. ok is false when the file does not exist.
func ParseInstalled(dir string) (pkgs map[string]Package, ok bool, err error) {
	path := filepath.Join(dir, filepath.FromSlash(installedFile))
	data, err := readFile(path)
	if err != nil || data == nil {
		return nil, false, err
	}

	var list []Package
	devNames := map[string]bool{}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, false, parseError(path, err)
		}
	} else {
		var v2 struct {
			Packages        []Package `json:"packages"`
			DevPackageNames []string  `json:"dev-package-names"`
		}
		if err := json.Unmarshal(trimmed, &v2); err != nil {
			return nil, false, parseError(path, err)
		}
		list = v2.Packages
		for _, name := range v2.DevPackageNames {
			devNames[name] = true
		}
	}

	pkgs = make(map[string]Package, len(list))
	for _, p := range list {
		p.Dev = devNames[p.Name]
		pkgs[p.Name] = p
	}
	return pkgs, true, nil
}

// readJSON decodes path into v. found is false when the file is missing.
func readJSON(path string, v interface{}) (found bool, err error) {
	data, err := readFile(path)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, parseError(path, err)
	}
	return true, nil
}

// readFile returns nil data for a missing file and strips a UTF-8 BOM
func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fault.Wrapf(fault.KindManifestParse, "deps.read", err, "failed to read %s", path)
	}
	return bom.Clean(data), nil
}

func parseError(path string, err error) error {
	return fault.Wrapf(fault.KindManifestParse, "deps.parse", err, "malformed %s", filepath.Base(path))
}
