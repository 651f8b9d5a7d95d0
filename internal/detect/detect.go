// Package detect classifies PHP projects by framework and locates the entry
// file and document root. Detection is a read-only scan of the top level of
// the project plus a few well-known subdirectories.
package detect

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/types"
)

// maxManifestRead caps how much of composer.json is read for fingerprinting
const maxManifestRead = 64 * 1024

// Result is the outcome of a detection scan
type Result struct {
	Type types.ProjectType `json:"project_type"`
	// EntryFile is slash separated and relative to the project root
	EntryFile string `json:"entry_file"`
	// DocumentRoot is the directory containing EntryFile, "." for the root
	DocumentRoot string `json:"document_root"`
	// Markers lists the files that matched the fingerprint
	Markers []string `json:"markers,omitempty"`
}

// Detect classifies the project at dir
func Detect(dir string) (*Result, error) {
	snap, err := scan(dir)
	if err != nil {
		return nil, err
	}

	projectType := types.ProjectTypeUnknown
	var markers []string
	for _, fp := range fingerprints {
		if m := fp.match(snap); len(m) > 0 {
			projectType = fp.projectType
			markers = m
			break
		}
	}

	entry := entryFile(snap, projectType)
	docRoot := path.Dir(entry)

	return &Result{
		Type:         projectType,
		EntryFile:    entry,
		DocumentRoot: docRoot,
		Markers:      markers,
	}, nil
}

// snapshot is what a scan learned about a project directory
type snapshot struct {
	root     string
	files    map[string]bool // slash separated relative path -> is directory
	composer string
}

func (s *snapshot) hasFile(rel string) bool {
	isDir, ok := s.files[rel]
	return ok && !isDir
}

func (s *snapshot) hasDir(rel string) bool {
	isDir, ok := s.files[rel]
	return ok && isDir
}

func (s *snapshot) composerMentions(substr string) bool {
	return s.composer != "" && strings.Contains(s.composer, substr)
}

// phpFilesIn returns sorted .php file names directly inside rel ("." for root)
func (s *snapshot) phpFilesIn(rel string) []string {
	var out []string
	for name, isDir := range s.files {
		if isDir || !strings.HasSuffix(strings.ToLower(name), ".php") {
			continue
		}
		if path.Dir(name) == rel {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// probeDirs are subdirectories whose direct children take part in detection
var probeDirs = []string{"public", "web", "webroot", "bin", "bootstrap", "config", "core", "sites"}

func scan(dir string) (*snapshot, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fault.Wrapf(fault.KindDetection, "detect", err, "cannot access %s", dir)
	}
	if !info.IsDir() {
		return nil, fault.New(fault.KindDetection, "detect", "%s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fault.Wrapf(fault.KindDetection, "detect", err, "cannot read %s", dir)
	}
	if len(entries) == 0 {
		return nil, fault.New(fault.KindDetection, "detect", "%s contains no files", dir)
	}

	snap := &snapshot{root: dir, files: make(map[string]bool, len(entries))}
	for _, e := range entries {
		snap.files[e.Name()] = e.IsDir()
	}

	for _, sub := range probeDirs {
		if !snap.hasDir(sub) {
			continue
		}
		children, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			continue
		}
		for _, c := range children {
			snap.files[sub+"/"+c.Name()] = c.IsDir()
		}
	}

	if snap.hasFile("composer.json") {
		snap.composer = readFileCapped(filepath.Join(dir, "composer.json"), maxManifestRead)
	}

	return snap, nil
}

// readFileCapped reads up to maxBytes from a file, returning the content as a string.
// Returns empty string on any error.
func readFileCapped(path string, maxBytes int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, int64(maxBytes)))
	if err != nil {
		return ""
	}
	return string(data)
}
