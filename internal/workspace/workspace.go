package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/logging"
	"github.com/phpack/phpack/internal/types"
)

// Workspace is the scratch area of one platform task. The layout is
// <root>/<session>/<platform>/{app,runtime,dist}.
type Workspace struct {
	SessionID  string
	Platform   types.Platform
	Path       string
	AppDir     string
	RuntimeDir string
	DistDir    string
	Created    time.Time
}

// Manager creates and removes build workspaces
type Manager interface {
	// Prepare creates an empty workspace for one platform of a session
	Prepare(ctx context.Context, sessionID string, platform types.Platform) (*Workspace, error)

	// CopyProject copies the project at src into the workspace app dir
	CopyProject(ctx context.Context, ws *Workspace, src string, excludes []string) (CopyStats, error)

	// Cleanup removes a workspace. Removing a missing workspace is not an error.
	Cleanup(ctx context.Context, ws *Workspace) error

	// ReleaseSession removes the session directory once all its workspaces
	// are gone, along with its lock
	ReleaseSession(ctx context.Context, sessionID string) error

	// CleanupStale removes session directories older than olderThan whose
	// owning process is gone. It returns the number removed.
	CleanupStale(ctx context.Context, olderThan time.Duration) (int, error)

	// Active lists workspaces created and not yet cleaned up
	Active() []*Workspace
}

// Config holds configuration for the workspace manager
type Config struct {
	// Root is the directory under which sessions are created
	Root string
	// DefaultExcludes are always skipped when copying a project
	DefaultExcludes []string
	Log             *logrus.Entry
}

// manager is the concrete implementation of Manager
type manager struct {
	config Config
	active map[string]*Workspace
	locks  map[string]string // session -> lock file
	mu     deadlock.RWMutex
	log    *logrus.Entry
}

// NewManager creates a workspace manager rooted at cfg.Root
func NewManager(cfg Config) (Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	cfg.Root = root
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	log := cfg.Log
	if log == nil {
		log = logging.Discard()
	}
	return &manager{
		config: cfg,
		active: make(map[string]*Workspace),
		locks:  make(map[string]string),
		log:    logging.Component(log, "workspace"),
	}, nil
}

func key(sessionID string, platform types.Platform) string {
	return sessionID + "/" + string(platform)
}

// Prepare creates an empty workspace for one platform of a session
func (m *manager) Prepare(ctx context.Context, sessionID string, platform types.Platform) (*Workspace, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return nil, fault.New(fault.KindInvalidConfig, "workspace.prepare", "invalid session id %q", sessionID)
	}
	if !platform.IsValid() {
		return nil, fault.New(fault.KindUnsupportedPlatform, "workspace.prepare", "unknown platform %q", platform)
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindCancelled, "workspace.prepare", err)
	}

	if err := m.lockSession(sessionID); err != nil {
		return nil, err
	}

	path := filepath.Join(m.config.Root, sessionID, string(platform))
	if _, err := os.Stat(path); err == nil {
		return nil, fault.New(fault.KindInternal, "workspace.prepare", "workspace already exists: %s", path)
	}

	ws := &Workspace{
		SessionID:  sessionID,
		Platform:   platform,
		Path:       path,
		AppDir:     filepath.Join(path, "app"),
		RuntimeDir: filepath.Join(path, "runtime"),
		DistDir:    filepath.Join(path, "dist"),
		Created:    time.Now(),
	}
	for _, dir := range []string{ws.RuntimeDir, ws.DistDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			_ = os.RemoveAll(path)
			return nil, fmt.Errorf("failed to create workspace directory: %w", err)
		}
	}

	m.mu.Lock()
	m.active[key(sessionID, platform)] = ws
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"session": sessionID, "platform": platform, "path": path}).Debug("workspace prepared")
	return ws, nil
}

func (m *manager) lockSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[sessionID]; ok {
		return nil
	}
	lockPath, err := acquireSessionLock(filepath.Join(m.config.Root, sessionID), sessionID)
	if err != nil {
		return err
	}
	m.locks[sessionID] = lockPath
	return nil
}

// CopyProject copies the project at src into the workspace app dir
func (m *manager) CopyProject(ctx context.Context, ws *Workspace, src string, excludes []string) (CopyStats, error) {
	patterns := append(append([]string(nil), m.config.DefaultExcludes...), excludes...)
	stats, err := CopyTree(ctx, src, ws.AppDir, patterns)
	if err != nil {
		return stats, err
	}
	m.log.WithFields(logrus.Fields{
		"session":  ws.SessionID,
		"platform": ws.Platform,
		"files":    stats.Files,
		"bytes":    stats.Bytes,
	}).Debug("project copied")
	return stats, nil
}

// contained reports whether path lies strictly inside the workspace root
func (m *manager) contained(path string) bool {
	rel, err := filepath.Rel(m.config.Root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Cleanup removes a workspace
func (m *manager) Cleanup(ctx context.Context, ws *Workspace) error {
	if ws == nil {
		return nil
	}
	if !m.contained(ws.Path) {
		return fault.New(fault.KindInternal, "workspace.cleanup", "refusing to remove %s outside %s", ws.Path, m.config.Root)
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", ws.Path, err)
	}

	m.mu.Lock()
	delete(m.active, key(ws.SessionID, ws.Platform))
	m.mu.Unlock()
	return nil
}

// ReleaseSession drops the session lock and removes the session directory
// when it is empty
func (m *manager) ReleaseSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	lockPath, ok := m.locks[sessionID]
	delete(m.locks, sessionID)
	m.mu.Unlock()

	if ok {
		if err := releaseSessionLock(lockPath); err != nil {
			return err
		}
	}

	dir := filepath.Join(m.config.Root, sessionID)
	if !m.contained(dir) {
		return nil
	}
	// only removes an empty directory; kept workspaces stay in place
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		m.log.WithField("session", sessionID).Debug("session directory not empty, keeping")
	}
	return nil
}

// CleanupStale removes abandoned session directories
func (m *manager) CleanupStale(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.config.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read workspace root: %w", err)
	}

	m.mu.RLock()
	held := make(map[string]bool, len(m.locks))
	for session := range m.locks {
		held[session] = true
	}
	m.mu.RUnlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	var lastErr error
	for _, entry := range entries {
		if !entry.IsDir() || held[entry.Name()] {
			continue
		}
		if ctx.Err() != nil {
			return removed, fault.Wrap(fault.KindCancelled, "workspace.cleanup", ctx.Err())
		}
		dir := filepath.Join(m.config.Root, entry.Name())
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if sessionLockHeld(dir) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			lastErr = fmt.Errorf("failed to remove stale session %s: %w", entry.Name(), err)
			continue
		}
		removed++
		m.log.WithField("session", entry.Name()).Info("removed stale workspace")
	}
	return removed, lastErr
}

// Active lists live workspaces ordered by session then platform
func (m *manager) Active() []*Workspace {
	m.mu.RLock()
	out := make([]*Workspace, 0, len(m.active))
	for _, ws := range m.active {
		out = append(out, ws)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return key(out[i].SessionID, out[i].Platform) < key(out[j].SessionID, out[j].Platform)
	})
	return out
}
