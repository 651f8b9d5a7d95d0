package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const lockFile = ".phpack-session.lock"

// SessionLock marks a session directory as owned by a running process so
// stale cleanup in another phpack process leaves it alone
type SessionLock struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// acquireSessionLock writes the lock file into dir, creating dir
func acquireSessionLock(dir, sessionID string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}
	lockPath := filepath.Join(dir, lockFile)

	if existing, ok := readSessionLock(lockPath); ok && existing.PID != os.Getpid() && isProcessAlive(existing.PID, existing.Hostname) {
		return "", fmt.Errorf("session %s is held by PID %d on %s", sessionID, existing.PID, existing.Hostname)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	data, err := json.MarshalIndent(SessionLock{
		SessionID: sessionID,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}
	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to create session lock: %w", err)
	}
	return lockPath, nil
}

// releaseSessionLock removes the lock file
func releaseSessionLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session lock: %w", err)
	}
	return nil
}

func readSessionLock(lockPath string) (SessionLock, bool) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return SessionLock{}, false
	}
	var lock SessionLock
	if json.Unmarshal(data, &lock) != nil {
		return SessionLock{}, false
	}
	return lock, true
}

// sessionLockHeld reports whether a live process holds the session in dir
func sessionLockHeld(dir string) bool {
	lock, ok := readSessionLock(filepath.Join(dir, lockFile))
	return ok && isProcessAlive(lock.PID, lock.Hostname)
}

// isProcessAlive checks if a process with the given PID exists on the given
// hostname. Remote hosts are assumed alive.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}
	if !strings.EqualFold(hostname, currentHost) {
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM: the process exists but belongs to someone else
	return err == syscall.EPERM
}
