package types

import (
	"strconv"
	"time"
)

// ServerStatus is the lifecycle state of a preview server
type ServerStatus string

const (
	ServerStopped  ServerStatus = "stopped"
	ServerStarting ServerStatus = "starting"
	ServerRunning  ServerStatus = "running"
	ServerStopping ServerStatus = "stopping"
	ServerCrashed  ServerStatus = "crashed"
)

// ServerStats are counters gathered from the server's access log
type ServerStats struct {
	Requests      int64 `json:"requests"`
	Errors        int64 `json:"errors"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// ServerInstance is a running PHP preview server. It is never persisted.
type ServerInstance struct {
	Port         int          `json:"port"`
	ProjectID    string       `json:"project_id"`
	ProjectPath  string       `json:"project_path"`
	DocumentRoot string       `json:"document_root"`
	PID          int          `json:"pid"`
	Status       ServerStatus `json:"status"`
	StartedAt    time.Time    `json:"started_at"`
	Stats        ServerStats  `json:"stats"`
}

// URL returns the local address the server listens on
func (s *ServerInstance) URL() string {
	return "http://localhost:" + strconv.Itoa(s.Port)
}
