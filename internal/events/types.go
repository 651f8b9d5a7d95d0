// Package events carries build progress from platform pipelines to
// subscribers such as the CLI and the API event stream.
package events

import (
	"time"

	"github.com/phpack/phpack/internal/types"
)

// EventType represents what happened in a build session
type EventType string

const (
	// EventTypeSessionStarted is published once before any platform starts
	EventTypeSessionStarted EventType = "session_started"
	// EventTypeStageStarted marks a step moving to process
	EventTypeStageStarted EventType = "stage_started"
	// EventTypeStageLog carries log lines appended to a running step
	EventTypeStageLog EventType = "stage_log"
	// EventTypeStageCompleted marks a step moving to finish
	EventTypeStageCompleted EventType = "stage_completed"
	// EventTypeStageFailed marks a step moving to error
	EventTypeStageFailed EventType = "stage_failed"
	// EventTypePlatformFinished is the terminal event of one platform
	EventTypePlatformFinished EventType = "platform_finished"
	// EventTypeSessionFinished is published after every platform finished
	EventTypeSessionFinished EventType = "session_finished"
)

// IsValid checks if the event type value is valid
func (t EventType) IsValid() bool {
	switch t {
	case EventTypeSessionStarted, EventTypeStageStarted, EventTypeStageLog, EventTypeStageCompleted,
		EventTypeStageFailed, EventTypePlatformFinished, EventTypeSessionFinished:
		return true
	}
	return false
}

// EventSeverity represents the severity level of an event.
type EventSeverity string

const (
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// BuildEvent is one observable state change of a build session
type BuildEvent struct {
	// ID is the unique identifier for this event
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	SessionID string        `json:"session_id"`
	ProjectID string        `json:"project_id"`
	// Platform is empty for session-level events
	Platform types.Platform   `json:"platform,omitempty"`
	Stage    types.Stage      `json:"stage,omitempty"`
	Status   types.StepStatus `json:"status,omitempty"`
	Severity EventSeverity    `json:"severity"`
	Message  string           `json:"message"`
	Logs     []string         `json:"logs,omitempty"`
	// Error and ErrorKind are set on failures
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	// Seq increases by one per event of the same platform within a session
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	// Data contains structured, type-specific data (must be JSON-serializable)
	Data map[string]interface{} `json:"data,omitempty"`
}

// IsTerminal reports whether no further events follow for the platform
func (e *BuildEvent) IsTerminal() bool {
	return e.Type == EventTypePlatformFinished || e.Type == EventTypeSessionFinished
}

// ArtifactData describes the artifact of a successful platform build
type ArtifactData struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Format string `json:"format"`
	Signed bool   `json:"signed"`
}

// ProgressData reports fractional progress within a stage
type ProgressData struct {
	// Phase names the sub-step, e.g. a composer phase
	Phase string `json:"phase"`
	// Fraction is between 0.0 and 1.0
	Fraction float64 `json:"fraction"`
}

// SessionSummaryData is attached to the session finished event
type SessionSummaryData struct {
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	Cancelled  int   `json:"cancelled"`
	DurationMs int64 `json:"duration_ms"`
}
