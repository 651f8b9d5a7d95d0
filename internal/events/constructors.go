package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/types"
)

func newEvent(t EventType, sessionID, projectID string, platform types.Platform, severity EventSeverity, message string) *BuildEvent {
	return &BuildEvent{
		ID:        uuid.New().String(),
		Type:      t,
		SessionID: sessionID,
		ProjectID: projectID,
		Platform:  platform,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewSessionEvent creates a session-level event
func NewSessionEvent(t EventType, sessionID, projectID, message string) *BuildEvent {
	return newEvent(t, sessionID, projectID, "", SeverityInfo, message)
}

// NewStageEvent creates an event for a step status change. A non-nil err
// marks the event failed and records the error kind.
func NewStageEvent(sessionID, projectID string, platform types.Platform, stage types.Stage, status types.StepStatus, err error) *BuildEvent {
	t := EventTypeStageStarted
	severity := SeverityInfo
	switch status {
	case types.StepFinish:
		t = EventTypeStageCompleted
	case types.StepError:
		t = EventTypeStageFailed
		severity = SeverityError
	}
	e := newEvent(t, sessionID, projectID, platform, severity, stage.Title())
	e.Stage = stage
	e.Status = status
	if err != nil {
		e.Error = err.Error()
		e.ErrorKind = string(fault.KindOf(err))
	}
	return e
}

// NewLogEvent carries lines appended to a running step
func NewLogEvent(sessionID, projectID string, platform types.Platform, stage types.Stage, severity EventSeverity, lines ...string) *BuildEvent {
	e := newEvent(EventTypeStageLog, sessionID, projectID, platform, severity, stage.Title())
	e.Stage = stage
	e.Status = types.StepProcess
	e.Logs = lines
	return e
}

// NewPlatformFinishedEvent creates the terminal event of a platform
func NewPlatformFinishedEvent(sessionID, projectID string, result types.BuildResult) (*BuildEvent, error) {
	stage := types.StageSucceeded
	severity := SeverityInfo
	switch result.Status {
	case types.BuildStatusFailed:
		stage, severity = types.StageFailed, SeverityError
	case types.BuildStatusCancelled:
		stage, severity = types.StageCancelled, SeverityWarning
	}
	e := newEvent(EventTypePlatformFinished, sessionID, projectID, result.Platform, severity, stage.Title())
	e.Stage = stage
	e.Error = result.Error
	e.ErrorKind = result.ErrorKind
	if result.Status == types.BuildStatusSuccess {
		if err := e.SetArtifactData(ArtifactData{
			Path:   result.OutputPath,
			Size:   result.Size,
			Format: result.Format,
			Signed: result.Signed,
		}); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// NewSessionFinishedEvent summarizes a completed session
func NewSessionFinishedEvent(report *types.SessionReport) (*BuildEvent, error) {
	summary := SessionSummaryData{
		DurationMs: report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	}
	for _, r := range report.Results {
		switch r.Status {
		case types.BuildStatusSuccess:
			summary.Succeeded++
		case types.BuildStatusFailed:
			summary.Failed++
		case types.BuildStatusCancelled:
			summary.Cancelled++
		}
	}
	severity := SeverityInfo
	if summary.Failed > 0 {
		severity = SeverityError
	}
	e := newEvent(EventTypeSessionFinished, report.SessionID, report.ProjectID, "", severity, "Build finished")
	if err := e.SetSessionSummaryData(summary); err != nil {
		return nil, err
	}
	return e, nil
}
