package events

import (
	"encoding/json"
	"fmt"
)

// SetArtifactData attaches the artifact of a finished platform
func (e *BuildEvent) SetArtifactData(data ArtifactData) error {
	return e.setData("artifact", data)
}

// GetArtifactData decodes the artifact attached by SetArtifactData
func (e *BuildEvent) GetArtifactData() (*ArtifactData, error) {
	return dataAs[ArtifactData](e, "artifact")
}

// SetProgressData attaches stage progress. Fraction must be within [0, 1].
func (e *BuildEvent) SetProgressData(data ProgressData) error {
	if data.Fraction < 0 || data.Fraction > 1 {
		return fmt.Errorf("progress fraction out of range: %v", data.Fraction)
	}
	return e.setData("progress", data)
}

// GetProgressData decodes the progress attached by SetProgressData
func (e *BuildEvent) GetProgressData() (*ProgressData, error) {
	return dataAs[ProgressData](e, "progress")
}

// SetSessionSummaryData attaches the per-status counts of a session
func (e *BuildEvent) SetSessionSummaryData(data SessionSummaryData) error {
	return e.setData("summary", data)
}

// GetSessionSummaryData decodes the summary attached by SetSessionSummaryData
func (e *BuildEvent) GetSessionSummaryData() (*SessionSummaryData, error) {
	return dataAs[SessionSummaryData](e, "summary")
}

// setData stores v in Data as a plain JSON object so subscribers that only
// see the wire form get the same shape
func (e *BuildEvent) setData(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s data: %w", name, err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("encode %s data: %w", name, err)
	}
	e.Data = m
	return nil
}

func dataAs[T any](e *BuildEvent, name string) (*T, error) {
	if e.Data == nil {
		return nil, fmt.Errorf("event %s carries no %s data", e.Type, name)
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s data: %w", name, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", name, err)
	}
	return &v, nil
}
