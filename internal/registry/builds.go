package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/types"
)

// RecordSession stores a finished build session and its per-platform
// results. Step logs are not persisted.
func (s *Store) RecordSession(ctx context.Context, report *types.SessionReport) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO build_sessions (id, project_id, app_name, app_version, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, report.SessionID, report.ProjectID, report.AppName, report.AppVersion,
		toMillis(report.StartedAt), toMillis(report.FinishedAt))
	if isConstraint(err) {
		return fault.New(fault.KindNotFound, "registry.record_session", "project %s not found or session %s already recorded", report.ProjectID, report.SessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert build session: %w", err)
	}

	for _, r := range report.Results {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO build_results (session_id, platform, status, output_path, size, format, signed, error, error_kind, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, report.SessionID, string(r.Platform), string(r.Status), r.OutputPath, r.Size, r.Format,
			r.Signed, r.Error, r.ErrorKind, r.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to insert build result for %s: %w", r.Platform, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit build session: %w", err)
	}
	return nil
}

// ListSessions returns a project's build sessions, newest first. A limit
// of 0 returns all.
func (s *Store) ListSessions(ctx context.Context, projectID string, limit int) ([]*types.SessionReport, error) {
	query := `
		SELECT id, project_id, app_name, app_version, started_at, finished_at
		FROM build_sessions
		WHERE project_id = ?
		ORDER BY started_at DESC
	`
	args := []interface{}{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query build sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reports []*types.SessionReport
	for rows.Next() {
		r := &types.SessionReport{}
		var started, finished int64
		if err := rows.Scan(&r.SessionID, &r.ProjectID, &r.AppName, &r.AppVersion, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan build session: %w", err)
		}
		r.StartedAt = fromMillis(started)
		r.FinishedAt = fromMillis(finished)
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range reports {
		if r.Results, err = s.sessionResults(ctx, r.SessionID); err != nil {
			return nil, err
		}
	}
	return reports, nil
}

// GetSession returns one recorded session
func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.SessionReport, error) {
	r := &types.SessionReport{}
	var started, finished int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, app_name, app_version, started_at, finished_at
		FROM build_sessions WHERE id = ?
	`, sessionID).Scan(&r.SessionID, &r.ProjectID, &r.AppName, &r.AppVersion, &started, &finished)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "registry.get_session", "build session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load build session: %w", err)
	}
	r.StartedAt = fromMillis(started)
	r.FinishedAt = fromMillis(finished)
	if r.Results, err = s.sessionResults(ctx, sessionID); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) sessionResults(ctx context.Context, sessionID string) ([]types.BuildResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, status, output_path, size, format, signed, error, error_kind, duration_ms
		FROM build_results
		WHERE session_id = ?
		ORDER BY platform ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query build results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []types.BuildResult
	for rows.Next() {
		var r types.BuildResult
		var platform, status string
		var durationMs int64
		if err := rows.Scan(&platform, &status, &r.OutputPath, &r.Size, &r.Format, &r.Signed, &r.Error, &r.ErrorKind, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan build result: %w", err)
		}
		r.Platform = types.Platform(platform)
		r.Status = types.BuildStatus(status)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		results = append(results, r)
	}
	return results, rows.Err()
}
