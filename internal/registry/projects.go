package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ncruces/go-sqlite3"
	"gopkg.in/yaml.v3"

	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/types"
)

const projectColumns = `id, name, path, project_type, entry_file, document_root, created_at, last_modified`

// Add registers a project. An empty ID is generated. Registering a path
// twice fails with invalid_config.
func (s *Store) Add(ctx context.Context, p *types.Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.LastModified.IsZero() {
		p.LastModified = now
	}
	if err := p.Validate(); err != nil {
		return fault.Wrapf(fault.KindInvalidConfig, "registry.add", err, "invalid project")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Path, string(p.Type), p.EntryFile, p.DocumentRoot, toMillis(p.CreatedAt), toMillis(p.LastModified))
	if isConstraint(err) {
		return fault.New(fault.KindInvalidConfig, "registry.add", "project at %s is already registered", p.Path)
	}
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

// Get returns a project by id
func (s *Store) Get(ctx context.Context, id string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "registry.get", "project %s not found", id)
	}
	return p, err
}

// GetByPath returns the project registered for an absolute path
func (s *Store) GetByPath(ctx context.Context, path string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE path = ?`, path)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "registry.get", "no project registered at %s", path)
	}
	return p, err
}

// List returns every project, most recently modified first
func (s *Store) List(ctx context.Context) ([]*types.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY last_modified DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// Update replaces a project's mutable fields and bumps LastModified
func (s *Store) Update(ctx context.Context, p *types.Project) error {
	if err := p.Validate(); err != nil {
		return fault.Wrapf(fault.KindInvalidConfig, "registry.update", err, "invalid project")
	}
	p.LastModified = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET name = ?, path = ?, project_type = ?, entry_file = ?, document_root = ?, last_modified = ?
		WHERE id = ?
	`, p.Name, p.Path, string(p.Type), p.EntryFile, p.DocumentRoot, toMillis(p.LastModified), p.ID)
	if isConstraint(err) {
		return fault.New(fault.KindInvalidConfig, "registry.update", "project at %s is already registered", p.Path)
	}
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	return requireRow(res, "registry.update", p.ID)
}

// Remove forgets a project along with its configuration and history. The
// project directory is not touched.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return requireRow(res, "registry.remove", id)
}

// SaveBuildConfig stores cfg as the project's last used build configuration.
// The signing password is never persisted.
func (s *Store) SaveBuildConfig(ctx context.Context, projectID string, cfg types.BuildConfig) error {
	cfg = cfg.Clone()
	cfg.Signing.Password = ""
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode build config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO build_configs (project_id, config, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at
	`, projectID, string(data), time.Now().UnixMilli())
	if isConstraint(err) {
		return fault.New(fault.KindNotFound, "registry.save_config", "project %s not found", projectID)
	}
	if err != nil {
		return fmt.Errorf("failed to save build config: %w", err)
	}
	return nil
}

// LastBuildConfig returns the last saved build configuration, or NotFound
func (s *Store) LastBuildConfig(ctx context.Context, projectID string) (*types.BuildConfig, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT config FROM build_configs WHERE project_id = ?`, projectID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "registry.last_config", "no saved build config for project %s", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load build config: %w", err)
	}
	var cfg types.BuildConfig
	if err := yaml.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode build config: %w", err)
	}
	return &cfg, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row scanner) (*types.Project, error) {
	var p types.Project
	var kind string
	var created, modified int64
	if err := row.Scan(&p.ID, &p.Name, &p.Path, &kind, &p.EntryFile, &p.DocumentRoot, &created, &modified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	p.Type = types.ProjectType(kind)
	p.CreatedAt = fromMillis(created)
	p.LastModified = fromMillis(modified)
	return &p, nil
}

func requireRow(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return fault.New(fault.KindNotFound, op, "project %s not found", id)
	}
	return nil
}

func isConstraint(err error) bool {
	var serr *sqlite3.Error
	return errors.As(err, &serr) && serr.Code() == sqlite3.CONSTRAINT
}
