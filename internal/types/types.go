package types

import (
	"fmt"
	"path/filepath"
	"time"
)

// Project is a PHP project registered with phpack.
// Projects are created on import (detection runs once) and owned by the
// project registry; the build pipeline only reads them.
type Project struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Path         string      `json:"path"`
	Type         ProjectType `json:"project_type"`
	EntryFile    string      `json:"entry_file"`    // relative to Path
	DocumentRoot string      `json:"document_root"` // relative to Path, "." for the project root
	CreatedAt    time.Time   `json:"created_at"`
	LastModified time.Time   `json:"last_modified"`
	ServerPort   *int        `json:"server_port,omitempty"`
	IsRunning    bool        `json:"is_running"`
}

// Validate checks if the project has valid field values
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.Path == "" {
		return fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(p.Path) {
		return fmt.Errorf("path must be absolute (got %s)", p.Path)
	}
	if !p.Type.IsValid() {
		return fmt.Errorf("invalid project type: %s", p.Type)
	}
	if p.ServerPort != nil && (*p.ServerPort < 1 || *p.ServerPort > 65535) {
		return fmt.Errorf("server port must be between 1 and 65535 (got %d)", *p.ServerPort)
	}
	return nil
}

// DocumentRootPath returns the absolute document root of the project
func (p *Project) DocumentRootPath() string {
	if p.DocumentRoot == "" || p.DocumentRoot == "." {
		return p.Path
	}
	return filepath.Join(p.Path, filepath.FromSlash(p.DocumentRoot))
}

// ProjectType classifies a project by framework
type ProjectType string

const (
	ProjectTypeLaravel     ProjectType = "laravel"
	ProjectTypeWordPress   ProjectType = "wordpress"
	ProjectTypeSymfony     ProjectType = "symfony"
	ProjectTypeCodeIgniter ProjectType = "codeigniter"
	ProjectTypeDrupal      ProjectType = "drupal"
	ProjectTypeCakePHP     ProjectType = "cakephp"
	ProjectTypePlainPHP    ProjectType = "php"
	ProjectTypeUnknown     ProjectType = "unknown"
)

// IsValid checks if the project type value is valid
func (t ProjectType) IsValid() bool {
	switch t {
	case ProjectTypeLaravel, ProjectTypeWordPress, ProjectTypeSymfony, ProjectTypeCodeIgniter,
		ProjectTypeDrupal, ProjectTypeCakePHP, ProjectTypePlainPHP, ProjectTypeUnknown:
		return true
	}
	return false
}

// DisplayName returns the human readable framework name
func (t ProjectType) DisplayName() string {
	switch t {
	case ProjectTypeLaravel:
		return "Laravel"
	case ProjectTypeWordPress:
		return "WordPress"
	case ProjectTypeSymfony:
		return "Symfony"
	case ProjectTypeCodeIgniter:
		return "CodeIgniter"
	case ProjectTypeDrupal:
		return "Drupal"
	case ProjectTypeCakePHP:
		return "CakePHP"
	case ProjectTypePlainPHP:
		return "PHP"
	default:
		return "Unknown"
	}
}
