package types

// DependencyType distinguishes runtime from development requirements
type DependencyType string

const (
	DependencyRequire    DependencyType = "require"
	DependencyRequireDev DependencyType = "require-dev"
	// DependencyPlatform marks php, ext-* and lib-* requirements
	DependencyPlatform DependencyType = "platform"
)

// DependencyStatus is derived by the dependency resolver; callers never set it
type DependencyStatus string

const (
	DependencyInstalled DependencyStatus = "installed"
	DependencyMissing   DependencyStatus = "missing"
	DependencyOutdated  DependencyStatus = "outdated"
)

// Dependency is one declared Composer requirement and its resolved state
type Dependency struct {
	Name          string           `json:"name"`
	Version       string           `json:"version"` // requested constraint
	Type          DependencyType   `json:"type"`
	Status        DependencyStatus `json:"status"`
	Installed     string           `json:"installed,omitempty"`
	LatestVersion string           `json:"latest_version,omitempty"`
	Description   string           `json:"description,omitempty"`
}
