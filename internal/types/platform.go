package types

import "fmt"

// Platform identifies a build target as <os>-<arch>
type Platform string

const (
	PlatformWindowsX64   Platform = "windows-x64"
	PlatformWindowsARM64 Platform = "windows-arm64"
	PlatformMacOSX64     Platform = "macos-x64"
	PlatformMacOSARM64   Platform = "macos-arm64"
	PlatformLinuxX64     Platform = "linux-x64"
	PlatformLinuxARM64   Platform = "linux-arm64"
)

// AllPlatforms lists every platform phpack can target, in display order
var AllPlatforms = []Platform{
	PlatformWindowsX64,
	PlatformWindowsARM64,
	PlatformMacOSX64,
	PlatformMacOSARM64,
	PlatformLinuxX64,
	PlatformLinuxARM64,
}

// IsValid checks if the platform value is known
func (p Platform) IsValid() bool {
	for _, known := range AllPlatforms {
		if p == known {
			return true
		}
	}
	return false
}

// OS returns the operating system family: windows, macos or linux
func (p Platform) OS() string {
	switch p {
	case PlatformWindowsX64, PlatformWindowsARM64:
		return "windows"
	case PlatformMacOSX64, PlatformMacOSARM64:
		return "macos"
	case PlatformLinuxX64, PlatformLinuxARM64:
		return "linux"
	}
	return ""
}

// Arch returns the CPU architecture: x64 or arm64
func (p Platform) Arch() string {
	switch p {
	case PlatformWindowsX64, PlatformMacOSX64, PlatformLinuxX64:
		return "x64"
	case PlatformWindowsARM64, PlatformMacOSARM64, PlatformLinuxARM64:
		return "arm64"
	}
	return ""
}

// ExecutableSuffix returns ".exe" for Windows targets and "" otherwise
func (p Platform) ExecutableSuffix() string {
	if p.OS() == "windows" {
		return ".exe"
	}
	return ""
}

// DisplayName returns a human readable name such as "macOS (Apple Silicon)"
func (p Platform) DisplayName() string {
	switch p {
	case PlatformWindowsX64:
		return "Windows (x64)"
	case PlatformWindowsARM64:
		return "Windows (ARM64)"
	case PlatformMacOSX64:
		return "macOS (Intel)"
	case PlatformMacOSARM64:
		return "macOS (Apple Silicon)"
	case PlatformLinuxX64:
		return "Linux (x64)"
	case PlatformLinuxARM64:
		return "Linux (ARM64)"
	}
	return string(p)
}

// ParsePlatform converts a string into a Platform, rejecting unknown values
func ParsePlatform(s string) (Platform, error) {
	p := Platform(s)
	if !p.IsValid() {
		return "", fmt.Errorf("unknown platform %q", s)
	}
	return p, nil
}
