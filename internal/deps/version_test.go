package deps

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/phpack/phpack/internal/types"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"1.2.3", "v1.2.3", true},
		{"v10.48.2", "v10.48.2", true},
		{"2.0", "v2.0.0", true},
		{"7", "v7.0.0", true},
		{"3.1.0-beta1", "v3.1.0-beta.1", true},
		{"4.0.0RC2", "v4.0.0-rc.2", true},
		{"1.0.0-alpha", "v1.0.0-alpha", true},
		{"2.3.4.5", "v2.3.4", true},
		{"1.0.0-p1", "v1.0.0", true},
		{"v01.02.03", "v1.2.3", true},
		{"dev-main", "", false},
		{"2.x-dev", "", false},
		{"", "", false},
		{"latest", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := Normalize(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name                        string
		declared, installed, latest string
		want                        types.DependencyStatus
	}{
		{"not installed", "^10.0", "", "v10.1.0", types.DependencyMissing},
		{"not installed, latest unknown", "^10.0", "", "", types.DependencyMissing},
		{"up to date", "^10.0", "v10.1.0", "10.1.0", types.DependencyInstalled},
		{"behind latest", "^10.0", "v10.0.3", "v10.1.0", types.DependencyOutdated},
		{"ahead of latest", "^10.0", "10.2.0", "10.1.0", types.DependencyInstalled},
		{"latest unknown", "^10.0", "10.0.0", "", types.DependencyInstalled},
		{"prerelease behind stable", "^3.0@beta", "3.0.0-beta1", "3.0.0", types.DependencyOutdated},
		{"branch install", "dev-main", "dev-main", "2.0.0", types.DependencyInstalled},
		{"unparseable installed", "*", "dev-feature", "2.0.0", types.DependencyInstalled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.declared, tt.installed, tt.latest))
		})
	}
}

func TestDeriveStatusIsPure(t *testing.T) {
	first := DeriveStatus("^1.0", "1.0.0", "1.1.0")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, DeriveStatus("^1.0", "1.0.0", "1.1.0"))
	}
}

func TestIsPlatformPackage(t *testing.T) {
	for _, name := range []string{"php", "ext-mbstring", "lib-openssl", "composer-plugin-api"} {
		assert.True(t, IsPlatformPackage(name), name)
	}
	for _, name := range []string{"laravel/framework", "phpunit/phpunit", "extension/pack"} {
		assert.False(t, IsPlatformPackage(name), name)
	}
}

func TestCompare(t *testing.T) {
	assert.Equal(t, 1, Compare("v2.0.0", "1.9.9"))
	assert.Equal(t, -1, Compare("2.0.0-rc1", "2.0.0"))
	assert.Equal(t, 0, Compare("2.0", "v2.0.0"))
	assert.Equal(t, 1, Compare("1.0.0", "dev-main"))
}
