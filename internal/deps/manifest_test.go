package deps

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phpack/phpack/internal/fault"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestParseManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "composer.json", "\xef\xbb\xbf"+`{
		"name": "acme/shop",
		"description": "Shop front",
		"require": {"php": "^8.1", "laravel/framework": "^10.0"},
		"require-dev": []
	}`)

	m, err := ParseManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "acme/shop", m.Name)
	assert.Equal(t, "^10.0", m.Require["laravel/framework"])
	assert.Empty(t, m.RequireDev)
}

func TestParseManifestErrors(t *testing.T) {
	_, err := ParseManifest(t.TempDir())
	assert.True(t, fault.Is(err, fault.KindManifestParse), "missing manifest")

	dir := t.TempDir()
	writeFile(t, dir, "composer.json", `{"require": {"a/b": `)
	_, err = ParseManifest(dir)
	assert.True(t, fault.Is(err, fault.KindManifestParse), "malformed manifest")
}

func TestParseLock(t *testing.T) {
	dir := t.TempDir()

	pkgs, err := ParseLock(dir)
	require.NoError(t, err)
	assert.Empty(t, pkgs, "missing lock means nothing installed")

	writeFile(t, dir, "composer.lock", `{
		"packages": [{"name": "monolog/monolog", "version": "3.5.0", "description": "Logging"}],
		"packages-dev": [{"name": "phpunit/phpunit", "version": "10.5.1"}]
	}`)
	pkgs, err = ParseLock(dir)
	require.NoError(t, err)
	assert.Equal(t, "3.5.0", pkgs["monolog/monolog"].Version)
	assert.True(t, pkgs["phpunit/phpunit"].Dev)

	writeFile(t, dir, "composer.lock", `not json`)
	_, err = ParseLock(dir)
	assert.True(t, fault.Is(err, fault.KindManifestParse))
}

func TestParseInstalledFormats(t *testing.T) {
	t.Run("composer 2", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "vendor/composer/installed.json", `{
			"packages": [
				{"name": "monolog/monolog", "version": "3.4.0"},
				{"name": "phpunit/phpunit", "version": "10.5.1"}
			],
			"dev": true,
			"dev-package-names": ["phpunit/phpunit"]
		}`)
		pkgs, ok, err := ParseInstalled(dir)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "3.4.0", pkgs["monolog/monolog"].Version)
		assert.True(t, pkgs["phpunit/phpunit"].Dev)
	})

	t.Run("composer 1", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "vendor/composer/installed.json", `[{"name": "monolog/monolog", "version": "1.27.1"}]`)
		pkgs, ok, err := ParseInstalled(dir)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "1.27.1", pkgs["monolog/monolog"].Version)
	})

	t.Run("absent", func(t *testing.T) {
		_, ok, err := ParseInstalled(t.TempDir())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
