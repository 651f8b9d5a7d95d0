package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// loadEnv overlays PHPACK_* environment variables onto cfg.
// Only non-empty values override the current config.
//
// Environment variables:
//   - PHPACK_DATA_DIR, PHPACK_CACHE_DIR, PHPACK_WORKSPACE_ROOT
//   - PHPACK_PORT_MIN, PHPACK_PORT_MAX
//   - PHPACK_PHP_BINARY, PHPACK_SERVER_STOP_TIMEOUT, PHPACK_SERVER_PROBE_INTERVAL, PHPACK_SERVER_PROBE_FAILURES
//   - PHPACK_COMPOSER_BINARY, PHPACK_PACKAGIST_URL
//   - PHPACK_RUNTIME_INDEX_URL, PHPACK_RUNTIME_VERSIONS (comma separated), PHPACK_MAX_PARALLEL_FETCHES,
//     PHPACK_RUNTIME_MAX_ATTEMPTS, PHPACK_DOWNLOAD_RATE_LIMIT
//   - PHPACK_S3_ENDPOINT, PHPACK_S3_BUCKET, PHPACK_S3_PREFIX, PHPACK_S3_ACCESS_KEY, PHPACK_S3_SECRET_KEY, PHPACK_S3_USE_SSL
//   - PHPACK_MAX_PARALLEL_PLATFORMS, PHPACK_KEEP_WORKSPACE, PHPACK_SHELL_STUB_DIR
//   - PHPACK_LOG_LEVEL, PHPACK_LOG_FORMAT, PHPACK_LOG_FILE
//   - PHPACK_API_ADDR
//
// Returns an error if any environment variable has an invalid value.
func loadEnv(cfg *Config) error {
	strs := []struct {
		key  string
		dest *string
	}{
		{"PHPACK_DATA_DIR", &cfg.Paths.DataDir},
		{"PHPACK_CACHE_DIR", &cfg.Paths.CacheDir},
		{"PHPACK_WORKSPACE_ROOT", &cfg.Paths.WorkspaceRoot},
		{"PHPACK_PHP_BINARY", &cfg.Server.PHPBinary},
		{"PHPACK_COMPOSER_BINARY", &cfg.Composer.Binary},
		{"PHPACK_PACKAGIST_URL", &cfg.Composer.PackagistURL},
		{"PHPACK_RUNTIME_INDEX_URL", &cfg.Runtime.IndexURL},
		{"PHPACK_S3_ENDPOINT", &cfg.Runtime.S3.Endpoint},
		{"PHPACK_S3_BUCKET", &cfg.Runtime.S3.Bucket},
		{"PHPACK_S3_PREFIX", &cfg.Runtime.S3.Prefix},
		{"PHPACK_S3_ACCESS_KEY", &cfg.Runtime.S3.AccessKey},
		{"PHPACK_S3_SECRET_KEY", &cfg.Runtime.S3.SecretKey},
		{"PHPACK_SHELL_STUB_DIR", &cfg.Build.ShellStubDir},
		{"PHPACK_LOG_LEVEL", &cfg.Logging.Level},
		{"PHPACK_LOG_FORMAT", &cfg.Logging.Format},
		{"PHPACK_LOG_FILE", &cfg.Logging.File},
		{"PHPACK_API_ADDR", &cfg.API.Addr},
	}
	for _, s := range strs {
		if err := parseEnvString(s.key, s.dest); err != nil {
			return err
		}
	}

	ints := []struct {
		key  string
		dest *int
	}{
		{"PHPACK_PORT_MIN", &cfg.Ports.Min},
		{"PHPACK_PORT_MAX", &cfg.Ports.Max},
		{"PHPACK_SERVER_PROBE_FAILURES", &cfg.Server.ProbeFailures},
		{"PHPACK_MAX_PARALLEL_FETCHES", &cfg.Runtime.MaxParallelFetches},
		{"PHPACK_RUNTIME_MAX_ATTEMPTS", &cfg.Runtime.MaxAttempts},
		{"PHPACK_MAX_PARALLEL_PLATFORMS", &cfg.Build.MaxParallelPlatforms},
	}
	for _, i := range ints {
		if err := parseEnvInt(i.key, i.dest); err != nil {
			return err
		}
	}

	if err := parseEnvDuration("PHPACK_SERVER_STOP_TIMEOUT", &cfg.Server.StopTimeout); err != nil {
		return err
	}
	if err := parseEnvDuration("PHPACK_SERVER_PROBE_INTERVAL", &cfg.Server.ProbeInterval); err != nil {
		return err
	}
	if err := parseEnvInt64("PHPACK_DOWNLOAD_RATE_LIMIT", &cfg.Runtime.DownloadRateLimit); err != nil {
		return err
	}
	if err := parseEnvBool("PHPACK_S3_USE_SSL", &cfg.Runtime.S3.UseSSL); err != nil {
		return err
	}
	if err := parseEnvBool("PHPACK_KEEP_WORKSPACE", &cfg.Build.KeepWorkspace); err != nil {
		return err
	}
	if v := os.Getenv("PHPACK_RUNTIME_VERSIONS"); v != "" {
		var versions []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				versions = append(versions, part)
			}
		}
		cfg.Runtime.SupportedVersions = versions
	}

	return nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvInt64 parses an int64 from an environment variable
func parseEnvInt64(key string, dest *int64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvBool parses a bool from an environment variable
func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvDuration parses a Go duration such as "15s" from an environment variable
func parseEnvDuration(key string, dest *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	*dest = value
	return nil
}
