// Package config loads a pool.Config from a YAML file on disk, applying
// environment variable overrides for the password (so it never has to
// live in a checked-in config file) and for the host and port.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/catherinevee/dbpool/internal/pool"
)

// envPasswordOverride is the environment variable checked after the
// file is loaded; if set it always wins over whatever the YAML file
// contains.
const envPasswordOverride = "DBPOOL_PASSWORD"

// Load reads path, applying pool.DefaultConfig for any field the file
// does not set (a key set explicitly to zero keeps the zero), then
// validates the result. A missing file
// is not an error: Load falls back to pool.DefaultConfig() entirely.
//
// Unlike the teacher's config manager, there is deliberately no file
// watcher here: hot-reloading pool sizing/timeouts mid-flight is out
// of scope (see Non-goals — dynamic reconfiguration).
func Load(path string) (pool.Config, error) {
	cfg := pool.DefaultConfig()

	path = expandPath(path)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		applyEnvironmentOverrides(&cfg)
		return cfg, cfg.Validate()
	}
	if err != nil {
		return pool.Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return pool.Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvironmentOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return pool.Config{}, err
	}
	return cfg, nil
}

func applyEnvironmentOverrides(cfg *pool.Config) {
	if pw := os.Getenv(envPasswordOverride); pw != "" {
		cfg.Password = pw
	}
	if host := os.Getenv("DBPOOL_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("DBPOOL_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
