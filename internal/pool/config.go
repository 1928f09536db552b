package pool

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the immutable settings a Pool is constructed with.
// Nothing in here changes once New returns; the pool does not support
// reconfiguration after Initialize (see spec Non-goals).
type Config struct {
	// Driver connect parameters.
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Pool size bounds.
	InitialPoolSize int `yaml:"initial_pool_size"`
	MinPoolSize     int `yaml:"min_pool_size"`
	MaxPoolSize     int `yaml:"max_pool_size"`

	// Timeouts. Not tagged for direct yaml decoding: yaml.v3 has no
	// notion of time.Duration and rejects a value like "10s" outright
	// (Kind mismatch against the field's int64). UnmarshalYAML below
	// parses these the way the teacher's config manager does, as
	// strings fed through time.ParseDuration.
	ConnectionTimeout time.Duration `yaml:"-"`
	ValidationTimeout time.Duration `yaml:"-"`
	IdleTimeout       time.Duration `yaml:"-"`
	MaxLifetime       time.Duration `yaml:"-"`

	// Health checking.
	EnableHealthCheck   bool          `yaml:"enable_health_check"`
	HealthCheckInterval time.Duration `yaml:"-"`

	// Validation probe.
	ValidationQuery string `yaml:"validation_query"`

	// Connection creation retry policy (see createConnection).
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"-"`

	// Reserved for the async-acquire worker pool (§4.4).
	WorkerThreadCount int `yaml:"worker_thread_count"`
}

// DefaultConfig returns a Config with the same defaults as the
// original C++ implementation (ConnectionPoolConfig), expressed in
// Go's native duration type instead of bare seconds.
func DefaultConfig() Config {
	return Config{
		Port:                3306,
		InitialPoolSize:     5,
		MinPoolSize:         2,
		MaxPoolSize:         20,
		ConnectionTimeout:   30 * time.Second,
		ValidationTimeout:   5 * time.Second,
		IdleTimeout:         300 * time.Second,
		MaxLifetime:         3600 * time.Second,
		EnableHealthCheck:   true,
		HealthCheckInterval: 60 * time.Second,
		ValidationQuery:     "SELECT 1",
		MaxRetries:          3,
		RetryDelay:          time.Second,
		WorkerThreadCount:   2,
	}
}

// UnmarshalYAML decodes a Config, parsing the duration fields the way
// internal/shared/config/manager.go parses CacheTTL and friends: as
// plain duration strings ("30s", "5m") run through time.ParseDuration,
// rather than relying on yaml.v3 to know what a time.Duration is. A
// duration key absent from the document leaves the field at whatever
// it already held (DefaultConfig's value, typically), matching the
// zero-value-preserving behavior of the rest of Config's fields.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type alias Config
	if err := value.Decode((*alias)(c)); err != nil {
		return err
	}

	var durations struct {
		ConnectionTimeout   string `yaml:"connection_timeout"`
		ValidationTimeout   string `yaml:"validation_timeout"`
		IdleTimeout         string `yaml:"idle_timeout"`
		MaxLifetime         string `yaml:"max_lifetime"`
		HealthCheckInterval string `yaml:"health_check_interval"`
		RetryDelay          string `yaml:"retry_delay"`
	}
	if err := value.Decode(&durations); err != nil {
		return err
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"connection_timeout", durations.ConnectionTimeout, &c.ConnectionTimeout},
		{"validation_timeout", durations.ValidationTimeout, &c.ValidationTimeout},
		{"idle_timeout", durations.IdleTimeout, &c.IdleTimeout},
		{"max_lifetime", durations.MaxLifetime, &c.MaxLifetime},
		{"health_check_interval", durations.HealthCheckInterval, &c.HealthCheckInterval},
		{"retry_delay", durations.RetryDelay, &c.RetryDelay},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Endpoint returns the tcp://host:port/database string passed to the
// driver. Credentials are never part of it (spec §6).
func (c Config) Endpoint() string {
	return fmt.Sprintf("tcp://%s:%d/%s", c.Host, c.Port, c.Database)
}

// Validate checks the hard invariants a Config must satisfy before a
// Pool can be constructed from it. It never logs or mutates c.
func (c Config) Validate() error {
	if c.MinPoolSize < 0 || c.MaxPoolSize <= 0 {
		return fmt.Errorf("%w: min_pool_size and max_pool_size must be >= 0 and > 0", ErrConfigInvalid)
	}
	if c.MinPoolSize > c.MaxPoolSize {
		return fmt.Errorf("%w: min_pool_size (%d) > max_pool_size (%d)", ErrConfigInvalid, c.MinPoolSize, c.MaxPoolSize)
	}
	if c.InitialPoolSize < c.MinPoolSize || c.InitialPoolSize > c.MaxPoolSize {
		return fmt.Errorf("%w: initial_pool_size (%d) must be within [min_pool_size, max_pool_size]", ErrConfigInvalid, c.InitialPoolSize)
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("%w: connection_timeout must be positive", ErrConfigInvalid)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrConfigInvalid)
	}
	if c.ValidationQuery == "" {
		return fmt.Errorf("%w: validation_query must not be empty", ErrConfigInvalid)
	}
	return nil
}
