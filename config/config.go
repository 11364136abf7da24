// Package config loads forumstore settings from defaults, a TOML file, a
// .env file and FORUMSTORE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FORUMSTORE_"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all application configuration
type Config struct {
	LogLevel  string          `toml:"log_level"`
	Storage   StorageConfig   `toml:"storage"`
	Cache     CacheConfig     `toml:"cache"`
	Retention RetentionConfig `toml:"retention"`
	Import    ImportConfig    `toml:"import"`
}

type StorageConfig struct {
	Backend string `toml:"backend"`
	// Path is the SQLite file or the Badger directory. Unused for memory.
	Path string `toml:"path"`
}

type CacheConfig struct {
	CommentFetchFloor  int           `toml:"comment_fetch_floor"`
	ShutdownTimeout    time.Duration `toml:"shutdown_timeout"`
	WriteRetryAttempts int           `toml:"write_retry_attempts"`
	WriteRetryDelay    time.Duration `toml:"write_retry_delay"`
}

type RetentionConfig struct {
	MaxAge     time.Duration `toml:"max_age"`
	Schedule   string        `toml:"schedule"`
	RunTimeout time.Duration `toml:"run_timeout"`
}

type ImportConfig struct {
	PoolSize int `toml:"pool_size"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Storage: StorageConfig{
			Backend: BackendSQLite,
			Path:    defaultDBPath(),
		},
		Cache: CacheConfig{
			CommentFetchFloor:  200,
			ShutdownTimeout:    30 * time.Second,
			WriteRetryAttempts: 3,
			WriteRetryDelay:    50 * time.Millisecond,
		},
		Retention: RetentionConfig{
			MaxAge:     7 * 24 * time.Hour,
			Schedule:   "0 * * * *",
			RunTimeout: 30 * time.Minute,
		},
		Import: ImportConfig{
			PoolSize: 4,
		},
	}
}

// Option overrides a loaded setting.
type Option func(*Config)

// WithBackend selects the storage backend.
func WithBackend(backend string) Option {
	return func(c *Config) { c.Storage.Backend = backend }
}

// WithDBPath sets the database location.
func WithDBPath(path string) Option {
	return func(c *Config) { c.Storage.Path = path }
}

// WithLogLevel sets the log level name.
func WithLogLevel(level string) Option {
	return func(c *Config) { c.LogLevel = level }
}

// WithRetention sets the retention window and its cron schedule.
func WithRetention(maxAge time.Duration, schedule string) Option {
	return func(c *Config) {
		c.Retention.MaxAge = maxAge
		c.Retention.Schedule = schedule
	}
}

// WithShutdownTimeout bounds how long shutdown waits for queued writes.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) { c.Cache.ShutdownTimeout = d }
}

// ConfigDir returns the platform-appropriate config directory
func ConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "forumstore"), nil
}

// ConfigPath returns the full path to the default config file
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func defaultDBPath() string {
	dir, err := ConfigDir()
	if err != nil {
		return "forum.db"
	}
	return filepath.Join(dir, "forum.db")
}

// Load builds the configuration. path names a TOML file that must exist;
// an empty path falls back to ConfigPath and tolerates its absence. A .env
// file in the working directory is loaded next without overriding variables
// already set, then FORUMSTORE_* variables and opts are applied. The result
// is validated.
func Load(path string, opts ...Option) (*Config, error) {
	cfg := Default()

	required := path != ""
	if !required {
		var err error
		if path, err = ConfigPath(); err != nil {
			path = ""
		}
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if required || !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays FORUMSTORE_* environment variables.
func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"LOG_LEVEL":          &c.LogLevel,
		"BACKEND":            &c.Storage.Backend,
		"DB_PATH":            &c.Storage.Path,
		"RETENTION_SCHEDULE": &c.Retention.Schedule,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"COMMENT_FETCH_FLOOR":  &c.Cache.CommentFetchFloor,
		"WRITE_RETRY_ATTEMPTS": &c.Cache.WriteRetryAttempts,
		"IMPORT_POOL_SIZE":     &c.Import.PoolSize,
	}
	for name, dst := range ints {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %w", ErrInvalidConfig, EnvPrefix, name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT":      &c.Cache.ShutdownTimeout,
		"WRITE_RETRY_DELAY":     &c.Cache.WriteRetryDelay,
		"RETENTION_MAX_AGE":     &c.Retention.MaxAge,
		"RETENTION_RUN_TIMEOUT": &c.Retention.RunTimeout,
	}
	for name, dst := range durations {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %w", ErrInvalidConfig, EnvPrefix, name, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendSQLite, BackendBadger:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage path is required for backend %q", c.Storage.Backend))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	if c.Cache.CommentFetchFloor < 1 {
		errs = append(errs, fmt.Errorf("comment fetch floor must be positive, got %d", c.Cache.CommentFetchFloor))
	}
	if c.Cache.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must be positive, got %s", c.Cache.ShutdownTimeout))
	}
	if c.Cache.WriteRetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("write retry attempts must be at least 1, got %d", c.Cache.WriteRetryAttempts))
	}
	if c.Cache.WriteRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("write retry delay must not be negative, got %s", c.Cache.WriteRetryDelay))
	}

	if c.Retention.MaxAge <= 0 {
		errs = append(errs, fmt.Errorf("retention max age must be positive, got %s", c.Retention.MaxAge))
	}
	if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("retention schedule %q: %w", c.Retention.Schedule, err))
	}
	if c.Retention.RunTimeout <= 0 {
		errs = append(errs, fmt.Errorf("retention run timeout must be positive, got %s", c.Retention.RunTimeout))
	}

	if c.Import.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("import pool size must be at least 1, got %d", c.Import.PoolSize))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a level name (debug, info, warn, error) to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", name, err)
	}
	return level, nil
}
