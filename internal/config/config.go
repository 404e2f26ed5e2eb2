// Package config handles loading of the petsync configuration file (config.toml).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/caarlos0/env/v6"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	apperrors "github.com/aopopov01/TailTracker-sub009/internal/errors"
)

// AppName names the xdg directories and the env prefix.
const AppName = "petsync"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PETSYNC_"

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// Duration is a time.Duration that reads "750ms" style strings from TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Store selects and locates the durable change store.
type Store struct {
	Driver string `toml:"driver" env:"DRIVER"`
	Path   string `toml:"path" env:"PATH"`
}

// Transport configures the remote store connection.
type Transport struct {
	URL             string   `toml:"url" env:"URL"`
	PushTimeout     Duration `toml:"push_timeout" env:"PUSH_TIMEOUT"`
	SnapshotTimeout Duration `toml:"snapshot_timeout" env:"SNAPSHOT_TIMEOUT"`
}

// Debounce holds the per field class debounce delays.
type Debounce struct {
	Text    Duration `toml:"text" env:"TEXT"`
	Numeric Duration `toml:"numeric" env:"NUMERIC"`
	List    Duration `toml:"list" env:"LIST"`
	Blob    Duration `toml:"blob" env:"BLOB"`
}

// Retry configures exponential backoff for failed pushes.
type Retry struct {
	Base        Duration `toml:"base" env:"BASE"`
	Cap         Duration `toml:"cap" env:"CAP"`
	MaxAttempts int      `toml:"max_attempts" env:"MAX_ATTEMPTS"`
	Jitter      float64  `toml:"jitter" env:"JITTER"`
}

// Conflict selects the default resolution policy.
type Conflict struct {
	Policy string `toml:"policy" env:"POLICY"`
}

// Scheduler configures periodic full syncs.
type Scheduler struct {
	FullSyncInterval Duration `toml:"full_sync_interval" env:"FULL_SYNC_INTERVAL"`
}

// Log configures the structured logger.
type Log struct {
	Level      string `toml:"level" env:"LEVEL"`
	File       string `toml:"file" env:"FILE"`
	MaxSizeMB  int    `toml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `toml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `toml:"max_age_days" env:"MAX_AGE_DAYS"`
}

// Config is the complete petsync configuration. Every field can be
// overridden by an environment variable named after its section and key,
// for example PETSYNC_RETRY_MAX_ATTEMPTS.
type Config struct {
	Store     Store     `toml:"store" envPrefix:"PETSYNC_STORE_"`
	Transport Transport `toml:"transport" envPrefix:"PETSYNC_TRANSPORT_"`
	Debounce  Debounce  `toml:"debounce" envPrefix:"PETSYNC_DEBOUNCE_"`
	Retry     Retry     `toml:"retry" envPrefix:"PETSYNC_RETRY_"`
	Conflict  Conflict  `toml:"conflict" envPrefix:"PETSYNC_CONFLICT_"`
	Scheduler Scheduler `toml:"scheduler" envPrefix:"PETSYNC_SCHEDULER_"`
	Log       Log       `toml:"log" envPrefix:"PETSYNC_LOG_"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Store: Store{
			Driver: DriverSQLite,
			Path:   filepath.Join(xdg.DataHome, AppName),
		},
		Transport: Transport{
			URL:             "ws://127.0.0.1:8787/sync",
			PushTimeout:     Duration(10 * time.Second),
			SnapshotTimeout: Duration(15 * time.Second),
		},
		Debounce: Debounce{
			Text:    Duration(750 * time.Millisecond),
			Numeric: Duration(400 * time.Millisecond),
			List:    Duration(500 * time.Millisecond),
			Blob:    Duration(1500 * time.Millisecond),
		},
		Retry: Retry{
			Base:        Duration(time.Second),
			Cap:         Duration(60 * time.Second),
			MaxAttempts: 3,
			Jitter:      0.2,
		},
		Conflict: Conflict{
			Policy: "last_write_wins",
		},
		Scheduler: Scheduler{
			FullSyncInterval: Duration(5 * time.Minute),
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// DefaultPath returns the config file location under the xdg config home.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.toml")
}

// Load reads the config file at path on top of the defaults, then applies
// PETSYNC_* environment overrides. A missing file is not an error.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := afero.ReadFile(fs, path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, apperrors.Wrap(apperrors.ErrConfigInvalid, fmt.Sprintf("failed to parse %s", path), err)
		}
	case os.IsNotExist(err):
	default:
		return Config{}, apperrors.Wrap(apperrors.ErrConfigInvalid, fmt.Sprintf("failed to read %s", path), err)
	}

	if err := cfg.ApplyEnv(nil); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the config as TOML, creating parent directories.
func Save(fs afero.Fs, path string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return afero.WriteFile(fs, path, data, 0644)
}

// ApplyEnv overrides fields from PETSYNC_* variables. A nil environ reads
// the process environment. Unset or empty variables keep the current value.
func (c *Config) ApplyEnv(environ map[string]string) error {
	if err := env.Parse(c, env.Options{Environment: environ}); err != nil {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid "+EnvPrefix+"* override", err)
	}
	return nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case DriverSQLite, DriverBadger:
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be %q or %q", c.Store.Driver, DriverSQLite, DriverBadger))
	}
	if c.Store.Path == "" {
		problems = append(problems, "store.path is required")
	}
	if c.Transport.PushTimeout <= 0 || c.Transport.SnapshotTimeout <= 0 {
		problems = append(problems, "transport timeouts must be positive")
	}
	for name, d := range map[string]Duration{
		"text": c.Debounce.Text, "numeric": c.Debounce.Numeric,
		"list": c.Debounce.List, "blob": c.Debounce.Blob,
	} {
		if d < 0 {
			problems = append(problems, fmt.Sprintf("debounce.%s must not be negative", name))
		}
	}
	if c.Retry.Base <= 0 || c.Retry.Cap < c.Retry.Base {
		problems = append(problems, "retry.base must be positive and not above retry.cap")
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		problems = append(problems, "retry.jitter must be in [0, 1)")
	}
	switch c.Conflict.Policy {
	case "prefer_local", "prefer_remote", "last_write_wins", "manual":
	default:
		problems = append(problems, fmt.Sprintf("conflict.policy %q is not a known policy", c.Conflict.Policy))
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}
