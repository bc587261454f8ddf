// Package config loads logbook settings from defaults, an optional TOML file
// and LOGBOOK_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/dvloznov/finance-logbook/internal/logger"
	"github.com/dvloznov/finance-logbook/internal/retry"
)

// EnvPrefix prefixes every environment override, e.g. LOGBOOK_SYNC_INTERVAL.
const EnvPrefix = "LOGBOOK"

// Remote backends.
const (
	BackendBigQuery = "bigquery"
	BackendMemory   = "memory"
)

// Config is the full logbook configuration.
type Config struct {
	Store  StoreConfig  `mapstructure:"store"`
	Remote RemoteConfig `mapstructure:"remote"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Retry  RetryConfig  `mapstructure:"retry"`
	API    APIConfig    `mapstructure:"api"`
	Log    LogConfig    `mapstructure:"log"`
	Notion NotionConfig `mapstructure:"notion"`
	Backup BackupConfig `mapstructure:"backup"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type RemoteConfig struct {
	Backend         string `mapstructure:"backend"`
	Project         string `mapstructure:"project"`
	Dataset         string `mapstructure:"dataset"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Principal       string `mapstructure:"principal"`
}

type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	ProbeAddress  string        `mapstructure:"probe_address"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	TriggerFile   string        `mapstructure:"trigger_file"`
	Incremental   bool          `mapstructure:"incremental"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type NotionConfig struct {
	Token      string `mapstructure:"token"`
	DatabaseID string `mapstructure:"database_id"`
}

type BackupConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// DefaultDir is where the config file and local database live unless
// configured otherwise.
func DefaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "finance-logbook")
	}
	return ".logbook"
}

// DefaultPath is the config file read when Load is given no path.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.toml")
}

func defaults() map[string]interface{} {
	policy := retry.DefaultPolicy()
	return map[string]interface{}{
		"store.path":              filepath.Join(DefaultDir(), "logbook.db"),
		"remote.backend":          BackendBigQuery,
		"remote.project":          "",
		"remote.dataset":          "logbook",
		"remote.credentials_file": "",
		"remote.principal":        "",
		"sync.interval":           15 * time.Minute,
		"sync.probe_address":      "bigquery.googleapis.com:443",
		"sync.probe_interval":     30 * time.Second,
		"sync.trigger_file":       filepath.Join(DefaultDir(), "sync.trigger"),
		"sync.incremental":        false,
		"retry.max_attempts":      policy.MaxAttempts,
		"retry.base_delay":        policy.BaseDelay,
		"retry.max_delay":         policy.MaxDelay,
		"retry.jitter":            policy.Jitter,
		"api.addr":                "127.0.0.1:8080",
		"log.level":               "info",
		"log.format":              "console",
		"log.file":                "",
		"notion.token":            "",
		"notion.database_id":      "",
		"backup.bucket":           "",
		"backup.prefix":           "logbook-backups",
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. An empty path reads DefaultPath when it
// exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigType("toml")

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("Load: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("Load: decoding: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that cannot be corrected silently.
func (c *Config) Validate() error {
	switch c.Remote.Backend {
	case BackendBigQuery, BackendMemory:
	default:
		return fmt.Errorf("remote.backend %q: want %q or %q", c.Remote.Backend, BackendBigQuery, BackendMemory)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0, 1], got %g", c.Retry.Jitter)
	}
	if c.Sync.ProbeInterval <= 0 {
		return fmt.Errorf("sync.probe_interval must be positive")
	}
	return nil
}

// RetryPolicy returns the retry settings as a policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		Jitter:      c.Retry.Jitter,
	}
}

// LoggerOptions returns the log settings for logger.NewWithOptions.
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{Level: c.Log.Level, Format: c.Log.Format, File: c.Log.File}
}

// WriteDefault writes a config file holding every default to path. An
// existing file is left alone unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("WriteDefault: %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("WriteDefault: creating directory: %w", err)
	}

	sections := map[string]map[string]interface{}{}
	for key, val := range defaults() {
		section, name, _ := strings.Cut(key, ".")
		if sections[section] == nil {
			sections[section] = map[string]interface{}{}
		}
		if d, ok := val.(time.Duration); ok {
			val = d.String()
		}
		sections[section][name] = val
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("WriteDefault: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString("# finance-logbook configuration. LOGBOOK_<SECTION>_<KEY> overrides any value.\n\n"); err != nil {
		return fmt.Errorf("WriteDefault: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(sections); err != nil {
		return fmt.Errorf("WriteDefault: encoding: %w", err)
	}
	return f.Close()
}
