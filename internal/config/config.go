// Package config loads daemon configuration from file, environment and
// defaults, with hot reload for the settings that are safe to change at
// runtime.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the daemon configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `mapstructure:"listen_addr"`

	// DBPath is the SQLite database path. ":memory:" runs fully in-memory.
	DBPath string `mapstructure:"db_path"`

	// DefaultPolicy is the conflict resolution policy applied when a pushed
	// change names none: server-wins, client-wins, merge or manual.
	DefaultPolicy string `mapstructure:"default_policy"`

	// PullLimit caps the page size of a pull.
	PullLimit int `mapstructure:"pull_limit"`

	// MergeWorkers sizes the merge worker pool.
	MergeWorkers int `mapstructure:"merge_workers"`

	// HeartbeatTimeout is the silence after which a realtime session is
	// swept. SweepInterval is how often the sweeper runs.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`

	// RetentionDays bounds change log history. Zero disables pruning.
	RetentionDays int `mapstructure:"retention_days"`

	// PruneInterval is how often retention pruning runs.
	PruneInterval time.Duration `mapstructure:"prune_interval"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig controls log output and rotation.
type LogConfig struct {
	// File is the log file path. Empty logs to stderr.
	File string `mapstructure:"file"`

	// MaxSizeMB, MaxBackups and MaxAgeDays govern rotation of File.
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// RetentionHorizon converts RetentionDays to a duration.
func (c *Config) RetentionHorizon() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "127.0.0.1:8832")
	v.SetDefault("db_path", "clipsync.db")
	v.SetDefault("default_policy", "manual")
	v.SetDefault("pull_limit", 500)
	v.SetDefault("merge_workers", 4)
	v.SetDefault("heartbeat_timeout", 90*time.Second)
	v.SetDefault("sweep_interval", 15*time.Second)
	v.SetDefault("retention_days", 90)
	v.SetDefault("prune_interval", time.Hour)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
}

// newViper builds a viper instance with defaults, the CLIPSYNC_* environment
// and the config file at path (optional) layered in. Load and Watch share it
// so a hot reload honors the same environment overrides the initial load did.
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CLIPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return v, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads configuration from path (optional), the CLIPSYNC_* environment
// and built-in defaults, in that order of precedence.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return unmarshal(v)
}

// Watch re-reads the config file on change and calls onReload with the new
// configuration. Environment overrides keep their precedence across reloads.
// Invalid reloads are dropped, keeping the last good config in effect.
// No-op when path is empty.
func Watch(path string, onReload func(*Config)) error {
	if path == "" {
		return nil
	}
	v, err := newViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			return
		}
		onReload(cfg)
	})
	v.WatchConfig()
	return nil
}

func (c *Config) validate() error {
	switch c.DefaultPolicy {
	case "server-wins", "client-wins", "merge", "manual":
	default:
		return fmt.Errorf("unknown default_policy %q", c.DefaultPolicy)
	}
	if c.PullLimit <= 0 {
		return fmt.Errorf("pull_limit must be positive")
	}
	if c.MergeWorkers <= 0 {
		return fmt.Errorf("merge_workers must be positive")
	}
	if c.HeartbeatTimeout <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("heartbeat_timeout and sweep_interval must be positive")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days cannot be negative")
	}
	return nil
}
