// Package config loads todosync settings from defaults, an optional YAML
// file and TODOSYNC_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/todosync/todosync/internal/logging"
	"github.com/todosync/todosync/internal/remote"
)

// EnvPrefix prefixes environment overrides: sync.interval is read from
// TODOSYNC_SYNC_INTERVAL.
const EnvPrefix = "TODOSYNC"

// Config is the full application configuration.
type Config struct {
	// DataDir holds the local task files, merge caches and state database.
	DataDir string `mapstructure:"data_dir"`

	Files     FilesConfig     `mapstructure:"files"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Log       logging.Config  `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// FilesConfig names the tracked files.
type FilesConfig struct {
	Primary    string `mapstructure:"primary"`
	Archive    string `mapstructure:"archive"`
	RemotePath string `mapstructure:"remote_path"`
}

// RemoteConfig selects and configures the remote backend.
type RemoteConfig struct {
	Kind    string        `mapstructure:"kind"`
	Timeout time.Duration `mapstructure:"timeout"`

	// dir
	Dir string `mapstructure:"dir"`

	// s3
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	Prefix       string `mapstructure:"prefix"`
	UsePathStyle bool   `mapstructure:"use_path_style"`

	// dropbox
	APIURL     string `mapstructure:"api_url"`
	ContentURL string `mapstructure:"content_url"`
}

// SyncConfig tunes sync behavior.
type SyncConfig struct {
	OnStartup       bool          `mapstructure:"on_startup"`
	Interval        time.Duration `mapstructure:"interval"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	Debounce        time.Duration `mapstructure:"debounce"`
	RerunOnConflict bool          `mapstructure:"rerun_on_conflict"`
	Watch           bool          `mapstructure:"watch"`
}

// ArchiveConfig tunes the archive workflow.
type ArchiveConfig struct {
	PreserveLineNumbers bool `mapstructure:"preserve_line_numbers"`
}

// TelemetryConfig enables OpenTelemetry output.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DashboardConfig controls the daemon's WebSocket server.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads configuration. An empty path searches DefaultPath and is not
// an error when no file exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigFile(DefaultPath())
	}
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case path == "" && (errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	// Decoding the defaults alone cannot fail.
	_ = newViper().Unmarshal(&cfg)
	cfg.normalize()
	return &cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// defaults lists every key so that environment overrides apply to all of
// them.
func defaults() map[string]any {
	return map[string]any{
		"data_dir": DefaultDataDir(),

		"files.primary":     "todo.txt",
		"files.archive":     "done.txt",
		"files.remote_path": "/todo",

		"remote.kind":           string(remote.KindDir),
		"remote.timeout":        30 * time.Second,
		"remote.dir":            filepath.Join("~", "Dropbox"),
		"remote.bucket":         "",
		"remote.region":         "",
		"remote.endpoint":       "",
		"remote.prefix":         "",
		"remote.use_path_style": false,
		"remote.api_url":        "https://api.dropboxapi.com",
		"remote.content_url":    "https://content.dropboxapi.com",

		"sync.on_startup":        true,
		"sync.interval":          5 * time.Minute,
		"sync.retry_interval":    10 * time.Second,
		"sync.debounce":          500 * time.Millisecond,
		"sync.rerun_on_conflict": true,
		"sync.watch":             true,

		"archive.preserve_line_numbers": false,

		"log.level":        "info",
		"log.file":         "",
		"log.max_size_mb":  10,
		"log.max_backups":  3,
		"log.max_age_days": 28,
		"log.json":         false,

		"telemetry.enabled": false,

		"dashboard.enabled": false,
		"dashboard.addr":    "127.0.0.1:7420",
	}
}

func (c *Config) normalize() {
	c.Remote.Kind = strings.ToLower(strings.TrimSpace(c.Remote.Kind))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.DataDir = expandHome(c.DataDir)
	c.Remote.Dir = expandHome(c.Remote.Dir)
	c.Log.File = expandHome(c.Log.File)
}

// Validate checks enum values and required settings.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Files.Primary == "" || c.Files.Archive == "" {
		errs = append(errs, errors.New("files.primary and files.archive are required"))
	} else if c.Files.Primary == c.Files.Archive {
		errs = append(errs, errors.New("files.primary and files.archive must differ"))
	}
	for _, name := range []string{c.Files.Primary, c.Files.Archive} {
		if strings.ContainsAny(name, `/\`) {
			errs = append(errs, fmt.Errorf("file name %q must not contain a path separator", name))
		}
	}

	switch remote.Kind(c.Remote.Kind) {
	case remote.KindDir:
		if c.Remote.Dir == "" {
			errs = append(errs, errors.New("remote.dir is required for the dir backend"))
		}
	case remote.KindS3:
		if c.Remote.Bucket == "" {
			errs = append(errs, errors.New("remote.bucket is required for the s3 backend"))
		}
	case remote.KindDropbox:
		if c.Remote.APIURL == "" || c.Remote.ContentURL == "" {
			errs = append(errs, errors.New("remote.api_url and remote.content_url are required for the dropbox backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid remote.kind %q (valid: %s, %s, %s)",
			c.Remote.Kind, remote.KindDir, remote.KindS3, remote.KindDropbox))
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, errors.New("remote.timeout must be positive"))
	}

	if c.Sync.Interval < 0 {
		errs = append(errs, errors.New("sync.interval must not be negative"))
	}
	if c.Sync.RetryInterval <= 0 {
		errs = append(errs, errors.New("sync.retry_interval must be positive"))
	}
	if c.Sync.Debounce <= 0 {
		errs = append(errs, errors.New("sync.debounce must be positive"))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Dashboard.Enabled && c.Dashboard.Addr == "" {
		errs = append(errs, errors.New("dashboard.addr is required when the dashboard is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RemoteOptions converts the remote settings for remote.New.
func (c *Config) RemoteOptions(tokens remote.TokenStore) remote.Options {
	return remote.Options{
		Timeout:      c.Remote.Timeout,
		Dir:          c.Remote.Dir,
		Bucket:       c.Remote.Bucket,
		Region:       c.Remote.Region,
		Endpoint:     c.Remote.Endpoint,
		Prefix:       c.Remote.Prefix,
		UsePathStyle: c.Remote.UsePathStyle,
		APIURL:       c.Remote.APIURL,
		ContentURL:   c.Remote.ContentURL,
		Tokens:       tokens,
	}
}

// StatePath is the sync state database location.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// DefaultPath is the config file read when no path is given:
// $XDG_CONFIG_HOME/todosync/config.yaml or its platform equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".todosync", "config.yaml")
	}
	return filepath.Join(dir, "todosync", "config.yaml")
}

// DefaultDataDir is $XDG_DATA_HOME/todosync, falling back to
// ~/.local/share/todosync.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "todosync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".todosync"
	}
	return filepath.Join(home, ".local", "share", "todosync")
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
