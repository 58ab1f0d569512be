package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points every user directory at a fresh temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	return home
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".local", "share", "todosync"), cfg.DataDir)
	assert.Equal(t, "todo.txt", cfg.Files.Primary)
	assert.Equal(t, "done.txt", cfg.Files.Archive)
	assert.Equal(t, "/todo", cfg.Files.RemotePath)
	assert.Equal(t, "dir", cfg.Remote.Kind)
	assert.Equal(t, filepath.Join(home, "Dropbox"), cfg.Remote.Dir)
	assert.True(t, cfg.Sync.OnStartup)
	assert.True(t, cfg.Sync.RerunOnConflict)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, filepath.Join(cfg.DataDir, "state.db"), cfg.StatePath())
}

func TestLoadDefaultPathFile(t *testing.T) {
	isolate(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(DefaultPath()), 0o700))
	require.NoError(t, os.WriteFile(DefaultPath(), []byte("sync:\n  interval: 2m\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
}

func TestLoadFile(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
files:
  primary: tasks.txt
remote:
  kind: S3
  bucket: my-tasks
  region: eu-west-1
  use_path_style: true
sync:
  interval: 1m
  on_startup: false
archive:
  preserve_line_numbers: true
log:
  level: DEBUG
  file: ~/logs/todosync.log
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tasks.txt", cfg.Files.Primary)
	assert.Equal(t, "done.txt", cfg.Files.Archive, "unset keys keep defaults")
	assert.Equal(t, "s3", cfg.Remote.Kind)
	assert.Equal(t, "my-tasks", cfg.Remote.Bucket)
	assert.True(t, cfg.Remote.UsePathStyle)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.False(t, cfg.Sync.OnStartup)
	assert.True(t, cfg.Archive.PreserveLineNumbers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, filepath.Join(os.Getenv("HOME"), "logs", "todosync.log"), cfg.Log.File)

	opts := cfg.RemoteOptions(nil)
	assert.Equal(t, "my-tasks", opts.Bucket)
	assert.Equal(t, "eu-west-1", opts.Region)
}

func TestEnvOverridesFile(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "sync:\n  interval: 1m\n")
	t.Setenv("TODOSYNC_SYNC_INTERVAL", "30s")
	t.Setenv("TODOSYNC_SYNC_WATCH", "false")
	t.Setenv("TODOSYNC_REMOTE_KIND", "dropbox")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.False(t, cfg.Sync.Watch)
	assert.Equal(t, "dropbox", cfg.Remote.Kind)
}

func TestLoadErrors(t *testing.T) {
	isolate(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")

	_, err = Load(writeConfig(t, "remote: [unclosed\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "remote:\n  kind: ftp\n"))
	assert.ErrorContains(t, err, "remote.kind")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "same file names", mutate: func(c *Config) { c.Files.Archive = c.Files.Primary }, errMsg: "must differ"},
		{name: "path in file name", mutate: func(c *Config) { c.Files.Primary = "a/todo.txt" }, errMsg: "path separator"},
		{name: "dir backend without dir", mutate: func(c *Config) { c.Remote.Dir = "" }, errMsg: "remote.dir"},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Remote.Kind = "s3" }, errMsg: "remote.bucket"},
		{name: "dropbox without urls", mutate: func(c *Config) {
			c.Remote.Kind = "dropbox"
			c.Remote.APIURL = ""
		}, errMsg: "remote.api_url"},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, errMsg: "log level"},
		{name: "zero debounce", mutate: func(c *Config) { c.Sync.Debounce = 0 }, errMsg: "sync.debounce"},
		{name: "negative interval", mutate: func(c *Config) { c.Sync.Interval = -time.Second }, errMsg: "sync.interval"},
		{name: "zero interval disables syncing", mutate: func(c *Config) { c.Sync.Interval = 0 }},
		{name: "dashboard without addr", mutate: func(c *Config) {
			c.Dashboard.Enabled = true
			c.Dashboard.Addr = ""
		}, errMsg: "dashboard.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	isolate(t)
	want := Default()
	want.Remote.Kind = "s3"
	want.Remote.Bucket = "tasks"
	want.Sync.Interval = 90 * time.Second

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, want.WriteFile(path, false))

	got, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	assert.Error(t, want.WriteFile(path, false), "existing file is kept without force")
	assert.NoError(t, want.WriteFile(path, true))
}
