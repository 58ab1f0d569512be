package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Marshal renders c as a YAML config file. Durations are written in
// time.ParseDuration form so the output loads back unchanged.
func (c *Config) Marshal() ([]byte, error) {
	doc := map[string]any{
		"data_dir": c.DataDir,
		"files": map[string]any{
			"primary":     c.Files.Primary,
			"archive":     c.Files.Archive,
			"remote_path": c.Files.RemotePath,
		},
		"remote": map[string]any{
			"kind":           c.Remote.Kind,
			"timeout":        c.Remote.Timeout.String(),
			"dir":            c.Remote.Dir,
			"bucket":         c.Remote.Bucket,
			"region":         c.Remote.Region,
			"endpoint":       c.Remote.Endpoint,
			"prefix":         c.Remote.Prefix,
			"use_path_style": c.Remote.UsePathStyle,
			"api_url":        c.Remote.APIURL,
			"content_url":    c.Remote.ContentURL,
		},
		"sync": map[string]any{
			"on_startup":        c.Sync.OnStartup,
			"interval":          c.Sync.Interval.String(),
			"retry_interval":    c.Sync.RetryInterval.String(),
			"debounce":          c.Sync.Debounce.String(),
			"rerun_on_conflict": c.Sync.RerunOnConflict,
			"watch":             c.Sync.Watch,
		},
		"archive": map[string]any{
			"preserve_line_numbers": c.Archive.PreserveLineNumbers,
		},
		"log":       c.Log,
		"telemetry": map[string]any{"enabled": c.Telemetry.Enabled},
		"dashboard": map[string]any{
			"enabled": c.Dashboard.Enabled,
			"addr":    c.Dashboard.Addr,
		},
	}
	return yaml.Marshal(doc)
}

// WriteFile writes c to path, creating parent directories. An existing
// file is only replaced when force is set.
func (c *Config) WriteFile(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
