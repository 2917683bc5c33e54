package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Duration(30*time.Second), cfg.SyncInterval)
	assert.Equal(t, 0.7, cfg.ConflictThreshold)
	assert.True(t, cfg.ValidateResults)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := Default()
	cfg.DataDir = t.TempDir()
	cfg.AuthToken = "secret"
	cfg.SyncInterval = Duration(90 * time.Second)
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, cfg.DataDir, loaded.DataDir)
	assert.Equal(t, "secret", loaded.AuthToken)
	assert.Equal(t, Duration(90*time.Second), loaded.SyncInterval)
	assert.Equal(t, path, loaded.Path)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"auth_token": "abc"}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "abc", cfg.AuthToken)
	assert.Equal(t, DefaultRemoteURL, cfg.RemoteURL)
	assert.Equal(t, 10, cfg.SnapshotRetention)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sync_interval": "soon"}`), 0644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid duration")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"missing remote", func(c *Config) { c.RemoteURL = "" }, "remote_url"},
		{"no probe targets", func(c *Config) { c.ProbeTargets = nil }, "probe target"},
		{"threshold too low", func(c *Config) { c.ConflictThreshold = 0 }, "conflict_threshold"},
		{"threshold too high", func(c *Config) { c.ConflictThreshold = 1.5 }, "conflict_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestDBPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/tmp/drift"
	assert.Equal(t, "/tmp/drift/operations.db", cfg.OperationDBPath())
	assert.Equal(t, "/tmp/drift/snapshots.db", cfg.SnapshotDBPath())
}
