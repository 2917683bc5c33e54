package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/driftsync/driftsync/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".driftsync", "config.json")
	DefaultDataDir    = filepath.Join(home, ".driftsync")
	DefaultHTTPAddr   = "localhost:7438"
	DefaultRemoteURL  = "http://localhost:8080"
)

// DefaultProbeTargets are the reachability endpoints the stability probe
// checks in parallel.
var DefaultProbeTargets = []string{
	"https://www.google.com/generate_204",
	"https://cloudflare.com/cdn-cgi/trace",
}

type Config struct {
	DataDir           string   `json:"data_dir"`
	RemoteURL         string   `json:"remote_url"`
	HTTPAddr          string   `json:"http_addr"`
	AuthToken         string   `json:"auth_token"`
	ProbeTargets      []string `json:"probe_targets"`
	SyncInterval      Duration `json:"sync_interval"`
	SnapshotRetention int      `json:"snapshot_retention"`
	MaxHistoryRecords int      `json:"max_history_records"`
	ConflictThreshold float64  `json:"conflict_threshold"`
	ValidateResults   bool     `json:"validate_results"`
	Path              string   `json:"-"`
}

// Duration wraps time.Duration so config files can say "30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func Default() *Config {
	return &Config{
		DataDir:           DefaultDataDir,
		RemoteURL:         DefaultRemoteURL,
		HTTPAddr:          DefaultHTTPAddr,
		ProbeTargets:      DefaultProbeTargets,
		SyncInterval:      Duration(30 * time.Second),
		SnapshotRetention: 10,
		MaxHistoryRecords: 100,
		ConflictThreshold: 0.7,
		ValidateResults:   true,
	}
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.RemoteURL == "" {
		return fmt.Errorf("remote_url is required")
	}
	if len(c.ProbeTargets) == 0 {
		return fmt.Errorf("at least one probe target is required")
	}
	if c.ConflictThreshold <= 0 || c.ConflictThreshold > 1 {
		return fmt.Errorf("conflict_threshold must be in (0, 1]")
	}
	return nil
}

// OperationDBPath is where the durable operation log lives.
func (c *Config) OperationDBPath() string {
	return filepath.Join(c.DataDir, "operations.db")
}

// SnapshotDBPath is where pipeline snapshots live.
func (c *Config) SnapshotDBPath() string {
	return filepath.Join(c.DataDir, "snapshots.db")
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
