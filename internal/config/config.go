package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Render   RenderConfig   `yaml:"render"`
	Viewport ViewportConfig `yaml:"viewport"`
	Stats    StatsConfig    `yaml:"stats"`
	License  LicenseConfig  `yaml:"license"`
	Backend  BackendConfig  `yaml:"backend"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// FrameThrottle bounds how often frames are pushed to display clients.
	FrameThrottle     time.Duration `yaml:"frame_throttle"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	// MaxConnections caps display clients; 0 means unlimited.
	MaxConnections int `yaml:"max_connections"`
	// SnapshotPath is the default pattern for viewport snapshots requested
	// by display clients.
	SnapshotPath string `yaml:"snapshot_path"`
}

// RenderConfig controls round-level behavior of the session controller.
type RenderConfig struct {
	// RenderInto selects where interactive rounds are displayed:
	// "viewport" (host draws pixels) or "external" (display server only).
	RenderInto           string        `yaml:"render_into"`
	TeardownTimeout      time.Duration `yaml:"teardown_timeout"`
	HostReleaseTimeout   time.Duration `yaml:"host_release_timeout"`
	BlockingPollInterval time.Duration `yaml:"blocking_poll_interval"`
	SwatchPollInterval   time.Duration `yaml:"swatch_poll_interval"`
	OutputDir            string        `yaml:"output_dir"`
	WriteOutputs         bool          `yaml:"write_outputs"`
	HistorySize          int           `yaml:"history_size"`
}

type ViewportConfig struct {
	RefreshInterval         time.Duration `yaml:"refresh_interval"`
	ExternalRefreshInterval time.Duration `yaml:"external_refresh_interval"`
	DrawBuckets             bool          `yaml:"draw_buckets"`
	MaxBuckets              int           `yaml:"max_buckets"`
	BucketColor             string        `yaml:"bucket_color"`
	DrawProgress            bool          `yaml:"draw_progress"`
	ProgressColor           string        `yaml:"progress_color"`
	ResMult                 float64       `yaml:"res_mult"`
}

type StatsConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	RedrawInterval time.Duration `yaml:"redraw_interval"`
	HistorySize    int           `yaml:"history_size"`
	// Connect pulls progress from the backend's live stats instead of its
	// progress events.
	Connect bool `yaml:"connect"`
	// StateDir overrides where lifetime totals are persisted. Empty means
	// $XDG_STATE_HOME/render-bridge.
	StateDir string `yaml:"state_dir"`
}

type LicenseConfig struct {
	// Server is a host:port dialed before each round. Empty skips the
	// reachability check.
	Server      string        `yaml:"server"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Feature     string        `yaml:"feature"`
	Features    []string      `yaml:"features"`
	Seats       int           `yaml:"seats"`
	SeatsInUse  int           `yaml:"seats_in_use"`
	Expires     string        `yaml:"expires"` // YYYY-MM-DD, empty = never
}

type BackendConfig struct {
	Workers  int `yaml:"workers"`
	TileSize int `yaml:"tile_size"`
	Passes   int `yaml:"passes"`
	// PassDelay throttles the in-process backend so progress is observable.
	PassDelay time.Duration `yaml:"pass_delay"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a config with every field set to its built-in value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8090,
			Host:              "127.0.0.1",
			FrameThrottle:     100 * time.Millisecond,
			BroadcastThrottle: 100 * time.Millisecond,
			SnapshotInterval:  5 * time.Second,
			MaxConnections:    16,
			SnapshotPath:      "snapshots/viewport.<F4>.tif",
		},
		Render: RenderConfig{
			RenderInto:           "viewport",
			TeardownTimeout:      5 * time.Second,
			HostReleaseTimeout:   2 * time.Second,
			BlockingPollInterval: 10 * time.Millisecond,
			SwatchPollInterval:   time.Millisecond,
			OutputDir:            "renders",
			WriteOutputs:         true,
			HistorySize:          50,
		},
		Viewport: ViewportConfig{
			RefreshInterval:         10 * time.Millisecond,
			ExternalRefreshInterval: time.Second,
			DrawBuckets:             true,
			MaxBuckets:              10,
			BucketColor:             "#007fff",
			DrawProgress:            true,
			ProgressColor:           "#007fff",
			ResMult:                 1.0,
		},
		Stats: StatsConfig{
			PollInterval:   100 * time.Millisecond,
			RedrawInterval: 2 * time.Second,
			HistorySize:    120,
			Connect:        true,
		},
		License: LicenseConfig{
			DialTimeout: 2 * time.Second,
			Feature:     "render",
			Features:    []string{"render"},
			Seats:       1,
		},
		Backend: BackendConfig{
			Workers:  0,
			TileSize: 32,
			Passes:   8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects values the controller cannot run with. It reports every
// bad field at once.
func (c *Config) Validate() error {
	var errs []error
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"server.frame_throttle", c.Server.FrameThrottle},
		{"server.broadcast_throttle", c.Server.BroadcastThrottle},
		{"server.snapshot_interval", c.Server.SnapshotInterval},
		{"render.teardown_timeout", c.Render.TeardownTimeout},
		{"render.host_release_timeout", c.Render.HostReleaseTimeout},
		{"render.blocking_poll_interval", c.Render.BlockingPollInterval},
		{"render.swatch_poll_interval", c.Render.SwatchPollInterval},
		{"viewport.refresh_interval", c.Viewport.RefreshInterval},
		{"viewport.external_refresh_interval", c.Viewport.ExternalRefreshInterval},
		{"stats.poll_interval", c.Stats.PollInterval},
		{"stats.redraw_interval", c.Stats.RedrawInterval},
		{"license.dial_timeout", c.License.DialTimeout},
		{"backend.pass_delay", c.Backend.PassDelay},
	}
	for _, f := range durations {
		if f.d < 0 {
			errs = append(errs, fmt.Errorf("%s: negative duration %v", f.name, f.d))
		}
	}
	switch c.Render.RenderInto {
	case "", "viewport", "external":
	default:
		errs = append(errs, fmt.Errorf("render.render_into: %q is not viewport or external", c.Render.RenderInto))
	}
	if c.Viewport.ResMult <= 0 {
		errs = append(errs, fmt.Errorf("viewport.res_mult: must be positive, got %v", c.Viewport.ResMult))
	}
	if c.Viewport.MaxBuckets < 0 {
		errs = append(errs, fmt.Errorf("viewport.max_buckets: negative count %d", c.Viewport.MaxBuckets))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("server.max_connections: negative count %d", c.Server.MaxConnections))
	}
	return errors.Join(errs...)
}

// LoadOrDefault behaves like Load but falls back to Default when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// RendersIntoViewport reports whether interactive rounds draw into the
// host viewport rather than an external display.
func (c *Config) RendersIntoViewport() bool {
	return c.Render.RenderInto != "external"
}

// LicenseExpiry parses License.Expires. The zero time means no expiry.
func (c *Config) LicenseExpiry() (time.Time, error) {
	if c.License.Expires == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", c.License.Expires)
}
