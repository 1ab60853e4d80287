package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultController    = "127.0.0.1:8097"
	DefaultTransport     = "sse"
	DefaultMinBackoffSec = 1
	DefaultMaxBackoffSec = 30
	DefaultParseErrors   = "log"
	DefaultPoints        = 60
	DefaultHeartbeatSec  = 60
	DefaultSimListen     = "127.0.0.1:8097"
	DefaultSimIntervalMS = 1000
	DefaultSimAmbient    = 18.0
	DefaultSimStartTemp  = 20.0
)

// Config holds the settings for all brewctl commands.
type Config struct {
	Controller string           `yaml:"controller"`
	Feed       *FeedConfig      `yaml:"feed,omitempty"`
	Dashboard  *DashboardConfig `yaml:"dashboard,omitempty"`
	Record     *RecordConfig    `yaml:"record,omitempty"`
	Sim        *SimConfig       `yaml:"sim,omitempty"`
}

// FeedConfig tunes the sample feed connection.
type FeedConfig struct {
	Transport     string `yaml:"transport"`
	Reconnect     *bool  `yaml:"reconnect"`
	MinBackoffSec int    `yaml:"min_backoff_sec"`
	MaxBackoffSec int    `yaml:"max_backoff_sec"`
	ParseErrors   string `yaml:"parse_errors"`
}

// DashboardConfig tunes the watch display.
type DashboardConfig struct {
	Points int   `yaml:"points"`
	Color  *bool `yaml:"color"`
}

// RecordConfig tunes the record command.
type RecordConfig struct {
	HeartbeatSec int `yaml:"heartbeat_sec"`
}

// SimConfig tunes the reference controller.
type SimConfig struct {
	Listen     string  `yaml:"listen"`
	IntervalMS int     `yaml:"interval_ms"`
	Ambient    float64 `yaml:"ambient"`
	StartTemp  float64 `yaml:"start_temp"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// ControllerURL returns the controller address as a full URL. A bare
// host:port gets the http scheme.
func (c Config) ControllerURL() string {
	addr := c.Controller
	if addr == "" {
		addr = DefaultController
	}
	if strings.Contains(addr, "://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Controller == "" {
		return fmt.Errorf("controller is required")
	}
	if cfg.Feed != nil {
		switch cfg.Feed.Transport {
		case "", "sse", "ws":
		default:
			return fmt.Errorf("feed.transport must be sse or ws")
		}
		switch cfg.Feed.ParseErrors {
		case "", "log", "drop", "propagate":
		default:
			return fmt.Errorf("feed.parse_errors must be log, drop or propagate")
		}
		if cfg.Feed.MinBackoffSec < 0 || cfg.Feed.MaxBackoffSec < 0 {
			return fmt.Errorf("feed backoff must not be negative")
		}
		if cfg.Feed.MaxBackoffSec > 0 && cfg.Feed.MinBackoffSec > cfg.Feed.MaxBackoffSec {
			return fmt.Errorf("feed.min_backoff_sec exceeds feed.max_backoff_sec")
		}
	}
	if cfg.Dashboard != nil && cfg.Dashboard.Points < 0 {
		return fmt.Errorf("dashboard.points must not be negative")
	}
	if cfg.Record != nil && cfg.Record.HeartbeatSec < 0 {
		return fmt.Errorf("record.heartbeat_sec must not be negative")
	}
	if cfg.Sim != nil {
		if cfg.Sim.Listen == "" {
			return fmt.Errorf("sim.listen is required")
		}
		if cfg.Sim.IntervalMS < 0 {
			return fmt.Errorf("sim.interval_ms must not be negative")
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty. Absent sections
// are materialized so callers never see a nil section.
func ApplyDefaults(cfg *Config) {
	if cfg.Controller == "" {
		cfg.Controller = DefaultController
	}

	if cfg.Feed == nil {
		cfg.Feed = &FeedConfig{}
	}
	if cfg.Feed.Transport == "" {
		cfg.Feed.Transport = DefaultTransport
	}
	if cfg.Feed.Reconnect == nil {
		on := true
		cfg.Feed.Reconnect = &on
	}
	if cfg.Feed.MinBackoffSec == 0 {
		cfg.Feed.MinBackoffSec = DefaultMinBackoffSec
	}
	if cfg.Feed.MaxBackoffSec == 0 {
		cfg.Feed.MaxBackoffSec = DefaultMaxBackoffSec
	}
	if cfg.Feed.ParseErrors == "" {
		cfg.Feed.ParseErrors = DefaultParseErrors
	}

	if cfg.Dashboard == nil {
		cfg.Dashboard = &DashboardConfig{}
	}
	if cfg.Dashboard.Points == 0 {
		cfg.Dashboard.Points = DefaultPoints
	}
	if cfg.Dashboard.Color == nil {
		on := true
		cfg.Dashboard.Color = &on
	}

	if cfg.Record == nil {
		cfg.Record = &RecordConfig{}
	}
	if cfg.Record.HeartbeatSec == 0 {
		cfg.Record.HeartbeatSec = DefaultHeartbeatSec
	}

	if cfg.Sim == nil {
		cfg.Sim = &SimConfig{}
	}
	if cfg.Sim.Listen == "" {
		cfg.Sim.Listen = DefaultSimListen
	}
	if cfg.Sim.IntervalMS == 0 {
		cfg.Sim.IntervalMS = DefaultSimIntervalMS
	}
	if cfg.Sim.Ambient == 0 {
		cfg.Sim.Ambient = DefaultSimAmbient
	}
	if cfg.Sim.StartTemp == 0 {
		cfg.Sim.StartTemp = DefaultSimStartTemp
	}
}
