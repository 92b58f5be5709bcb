// Package config loads client settings from an optional YAML file with
// STORYLOOM_ environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "STORYLOOM_"

type Config struct {
	APIBaseURL string `yaml:"api_base_url" env:"API_BASE_URL"`
	StreamURL  string `yaml:"stream_url" env:"STREAM_URL"`
	Token      string `yaml:"token" env:"TOKEN"`

	Actions  Actions  `yaml:"actions" envPrefix:"ACTION_"`
	Insights Insights `yaml:"insights" envPrefix:"INSIGHT_"`
	Stream   Stream   `yaml:"stream" envPrefix:"STREAM_"`
	Storage  Storage  `yaml:"storage" envPrefix:"STORAGE_"`
}

type Actions struct {
	MaxTextLen  int           `yaml:"max_text_len" env:"MAX_TEXT_LEN"`
	Optimistic  bool          `yaml:"optimistic" env:"OPTIMISTIC"`
	WaitTimeout time.Duration `yaml:"wait_timeout" env:"WAIT_TIMEOUT"`
}

type Insights struct {
	Capacity int `yaml:"capacity" env:"CAPACITY"`
}

type Stream struct {
	GapThreshold      uint64        `yaml:"gap_threshold" env:"GAP_THRESHOLD"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`
	FailureThreshold  int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`

	BackoffInitial    time.Duration `yaml:"backoff_initial" env:"BACKOFF_INITIAL"`
	BackoffMax        time.Duration `yaml:"backoff_max" env:"BACKOFF_MAX"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
	BackoffJitter     float64       `yaml:"backoff_jitter" env:"BACKOFF_JITTER"`
}

// Storage paths are optional; an empty path turns that store off.
type Storage struct {
	JournalDir  string `yaml:"journal_dir" env:"JOURNAL_DIR"`
	IndexDB     string `yaml:"index_db" env:"INDEX_DB"`
	SnapshotDir string `yaml:"snapshot_dir" env:"SNAPSHOT_DIR"`
}

func Defaults() Config {
	return Config{
		APIBaseURL: "http://127.0.0.1:8080",
		StreamURL:  "ws://127.0.0.1:8080/v1/stream",
		Actions: Actions{
			MaxTextLen:  500,
			Optimistic:  true,
			WaitTimeout: 30 * time.Second,
		},
		Insights: Insights{Capacity: 200},
		Stream: Stream{
			GapThreshold:      32,
			HeartbeatInterval: 15 * time.Second,
			HeartbeatTimeout:  45 * time.Second,
			FailureThreshold:  5,
			BackoffInitial:    250 * time.Millisecond,
			BackoffMax:        30 * time.Second,
			BackoffMultiplier: 2,
			BackoffJitter:     0.5,
		},
	}
}

// Load reads path over the defaults, applies the environment and
// validates. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if err := checkURL(c.APIBaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("api_base_url: %w", err))
	}
	if err := checkURL(c.StreamURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("stream_url: %w", err))
	}
	if c.Actions.MaxTextLen <= 0 {
		errs = append(errs, errors.New("actions.max_text_len must be positive"))
	}
	if c.Actions.WaitTimeout <= 0 {
		errs = append(errs, errors.New("actions.wait_timeout must be positive"))
	}
	if c.Insights.Capacity <= 0 {
		errs = append(errs, errors.New("insights.capacity must be positive"))
	}
	s := c.Stream
	if s.GapThreshold == 0 {
		errs = append(errs, errors.New("stream.gap_threshold must be positive"))
	}
	if s.HeartbeatInterval <= 0 || s.HeartbeatTimeout <= s.HeartbeatInterval {
		errs = append(errs, errors.New("stream.heartbeat_timeout must exceed a positive heartbeat_interval"))
	}
	if s.FailureThreshold <= 0 {
		errs = append(errs, errors.New("stream.failure_threshold must be positive"))
	}
	if s.BackoffInitial <= 0 || s.BackoffMax < s.BackoffInitial {
		errs = append(errs, errors.New("stream.backoff_max must be at least a positive backoff_initial"))
	}
	if s.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("stream.backoff_multiplier must be >= 1"))
	}
	if s.BackoffJitter < 0 || s.BackoffJitter >= 1 {
		errs = append(errs, errors.New("stream.backoff_jitter must be within [0,1)"))
	}
	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("want %v url with a host, got %q", schemes, raw)
}
