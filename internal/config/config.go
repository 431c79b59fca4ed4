// Package config loads castkeeper's YAML configuration, applies defaults and
// CASTKEEPER_* environment overrides, and validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  string          `yaml:"database"`
	Library   LibraryConfig   `yaml:"library"`
	Media     MediaConfig     `yaml:"media"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Assign    AssignConfig    `yaml:"assign"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Log       LogConfig       `yaml:"log"`

	// ManualOverrideDefault applies when a manual control mode is requested without a TTL.
	ManualOverrideDefault time.Duration `yaml:"manual_override_default"`
}

type ServerConfig struct {
	Listen         string        `yaml:"listen"`
	RateLimit      int           `yaml:"rate_limit"`
	RateWindow     time.Duration `yaml:"rate_window"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type LibraryConfig struct {
	Dir           string        `yaml:"dir"`
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

type MediaConfig struct {
	BindHost        string        `yaml:"bind_host"`
	AdvertiseHost   string        `yaml:"advertise_host"`
	Port            int           `yaml:"port"`
	MaxBindAttempts int           `yaml:"max_bind_attempts"`
	MaxSessions     int           `yaml:"max_sessions"`
	IdleGrace       time.Duration `yaml:"idle_grace"`
	ExpireAfter     time.Duration `yaml:"expire_after"`
	SweepEvery      time.Duration `yaml:"sweep_every"`
}

type MonitorConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	Jitter             time.Duration `yaml:"jitter"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	FailureMaxBackoff  time.Duration `yaml:"failure_max_backoff"`
	RestartAttempts    int           `yaml:"restart_attempts"`
	RestartBaseBackoff time.Duration `yaml:"restart_base_backoff"`
	RestartMaxBackoff  time.Duration `yaml:"restart_max_backoff"`
	ActivityGrace      time.Duration `yaml:"activity_grace"`
	EndTolerance       time.Duration `yaml:"end_tolerance"`
	PollsPerSecond     float64       `yaml:"polls_per_second"`
}

type AssignConfig struct {
	CallTimeout  time.Duration `yaml:"call_timeout"`
	PlayAttempts int           `yaml:"play_attempts"`
	BaseBackoff  time.Duration `yaml:"base_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
}

type DiscoveryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:         "127.0.0.1:8089",
			RateLimit:      120,
			RateWindow:     time.Minute,
			RequestTimeout: 30 * time.Second,
		},
		Database: "castkeeper.db",
		Library: LibraryConfig{
			Watch:         true,
			WatchDebounce: 2 * time.Second,
		},
		Media: MediaConfig{
			Port:            8500,
			MaxBindAttempts: 5,
			MaxSessions:     32,
			IdleGrace:       30 * time.Second,
			ExpireAfter:     5 * time.Minute,
			SweepEvery:      5 * time.Second,
		},
		Monitor: MonitorConfig{
			PollInterval:       5 * time.Second,
			Jitter:             time.Second,
			CallTimeout:        4 * time.Second,
			FailureThreshold:   3,
			FailureMaxBackoff:  30 * time.Second,
			RestartAttempts:    3,
			RestartBaseBackoff: 500 * time.Millisecond,
			RestartMaxBackoff:  5 * time.Second,
			ActivityGrace:      15 * time.Second,
			EndTolerance:       3 * time.Second,
			PollsPerSecond:     20,
		},
		Assign: AssignConfig{
			CallTimeout:  5 * time.Second,
			PlayAttempts: 3,
			BaseBackoff:  120 * time.Millisecond,
			MaxBackoff:   800 * time.Millisecond,
		},
		Discovery: DiscoveryConfig{
			Enabled:  true,
			Interval: time.Minute,
			Timeout:  2500 * time.Millisecond,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		ManualOverrideDefault: 30 * time.Minute,
	}
}

// Load reads path (when non-empty) over the defaults, then applies the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen must not be empty"))
	}
	if c.Media.Port < 0 || c.Media.Port > 65535 {
		errs = append(errs, fmt.Errorf("media.port out of range: %d", c.Media.Port))
	}
	if c.Media.MaxBindAttempts <= 0 {
		errs = append(errs, errors.New("media.max_bind_attempts must be positive"))
	}
	if c.Media.IdleGrace <= 0 || c.Media.ExpireAfter <= c.Media.IdleGrace {
		errs = append(errs, errors.New("media.expire_after must be greater than media.idle_grace"))
	}
	if c.Monitor.PollInterval <= 0 {
		errs = append(errs, errors.New("monitor.poll_interval must be positive"))
	}
	if c.Monitor.Jitter < 0 || c.Monitor.Jitter >= c.Monitor.PollInterval {
		errs = append(errs, errors.New("monitor.jitter must be smaller than monitor.poll_interval"))
	}
	if c.Monitor.CallTimeout <= 0 || c.Assign.CallTimeout <= 0 {
		errs = append(errs, errors.New("device call timeouts must be positive"))
	}
	if c.Monitor.FailureThreshold <= 0 || c.Monitor.RestartAttempts <= 0 || c.Assign.PlayAttempts <= 0 {
		errs = append(errs, errors.New("retry budgets must be positive"))
	}
	return errors.Join(errs...)
}

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			parsed, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			parsed, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			parsed, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}

	str("CASTKEEPER_LISTEN", &cfg.Server.Listen)
	str("CASTKEEPER_DATABASE", &cfg.Database)
	str("CASTKEEPER_LIBRARY_DIR", &cfg.Library.Dir)
	boolean("CASTKEEPER_LIBRARY_WATCH", &cfg.Library.Watch)
	str("CASTKEEPER_MEDIA_BIND_HOST", &cfg.Media.BindHost)
	str("CASTKEEPER_MEDIA_ADVERTISE_HOST", &cfg.Media.AdvertiseHost)
	integer("CASTKEEPER_MEDIA_PORT", &cfg.Media.Port)
	duration("CASTKEEPER_POLL_INTERVAL", &cfg.Monitor.PollInterval)
	boolean("CASTKEEPER_DISCOVERY", &cfg.Discovery.Enabled)
	str("CASTKEEPER_LOG_LEVEL", &cfg.Log.Level)
	str("CASTKEEPER_LOG_FILE", &cfg.Log.File)

	return errors.Join(errs...)
}
