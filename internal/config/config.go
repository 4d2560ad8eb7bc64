// Package config loads findswarm settings from YAML, then applies
// FINDSWARM_* environment overrides on top. Command-line flags are applied
// by the caller after Load.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/findswarm/internal/analysis"
)

// Config is the complete runtime configuration.
type Config struct {
	Root      string          `yaml:"root"`
	Extract   ExtractConfig   `yaml:"extract"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Registry  RegistryConfig  `yaml:"registry"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Log       LogConfig       `yaml:"log"`
}

// ExtractConfig controls copying the winning file into Dir.
type ExtractConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// AnalysisConfig points the analysis bridge at its HTTP service.
type AnalysisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	URL         string        `yaml:"url"`
	Instruction string        `yaml:"instruction"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DiscoveryConfig bounds the registry poll after a pool start.
type DiscoveryConfig struct {
	Attempts int           `yaml:"attempts"`
	Interval time.Duration `yaml:"interval"`
}

// RegistryConfig selects the registry. An empty URL means in-process.
type RegistryConfig struct {
	URL              string        `yaml:"url"`
	Listen           string        `yaml:"listen"`
	VisibilityDelay  time.Duration `yaml:"visibility_delay"`
	RegisterAttempts int           `yaml:"register_attempts"`
	RegisterBackoff  time.Duration `yaml:"register_backoff"`
}

// LivenessConfig tunes eviction of workers that disappeared without deregistering.
type LivenessConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxFailures int           `yaml:"max_failures"`
}

// LogConfig selects the log level and zap preset.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Extract: ExtractConfig{Enabled: true, Dir: "./extracted"},
		Analysis: AnalysisConfig{
			Enabled:     true,
			URL:         "http://127.0.0.1:8000/agent/solve",
			Instruction: analysis.DefaultInstruction,
			Timeout:     60 * time.Second,
		},
		Discovery: DiscoveryConfig{Attempts: 10, Interval: 250 * time.Millisecond},
		Registry: RegistryConfig{
			Listen:           ":7070",
			RegisterAttempts: 3,
			RegisterBackoff:  100 * time.Millisecond,
		},
		Liveness: LivenessConfig{Interval: 5 * time.Second, MaxFailures: 3},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads path (skipped when empty) over the defaults and then applies
// environment overrides read through getenv. A nil getenv uses os.Getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("FINDSWARM_ROOT", &c.Root)
	boolean("FINDSWARM_EXTRACT", &c.Extract.Enabled)
	str("FINDSWARM_EXTRACT_DIR", &c.Extract.Dir)
	boolean("FINDSWARM_ANALYSIS", &c.Analysis.Enabled)
	str("FINDSWARM_ANALYSIS_URL", &c.Analysis.URL)
	str("FINDSWARM_ANALYSIS_INSTRUCTION", &c.Analysis.Instruction)
	duration("FINDSWARM_ANALYSIS_TIMEOUT", &c.Analysis.Timeout)
	integer("FINDSWARM_DISCOVERY_ATTEMPTS", &c.Discovery.Attempts)
	duration("FINDSWARM_DISCOVERY_INTERVAL", &c.Discovery.Interval)
	str("FINDSWARM_REGISTRY_URL", &c.Registry.URL)
	str("FINDSWARM_REGISTRY_LISTEN", &c.Registry.Listen)
	duration("FINDSWARM_REGISTRY_VISIBILITY_DELAY", &c.Registry.VisibilityDelay)
	str("FINDSWARM_LOG_LEVEL", &c.Log.Level)
	boolean("FINDSWARM_LOG_DEVELOPMENT", &c.Log.Development)

	return errors.Join(errs...)
}

// Validate rejects settings the swarm cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Discovery.Attempts <= 0 {
		errs = append(errs, errors.New("discovery.attempts must be positive"))
	}
	if c.Discovery.Interval <= 0 {
		errs = append(errs, errors.New("discovery.interval must be positive"))
	}
	if c.Registry.RegisterAttempts <= 0 {
		errs = append(errs, errors.New("registry.register_attempts must be positive"))
	}
	if c.Registry.VisibilityDelay < 0 {
		errs = append(errs, errors.New("registry.visibility_delay cannot be negative"))
	}
	if c.Liveness.Interval <= 0 {
		errs = append(errs, errors.New("liveness.interval must be positive"))
	}
	if c.Liveness.MaxFailures <= 0 {
		errs = append(errs, errors.New("liveness.max_failures must be positive"))
	}
	if c.Analysis.Enabled {
		if c.Analysis.URL == "" {
			errs = append(errs, errors.New("analysis.url is required when analysis is enabled"))
		}
		if c.Analysis.Timeout <= 0 {
			errs = append(errs, errors.New("analysis.timeout must be positive"))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
