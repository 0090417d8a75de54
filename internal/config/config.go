// Package config loads scanner settings from an optional YAML file and
// provides the defaults every run starts from. Command-line flags are
// applied on top by the cli package.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as
// human-readable strings like "30s" or "168h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds every tunable of a scan run.
type Config struct {
	ExtensionsDir string `yaml:"extensions_dir"`
	CachePath     string `yaml:"cache_path"`
	NoCache       bool   `yaml:"no_cache"`

	Workers     int      `yaml:"workers"`
	MaxCacheAge Duration `yaml:"max_cache_age"`

	Service ServiceConfig `yaml:"service"`
	Output  OutputConfig  `yaml:"output"`
}

// ServiceConfig configures the remote analysis client.
type ServiceConfig struct {
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	MaxRPS         float64  `yaml:"max_rps"`
	RequestTimeout Duration `yaml:"request_timeout"`
	PollInterval   Duration `yaml:"poll_interval"`
	MaxPolls       int      `yaml:"max_polls"`
	MaxAttempts    int      `yaml:"max_attempts"`
	ProxyURL       string   `yaml:"proxy_url"`
}

// OutputConfig configures report rendering.
type OutputConfig struct {
	Format  string `yaml:"format"` // text, json, csv
	NoColor bool   `yaml:"no_color"`
}

// Default returns the configuration every run starts from.
func Default() *Config {
	return &Config{
		CachePath:   defaultCachePath(),
		Workers:     3,
		MaxCacheAge: Duration(7 * 24 * time.Hour),
		Service: ServiceConfig{
			BaseURL:        "https://api.extscan.dev",
			MaxRPS:         5,
			RequestTimeout: Duration(30 * time.Second),
			PollInterval:   Duration(2 * time.Second),
			MaxPolls:       60,
			MaxAttempts:    4,
		},
		Output: OutputConfig{
			Format: "text",
		},
	}
}

// defaultCachePath puts the cache under the user cache directory,
// falling back to the working directory when none is known.
func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "extscan.db"
	}
	return dir + "/extscan/results.db"
}

// Load reads a YAML config file and merges it over the defaults. A
// missing file is not an error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks bounds after flags have been applied.
func (c *Config) Validate() error {
	if c.Workers < 1 || c.Workers > 5 {
		return fmt.Errorf("config: workers must be between 1 and 5, got %d", c.Workers)
	}
	if c.MaxCacheAge <= 0 {
		return fmt.Errorf("config: max_cache_age must be positive")
	}
	if c.Service.BaseURL == "" {
		return fmt.Errorf("config: service base_url is required")
	}
	if c.Service.MaxAttempts < 1 {
		return fmt.Errorf("config: max_attempts must be at least 1")
	}
	if c.Service.MaxPolls < 1 {
		return fmt.Errorf("config: max_polls must be at least 1")
	}
	if c.Service.MaxRPS <= 0 {
		return fmt.Errorf("config: max_rps must be positive")
	}
	switch c.Output.Format {
	case "text", "json", "csv":
	default:
		return fmt.Errorf("config: unknown output format %q", c.Output.Format)
	}
	return nil
}
