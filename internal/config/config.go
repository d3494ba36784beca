// Package config provides configuration loading for tandem runs.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/marcus-qen/tandem/internal/expander"
)

// Config holds all run configuration.
type Config struct {
	// Parallelism caps concurrently running tests (default GOMAXPROCS).
	Parallelism int `yaml:"parallelism"`
	// DefaultTimeout applies to tests without their own timeout; 0 disables.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// CascadeFailures marks Order successors of a failed test NotRun.
	CascadeFailures bool `yaml:"cascade_failures"`
	// MaxDataRows bounds every data source (default 10000).
	MaxDataRows int `yaml:"max_data_rows"`

	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	Results   ResultsConfig   `yaml:"results"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Selection SelectionConfig `yaml:"selection"`

	// Schedule is a cron expression or an interval ("15m"); when set the
	// plan is re-run on it.
	Schedule string `yaml:"schedule,omitempty"`
}

// ResultsConfig configures the run history store.
type ResultsConfig struct {
	// DSN selects the backend: a SQLite path, postgres://... or mysql://...
	// Empty disables persistence.
	DSN string `yaml:"dsn,omitempty"`
}

// MetricsConfig configures the HTTP endpoint serving /metrics, /results and /ws.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// TracingConfig configures OTLP export.
type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// SelectionConfig narrows which tests take part in a run.
type SelectionConfig struct {
	Explicit   []string `yaml:"explicit,omitempty"`
	Include    []string `yaml:"include,omitempty"`
	Categories []string `yaml:"categories,omitempty"`
}

// Expander converts the selection to the expander's form.
func (s SelectionConfig) Expander() expander.Selection {
	return expander.Selection{
		Explicit:   s.Explicit,
		Include:    s.Include,
		Categories: s.Categories,
	}
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		Parallelism: runtime.GOMAXPROCS(0),
		MaxDataRows: 10000,
		LogLevel:    "info",
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (Config, error) {
	return Load("")
}

func applyEnv(cfg *Config) error {
	var errs []error
	if v := os.Getenv("TANDEM_PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TANDEM_PARALLELISM: %w", err))
		} else {
			cfg.Parallelism = n
		}
	}
	if v := os.Getenv("TANDEM_DEFAULT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TANDEM_DEFAULT_TIMEOUT: %w", err))
		} else {
			cfg.DefaultTimeout = d
		}
	}
	if v := os.Getenv("TANDEM_CASCADE_FAILURES"); v != "" {
		cfg.CascadeFailures = v == "true" || v == "1"
	}
	if v := os.Getenv("TANDEM_MAX_DATA_ROWS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TANDEM_MAX_DATA_ROWS: %w", err))
		} else {
			cfg.MaxDataRows = n
		}
	}
	if v := os.Getenv("TANDEM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TANDEM_RESULTS_DSN"); v != "" {
		cfg.Results.DSN = v
	}
	if v := os.Getenv("TANDEM_METRICS_LISTEN_ADDR"); v != "" {
		cfg.Metrics.ListenAddr = v
	}
	if v := os.Getenv("TANDEM_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLPEndpoint = v
	}
	if v := os.Getenv("TANDEM_EXPLICIT"); v != "" {
		cfg.Selection.Explicit = splitList(v)
	}
	if v := os.Getenv("TANDEM_INCLUDE"); v != "" {
		cfg.Selection.Include = splitList(v)
	}
	if v := os.Getenv("TANDEM_CATEGORIES"); v != "" {
		cfg.Selection.Categories = splitList(v)
	}
	if v := os.Getenv("TANDEM_SCHEDULE"); v != "" {
		cfg.Schedule = v
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("parallelism must be >= 1, got %d", c.Parallelism))
	}
	if c.DefaultTimeout < 0 {
		errs = append(errs, fmt.Errorf("default_timeout must not be negative, got %s", c.DefaultTimeout))
	}
	if c.MaxDataRows < 1 {
		errs = append(errs, fmt.Errorf("max_data_rows must be >= 1, got %d", c.MaxDataRows))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	if c.Schedule != "" {
		if d, err := time.ParseDuration(c.Schedule); err == nil {
			if d <= 0 {
				errs = append(errs, fmt.Errorf("schedule interval must be > 0, got %s", d))
			}
		} else if _, err := cron.ParseStandard(c.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("schedule: %w", err))
		}
	}
	return errors.Join(errs...)
}

// HasResults returns true if a result store is configured.
func (c Config) HasResults() bool {
	return strings.TrimSpace(c.Results.DSN) != ""
}
