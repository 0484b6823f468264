// Package config provides YAML configuration loading and validation for the
// filesentry daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so interval fields can be written in YAML as
// Go duration strings ("500ms", "2s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration structure for the filesentry daemon.
type Config struct {
	// Targets is the list of files to monitor. At least one is required.
	Targets []WatchTarget `yaml:"targets"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// APIAddr is the listen address for the REST API and /healthz endpoint
	// (e.g. "127.0.0.1:9750"). Defaults to "127.0.0.1:9750" when omitted.
	APIAddr string `yaml:"api_addr"`

	// JournalPath is the SQLite file for the confirmed-change journal.
	// ":memory:" is accepted for ephemeral runs. Defaults to
	// "/var/lib/filesentry/journal.db" when omitted.
	JournalPath string `yaml:"journal_path"`

	// Auth configures bearer-token authentication for the /api routes.
	// When omitted the API is served unauthenticated (loopback
	// deployments).
	Auth *AuthConfig `yaml:"auth"`

	// History configures the optional PostgreSQL archive of confirmed
	// changes. When omitted events stay in the local journal only.
	History *HistoryConfig `yaml:"history"`
}

// WatchTarget describes one monitored file.
type WatchTarget struct {
	// Name is a unique human-readable identifier used in events, logs, and
	// the API (e.g. "nginx-conf"). Required.
	Name string `yaml:"name"`

	// Path is the file to watch. Required. The file does not need to exist
	// at startup; the monitor reports file_not_found until it appears.
	Path string `yaml:"path"`

	// PollInterval is the cadence between change samples for this target.
	// Defaults to 1s when omitted.
	PollInterval Duration `yaml:"poll_interval"`
}

// AuthConfig holds the RS256 bearer-token verification settings.
type AuthConfig struct {
	// PublicKeyPath is the PEM-encoded RSA public key used to verify
	// bearer tokens. Required when the auth block is present.
	PublicKeyPath string `yaml:"public_key_path"`

	// Issuer, when non-empty, must match the token "iss" claim.
	Issuer string `yaml:"issuer"`

	// Audience, when non-empty, must appear in the token "aud" claim.
	Audience string `yaml:"audience"`
}

// HistoryConfig holds the PostgreSQL archive settings.
type HistoryConfig struct {
	// DSN is the PostgreSQL connection string. Required when the history
	// block is present.
	DSN string `yaml:"dsn"`

	// BatchSize is the maximum number of journal events drained per
	// archive round. Defaults to 100 when omitted.
	BatchSize int `yaml:"batch_size"`

	// DrainInterval is how often the archiver drains the journal.
	// Defaults to 5s when omitted.
	DrainInterval Duration `yaml:"drain_interval"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing the first validation failure encountered.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = "127.0.0.1:9750"
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "/var/lib/filesentry/journal.db"
	}
	for i := range cfg.Targets {
		if cfg.Targets[i].PollInterval <= 0 {
			cfg.Targets[i].PollInterval = Duration(time.Second)
		}
	}
	if cfg.History != nil {
		if cfg.History.BatchSize <= 0 {
			cfg.History.BatchSize = 100
		}
		if cfg.History.DrainInterval <= 0 {
			cfg.History.DrainInterval = Duration(5 * time.Second)
		}
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	if len(cfg.Targets) == 0 {
		errs = append(errs, errors.New("at least one target is required"))
	}

	seen := make(map[string]bool, len(cfg.Targets))
	for i, tgt := range cfg.Targets {
		prefix := fmt.Sprintf("targets[%d]", i)
		if tgt.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seen[tgt.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name %q", prefix, tgt.Name))
		} else {
			seen[tgt.Name] = true
		}
		if tgt.Path == "" {
			errs = append(errs, fmt.Errorf("%s: path is required", prefix))
		}
	}

	if cfg.Auth != nil && cfg.Auth.PublicKeyPath == "" {
		errs = append(errs, errors.New("auth.public_key_path is required when auth is configured"))
	}

	if cfg.History != nil && cfg.History.DSN == "" {
		errs = append(errs, errors.New("history.dsn is required when history is configured"))
	}

	return errors.Join(errs...)
}
