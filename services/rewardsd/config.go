package rewardsd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for rewardsd.
type Config struct {
	ListenAddress string `yaml:"listen"`
	// DatabaseURL points the record store at postgres (postgres://...) or a
	// sqlite file path.
	DatabaseURL string `yaml:"database_url"`
	// LedgerPath is the LevelDB directory backing ledger state. Empty keeps
	// state in memory, which is only sensible for local development.
	LedgerPath string `yaml:"ledger_path"`
	// OperatorAddress holds the rewarder role and signs issuance calls.
	OperatorAddress string `yaml:"operator_address"`
	// AdminAddress holds the admin role and signs config mutations, pause
	// toggles, and special contribution issuances.
	AdminAddress string `yaml:"admin_address"`
	// StalenessBound is how long a confirmed record-store row is trusted
	// without re-verifying against the ledger.
	StalenessBound Duration `yaml:"staleness_bound"`
	// UnsettledPendingAge is how long a pending attempt may sit before the
	// admin surface lists it as stuck.
	UnsettledPendingAge Duration        `yaml:"unsettled_pending_age"`
	PauseOnStart        bool            `yaml:"pause"`
	Admin               AdminConfig     `yaml:"admin"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	Log                 LogConfig       `yaml:"log"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
	AllowMTLS       bool   `yaml:"allow_mtls"`
}

// RateLimitConfig bounds inbound request frequency.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// LogConfig tunes the optional rotated log file output.
type LogConfig struct {
	FilePath   string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.StalenessBound.Duration == 0 {
		cfg.StalenessBound.Duration = 5 * time.Minute
	}
	if cfg.UnsettledPendingAge.Duration == 0 {
		cfg.UnsettledPendingAge.Duration = 10 * time.Minute
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("database_url must be configured")
	}
	if _, err := ParseAddress(cfg.OperatorAddress); err != nil {
		return fmt.Errorf("operator_address: %w", err)
	}
	if _, err := ParseAddress(cfg.AdminAddress); err != nil {
		return fmt.Errorf("admin_address: %w", err)
	}
	if cfg.Admin.BearerToken == "" && !cfg.Admin.AllowMTLS {
		return fmt.Errorf("configure either bearer_token or mTLS for admin authentication")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	return nil
}
