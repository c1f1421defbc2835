package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the operator-facing rule and policy configuration, usually
// loaded from a YAML file. Parse errors in individual rules are logged and
// the rule skipped; config loading itself only fails on unreadable input.
type Config struct {
	// ResultAwards are pipe-delimited award rules matched against
	// asynchronously published check results, keyed by rule id:
	//   "producer | property | operator | value | delta | reason | resolution"
	ResultAwards map[string]string `yaml:"result_awards"`

	// Awards is the todo template: location key -> "delta [if operator [wants]]".
	// Copied verbatim into every new session and re-checked at each
	// checkpoint; entries are one-shot.
	Awards map[string]string `yaml:"awards"`

	// ASNAwards are flat per-network deltas applied whenever a check
	// result reports that ASN.
	ASNAwards map[string]float64 `yaml:"asn_awards"`

	Thresholds   ThresholdConfig   `yaml:"thresholds"`
	Tarpit       TarpitConfig      `yaml:"tarpit"`
	Deny         DenyConfig        `yaml:"deny"`
	DenyExcludes DenyExcludeConfig `yaml:"deny_excludes"`
	Reputation   ReputationConfig  `yaml:"reputation"`

	// SpammyTLDs maps an envelope-sender TLD to a score delta.
	SpammyTLDs map[string]float64 `yaml:"spammy_tlds"`

	TLS *TLSConfig `yaml:"tls"`
}

type ThresholdConfig struct {
	Positive float64 `yaml:"positive"`
	Negative float64 `yaml:"negative"`
}

type TarpitConfig struct {
	Enable bool `yaml:"enable"`
	// Delay, when set, overrides the progressive per-score delay.
	Delay  float64 `yaml:"delay"`
	Max    float64 `yaml:"max"`
	MaxMSA float64 `yaml:"max_msa"`
}

type DenyConfig struct {
	Hooks   []string `yaml:"hooks"`
	Message string   `yaml:"message"`
}

type DenyExcludeConfig struct {
	Hooks   []string `yaml:"hooks"`
	Plugins []string `yaml:"plugins"`
}

type ReputationConfig struct {
	ExpireDays int `yaml:"expire_days"`
	// TimeoutMS bounds the blocking connect-phase history read.
	TimeoutMS int `yaml:"timeout_ms"`
}

type TLSConfig struct {
	Set   float64 `yaml:"set"`
	Unset float64 `yaml:"unset"`
}

// DefaultConfig returns the engine defaults, with tarpit enabled and no
// award rules configured.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Thresholds.Positive == 0 {
		cfg.Thresholds.Positive = 3
	}
	if cfg.Thresholds.Negative == 0 {
		cfg.Thresholds.Negative = -5
	}
	if cfg.Tarpit.Max == 0 {
		cfg.Tarpit.Max = 5
	}
	if cfg.Tarpit.MaxMSA == 0 {
		cfg.Tarpit.MaxMSA = 2
	}
	if cfg.Deny.Message == "" {
		cfg.Deny.Message = "very bad karma score: {score}"
	}
	if cfg.Deny.Hooks == nil {
		cfg.Deny.Hooks = []string{
			"unrecognized_command", "helo", "data", "data_post", "queue", "queue_outbound",
		}
	}
	if cfg.DenyExcludes.Hooks == nil {
		cfg.DenyExcludes.Hooks = []string{"rcpt_to", "queue", "queue_outbound"}
	}
	if cfg.DenyExcludes.Plugins == nil {
		cfg.DenyExcludes.Plugins = []string{
			"access", "helo.checks", "data.headers", "spamassassin",
			"mail_from.is_resolvable", "clamd", "tls",
		}
	}
	if cfg.Reputation.ExpireDays == 0 {
		cfg.Reputation.ExpireDays = 60
	}
	if cfg.Reputation.TimeoutMS == 0 {
		cfg.Reputation.TimeoutMS = 1000
	}
}

// TTL is the IP-scope reputation record lifetime. ASN-scope callers use 2x.
func (cfg *Config) TTL() time.Duration {
	return time.Duration(cfg.Reputation.ExpireDays) * 24 * time.Hour
}

func (cfg *Config) StoreTimeout() time.Duration {
	return time.Duration(cfg.Reputation.TimeoutMS) * time.Millisecond
}

// LoadConfigFile reads and parses a YAML config, with defaults applied.
func LoadConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading karma config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing karma config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}
