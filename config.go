package amira

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the top-level configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server,omitempty"`
	Provider ProviderConfig `yaml:"provider"`
	Store    StoreConfig    `yaml:"store,omitempty"`
	Session  SessionConfig  `yaml:"session,omitempty"`
	Report   ReportConfig   `yaml:"report,omitempty"`
	Limits   LimitsConfig   `yaml:"limits,omitempty"`
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Port is the API server port. Default: 8080.
	Port int `yaml:"port"`
	// ObservabilityPort serves /metrics and /health. Default: 9090.
	ObservabilityPort int `yaml:"observability_port"`
}

// ProviderConfig configures the LLM provider.
type ProviderConfig struct {
	// Name selects the registered provider factory.
	// Options: "gemini", "openai", "mock". Default: "gemini".
	Name string `yaml:"name"`
	// Model is the model identifier (provider default if empty).
	Model string `yaml:"model"`
	// Options are passed through to the provider factory.
	Options map[string]any `yaml:"options,omitempty"`
	// Tracing wraps the provider with span instrumentation.
	Tracing bool `yaml:"tracing"`
	// ExtractorCallTimeout bounds each classification call. Default: 15s.
	ExtractorCallTimeout time.Duration `yaml:"extractor_call_timeout"`
	// ComposerCallTimeout bounds each composition call. Default: 20s.
	ComposerCallTimeout time.Duration `yaml:"composer_call_timeout"`
	// MaxUtteranceLength caps utterance length in runes before
	// extraction. Default: 4096.
	MaxUtteranceLength int `yaml:"max_utterance_length"`
}

// StoreConfig configures timeline persistence.
type StoreConfig struct {
	// Backend specifies the storage backend type.
	// Options: "memory", "redis", "firestore". Default: "memory".
	Backend string `yaml:"backend"`

	// Redis settings, used when Backend is "redis".
	Redis RedisConfig `yaml:"redis,omitempty"`

	// Firestore settings, used when Backend is "firestore".
	Firestore FirestoreConfig `yaml:"firestore,omitempty"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// FirestoreConfig holds Firestore connection settings.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

// SessionConfig configures the session state machine.
type SessionConfig struct {
	// InactivityTimeout closes a session this long after its last
	// message (e.g. "30m"). Default: 30m.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	// SweepInterval is the cron spec or interval for the idle-session
	// sweeper (e.g. "@every 1m"). Default: "@every 1m".
	SweepInterval string `yaml:"sweep_interval"`
	// AssessEvery triggers a condition assessment every N patient
	// messages. Default: 5. Negative disables.
	AssessEvery int `yaml:"assess_every"`
}

// ReportConfig configures report aggregation.
type ReportConfig struct {
	// Cache persists each built report to the store.
	Cache bool `yaml:"cache"`
	// ConfidenceThreshold gates notable events. Default: 0.6.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// RelevanceThreshold gates notable events. Default: 0.5.
	RelevanceThreshold float64 `yaml:"relevance_threshold"`
	// ClusterWindow merges notable events closer than this. Default: 10m.
	ClusterWindow time.Duration `yaml:"cluster_window"`
	// RisingMargin flags rising condition trajectories. Default: 0.15.
	RisingMargin float64 `yaml:"rising_margin"`
}

// LimitsConfig configures model-call rate limiting.
type LimitsConfig struct {
	// RequestsPerSecond applies globally and per patient. Default: 5.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// Burst is the limiter burst size. Default: 10.
	Burst int `yaml:"burst"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns a configuration with all defaults applied.
// The mock provider and memory store make it runnable with no
// external services.
func DefaultConfig() *Config {
	cfg := &Config{
		Provider: ProviderConfig{Name: "mock"},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ObservabilityPort == 0 {
		c.Server.ObservabilityPort = 9090
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "gemini"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Session.InactivityTimeout == 0 {
		c.Session.InactivityTimeout = 30 * time.Minute
	}
	if c.Session.SweepInterval == "" {
		c.Session.SweepInterval = "@every 1m"
	}
	if c.Session.AssessEvery == 0 {
		c.Session.AssessEvery = 5
	}
	if c.Limits.RequestsPerSecond == 0 {
		c.Limits.RequestsPerSecond = 5
	}
	if c.Limits.Burst == 0 {
		c.Limits.Burst = 10
	}
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	case "firestore":
		if c.Store.Firestore.ProjectID == "" {
			return fmt.Errorf("store.firestore.project_id is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Session.InactivityTimeout < 0 {
		return fmt.Errorf("session.inactivity_timeout must be positive")
	}
	return nil
}
