package domain

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier" env:"KESTREL_TIER"`

	// Scoring parameters
	Scoring ScoringConfig `json:"scoring"`

	// Rule sources
	Rules RulesConfig `json:"rules"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Async batch worker
	Worker WorkerConfig `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" env:"KESTREL_HOST"`
	Port         int    `json:"port" env:"KESTREL_PORT"`
	ReadTimeout  int    `json:"readTimeout" env:"KESTREL_READ_TIMEOUT"`   // seconds
	WriteTimeout int    `json:"writeTimeout" env:"KESTREL_WRITE_TIMEOUT"` // seconds
}

// ScoringConfig holds the analysis defaults and pool sizing.
type ScoringConfig struct {
	// IsoNormConstant is the isolation forest score magnitude that maps to
	// the full isolation term.
	IsoNormConstant float64 `json:"isoNormConstant" env:"KESTREL_ISO_NORM"`

	XGBoostThreshold float64 `json:"xgboostThreshold" env:"KESTREL_XGB_THRESHOLD"`
	Contamination    float64 `json:"contamination" env:"KESTREL_CONTAMINATION"`

	// Workers bounds concurrent per-transaction scoring within a batch.
	Workers int `json:"workers" env:"KESTREL_WORKERS"`

	// ModelVersions is recorded on every execution.
	ModelVersions map[string]string `json:"modelVersions" env:"KESTREL_MODEL_VERSIONS" envSeparator:"," envKeyValSeparator:"="`

	// InferenceTimeout bounds one model request over the bus.
	InferenceTimeout time.Duration `json:"inferenceTimeout" env:"KESTREL_INFERENCE_TIMEOUT"`

	// RemoteInference asks the model layer over the bus when a
	// transaction carries no signal.
	RemoteInference bool `json:"remoteInference" env:"KESTREL_REMOTE_INFERENCE"`
}

// RulesConfig points at the external rule sources.
type RulesConfig struct {
	// File is an optional YAML rule file merged over the built-ins.
	File string `json:"file" env:"KESTREL_RULES_FILE"`

	// FromRepository loads persisted external rules.
	FromRepository bool `json:"fromRepository" env:"KESTREL_RULES_FROM_DB"`
}

// WorkerConfig controls the bus-driven batch worker.
type WorkerConfig struct {
	Enabled bool `json:"enabled" env:"KESTREL_ASYNC_WORKER"`

	// Tenants to subscribe for; empty means one global subscription.
	Tenants []string `json:"tenants" env:"KESTREL_TENANTS" envSeparator:","`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" env:"KESTREL_LOG_LEVEL"`   // debug, info, warn, error
	Format string `json:"format" env:"KESTREL_LOG_FORMAT"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" env:"KESTREL_TRACING"`
	ServiceName string `json:"serviceName" env:"KESTREL_SERVICE_NAME"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Scoring: ScoringConfig{
			IsoNormConstant:  0.5,
			XGBoostThreshold: DefaultXGBoostThreshold,
			Contamination:    DefaultContamination,
			Workers:          8,
			ModelVersions: map[string]string{
				"xgboost":          "v1.0",
				"isolation_forest": "v1.0",
			},
			InferenceTimeout: 2 * time.Second,
		},
		Rules: RulesConfig{
			FromRepository: true,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			SignalTTL:    10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		SignalTTL:      10 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel",
	}
	cfg.Scoring.RemoteInference = true
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig picks the tier defaults from KESTREL_TIER and overlays any
// KESTREL_* environment variables.
func LoadConfig() (*Config, error) {
	return loadConfig(env.Options{})
}

func loadConfig(opts env.Options) (*Config, error) {
	var probe struct {
		Tier Tier `env:"KESTREL_TIER" envDefault:"community"`
	}
	if err := env.ParseWithOptions(&probe, opts); err != nil {
		return nil, fmt.Errorf("parse tier: %w", err)
	}

	var cfg *Config
	switch probe.Tier {
	case TierCommunity:
		cfg = DefaultConfig()
	case TierPro:
		cfg = ProConfig()
	default:
		return nil, fmt.Errorf("unknown tier %q", probe.Tier)
	}

	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the scoring parameters.
func (c *Config) Validate() error {
	if c.Scoring.IsoNormConstant <= 0 {
		return fmt.Errorf("iso normalization constant must be positive, got %v", c.Scoring.IsoNormConstant)
	}
	def := AnalysisConfig{
		Method:           MethodBoth,
		XGBoostThreshold: c.Scoring.XGBoostThreshold,
		Contamination:    c.Scoring.Contamination,
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("scoring defaults: %w", err)
	}
	if c.Scoring.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Scoring.Workers)
	}
	return nil
}
