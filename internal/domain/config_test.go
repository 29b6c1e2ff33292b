package domain

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, vars map[string]string) (*Config, error) {
	t.Helper()
	return loadConfig(env.Options{Environment: vars})
}

func TestLoadConfigTiers(t *testing.T) {
	t.Run("community by default", func(t *testing.T) {
		cfg, err := load(t, nil)
		require.NoError(t, err)
		assert.Equal(t, TierCommunity, cfg.Tier)
		assert.Equal(t, "sqlite", cfg.Repository.Driver)
		assert.Equal(t, "memory", cfg.Cache.Type)
		assert.Equal(t, "channel", cfg.EventBus.Type)
		assert.False(t, cfg.Worker.Enabled)
		assert.Equal(t, 0.5, cfg.Scoring.IsoNormConstant)
	})

	t.Run("pro", func(t *testing.T) {
		cfg, err := load(t, map[string]string{"KESTREL_TIER": "pro"})
		require.NoError(t, err)
		assert.Equal(t, TierPro, cfg.Tier)
		assert.Equal(t, "postgres", cfg.Repository.Driver)
		assert.Equal(t, "redis", cfg.Cache.Type)
		assert.Equal(t, "nats", cfg.EventBus.Type)
		assert.True(t, cfg.Worker.Enabled)
		assert.True(t, cfg.Scoring.RemoteInference)
		assert.Equal(t, "kestrel", cfg.EventBus.NATSQueueGroup)
	})

	t.Run("unknown tier", func(t *testing.T) {
		_, err := load(t, map[string]string{"KESTREL_TIER": "enterprise"})
		assert.ErrorContains(t, err, "unknown tier")
	})
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := load(t, map[string]string{
		"KESTREL_PORT":              "9090",
		"KESTREL_XGB_THRESHOLD":     "0.7",
		"KESTREL_CONTAMINATION":     "0.1",
		"KESTREL_MODEL_VERSIONS":    "xgboost=v2.1,isolation_forest=v1.4",
		"KESTREL_INFERENCE_TIMEOUT": "500ms",
		"KESTREL_TENANTS":           "bank-a,bank-b",
		"KESTREL_ASYNC_WORKER":      "true",
		"KESTREL_LOG_LEVEL":         "debug",
		"KESTREL_RULES_FILE":        "/etc/kestrel/rules.yaml",
	})
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 0.7, cfg.Scoring.XGBoostThreshold)
	assert.Equal(t, 0.1, cfg.Scoring.Contamination)
	assert.Equal(t, map[string]string{"xgboost": "v2.1", "isolation_forest": "v1.4"}, cfg.Scoring.ModelVersions)
	assert.Equal(t, 500*time.Millisecond, cfg.Scoring.InferenceTimeout)
	assert.Equal(t, []string{"bank-a", "bank-b"}, cfg.Worker.Tenants)
	assert.True(t, cfg.Worker.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/etc/kestrel/rules.yaml", cfg.Rules.File)
	assert.True(t, cfg.Rules.FromRepository)
}

func TestLoadConfigConnectionURLs(t *testing.T) {
	cfg, err := load(t, map[string]string{
		"KESTREL_TIER":         "pro",
		"KESTREL_DATABASE_URL": "postgres://kestrel@pg:5432/kestrel",
		"KESTREL_REDIS_URL":    "redis://cache:6379/1",
		"KESTREL_NATS_QUEUE":   "scorers",
	})
	require.NoError(t, err)

	assert.Equal(t, "postgres://kestrel@pg:5432/kestrel", cfg.Repository.PostgresURL)
	assert.Equal(t, "redis://cache:6379/1", cfg.Cache.RedisURL)
	assert.Equal(t, "scorers", cfg.EventBus.NATSQueueGroup)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := map[string]map[string]string{
		"threshold above one":    {"KESTREL_XGB_THRESHOLD": "1.5"},
		"negative contamination": {"KESTREL_CONTAMINATION": "-0.1"},
		"zero iso constant":      {"KESTREL_ISO_NORM": "0"},
		"no workers":             {"KESTREL_WORKERS": "0"},
		"not a number":           {"KESTREL_PORT": "http"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := load(t, vars)
			assert.Error(t, err)
		})
	}
}
