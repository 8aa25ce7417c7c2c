package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setEnvs sets multiple env vars for the duration of the test.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

func withSecrets(t *testing.T) {
	t.Helper()
	setEnvs(t, map[string]string{
		"CLIENT_SIGNING_SECRET":  "client-secret",
		"WEBHOOK_SIGNING_SECRET": "webhook-secret",
	})
}

func TestLoad_Defaults(t *testing.T) {
	withSecrets(t)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8006, cfg.HTTPPort)
	assert.Equal(t, "reconciliation_db", cfg.PostgresDB)
	assert.Equal(t, CartBackendRedis, cfg.CartBackend)
	assert.Equal(t, 8, cfg.ReconcileMaxParallel)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "payment-reconciliation-retry", cfg.ReconcileRetryGroup)
	assert.Equal(t, 1440, cfg.WebhookDedupTTLMinutes)
	assert.Equal(t, 5.0, cfg.VerifyRateLimitRPS)
	assert.Equal(t, 10, cfg.VerifyRateLimitBurst)
}

func TestLoad_MissingSecrets(t *testing.T) {
	tests := []struct {
		name string
		envs map[string]string
	}{
		{"neither", map[string]string{}},
		{"client only", map[string]string{"CLIENT_SIGNING_SECRET": "client-secret"}},
		{"webhook only", map[string]string{"WEBHOOK_SIGNING_SECRET": "webhook-secret"}},
		{"empty webhook", map[string]string{"CLIENT_SIGNING_SECRET": "client-secret", "WEBHOOK_SIGNING_SECRET": ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnvs(t, tt.envs)

			cfg, err := Load()

			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), "SIGNING_SECRET")
		})
	}
}

func TestLoad_SharedSecretRejected(t *testing.T) {
	setEnvs(t, map[string]string{
		"CLIENT_SIGNING_SECRET":  "same",
		"WEBHOOK_SIGNING_SECRET": "same",
	})

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "must differ")
}

func TestLoad_Overrides(t *testing.T) {
	withSecrets(t)
	setEnvs(t, map[string]string{
		"RECONCILIATION_HTTP_PORT": "9100",
		"KAFKA_BROKERS":            "k1:9092,k2:9092",
		"CART_BACKEND":             "http",
		"CART_SERVICE_URL":         "http://cart:8002",
		"RECONCILE_MAX_PARALLEL":   "2",
		"CORS_ALLOWED_ORIGINS":     "https://shop.example.com,https://m.example.com",
	})

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.HTTPPort)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, CartBackendHTTP, cfg.CartBackend)
	assert.Equal(t, 2, cfg.ReconcileMaxParallel)
	assert.Len(t, cfg.CORSAllowedOrigins, 2)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		envs    map[string]string
		wantErr string
	}{
		{"port out of range", map[string]string{"RECONCILIATION_HTTP_PORT": "70000"}, "invalid HTTP port"},
		{"unknown cart backend", map[string]string{"CART_BACKEND": "memcached"}, "CART_BACKEND"},
		{"bad cart url", map[string]string{"CART_BACKEND": "http", "CART_SERVICE_URL": "not a url"}, "CART_SERVICE_URL"},
		{"zero parallelism", map[string]string{"RECONCILE_MAX_PARALLEL": "0"}, "RECONCILE_MAX_PARALLEL"},
		{"sample rate", map[string]string{"OTEL_SAMPLE_RATE": "1.5"}, "OTEL_SAMPLE_RATE"},
		{"negative verify rate", map[string]string{"VERIFY_RATE_LIMIT_RPS": "-1"}, "VERIFY_RATE_LIMIT_RPS"},
		{"zero verify burst", map[string]string{"VERIFY_RATE_LIMIT_BURST": "0"}, "VERIFY_RATE_LIMIT_BURST"},
		{"non-numeric port", map[string]string{"RECONCILIATION_HTTP_PORT": "http"}, "HTTPPort"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withSecrets(t)
			setEnvs(t, tt.envs)

			cfg, err := Load()

			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
