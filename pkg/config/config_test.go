package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8083, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 5*time.Second, cfg.Call.SweepInterval)
	assert.Equal(t, time.Hour, cfg.JWT.SignalingTokenTTL)
	assert.Equal(t, 1000, cfg.WebSocket.MaxSignalingConnections)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("CALL_RING_TIMEOUT", "30s")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	t.Setenv("ENV", "production")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.CORS.AllowedOrigins)
	assert.InDelta(t, 0.25, cfg.Tracing.SampleRatio, 1e-9)
	assert.True(t, cfg.IsProduction())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing secret", map[string]string{"JWT_SECRET": ""}, "JWT_SECRET is required"},
		{"short secret", map[string]string{"JWT_SECRET": "short"}, "at least 32"},
		{"zero ring timeout", map[string]string{"CALL_RING_TIMEOUT": "0s"}, "CALL_RING_TIMEOUT"},
		{"negative sweep", map[string]string{"CALL_SWEEP_INTERVAL": "-1s"}, "CALL_SWEEP_INTERVAL"},
		{"bad ratio", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "2"}, "OTEL_TRACES_SAMPLER_ARG"},
		{"zero rate limit", map[string]string{"CALL_INITIATE_RATE_LIMIT": "0"}, "CALL_INITIATE_RATE_LIMIT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", testSecret)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseURL(t *testing.T) {
	db := DatabaseConfig{User: "root", Password: "pw", Host: "db", Port: 26257, Database: "chatcall", SSLMode: "disable"}

	assert.Equal(t, "postgresql://root:pw@db:26257/chatcall?sslmode=disable", db.DatabaseURL())
}
