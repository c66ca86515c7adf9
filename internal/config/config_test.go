package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 3, cfg.MaxMatchAttempts)
	assert.Equal(t, 3*time.Second, cfg.RematchDelay)
	assert.Equal(t, 20*time.Second, cfg.DriverResponseTimeout)
	assert.Equal(t, 180*time.Second, cfg.TotalSearchTimeout)
	assert.Equal(t, 5*time.Minute, cfg.NoShowWait)
	assert.Equal(t, 50.0, cfg.NoShowFee)
	assert.Equal(t, "booking-events", cfg.KafkaTopic)
	assert.Equal(t, "driver-status", cfg.KafkaDriverTopic)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("DRIVER_RESPONSE_TIMEOUT", "30s")
	t.Setenv("NOSHOW_FEE", "75")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Second, cfg.DriverResponseTimeout)
	assert.Equal(t, 75.0, cfg.NoShowFee)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigJoinsErrors(t *testing.T) {
	t.Setenv("REMATCH_DELAY", "not-a-duration")
	t.Setenv("MAX_MATCH_ATTEMPTS", "zero")
	t.Setenv("NOSHOW_FEE", "-5")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REMATCH_DELAY")
	assert.Contains(t, err.Error(), "MAX_MATCH_ATTEMPTS")
	assert.Contains(t, err.Error(), "NOSHOW_FEE")
}
