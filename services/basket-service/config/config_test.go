package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8086", cfg.Port)
	assert.Equal(t, 7*24*time.Hour, cfg.BasketTTL)
	assert.Equal(t, "rabbitmq", cfg.EventBus.Driver)
	assert.Equal(t, "microshop.events", cfg.EventBus.Exchange)
	assert.False(t, cfg.TrustGatewayHeader)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("BASKET_TTL", "1h")
	t.Setenv("EVENTBUS_DRIVER", "kafka")
	t.Setenv("EVENTBUS_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.BasketTTL)
	assert.Equal(t, "kafka", cfg.EventBus.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.EventBus.Brokers())
}

func TestLoad_RejectsNonPositiveTTL(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("BASKET_TTL", "-1m")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RequiresSecretOrGatewayTrust(t *testing.T) {
	t.Setenv("JWT_SECRET", "  ")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_TRUST_GATEWAY_HEADER")

	t.Setenv("AUTH_TRUST_GATEWAY_HEADER", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.TrustGatewayHeader)
}
