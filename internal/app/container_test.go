package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynarepo/pkg/config"
)

func testConfig() *config.Config {
	return &config.Config{
		TableName:    "orders-test",
		AWSRegion:    "us-west-2",
		CacheBackend: config.CacheBackendMemory,
		LogLevel:     "error",
		Tunables:     config.DefaultTunables(),
	}
}

func TestNewContainerWith_MemoryBackend(t *testing.T) {
	c, err := NewContainerWith(context.Background(), testConfig())
	require.NoError(t, err)
	defer c.Close()

	assert.NotNil(t, c.Store)
	assert.NotNil(t, c.Cache)
	assert.NotNil(t, c.ETags)
	assert.NotNil(t, c.Dynamic)
	assert.Nil(t, c.Metrics)
	assert.Equal(t, config.DefaultTunables(), c.Dynamic.Current())
}

func TestNewContainerWith_RejectsUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.CacheBackend = "memcached"

	_, err := NewContainerWith(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown cache backend")
}

func TestNewContainerWith_RejectsBadLogLevel(t *testing.T) {
	cfg := testConfig()
	cfg.LogLevel = "shouting"

	_, err := NewContainerWith(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}
