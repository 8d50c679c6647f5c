package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prebidwatch/crawler/internal/config"
)

func TestSetupReturnsUsableLogger(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LogLevel = "debug"
	logger := Setup(cfg)
	assert.NotNil(t, logger)
}

func TestInitSentryNoopWithoutDSN(t *testing.T) {
	cfg := config.DefaultConfig()
	flush, err := InitSentry(cfg)
	require.NoError(t, err)
	require.NotNil(t, flush)
	flush()
}
