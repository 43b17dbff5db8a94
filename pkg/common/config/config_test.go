package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsUnparsablePoolableCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThreadSupplierMaxPoolableThreadCount = "lots"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNegativeTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThreadSupplierRequestTimeoutMillis = -1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ThreadSupplierDecayThresholdMillis = -1
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsPathologicalNegativeMaxTotal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThreadSupplierMaxPoolableThreadCount = "4"
	cfg.ThreadSupplierMaxDetachedThreadCount = -10
	assert.Error(t, cfg.Validate(), "max-detached of -10 is not the -1 unbounded sentinel and leaves total <= 0")
}

func TestValidateAllowsUnboundedDetachedSentinel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThreadSupplierMaxPoolableThreadCount = "4"
	cfg.ThreadSupplierMaxDetachedThreadCount = -1
	assert.NoError(t, cfg.Validate())
}
