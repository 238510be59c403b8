package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6run/g6run/internal/metrics"
	"github.com/g6run/g6run/internal/provider"
)

func TestRunCataloguePrintsEveryMetricAndHash(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, runCatalogue(&buf))

	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, metrics.MCollectionCycles)
	assert.Contains(t, out, metrics.MHeartbeat)
	assert.Contains(t, out, metrics.SpecHash())
}

func TestHealthValueMapping(t *testing.T) {
	assert.Equal(t, 1.0, healthValue(provider.HealthHealthy))
	assert.Equal(t, 0.5, healthValue(provider.HealthDegraded))
	assert.Equal(t, 0.0, healthValue(provider.HealthUnhealthy))
}
