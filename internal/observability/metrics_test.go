package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics, err := NewMetrics(registry)
	require.NoError(t, err)

	metrics.ObserveStep("commit_name", "ok", time.Second)
	metrics.ObserveStep("commit_name", "ok", 2*time.Second)
	metrics.ObserveStep("deploy_treasury", "recoverable", time.Second)
	metrics.ObserveJob("completed")
	metrics.ObserveGateWait("commit", 100*time.Millisecond, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.stepResults.WithLabelValues("commit_name", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.stepResults.WithLabelValues("deploy_treasury", "recoverable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.jobResults.WithLabelValues("completed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.gateQueued))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.stepDuration))
}

func TestNewMetricsRejectsDoubleRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewMetrics(registry)
	require.NoError(t, err)

	_, err = NewMetrics(registry)
	require.Error(t, err)
}
