package ensemble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.callAdmitted()
	m.callReleased()
	m.callSettled(nil)
	m.taskFired("t")
	m.taskSkipped("t")
	m.taskFailed("t")
	m.serviceState("svc", StateReady)
}

func TestMetricsCallOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test-app")

	m.callAdmitted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsInFlight))

	m.callSettled(nil)
	m.callSettled(&InternalError{Err: errors.New("boom")})
	m.callSettled(ErrCallTimeout)
	m.callSettled(ErrCallCancelled)
	m.callReleased()

	assert.Equal(t, 0.0, testutil.ToFloat64(m.callsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsSettled.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsSettled.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsSettled.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsSettled.WithLabelValues("cancelled")))
}

func TestMetricsServiceStateIsOneHot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test-app")

	m.serviceState("db", StateStarting)
	m.serviceState("db", StateReady)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.serviceStates.WithLabelValues("db", string(StateReady))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.serviceStates.WithLabelValues("db", string(StateStarting))))
}

func TestMetricsFlowThroughServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test-app")
	s := newTestServer(t, WithServerMetrics(m))

	h, err := s.Call(context.Background(), func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	_, err = h.Result(context.Background())
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		return testutil.ToFloat64(m.callsSettled.WithLabelValues("ok")) == 1.0
	})
	waitFor(t, time.Second, func() bool {
		return testutil.ToFloat64(m.callsInFlight) == 0.0
	})
}
