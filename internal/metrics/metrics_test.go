package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/supervault/internal/types"
)

func TestCollectorsCount(t *testing.T) {
	m := New()
	m.ObserveCycle(types.TickSlow, "ok", 1.5)
	m.ObserveCycle(types.TickSlow, "ok", 0.5)
	m.ObserveDecision(types.ActionEmergencyWithdraw)
	m.ObserveExecution(types.ReceiptConfirmed)
	m.Deferrals.Inc()
	m.SetInFlight(true)
	m.SetConfidence("aave-arbitrum", 0.75)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Cycles.WithLabelValues("slow", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("EMERGENCY_WITHDRAW")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("CONFIRMED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deferrals))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InFlight))
	assert.Equal(t, 0.75, testutil.ToFloat64(m.Confidence.WithLabelValues("aave-arbitrum")))

	m.SetInFlight(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveDecision(types.ActionHold)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `strategist_decisions_total{action="HOLD"} 1`)
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Deferrals.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Deferrals))
}
