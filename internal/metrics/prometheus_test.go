package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersFailed.Inc()
	prom.Metrics.UnwindAttempts.Inc()
	prom.Metrics.UnwindFailed.Inc()
	prom.Metrics.VenueFaults.Inc()
	prom.Metrics.SupervisorHalts.Inc()

	assertCounter(t, prom.ordersPlaced, 2)
	assertCounter(t, prom.ordersFailed, 1)
	assertCounter(t, prom.unwindAttempts, 1)
	assertCounter(t, prom.unwindFailed, 1)
	assertCounter(t, prom.venueFaults, 1)
	assertCounter(t, prom.halts, 1)
}

func TestPrometheusCycleOutcomes(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.CycleCounter("Balanced").Inc()
	prom.Metrics.CycleCounter("Balanced").Inc()
	prom.Metrics.CycleCounter("Imbalanced").Inc()
	prom.Metrics.CycleCounter("Unknown").Inc()

	assertCounter(t, prom.cycles.WithLabelValues("Balanced"), 2)
	assertCounter(t, prom.cycles.WithLabelValues("Imbalanced"), 1)
	assertCounter(t, prom.cycles.WithLabelValues("Aborted"), 0)
}

func TestPrometheusResidualAndDuration(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.Residual.Set(0.5)
	prom.Metrics.CycleSeconds.Observe(1.2)

	if got := testutil.ToFloat64(prom.residual); got != 0.5 {
		t.Fatalf("expected residual 0.5, got %v", got)
	}
	if got := testutil.CollectAndCount(prom.cycleSeconds); got != 1 {
		t.Fatalf("expected one histogram series, got %d", got)
	}

	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "hedge_bot_cycle_duration_seconds_count 1") {
		t.Fatalf("expected histogram in exposition, got %s", rec.Body.String())
	}
}

func TestNoopMetrics(t *testing.T) {
	m := NewNoop()
	m.OrdersPlaced.Inc()
	m.CycleCounter("Aborted").Inc()
	m.Residual.Set(1)
	m.CycleSeconds.Observe(1)
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
