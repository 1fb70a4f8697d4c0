package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hedge_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry       *prometheus.Registry
	ordersPlaced   prometheus.Counter
	ordersFailed   prometheus.Counter
	cycles         *prometheus.CounterVec
	unwindAttempts prometheus.Counter
	unwindFailed   prometheus.Counter
	venueFaults    prometheus.Counter
	halts          prometheus.Counter
	residual       prometheus.Gauge
	cycleSeconds   prometheus.Histogram
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of orders acknowledged by a venue.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of order placement failures.",
	})
	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_total",
		Help:      "Total number of hedge cycles by outcome.",
	}, []string{"outcome"})
	unwindAttempts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "unwind_attempts_total",
		Help:      "Total number of corrective unwind orders issued.",
	})
	unwindFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "unwind_failed_total",
		Help:      "Total number of unwind attempts that failed or were not confirmed.",
	})
	venueFaults := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "venue_faults_total",
		Help:      "Total number of venue calls that failed as unavailable.",
	})
	halts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "supervisor_halts_total",
		Help:      "Total number of supervisor halts.",
	})
	residual := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "residual_delta",
		Help:      "Residual quantity delta left by the last cycle.",
	})
	cycleSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: promNamespace,
		Name:      "cycle_duration_seconds",
		Help:      "Duration of hedge cycles.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
	})

	registry.MustRegister(ordersPlaced, ordersFailed, cycles, unwindAttempts, unwindFailed, venueFaults, halts, residual, cycleSeconds)

	m := &Metrics{
		OrdersPlaced:     promCounter{ordersPlaced},
		OrdersFailed:     promCounter{ordersFailed},
		CyclesBalanced:   promCounter{cycles.WithLabelValues("Balanced")},
		CyclesImbalanced: promCounter{cycles.WithLabelValues("Imbalanced")},
		CyclesAborted:    promCounter{cycles.WithLabelValues("Aborted")},
		UnwindAttempts:   promCounter{unwindAttempts},
		UnwindFailed:     promCounter{unwindFailed},
		VenueFaults:      promCounter{venueFaults},
		SupervisorHalts:  promCounter{halts},
		Residual:         residual,
		CycleSeconds:     cycleSeconds,
	}

	return &Prometheus{
		Metrics:        m,
		registry:       registry,
		ordersPlaced:   ordersPlaced,
		ordersFailed:   ordersFailed,
		cycles:         cycles,
		unwindAttempts: unwindAttempts,
		unwindFailed:   unwindFailed,
		venueFaults:    venueFaults,
		halts:          halts,
		residual:       residual,
		cycleSeconds:   cycleSeconds,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
