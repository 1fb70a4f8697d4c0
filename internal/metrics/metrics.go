package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Observer interface {
	Observe(float64)
}

type Metrics struct {
	OrdersPlaced     Counter
	OrdersFailed     Counter
	CyclesBalanced   Counter
	CyclesImbalanced Counter
	CyclesAborted    Counter
	UnwindAttempts   Counter
	UnwindFailed     Counter
	VenueFaults      Counter
	SupervisorHalts  Counter
	Residual         Gauge
	CycleSeconds     Observer
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

type noopObserver struct{}

func (noopObserver) Observe(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:     n,
		OrdersFailed:     n,
		CyclesBalanced:   n,
		CyclesImbalanced: n,
		CyclesAborted:    n,
		UnwindAttempts:   n,
		UnwindFailed:     n,
		VenueFaults:      n,
		SupervisorHalts:  n,
		Residual:         noopGauge{},
		CycleSeconds:     noopObserver{},
	}
}

// CycleCounter returns the counter for a cycle outcome name.
func (m *Metrics) CycleCounter(outcome string) Counter {
	switch outcome {
	case "Balanced":
		return m.CyclesBalanced
	case "Imbalanced":
		return m.CyclesImbalanced
	case "Aborted":
		return m.CyclesAborted
	}
	return noopCounter{}
}
