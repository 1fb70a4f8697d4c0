package hedge

import (
	"time"

	"hedge-bot/internal/venue"

	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomeBalanced   Outcome = "Balanced"
	OutcomeImbalanced Outcome = "Imbalanced"
	OutcomeAborted    Outcome = "Aborted"
)

type Request struct {
	Seq        int64
	Instrument string
	Quantity   decimal.Decimal
	SideA      venue.Side
}

type LegResult struct {
	Venue         venue.ID          `json:"venue"`
	Instrument    string            `json:"instrument"`
	Side          venue.Side        `json:"side"`
	Quantity      decimal.Decimal   `json:"quantity"`
	Price         decimal.Decimal   `json:"price"`
	ClientOrderID string            `json:"client_order_id,omitempty"`
	OrderID       string            `json:"order_id,omitempty"`
	Placed        bool              `json:"placed"`
	Status        venue.OrderStatus `json:"status,omitempty"`
	Filled        decimal.Decimal   `json:"filled"`
	TimedOut      bool              `json:"timed_out,omitempty"`
	Error         string            `json:"error,omitempty"`
}

type UnwindResult struct {
	Venue         venue.ID          `json:"venue"`
	Side          venue.Side        `json:"side"`
	Quantity      decimal.Decimal   `json:"quantity"`
	Price         decimal.Decimal   `json:"price"`
	ClientOrderID string            `json:"client_order_id,omitempty"`
	OrderID       string            `json:"order_id,omitempty"`
	Status        venue.OrderStatus `json:"status,omitempty"`
	Filled        decimal.Decimal   `json:"filled"`
	Succeeded     bool              `json:"succeeded"`
	Error         string            `json:"error,omitempty"`
}

// CycleResult is the immutable record of one hedge cycle. ResidualDelta is |filledA -
// filledB| when legs were reconciled; OpenResidual is what remains after the unwind.
type CycleResult struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Instrument    string          `json:"instrument"`
	Target        decimal.Decimal `json:"target"`
	Outcome       Outcome         `json:"outcome"`
	LegA          LegResult       `json:"leg_a"`
	LegB          LegResult       `json:"leg_b"`
	FilledA       decimal.Decimal `json:"filled_a"`
	FilledB       decimal.Decimal `json:"filled_b"`
	ResidualDelta decimal.Decimal `json:"residual_delta"`
	OpenResidual  decimal.Decimal `json:"open_residual"`
	Unwind        *UnwindResult   `json:"unwind,omitempty"`
	Failure       string          `json:"failure,omitempty"`
	Error         string          `json:"error,omitempty"`
	Interrupted   bool            `json:"interrupted,omitempty"`
	Transitions   []Transition    `json:"transitions"`
	StartedAt     time.Time       `json:"started_at"`
	Duration      time.Duration   `json:"duration"`
}

func (r CycleResult) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// Unresolved reports whether the cycle left exposure that the unwind did not close.
func (r CycleResult) Unresolved() bool {
	return r.Outcome == OutcomeImbalanced && r.OpenResidual.IsPositive()
}
