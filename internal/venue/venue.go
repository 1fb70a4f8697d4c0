// Package venue defines the capability contract every trading venue must satisfy
// and the value types exchanged with it.
package venue

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type ID string

const (
	A ID = "A"
	B ID = "B"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == Sell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func ParseSide(raw string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "b", "long", "bid":
		return Buy, true
	case "sell", "s", "short", "ask":
		return Sell, true
	}
	return "", false
}

type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnected    State = "CONNECTED"
	StateFaulted      State = "FAULTED"
)

type OrderStatus string

const (
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusCancelled       OrderStatus = "CANCELLED"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus maps the status strings reported by venue services. Unknown values are
// treated as open so that polling continues.
func ParseStatus(raw string) OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "FILLED":
		return StatusFilled
	case "PARTIALLY_FILLED", "PARTIAL", "PARTIALLYFILLED":
		return StatusPartiallyFilled
	case "CANCELED", "CANCELLED", "EXPIRED":
		return StatusCancelled
	case "REJECTED":
		return StatusRejected
	}
	return StatusOpen
}

// ReadyToken describes venue-side instrument state returned by Init.
type ReadyToken struct {
	Instrument string
	ContractID string
	TickSize   decimal.Decimal
	LotSize    decimal.Decimal
	MinSize    decimal.Decimal
}

type BBO struct {
	Venue     ID
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Timestamp time.Time
}

func (b BBO) Age(now time.Time) time.Duration {
	return now.Sub(b.Timestamp)
}

// Valid reports whether both sides are quoted and not crossed.
func (b BBO) Valid() bool {
	return b.BestBid.IsPositive() && b.BestAsk.IsPositive() && b.BestBid.LessThanOrEqual(b.BestAsk)
}

type OrderRef struct {
	Venue   ID
	OrderID string
}

func (r OrderRef) String() string {
	return string(r.Venue) + ":" + r.OrderID
}

type OrderRequest struct {
	Instrument    string
	Side          Side
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
}

type Order struct {
	Ref        OrderRef
	Side       Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Filled     decimal.Decimal
	Status     OrderStatus
	ObservedAt time.Time
}

func (o Order) Terminal() bool {
	return o.Status.Terminal()
}

// Venue is the capability contract consumed by the hedge core. Implementations must be
// safe for sequential reuse; the core never issues concurrent calls for different cycles
// but monitors both legs of one cycle concurrently on different venues.
type Venue interface {
	ID() ID
	Init(ctx context.Context, instrument string, quantity decimal.Decimal, side Side) (ReadyToken, error)
	Connect(ctx context.Context) error
	BBO(ctx context.Context, instrument string) (BBO, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error)
	OrderStatus(ctx context.Context, ref OrderRef) (Order, error)
	ActiveOrders(ctx context.Context, instrument string) ([]Order, error)
	CancelOrder(ctx context.Context, ref OrderRef) error
	Position(ctx context.Context, instrument string) (decimal.Decimal, error)
}
