// Package venuetest provides a scriptable in-memory venue for tests.
package venuetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hedge-bot/internal/venue"

	"github.com/shopspring/decimal"
)

// Behavior decides the status and cumulative fill of an order after the given number of
// status polls.
type Behavior func(req venue.OrderRequest, polls int) (venue.OrderStatus, decimal.Decimal)

func FillImmediately() Behavior {
	return func(req venue.OrderRequest, polls int) (venue.OrderStatus, decimal.Decimal) {
		return venue.StatusFilled, req.Quantity
	}
}

// FillAfter reports the order open for n polls and filled afterwards.
func FillAfter(n int) Behavior {
	return func(req venue.OrderRequest, polls int) (venue.OrderStatus, decimal.Decimal) {
		if polls < n {
			return venue.StatusOpen, decimal.Zero
		}
		return venue.StatusFilled, req.Quantity
	}
}

func NeverFill() Behavior {
	return func(req venue.OrderRequest, polls int) (venue.OrderStatus, decimal.Decimal) {
		return venue.StatusOpen, decimal.Zero
	}
}

// PartialThenCancel fills qty and then reports the order cancelled.
func PartialThenCancel(qty decimal.Decimal) Behavior {
	return func(req venue.OrderRequest, polls int) (venue.OrderStatus, decimal.Decimal) {
		return venue.StatusCancelled, qty
	}
}

// PartialOpen leaves the order resting with qty filled.
func PartialOpen(qty decimal.Decimal) Behavior {
	return func(req venue.OrderRequest, polls int) (venue.OrderStatus, decimal.Decimal) {
		return venue.StatusPartiallyFilled, qty
	}
}

func RejectAfterAck() Behavior {
	return func(req venue.OrderRequest, polls int) (venue.OrderStatus, decimal.Decimal) {
		return venue.StatusRejected, decimal.Zero
	}
}

type order struct {
	ref      venue.OrderRef
	req      venue.OrderRequest
	behavior Behavior
	polls    int
	frozen   *venue.Order
}

type Venue struct {
	mu sync.Mutex

	id        venue.ID
	bid       decimal.Decimal
	ask       decimal.Decimal
	quoteTime func() time.Time
	bboErr    error
	bboCalls  int

	behaviors []Behavior
	placeErrs []error
	statusErr error
	cancelErr error
	position  decimal.Decimal
	posErr    error

	orders      []*order
	byID        map[string]*order
	placeCalls  int
	statusCalls int
	cancels     []venue.OrderRef
	initCalls   int
	connected   bool
}

func New(id venue.ID) *Venue {
	return &Venue{
		id:        id,
		bid:       decimal.NewFromInt(99),
		ask:       decimal.NewFromInt(101),
		quoteTime: time.Now,
		byID:      make(map[string]*order),
	}
}

func (v *Venue) SetBBO(bid, ask string) *Venue {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bid = decimal.RequireFromString(bid)
	v.ask = decimal.RequireFromString(ask)
	return v
}

// SetQuoteTime sets the timestamp source for quotes.
func (v *Venue) SetQuoteTime(fn func() time.Time) *Venue {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.quoteTime = fn
	return v
}

func (v *Venue) SetBBOError(err error) *Venue {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bboErr = err
	return v
}

// SetBehaviors scripts fills per placement in order; the last behavior repeats.
func (v *Venue) SetBehaviors(b ...Behavior) *Venue {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.behaviors = b
	return v
}

// SetPlaceErrors scripts placement errors per placement in order; nil entries succeed.
func (v *Venue) SetPlaceErrors(errs ...error) *Venue {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placeErrs = errs
	return v
}

func (v *Venue) SetStatusError(err error) *Venue {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.statusErr = err
	return v
}

func (v *Venue) SetCancelError(err error) *Venue {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelErr = err
	return v
}

func (v *Venue) SetPosition(pos string) *Venue {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.position = decimal.RequireFromString(pos)
	return v
}

func (v *Venue) SetPositionError(err error) *Venue {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.posErr = err
	return v
}

func (v *Venue) ID() venue.ID { return v.id }

func (v *Venue) Init(ctx context.Context, instrument string, quantity decimal.Decimal, side venue.Side) (venue.ReadyToken, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.initCalls++
	return venue.ReadyToken{Instrument: instrument, ContractID: instrument, TickSize: decimal.New(1, -2)}, nil
}

func (v *Venue) Connect(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = true
	return nil
}

func (v *Venue) BBO(ctx context.Context, instrument string) (venue.BBO, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bboCalls++
	if v.bboErr != nil {
		return venue.BBO{}, v.bboErr
	}
	return venue.BBO{Venue: v.id, BestBid: v.bid, BestAsk: v.ask, Timestamp: v.quoteTime()}, nil
}

func (v *Venue) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderRef, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.placeCalls
	v.placeCalls++
	if idx < len(v.placeErrs) && v.placeErrs[idx] != nil {
		return venue.OrderRef{}, v.placeErrs[idx]
	}
	behavior := FillImmediately()
	if len(v.behaviors) > 0 {
		if idx < len(v.behaviors) {
			behavior = v.behaviors[idx]
		} else {
			behavior = v.behaviors[len(v.behaviors)-1]
		}
	}
	ref := venue.OrderRef{Venue: v.id, OrderID: fmt.Sprintf("%s-%d", v.id, idx+1)}
	o := &order{ref: ref, req: req, behavior: behavior}
	v.orders = append(v.orders, o)
	v.byID[ref.OrderID] = o
	return ref, nil
}

func (v *Venue) OrderStatus(ctx context.Context, ref venue.OrderRef) (venue.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.statusCalls++
	if v.statusErr != nil {
		return venue.Order{}, v.statusErr
	}
	o, ok := v.byID[ref.OrderID]
	if !ok {
		return venue.Order{}, venue.Unavailable(v.id, fmt.Errorf("order %s not found", ref.OrderID))
	}
	snap := v.snapshot(o)
	o.polls++
	return snap, nil
}

func (v *Venue) ActiveOrders(ctx context.Context, instrument string) ([]venue.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []venue.Order
	for _, o := range v.orders {
		snap := v.snapshot(o)
		if !snap.Terminal() {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (v *Venue) CancelOrder(ctx context.Context, ref venue.OrderRef) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancels = append(v.cancels, ref)
	if v.cancelErr != nil {
		return v.cancelErr
	}
	o, ok := v.byID[ref.OrderID]
	if !ok {
		return nil
	}
	snap := v.snapshot(o)
	if !snap.Terminal() {
		snap.Status = venue.StatusCancelled
		o.frozen = &snap
	}
	return nil
}

func (v *Venue) Position(ctx context.Context, instrument string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.posErr != nil {
		return decimal.Zero, v.posErr
	}
	pos := v.position
	for _, o := range v.orders {
		snap := v.snapshot(o)
		pos = pos.Add(snap.Filled.Mul(o.req.Side.Sign()))
	}
	return pos, nil
}

func (v *Venue) snapshot(o *order) venue.Order {
	if o.frozen != nil {
		return *o.frozen
	}
	status, filled := o.behavior(o.req, o.polls)
	snap := venue.Order{
		Ref:        o.ref,
		Side:       o.req.Side,
		Quantity:   o.req.Quantity,
		Price:      o.req.Price,
		Filled:     filled,
		Status:     status,
		ObservedAt: time.Now(),
	}
	if status.Terminal() {
		o.frozen = &snap
	}
	return snap
}

func (v *Venue) PlaceCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.placeCalls
}

func (v *Venue) StatusCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.statusCalls
}

func (v *Venue) BBOCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bboCalls
}

// Placed returns the accepted order requests in placement order.
func (v *Venue) Placed() []venue.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]venue.OrderRequest, 0, len(v.orders))
	for _, o := range v.orders {
		out = append(out, o.req)
	}
	return out
}

func (v *Venue) Cancels() []venue.OrderRef {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]venue.OrderRef(nil), v.cancels...)
}

func (v *Venue) Connected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}
