// Package tracker follows orders on one venue until they reach a terminal status.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hedge-bot/internal/venue"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Tracker keeps the last known view of every order placed on a single venue during one
// cycle. Filled quantities never decrease and never exceed the requested quantity, and an
// order that reached a terminal status is not polled again.
type Tracker struct {
	venue    venue.Venue
	clock    clock.Clock
	interval time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	orders map[string]venue.Order
}

func New(v venue.Venue, clk clock.Clock, interval time.Duration, log *zap.Logger) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		venue:    v,
		clock:    clk,
		interval: interval,
		log:      log,
		orders:   make(map[string]venue.Order),
	}
}

// Record registers an acknowledged order as open with nothing filled.
func (t *Tracker) Record(ref venue.OrderRef, req venue.OrderRequest) venue.Order {
	order := venue.Order{
		Ref:        ref,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Price:      req.Price,
		Filled:     decimal.Zero,
		Status:     venue.StatusOpen,
		ObservedAt: t.clock.Now(),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.orders[ref.OrderID]; ok {
		return existing
	}
	t.orders[ref.OrderID] = order
	return order
}

func (t *Tracker) Get(ref venue.OrderRef) (venue.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	order, ok := t.orders[ref.OrderID]
	return order, ok
}

// Poll refreshes ref from the venue. On a venue error the last known order is returned
// together with the error.
func (t *Tracker) Poll(ctx context.Context, ref venue.OrderRef) (venue.Order, error) {
	t.mu.Lock()
	prev, known := t.orders[ref.OrderID]
	t.mu.Unlock()
	if known && prev.Terminal() {
		return prev, nil
	}
	observed, err := t.venue.OrderStatus(ctx, ref)
	if err != nil {
		return prev, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, known = t.orders[ref.OrderID]
	if known && prev.Terminal() {
		return prev, nil
	}
	merged := t.merge(prev, known, observed)
	t.orders[ref.OrderID] = merged
	return merged, nil
}

func (t *Tracker) merge(prev venue.Order, known bool, observed venue.Order) venue.Order {
	if !known {
		prev = observed
		prev.Filled = decimal.Zero
	}
	next := prev
	next.Status = observed.Status
	next.ObservedAt = t.clock.Now()
	if next.Quantity.IsZero() {
		next.Quantity = observed.Quantity
	}
	filled := observed.Filled
	if filled.IsZero() && observed.Status == venue.StatusFilled {
		filled = next.Quantity
	}
	if filled.LessThan(prev.Filled) {
		t.log.Warn("fill regression ignored",
			zap.String("order", prev.Ref.String()),
			zap.String("known", prev.Filled.String()),
			zap.String("reported", filled.String()),
		)
		filled = prev.Filled
	}
	if next.Quantity.IsPositive() && filled.GreaterThan(next.Quantity) {
		t.log.Warn("fill above requested quantity capped",
			zap.String("order", prev.Ref.String()),
			zap.String("quantity", next.Quantity.String()),
			zap.String("reported", filled.String()),
		)
		filled = next.Quantity
	}
	next.Filled = filled
	if next.Status == venue.StatusOpen && filled.IsPositive() {
		next.Status = venue.StatusPartiallyFilled
	}
	return next
}

// AwaitTerminal polls ref every interval until it is terminal or timeout elapses. On
// timeout the last known order is returned with venue.ErrOrderTimeout; the order is not
// cancelled.
func (t *Tracker) AwaitTerminal(ctx context.Context, ref venue.OrderRef, timeout time.Duration) (venue.Order, error) {
	deadline := t.clock.Now().Add(timeout)
	interval := t.interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	for {
		order, err := t.Poll(ctx, ref)
		if err == nil && order.Terminal() {
			return order, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return order, ctxErr
			}
			t.log.Warn("order status poll failed", zap.String("order", ref.String()), zap.Error(err))
		}
		remaining := deadline.Sub(t.clock.Now())
		if remaining <= 0 {
			last, _ := t.Get(ref)
			return last, fmt.Errorf("order %s not terminal after %s: %w", ref, timeout, venue.ErrOrderTimeout)
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			last, _ := t.Get(ref)
			return last, ctx.Err()
		case <-t.clock.After(wait):
		}
	}
}
