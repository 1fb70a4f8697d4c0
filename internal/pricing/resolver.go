// Package pricing turns a pair of venue quotes and a target quantity into marketable
// prices and matched quantities for both legs of a hedge.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hedge-bot/internal/venue"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Constraints are the order size and price increments one venue accepts. Zero values
// disable the corresponding rule.
type Constraints struct {
	MinSize  decimal.Decimal
	LotSize  decimal.Decimal
	TickSize decimal.Decimal
}

// ConstraintsFor merges the venue-reported instrument state with configured overrides.
// Positive overrides win.
func ConstraintsFor(token venue.ReadyToken, minSize, lotSize decimal.Decimal) Constraints {
	c := Constraints{MinSize: token.MinSize, LotSize: token.LotSize, TickSize: token.TickSize}
	if minSize.IsPositive() {
		c.MinSize = minSize
	}
	if lotSize.IsPositive() {
		c.LotSize = lotSize
	}
	return c
}

type Quoter interface {
	BBO(ctx context.Context, instrument string) (venue.BBO, error)
}

// Market identifies one leg's quote source and constraints.
type Market struct {
	Venue       venue.ID
	Instrument  string
	Quotes      Quoter
	Constraints Constraints
}

type LegPlan struct {
	Venue      venue.ID
	Instrument string
	Side       venue.Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Quote      venue.BBO
}

type Plan struct {
	A LegPlan
	B LegPlan
}

type Resolver struct {
	clock     clock.Clock
	maxAge    time.Duration
	tolerance decimal.Decimal
	log       *zap.Logger
}

func New(clk clock.Clock, maxAge time.Duration, tolerance decimal.Decimal, log *zap.Logger) *Resolver {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{clock: clk, maxAge: maxAge, tolerance: tolerance, log: log}
}

// Resolve fetches a fresh quote from each market and plans both legs. Leg A takes sideA,
// leg B the opposite side. No orders are placed.
func (r *Resolver) Resolve(ctx context.Context, a, b Market, quantity decimal.Decimal, sideA venue.Side) (Plan, error) {
	if !quantity.IsPositive() {
		return Plan{}, fmt.Errorf("target quantity %s: %w", quantity, venue.ErrSizeMismatch)
	}
	if !sideA.Valid() {
		return Plan{}, fmt.Errorf("invalid direction %q", sideA)
	}
	quoteA, err := r.freshQuote(ctx, a)
	if err != nil {
		return Plan{}, err
	}
	quoteB, err := r.freshQuote(ctx, b)
	if err != nil {
		return Plan{}, err
	}
	qtyA, qtyB, err := MatchSize(quantity, a.Constraints, b.Constraints, r.tolerance)
	if err != nil {
		return Plan{}, err
	}
	sideB := sideA.Opposite()
	plan := Plan{
		A: LegPlan{
			Venue:      a.Venue,
			Instrument: a.Instrument,
			Side:       sideA,
			Quantity:   qtyA,
			Price:      MarketablePrice(sideA, quoteA, a.Constraints.TickSize),
			Quote:      quoteA,
		},
		B: LegPlan{
			Venue:      b.Venue,
			Instrument: b.Instrument,
			Side:       sideB,
			Quantity:   qtyB,
			Price:      MarketablePrice(sideB, quoteB, b.Constraints.TickSize),
			Quote:      quoteB,
		},
	}
	r.log.Debug("legs planned",
		zap.String("side_a", string(plan.A.Side)),
		zap.Stringer("price_a", plan.A.Price),
		zap.Stringer("qty_a", plan.A.Quantity),
		zap.String("side_b", string(plan.B.Side)),
		zap.Stringer("price_b", plan.B.Price),
		zap.Stringer("qty_b", plan.B.Quantity),
	)
	return plan, nil
}

// Quote returns a usable quote for m, re-fetching once when the first is stale.
func (r *Resolver) Quote(ctx context.Context, m Market) (venue.BBO, error) {
	return r.freshQuote(ctx, m)
}

func (r *Resolver) freshQuote(ctx context.Context, m Market) (venue.BBO, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		quote, err := m.Quotes.BBO(ctx, m.Instrument)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return venue.BBO{}, ctxErr
			}
			lastErr = err
			r.log.Warn("quote fetch failed", zap.String("venue", string(m.Venue)), zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if problem := r.check(quote); problem != "" {
			lastErr = fmt.Errorf("venue %s %s: %w", m.Venue, problem, venue.ErrStaleQuote)
			r.log.Warn("quote rejected", zap.String("venue", string(m.Venue)), zap.Int("attempt", attempt+1), zap.String("reason", problem))
			continue
		}
		return quote, nil
	}
	if errors.Is(lastErr, venue.ErrStaleQuote) || errors.Is(lastErr, venue.ErrVenueUnavailable) {
		return venue.BBO{}, lastErr
	}
	return venue.BBO{}, fmt.Errorf("venue %s: %w: %v", m.Venue, venue.ErrStaleQuote, lastErr)
}

func (r *Resolver) check(quote venue.BBO) string {
	if !quote.Valid() {
		return "quote missing or crossed"
	}
	if quote.Timestamp.IsZero() {
		return "quote has no timestamp"
	}
	if age := quote.Age(r.clock.Now()); age > r.maxAge {
		return fmt.Sprintf("quote age %s exceeds %s", age, r.maxAge)
	}
	return ""
}

// MarketablePrice crosses the spread: buys take the ask rounded up to the tick, sells take
// the bid rounded down.
func MarketablePrice(side venue.Side, quote venue.BBO, tick decimal.Decimal) decimal.Decimal {
	if side == venue.Buy {
		return roundUp(quote.BestAsk, tick)
	}
	return roundDown(quote.BestBid, tick)
}

// MatchSize normalises quantity for each venue and returns the per-venue quantities.
// When the normalised sizes differ by more than tolerance, the smallest candidate valid on
// both venues is used for both legs; if none exists the result is venue.ErrSizeMismatch.
func MatchSize(quantity decimal.Decimal, a, b Constraints, tolerance decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	qa := Normalize(quantity, a)
	qb := Normalize(quantity, b)
	if qa.Sub(qb).Abs().LessThanOrEqual(tolerance) {
		return qa, qb, nil
	}
	low, high := qa, qb
	if high.LessThan(low) {
		low, high = high, low
	}
	for _, candidate := range []decimal.Decimal{low, high} {
		if a.Accepts(candidate) && b.Accepts(candidate) {
			return candidate, candidate, nil
		}
	}
	return decimal.Zero, decimal.Zero, fmt.Errorf("quantity %s normalises to %s on A and %s on B: %w", quantity, qa, qb, venue.ErrSizeMismatch)
}

// Normalize clamps quantity up to the minimum size and rounds it down to the lot, then
// steps back up by whole lots if that fell below the minimum.
func Normalize(quantity decimal.Decimal, c Constraints) decimal.Decimal {
	q := quantity
	if c.MinSize.IsPositive() && q.LessThan(c.MinSize) {
		q = c.MinSize
	}
	if c.LotSize.IsPositive() {
		q = q.Div(c.LotSize).Floor().Mul(c.LotSize)
		if !q.IsPositive() {
			q = c.LotSize
		}
		for c.MinSize.IsPositive() && q.LessThan(c.MinSize) {
			q = q.Add(c.LotSize)
		}
	}
	return q
}

// Accepts reports whether q is a valid order size under c.
func (c Constraints) Accepts(q decimal.Decimal) bool {
	if !q.IsPositive() {
		return false
	}
	if c.MinSize.IsPositive() && q.LessThan(c.MinSize) {
		return false
	}
	if c.LotSize.IsPositive() && !q.Mod(c.LotSize).IsZero() {
		return false
	}
	return true
}

func roundUp(v, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return v
	}
	return v.Div(tick).Ceil().Mul(tick)
}

func roundDown(v, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return v
	}
	return v.Div(tick).Floor().Mul(tick)
}
