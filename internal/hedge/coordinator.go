// Package hedge drives one two-venue hedge cycle from pricing to a recorded outcome.
package hedge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hedge-bot/internal/metrics"
	"hedge-bot/internal/pricing"
	"hedge-bot/internal/tracker"
	"hedge-bot/internal/venue"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	PollInterval  time.Duration
	LegTimeout    time.Duration
	CycleTimeout  time.Duration
	UnwindTimeout time.Duration
	Tolerance     decimal.Decimal
}

// Leg binds a venue to the instrument name and order constraints it uses. An empty
// Instrument falls back to the cycle request's instrument.
type Leg struct {
	Venue       venue.Venue
	Instrument  string
	Constraints pricing.Constraints
}

type Coordinator struct {
	a        Leg
	b        Leg
	resolver *pricing.Resolver
	cfg      Config
	clock    clock.Clock
	metrics  *metrics.Metrics
	log      *zap.Logger
	newID    func() string
}

func New(a, b Leg, resolver *pricing.Resolver, cfg Config, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		a:        a,
		b:        b,
		resolver: resolver,
		cfg:      cfg,
		clock:    clk,
		metrics:  m,
		log:      log,
		newID:    uuid.NewString,
	}
}

type legRun struct {
	leg      Leg
	tracker  *tracker.Tracker
	req      venue.OrderRequest
	ref      venue.OrderRef
	placed   bool
	order    venue.Order
	err      error
	timedOut bool
}

func (r *legRun) filled() decimal.Decimal {
	if !r.placed {
		return decimal.Zero
	}
	return r.order.Filled
}

func (r *legRun) rejected() bool {
	if !r.placed {
		return r.err != nil
	}
	return r.order.Status == venue.StatusRejected
}

// cause is the error that explains why this leg did not fill completely.
func (r *legRun) cause() error {
	switch {
	case r.err != nil:
		return r.err
	case r.placed && r.order.Status == venue.StatusRejected:
		return venue.Rejected("rejected after acknowledgement")
	case r.timedOut:
		return fmt.Errorf("leg %s not terminal before deadline: %w", r.ref, venue.ErrOrderTimeout)
	}
	return nil
}

func (r *legRun) summary() LegResult {
	lr := LegResult{
		Venue:         r.leg.Venue.ID(),
		Instrument:    r.req.Instrument,
		Side:          r.req.Side,
		Quantity:      r.req.Quantity,
		Price:         r.req.Price,
		ClientOrderID: r.req.ClientOrderID,
		Placed:        r.placed,
		Filled:        r.filled(),
		TimedOut:      r.timedOut,
	}
	if r.placed {
		lr.OrderID = r.ref.OrderID
		lr.Status = r.order.Status
	} else if r.err != nil {
		lr.Status = venue.StatusRejected
	}
	if r.err != nil {
		lr.Error = r.err.Error()
	}
	return lr
}

// RunCycle executes one hedge cycle and always returns a result, including when ctx is
// cancelled mid-cycle. Once leg A is live, leg B placement, the final status reads and
// the unwind run on a context detached from ctx cancellation.
func (c *Coordinator) RunCycle(ctx context.Context, req Request) CycleResult {
	start := c.clock.Now()
	sm := NewStateMachine(c.clock)
	res := CycleResult{
		ID:            c.newID(),
		Seq:           req.Seq,
		Instrument:    req.Instrument,
		Target:        req.Quantity,
		LegA:          LegResult{Venue: c.a.Venue.ID(), Instrument: c.instrument(c.a, req), Side: req.SideA},
		LegB:          LegResult{Venue: c.b.Venue.ID(), Instrument: c.instrument(c.b, req), Side: req.SideA.Opposite()},
		FilledA:       decimal.Zero,
		FilledB:       decimal.Zero,
		ResidualDelta: decimal.Zero,
		OpenResidual:  decimal.Zero,
		StartedAt:     start,
	}
	log := c.log.With(zap.Int64("seq", req.Seq), zap.String("cycle_id", res.ID))
	c.run(ctx, req, sm, &res, log)
	res.Transitions = sm.Transitions()
	res.Duration = c.clock.Since(start)

	fields := []zap.Field{
		zap.String("outcome", string(res.Outcome)),
		zap.Stringer("filled_a", res.FilledA),
		zap.Stringer("filled_b", res.FilledB),
		zap.Stringer("residual", res.ResidualDelta),
		zap.Stringer("open_residual", res.OpenResidual),
		zap.Int64("duration_ms", res.DurationMs()),
	}
	if res.Failure != "" {
		fields = append(fields, zap.String("failure", res.Failure), zap.String("error", res.Error))
	}
	if res.Outcome == OutcomeImbalanced {
		log.Warn("hedge cycle finished", fields...)
	} else {
		log.Info("hedge cycle finished", fields...)
	}
	return res
}

func (c *Coordinator) run(ctx context.Context, req Request, sm *StateMachine, res *CycleResult, log *zap.Logger) {
	c.apply(sm, EventStart, log)
	plan, err := c.resolver.Resolve(ctx, c.market(c.a, req), c.market(c.b, req), req.Quantity, req.SideA)
	if err != nil {
		c.abort(sm, res, err, log)
		return
	}
	runA := c.newLegRun(c.a, plan.A)
	runB := c.newLegRun(c.b, plan.B)

	if err := c.place(ctx, runA, log); err != nil {
		res.LegA, res.LegB = runA.summary(), runB.summary()
		c.abort(sm, res, fmt.Errorf("leg A placement: %w", err), log)
		return
	}
	c.apply(sm, EventLegsPlaced, log)
	if err := c.place(context.WithoutCancel(ctx), runB, log); err != nil {
		log.Error("leg B placement failed with leg A live", zap.String("order", runA.ref.String()), zap.Error(err))
	}

	c.apply(sm, EventMonitor, log)
	c.monitor(ctx, res.StartedAt, log, runA, runB)
	c.apply(sm, EventSettled, log)

	rctx, cancel := c.reconcileContext(ctx)
	defer cancel()
	if ctx.Err() != nil {
		res.Interrupted = true
		log.Warn("shutdown during monitoring, taking final status reads")
	}
	c.settle(rctx, runA, log)
	c.settle(rctx, runB, log)
	res.LegA, res.LegB = runA.summary(), runB.summary()
	c.reconcile(rctx, sm, res, runA, runB, log)
}

func (c *Coordinator) newLegRun(leg Leg, plan pricing.LegPlan) *legRun {
	return &legRun{
		leg:     leg,
		tracker: tracker.New(leg.Venue, c.clock, c.cfg.PollInterval, c.log.With(zap.String("venue", string(leg.Venue.ID())))),
		req: venue.OrderRequest{
			Instrument:    plan.Instrument,
			Side:          plan.Side,
			Quantity:      plan.Quantity,
			Price:         plan.Price,
			ClientOrderID: c.newID(),
		},
	}
}

func (c *Coordinator) place(ctx context.Context, run *legRun, log *zap.Logger) error {
	ref, err := run.leg.Venue.PlaceOrder(ctx, run.req)
	if err != nil {
		run.err = err
		return err
	}
	run.ref = ref
	run.placed = true
	run.order = run.tracker.Record(ref, run.req)
	log.Info("leg placed",
		zap.String("venue", string(ref.Venue)),
		zap.String("order_id", ref.OrderID),
		zap.String("side", string(run.req.Side)),
		zap.Stringer("qty", run.req.Quantity),
		zap.Stringer("price", run.req.Price),
	)
	return nil
}

// monitor waits for every placed leg to become terminal, each leg bounded by the leg
// timeout and all of them by the cycle deadline measured from started.
func (c *Coordinator) monitor(ctx context.Context, started time.Time, log *zap.Logger, runs ...*legRun) {
	monCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	remaining := c.cfg.CycleTimeout - c.clock.Since(started)
	if remaining < 0 {
		remaining = 0
	}
	deadline := c.clock.Timer(remaining)
	defer deadline.Stop()

	var g errgroup.Group
	for _, run := range runs {
		if !run.placed {
			continue
		}
		run := run
		g.Go(func() error {
			order, err := run.tracker.AwaitTerminal(monCtx, run.ref, c.cfg.LegTimeout)
			run.order = order
			if err != nil && !errors.Is(err, venue.ErrOrderTimeout) && !errors.Is(err, context.Canceled) {
				log.Warn("leg monitoring ended with error", zap.String("order", run.ref.String()), zap.Error(err))
			}
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-deadline.C:
		log.Warn("cycle deadline reached while monitoring legs")
		cancel()
		<-done
	case <-ctx.Done():
		cancel()
		<-done
	}
}

// settle makes a final determination for a placed leg. Legs still live are cancelled
// best-effort and read once more so that the residual uses final fills.
func (c *Coordinator) settle(ctx context.Context, run *legRun, log *zap.Logger) {
	if !run.placed {
		return
	}
	if order, ok := run.tracker.Get(run.ref); ok {
		run.order = order
	}
	if run.order.Terminal() {
		return
	}
	run.timedOut = true
	if err := run.leg.Venue.CancelOrder(ctx, run.ref); err != nil {
		log.Warn("failed to cancel leg", zap.String("order", run.ref.String()), zap.Error(err))
	}
	order, err := run.tracker.Poll(ctx, run.ref)
	if err != nil {
		log.Warn("final status read failed", zap.String("order", run.ref.String()), zap.Error(err))
	}
	run.order = order
	if !order.Terminal() {
		log.Warn("leg not terminal after cancel, using last known fill",
			zap.String("order", run.ref.String()),
			zap.Stringer("filled", order.Filled),
		)
	}
}

func (c *Coordinator) reconcile(ctx context.Context, sm *StateMachine, res *CycleResult, a, b *legRun, log *zap.Logger) {
	tol := c.cfg.Tolerance
	filledA, filledB := a.filled(), b.filled()
	res.FilledA = filledA
	res.FilledB = filledB
	delta := filledA.Sub(filledB).Abs()
	res.ResidualDelta = delta
	cause := a.cause()
	if cause == nil {
		cause = b.cause()
	}

	switch {
	case a.rejected() && b.rejected():
		c.finishAborted(sm, res, cause, log)
		return
	case filledA.LessThanOrEqual(tol) && filledB.LessThanOrEqual(tol):
		c.finishAborted(sm, res, cause, log)
		return
	case delta.LessThanOrEqual(tol):
		res.Outcome = OutcomeBalanced
		c.apply(sm, EventBalance, log)
		return
	}

	res.Outcome = OutcomeImbalanced
	res.OpenResidual = delta
	c.apply(sm, EventImbalance, log)
	over := a
	if filledB.GreaterThan(filledA) {
		over = b
	}
	unwind, err := c.unwind(ctx, over, delta, log)
	res.Unwind = unwind
	remaining := delta.Sub(unwind.Filled)
	if remaining.LessThanOrEqual(tol) {
		remaining = decimal.Zero
	}
	res.OpenResidual = remaining
	if err != nil {
		cause = err
	}
	if cause == nil {
		cause = errors.New("leg fills diverged")
	}
	res.Failure = venue.Classify(cause)
	res.Error = cause.Error()
}

func (c *Coordinator) finishAborted(sm *StateMachine, res *CycleResult, cause error, log *zap.Logger) {
	res.Outcome = OutcomeAborted
	c.apply(sm, EventAbort, log)
	if cause != nil {
		res.Failure = venue.Classify(cause)
		res.Error = cause.Error()
	}
}

// unwind issues the single corrective order on the over-filled venue, opposite to that
// leg's side and sized to the residual.
func (c *Coordinator) unwind(ctx context.Context, over *legRun, residual decimal.Decimal, log *zap.Logger) (*UnwindResult, error) {
	side := over.req.Side.Opposite()
	u := &UnwindResult{
		Venue:         over.leg.Venue.ID(),
		Side:          side,
		Quantity:      residual,
		Filled:        decimal.Zero,
		ClientOrderID: c.newID(),
	}
	c.metrics.UnwindAttempts.Inc()
	fail := func(err error) (*UnwindResult, error) {
		if !errors.Is(err, venue.ErrUnwindFailed) {
			err = fmt.Errorf("%w: %v", venue.ErrUnwindFailed, err)
		}
		u.Error = err.Error()
		c.metrics.UnwindFailed.Inc()
		log.Error("unwind failed",
			zap.String("venue", string(u.Venue)),
			zap.String("side", string(side)),
			zap.Stringer("qty", residual),
			zap.Error(err),
		)
		return u, err
	}

	quote, err := c.resolver.Quote(ctx, pricing.Market{
		Venue:       over.leg.Venue.ID(),
		Instrument:  over.req.Instrument,
		Quotes:      over.leg.Venue,
		Constraints: over.leg.Constraints,
	})
	if err != nil {
		return fail(err)
	}
	u.Price = pricing.MarketablePrice(side, quote, over.leg.Constraints.TickSize)
	req := venue.OrderRequest{
		Instrument:    over.req.Instrument,
		Side:          side,
		Quantity:      residual,
		Price:         u.Price,
		ClientOrderID: u.ClientOrderID,
	}
	ref, err := over.leg.Venue.PlaceOrder(ctx, req)
	if err != nil {
		return fail(err)
	}
	u.OrderID = ref.OrderID
	log.Info("unwind placed",
		zap.String("venue", string(ref.Venue)),
		zap.String("order_id", ref.OrderID),
		zap.String("side", string(side)),
		zap.Stringer("qty", residual),
		zap.Stringer("price", u.Price),
	)

	tr := tracker.New(over.leg.Venue, c.clock, c.cfg.PollInterval, c.log)
	tr.Record(ref, req)
	order, err := tr.AwaitTerminal(ctx, ref, c.cfg.UnwindTimeout)
	if err != nil && !order.Terminal() {
		if cancelErr := over.leg.Venue.CancelOrder(ctx, ref); cancelErr != nil {
			log.Warn("failed to cancel unwind", zap.String("order", ref.String()), zap.Error(cancelErr))
		}
		if polled, pollErr := tr.Poll(ctx, ref); pollErr == nil {
			order = polled
		}
	}
	u.Status = order.Status
	u.Filled = order.Filled
	if residual.Sub(order.Filled).LessThanOrEqual(c.cfg.Tolerance) {
		u.Succeeded = true
		return u, nil
	}
	return fail(fmt.Errorf("unwind filled %s of %s with status %s", order.Filled, residual, order.Status))
}

func (c *Coordinator) abort(sm *StateMachine, res *CycleResult, err error, log *zap.Logger) {
	res.Outcome = OutcomeAborted
	res.Failure = venue.Classify(err)
	res.Error = err.Error()
	c.apply(sm, EventAbort, log)
}

func (c *Coordinator) apply(sm *StateMachine, event Event, log *zap.Logger) {
	from := sm.State()
	to := sm.Apply(event)
	log.Debug("cycle transition", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("event", string(event)))
}

// reconcileContext returns ctx unless it is already done, in which case the final reads
// and the unwind get a detached context bounded by the leg and unwind timeouts.
func (c *Coordinator) reconcileContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.LegTimeout+c.cfg.UnwindTimeout)
}

func (c *Coordinator) market(leg Leg, req Request) pricing.Market {
	return pricing.Market{
		Venue:       leg.Venue.ID(),
		Instrument:  c.instrument(leg, req),
		Quotes:      leg.Venue,
		Constraints: leg.Constraints,
	}
}

func (c *Coordinator) instrument(leg Leg, req Request) string {
	if leg.Instrument != "" {
		return leg.Instrument
	}
	return req.Instrument
}
