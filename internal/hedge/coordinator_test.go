package hedge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hedge-bot/internal/metrics"
	"hedge-bot/internal/pricing"
	"hedge-bot/internal/venue"
	"hedge-bot/internal/venue/venuetest"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) Inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type fixture struct {
	mock           *clock.Mock
	a              *venuetest.Venue
	b              *venuetest.Venue
	unwinds        *counter
	unwindFailures *counter
	coord          *Coordinator
}

func newFixture() *fixture {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	a := venuetest.New(venue.A).SetBBO("99", "101").SetQuoteTime(mock.Now)
	b := venuetest.New(venue.B).SetBBO("100", "102").SetQuoteTime(mock.Now)
	cfg := Config{
		PollInterval:  100 * time.Millisecond,
		LegTimeout:    2 * time.Second,
		CycleTimeout:  3 * time.Second,
		UnwindTimeout: time.Second,
		Tolerance:     decimal.New(1, -9),
	}
	m := metrics.NewNoop()
	unwinds, unwindFailures := &counter{}, &counter{}
	m.UnwindAttempts = unwinds
	m.UnwindFailed = unwindFailures
	resolver := pricing.New(mock, 2*time.Second, cfg.Tolerance, zap.NewNop())
	coord := New(Leg{Venue: a}, Leg{Venue: b}, resolver, cfg, mock, m, zap.NewNop())
	return &fixture{mock: mock, a: a, b: b, unwinds: unwinds, unwindFailures: unwindFailures, coord: coord}
}

func request(side venue.Side) Request {
	return Request{Seq: 1, Instrument: "BTC", Quantity: dec("1"), SideA: side}
}

// run executes a cycle while advancing the mock clock until it returns.
func (f *fixture) run(ctx context.Context, req Request) CycleResult {
	done := make(chan struct{})
	var res CycleResult
	go func() {
		defer close(done)
		res = f.coord.RunCycle(ctx, req)
	}()
	for {
		select {
		case <-done:
			return res
		default:
			f.mock.Add(50 * time.Millisecond)
		}
	}
}

func TestBalancedCycle(t *testing.T) {
	f := newFixture()
	res := f.run(context.Background(), request(venue.Buy))

	if res.Outcome != OutcomeBalanced {
		t.Fatalf("expected balanced, got %s (%s)", res.Outcome, res.Error)
	}
	if !res.FilledA.Equal(dec("1")) || !res.FilledB.Equal(dec("1")) || !res.ResidualDelta.IsZero() {
		t.Fatalf("unexpected fills %s %s residual %s", res.FilledA, res.FilledB, res.ResidualDelta)
	}
	if res.LegA.Side != venue.Buy || !res.LegA.Price.Equal(dec("101")) {
		t.Fatalf("unexpected leg A %+v", res.LegA)
	}
	if res.LegB.Side != venue.Sell || !res.LegB.Price.Equal(dec("100")) {
		t.Fatalf("unexpected leg B %+v", res.LegB)
	}
	if res.Unwind != nil || res.Failure != "" {
		t.Fatalf("expected no unwind or failure, got %+v %q", res.Unwind, res.Failure)
	}
	want := []State{StatePricing, StateLegsPlaced, StateLegsMonitoring, StateReconciling, StateBalanced}
	if len(res.Transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %+v", len(want), res.Transitions)
	}
	for i, tr := range res.Transitions {
		if tr.To != want[i] {
			t.Fatalf("transition %d expected %s, got %s", i, want[i], tr.To)
		}
	}
	if res.ID == "" || res.LegA.ClientOrderID == "" || res.LegA.ClientOrderID == res.LegB.ClientOrderID {
		t.Fatalf("expected distinct ids, got %q %q %q", res.ID, res.LegA.ClientOrderID, res.LegB.ClientOrderID)
	}
}

func TestLegAPlacementFailureNeverPlacesLegB(t *testing.T) {
	f := newFixture()
	f.a.SetPlaceErrors(venue.Rejected("insufficient margin"))
	res := f.run(context.Background(), request(venue.Buy))

	if res.Outcome != OutcomeAborted {
		t.Fatalf("expected aborted, got %s", res.Outcome)
	}
	if res.Failure != "OrderRejected" {
		t.Fatalf("expected OrderRejected, got %q", res.Failure)
	}
	if f.b.PlaceCalls() != 0 {
		t.Fatalf("expected no venue B placement, got %d", f.b.PlaceCalls())
	}
	if res.LegA.Status != venue.StatusRejected || res.LegA.Placed {
		t.Fatalf("unexpected leg A %+v", res.LegA)
	}
	if !res.ResidualDelta.IsZero() || res.Unwind != nil {
		t.Fatalf("expected zero residual and no unwind")
	}
}

func TestLegAUnavailableAborts(t *testing.T) {
	f := newFixture()
	f.a.SetPlaceErrors(venue.Unavailable(venue.A, errors.New("502")))
	res := f.run(context.Background(), request(venue.Buy))
	if res.Outcome != OutcomeAborted || res.Failure != "VenueUnavailable" {
		t.Fatalf("expected aborted VenueUnavailable, got %s %q", res.Outcome, res.Failure)
	}
	if f.b.PlaceCalls() != 0 {
		t.Fatalf("expected no venue B placement")
	}
}

func TestLegBTimeoutUnwindsOnVenueA(t *testing.T) {
	f := newFixture()
	f.b.SetBehaviors(venuetest.NeverFill())
	res := f.run(context.Background(), request(venue.Buy))

	if res.Outcome != OutcomeImbalanced {
		t.Fatalf("expected imbalanced, got %s", res.Outcome)
	}
	if !res.ResidualDelta.Equal(dec("1")) {
		t.Fatalf("expected residual 1, got %s", res.ResidualDelta)
	}
	if !res.LegB.TimedOut || res.LegB.Status != venue.StatusCancelled {
		t.Fatalf("expected leg B timed out and cancelled, got %+v", res.LegB)
	}
	if len(f.b.Cancels()) != 1 {
		t.Fatalf("expected one cancel on venue B, got %d", len(f.b.Cancels()))
	}
	placedA := f.a.Placed()
	if len(placedA) != 2 {
		t.Fatalf("expected leg and unwind on venue A, got %d orders", len(placedA))
	}
	unwind := placedA[1]
	if unwind.Side != venue.Sell || !unwind.Quantity.Equal(dec("1")) || !unwind.Price.Equal(dec("99")) {
		t.Fatalf("unexpected unwind order %+v", unwind)
	}
	if f.b.PlaceCalls() != 1 {
		t.Fatalf("expected no unwind on venue B, got %d placements", f.b.PlaceCalls())
	}
	if res.Unwind == nil || !res.Unwind.Succeeded || res.Unwind.Venue != venue.A {
		t.Fatalf("expected successful unwind on A, got %+v", res.Unwind)
	}
	if !res.OpenResidual.IsZero() || res.Unresolved() {
		t.Fatalf("expected residual closed by unwind, got %s", res.OpenResidual)
	}
	if res.Failure != "OrderTimeout" {
		t.Fatalf("expected OrderTimeout failure, got %q", res.Failure)
	}
	if f.unwinds.Value() != 1 || f.unwindFailures.Value() != 0 {
		t.Fatalf("expected one successful unwind attempt, got %d attempts %d failures", f.unwinds.Value(), f.unwindFailures.Value())
	}
}

func TestFailedCancelStillUnwindsResidual(t *testing.T) {
	f := newFixture()
	f.b.SetBehaviors(venuetest.NeverFill()).SetCancelError(venue.Unavailable(venue.B, errors.New("cancel endpoint down")))
	res := f.run(context.Background(), request(venue.Buy))

	if res.Outcome != OutcomeImbalanced {
		t.Fatalf("expected imbalanced, got %s", res.Outcome)
	}
	if res.LegB.Status.Terminal() {
		t.Fatalf("expected leg B to stay live after failed cancel, got %s", res.LegB.Status)
	}
	if !res.ResidualDelta.Equal(dec("1")) {
		t.Fatalf("expected residual 1, got %s", res.ResidualDelta)
	}
	if len(f.a.Placed()) != 2 {
		t.Fatalf("expected unwind on venue A, got %d orders", len(f.a.Placed()))
	}
}

func TestUnreadableLegBIsTreatedAsUnfilled(t *testing.T) {
	f := newFixture()
	f.b.SetStatusError(venue.Unavailable(venue.B, errors.New("status endpoint down")))
	res := f.run(context.Background(), request(venue.Buy))

	if res.Outcome != OutcomeImbalanced {
		t.Fatalf("expected imbalanced, got %s", res.Outcome)
	}
	if !res.FilledB.IsZero() || !res.LegB.TimedOut {
		t.Fatalf("expected leg B unconfirmed with no fill, got %+v", res.LegB)
	}
	if res.Unwind == nil || res.Unwind.Venue != venue.A {
		t.Fatalf("expected unwind on venue A, got %+v", res.Unwind)
	}
}

func TestBothRejectedAborts(t *testing.T) {
	f := newFixture()
	f.a.SetBehaviors(venuetest.RejectAfterAck())
	f.b.SetBehaviors(venuetest.RejectAfterAck())
	res := f.run(context.Background(), request(venue.Sell))

	if res.Outcome != OutcomeAborted || res.Failure != "OrderRejected" {
		t.Fatalf("expected aborted OrderRejected, got %s %q", res.Outcome, res.Failure)
	}
	if res.Unwind != nil {
		t.Fatalf("expected no unwind")
	}
	if res.Transitions[len(res.Transitions)-1].From != StateReconciling {
		t.Fatalf("expected abort from reconciling, got %+v", res.Transitions)
	}
}

func TestEqualPartialFillsAreBalanced(t *testing.T) {
	f := newFixture()
	f.a.SetBehaviors(venuetest.PartialThenCancel(dec("0.5")))
	f.b.SetBehaviors(venuetest.PartialThenCancel(dec("0.5")))
	res := f.run(context.Background(), request(venue.Buy))

	if res.Outcome != OutcomeBalanced {
		t.Fatalf("expected balanced, got %s", res.Outcome)
	}
	if !res.FilledA.Equal(dec("0.5")) || !res.FilledB.Equal(dec("0.5")) {
		t.Fatalf("unexpected fills %s %s", res.FilledA, res.FilledB)
	}
}

func TestRestingPartialsAreCancelledAndBalanced(t *testing.T) {
	f := newFixture()
	f.a.SetBehaviors(venuetest.PartialOpen(dec("0.3")))
	f.b.SetBehaviors(venuetest.PartialOpen(dec("0.3")))
	res := f.run(context.Background(), request(venue.Buy))

	if res.Outcome != OutcomeBalanced {
		t.Fatalf("expected balanced, got %s", res.Outcome)
	}
	if len(f.a.Cancels()) != 1 || len(f.b.Cancels()) != 1 {
		t.Fatalf("expected both resting legs cancelled")
	}
	if res.LegA.Status != venue.StatusCancelled || !res.LegA.TimedOut {
		t.Fatalf("unexpected leg A %+v", res.LegA)
	}
}

func TestStaleQuotesAbortWithoutOrders(t *testing.T) {
	f := newFixture()
	old := func() time.Time { return f.mock.Now().Add(-10 * time.Second) }
	f.a.SetQuoteTime(old)
	f.b.SetQuoteTime(old)
	res := f.run(context.Background(), request(venue.Buy))

	if res.Outcome != OutcomeAborted || res.Failure != "StaleOrMissingQuote" {
		t.Fatalf("expected aborted StaleOrMissingQuote, got %s %q", res.Outcome, res.Failure)
	}
	if f.a.PlaceCalls() != 0 || f.b.PlaceCalls() != 0 {
		t.Fatalf("expected zero orders, got %d and %d", f.a.PlaceCalls(), f.b.PlaceCalls())
	}
}

func TestLegBPlacementFailureUnwindsLegA(t *testing.T) {
	f := newFixture()
	f.b.SetPlaceErrors(venue.Unavailable(venue.B, errors.New("connection refused")))
	res := f.run(context.Background(), request(venue.Buy))

	if res.Outcome != OutcomeImbalanced {
		t.Fatalf("expected imbalanced, got %s", res.Outcome)
	}
	if res.LegB.Placed || res.LegB.Status != venue.StatusRejected {
		t.Fatalf("expected leg B treated as rejected, got %+v", res.LegB)
	}
	if res.Unwind == nil || res.Unwind.Venue != venue.A || res.Unwind.Side != venue.Sell {
		t.Fatalf("expected unwind sell on A, got %+v", res.Unwind)
	}
	if res.Failure != "VenueUnavailable" {
		t.Fatalf("expected VenueUnavailable, got %q", res.Failure)
	}
}

func TestOverfilledLegBUnwindsOnVenueB(t *testing.T) {
	f := newFixture()
	f.a.SetBehaviors(venuetest.PartialThenCancel(dec("0.4")))
	res := f.run(context.Background(), request(venue.Buy))

	if res.Outcome != OutcomeImbalanced {
		t.Fatalf("expected imbalanced, got %s", res.Outcome)
	}
	placedB := f.b.Placed()
	if len(placedB) != 2 {
		t.Fatalf("expected unwind on venue B, got %d orders", len(placedB))
	}
	unwind := placedB[1]
	if unwind.Side != venue.Buy || !unwind.Quantity.Equal(dec("0.6")) || !unwind.Price.Equal(dec("102")) {
		t.Fatalf("unexpected unwind %+v", unwind)
	}
	if len(f.a.Placed()) != 1 {
		t.Fatalf("expected no unwind on venue A")
	}
}

func TestUnwindFailureLeavesResidual(t *testing.T) {
	f := newFixture()
	f.a.SetPlaceErrors(nil, venue.Rejected("reduce only"))
	f.b.SetBehaviors(venuetest.NeverFill())
	res := f.run(context.Background(), request(venue.Buy))

	if res.Outcome != OutcomeImbalanced {
		t.Fatalf("expected imbalanced, got %s", res.Outcome)
	}
	if res.Failure != "UnwindFailed" {
		t.Fatalf("expected UnwindFailed, got %q", res.Failure)
	}
	if res.Unwind == nil || res.Unwind.Succeeded || res.Unwind.Error == "" {
		t.Fatalf("expected failed unwind record, got %+v", res.Unwind)
	}
	if !res.OpenResidual.Equal(dec("1")) || !res.Unresolved() {
		t.Fatalf("expected open residual 1, got %s", res.OpenResidual)
	}
	if f.a.PlaceCalls() != 2 || f.unwindFailures.Value() != 1 {
		t.Fatalf("expected exactly one failed unwind attempt, got %d placements", f.a.PlaceCalls())
	}
}

func TestUnconfirmedUnwindIsCancelled(t *testing.T) {
	f := newFixture()
	f.a.SetBehaviors(venuetest.FillImmediately(), venuetest.NeverFill())
	f.b.SetBehaviors(venuetest.NeverFill())
	res := f.run(context.Background(), request(venue.Buy))

	if res.Failure != "UnwindFailed" || res.Unwind == nil || res.Unwind.Status != venue.StatusCancelled {
		t.Fatalf("expected cancelled unconfirmed unwind, got %q %+v", res.Failure, res.Unwind)
	}
	if len(f.a.Cancels()) != 1 {
		t.Fatalf("expected unwind cancel on venue A, got %d", len(f.a.Cancels()))
	}
}

func TestShutdownDuringMonitoringTakesFinalReads(t *testing.T) {
	f := newFixture()
	f.b.SetBehaviors(venuetest.NeverFill())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	var res CycleResult
	go func() {
		defer close(done)
		res = f.coord.RunCycle(ctx, request(venue.Buy))
	}()
	for f.b.StatusCalls() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	for {
		select {
		case <-done:
		default:
			f.mock.Add(50 * time.Millisecond)
			continue
		}
		break
	}

	if !res.Interrupted {
		t.Fatalf("expected interrupted cycle")
	}
	if len(f.b.Cancels()) != 1 || res.LegB.Status != venue.StatusCancelled {
		t.Fatalf("expected final cancel and read on venue B, got %+v", res.LegB)
	}
	if res.Outcome != OutcomeImbalanced || res.Unwind == nil || !res.Unwind.Succeeded {
		t.Fatalf("expected unwind after shutdown, got %s %+v", res.Outcome, res.Unwind)
	}
}

func TestCycleProperties(t *testing.T) {
	behaviors := []func() venuetest.Behavior{
		venuetest.FillImmediately,
		venuetest.RejectAfterAck,
		func() venuetest.Behavior { return venuetest.PartialThenCancel(dec("0.5")) },
		func() venuetest.Behavior { return venuetest.PartialThenCancel(dec("0.25")) },
	}
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture()
		side := venue.Buy
		if rapid.Bool().Draw(rt, "sell") {
			side = venue.Sell
		}
		rejectA := rapid.Bool().Draw(rt, "rejectA")
		if rejectA {
			f.a.SetPlaceErrors(venue.Rejected("rejected"))
		}
		f.a.SetBehaviors(behaviors[rapid.IntRange(0, len(behaviors)-1).Draw(rt, "a")]())
		f.b.SetBehaviors(behaviors[rapid.IntRange(0, len(behaviors)-1).Draw(rt, "b")]())

		res := f.coord.RunCycle(context.Background(), request(side))

		if res.Outcome == "" {
			rt.Fatalf("cycle finished without outcome")
		}
		if res.LegA.Side != res.LegB.Side.Opposite() {
			rt.Fatalf("legs not opposite: %s %s", res.LegA.Side, res.LegB.Side)
		}
		if res.Outcome == OutcomeBalanced && res.FilledA.Sub(res.FilledB).Abs().GreaterThan(decimal.New(1, -9)) {
			rt.Fatalf("balanced cycle with fills %s %s", res.FilledA, res.FilledB)
		}
		if rejectA && f.b.PlaceCalls() != 0 {
			rt.Fatalf("leg B placed after leg A failed")
		}
		if res.Outcome == OutcomeAborted && res.Unwind != nil {
			rt.Fatalf("aborted cycle attempted unwind")
		}
		if res.Outcome == OutcomeImbalanced && res.Unwind == nil {
			rt.Fatalf("imbalanced cycle without unwind attempt")
		}
		if extra := f.a.PlaceCalls() + f.b.PlaceCalls(); extra > 3 {
			rt.Fatalf("more than one unwind attempt: %d placements", extra)
		}
	})
}
