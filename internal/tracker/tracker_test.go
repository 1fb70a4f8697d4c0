package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hedge-bot/internal/venue"
	"hedge-bot/internal/venue/venuetest"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

type scriptedVenue struct {
	*venuetest.Venue
	mu    sync.Mutex
	seq   []venue.Order
	calls int
	err   error
}

func (s *scriptedVenue) OrderStatus(ctx context.Context, ref venue.OrderRef) (venue.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return venue.Order{}, s.err
	}
	if len(s.seq) == 0 {
		return venue.Order{Ref: ref, Status: venue.StatusOpen}, nil
	}
	next := s.seq[0]
	if len(s.seq) > 1 {
		s.seq = s.seq[1:]
	}
	next.Ref = ref
	return next, nil
}

func (s *scriptedVenue) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func request(qty string) venue.OrderRequest {
	return venue.OrderRequest{Instrument: "BTC", Side: venue.Buy, Quantity: dec(qty), Price: dec("100")}
}

// drive advances the mock clock until done is closed.
func drive(mock *clock.Mock, step time.Duration, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
			mock.Add(step)
		}
	}
}

func TestRecordStartsOpenWithZeroFill(t *testing.T) {
	tr := New(venuetest.New(venue.A), clock.NewMock(), time.Second, zap.NewNop())
	ref := venue.OrderRef{Venue: venue.A, OrderID: "1"}
	order := tr.Record(ref, request("1"))
	if order.Status != venue.StatusOpen || !order.Filled.IsZero() {
		t.Fatalf("expected open order with zero fill, got %+v", order)
	}
	got, ok := tr.Get(ref)
	if !ok || !got.Quantity.Equal(dec("1")) {
		t.Fatalf("expected recorded order, got %+v ok=%v", got, ok)
	}
}

func TestTerminalOrderIsNotPolledAgain(t *testing.T) {
	sv := &scriptedVenue{
		Venue: venuetest.New(venue.A),
		seq:   []venue.Order{{Status: venue.StatusFilled, Filled: dec("1")}, {Status: venue.StatusOpen}},
	}
	tr := New(sv, clock.NewMock(), time.Second, zap.NewNop())
	ref := venue.OrderRef{Venue: venue.A, OrderID: "1"}
	tr.Record(ref, request("1"))

	first, err := tr.Poll(context.Background(), ref)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if first.Status != venue.StatusFilled {
		t.Fatalf("expected filled, got %s", first.Status)
	}
	for i := 0; i < 3; i++ {
		again, err := tr.Poll(context.Background(), ref)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if again.Status != venue.StatusFilled || !again.Filled.Equal(first.Filled) {
			t.Fatalf("terminal order changed: %+v", again)
		}
	}
	if sv.Calls() != 1 {
		t.Fatalf("expected a single venue call, got %d", sv.Calls())
	}
}

func TestFillNeverDecreasesAndIsCapped(t *testing.T) {
	sv := &scriptedVenue{
		Venue: venuetest.New(venue.A),
		seq: []venue.Order{
			{Status: venue.StatusPartiallyFilled, Filled: dec("0.3")},
			{Status: venue.StatusPartiallyFilled, Filled: dec("0.2")},
			{Status: venue.StatusOpen, Filled: dec("0.5")},
			{Status: venue.StatusFilled, Filled: dec("1.5")},
		},
	}
	tr := New(sv, clock.NewMock(), time.Second, zap.NewNop())
	ref := venue.OrderRef{Venue: venue.A, OrderID: "1"}
	tr.Record(ref, request("1"))

	want := []string{"0.3", "0.3", "0.5", "1"}
	for i, w := range want {
		order, err := tr.Poll(context.Background(), ref)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if !order.Filled.Equal(dec(w)) {
			t.Fatalf("poll %d: expected filled %s, got %s", i, w, order.Filled)
		}
	}
	order, _ := tr.Get(ref)
	if order.Status != venue.StatusFilled {
		t.Fatalf("expected filled status, got %s", order.Status)
	}
}

func TestOpenWithFillBecomesPartiallyFilled(t *testing.T) {
	sv := &scriptedVenue{
		Venue: venuetest.New(venue.A),
		seq:   []venue.Order{{Status: venue.StatusOpen, Filled: dec("0.4")}},
	}
	tr := New(sv, clock.NewMock(), time.Second, zap.NewNop())
	ref := venue.OrderRef{Venue: venue.A, OrderID: "1"}
	tr.Record(ref, request("1"))
	order, err := tr.Poll(context.Background(), ref)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if order.Status != venue.StatusPartiallyFilled {
		t.Fatalf("expected partially filled, got %s", order.Status)
	}
}

func TestFilledWithoutSizeAssumesFullQuantity(t *testing.T) {
	sv := &scriptedVenue{
		Venue: venuetest.New(venue.A),
		seq:   []venue.Order{{Status: venue.StatusFilled}},
	}
	tr := New(sv, clock.NewMock(), time.Second, zap.NewNop())
	ref := venue.OrderRef{Venue: venue.A, OrderID: "1"}
	tr.Record(ref, request("0.5"))
	order, err := tr.Poll(context.Background(), ref)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !order.Filled.Equal(dec("0.5")) {
		t.Fatalf("expected filled 0.5, got %s", order.Filled)
	}
}

func TestPollErrorReturnsLastKnown(t *testing.T) {
	sv := &scriptedVenue{Venue: venuetest.New(venue.A), err: venue.Unavailable(venue.A, errors.New("down"))}
	tr := New(sv, clock.NewMock(), time.Second, zap.NewNop())
	ref := venue.OrderRef{Venue: venue.A, OrderID: "1"}
	tr.Record(ref, request("1"))
	order, err := tr.Poll(context.Background(), ref)
	if !errors.Is(err, venue.ErrVenueUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if order.Status != venue.StatusOpen {
		t.Fatalf("expected last known open order, got %+v", order)
	}
}

func TestAwaitTerminalReturnsOnFill(t *testing.T) {
	fake := venuetest.New(venue.A).SetBehaviors(venuetest.FillAfter(3))
	ref, err := fake.PlaceOrder(context.Background(), request("1"))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	mock := clock.NewMock()
	tr := New(fake, mock, 100*time.Millisecond, zap.NewNop())
	tr.Record(ref, request("1"))

	done := make(chan struct{})
	var order venue.Order
	var awaitErr error
	go func() {
		defer close(done)
		order, awaitErr = tr.AwaitTerminal(context.Background(), ref, 10*time.Second)
	}()
	drive(mock, 100*time.Millisecond, done)

	if awaitErr != nil {
		t.Fatalf("await: %v", awaitErr)
	}
	if order.Status != venue.StatusFilled || !order.Filled.Equal(dec("1")) {
		t.Fatalf("expected filled order, got %+v", order)
	}
	if calls := fake.StatusCalls(); calls != 4 {
		t.Fatalf("expected 4 status polls, got %d", calls)
	}
}

func TestAwaitTerminalTimesOutWithoutCancel(t *testing.T) {
	fake := venuetest.New(venue.B).SetBehaviors(venuetest.NeverFill())
	ref, _ := fake.PlaceOrder(context.Background(), request("1"))
	mock := clock.NewMock()
	tr := New(fake, mock, 200*time.Millisecond, zap.NewNop())
	tr.Record(ref, request("1"))

	done := make(chan struct{})
	var order venue.Order
	var awaitErr error
	start := mock.Now()
	go func() {
		defer close(done)
		order, awaitErr = tr.AwaitTerminal(context.Background(), ref, 2*time.Second)
	}()
	drive(mock, 50*time.Millisecond, done)

	if !errors.Is(awaitErr, venue.ErrOrderTimeout) {
		t.Fatalf("expected timeout, got %v", awaitErr)
	}
	if order.Terminal() {
		t.Fatalf("expected non-terminal last known order, got %s", order.Status)
	}
	if elapsed := mock.Now().Sub(start); elapsed < 2*time.Second {
		t.Fatalf("expected timeout after at least 2s of clock time, got %v", elapsed)
	}
	if len(fake.Cancels()) != 0 {
		t.Fatalf("tracker must not cancel orders, got %v", fake.Cancels())
	}
}

func TestAwaitTerminalKeepsPollingThroughErrors(t *testing.T) {
	sv := &scriptedVenue{Venue: venuetest.New(venue.A), err: venue.Unavailable(venue.A, errors.New("flaky"))}
	mock := clock.NewMock()
	tr := New(sv, mock, 100*time.Millisecond, zap.NewNop())
	ref := venue.OrderRef{Venue: venue.A, OrderID: "1"}
	tr.Record(ref, request("1"))

	done := make(chan struct{})
	var awaitErr error
	go func() {
		defer close(done)
		_, awaitErr = tr.AwaitTerminal(context.Background(), ref, time.Second)
	}()
	drive(mock, 50*time.Millisecond, done)

	if !errors.Is(awaitErr, venue.ErrOrderTimeout) {
		t.Fatalf("expected timeout, got %v", awaitErr)
	}
	if sv.Calls() < 5 {
		t.Fatalf("expected repeated polls despite errors, got %d", sv.Calls())
	}
}

func TestAwaitTerminalHonoursCancellation(t *testing.T) {
	fake := venuetest.New(venue.A).SetBehaviors(venuetest.NeverFill())
	ref, _ := fake.PlaceOrder(context.Background(), request("1"))
	tr := New(fake, clock.NewMock(), time.Second, zap.NewNop())
	tr.Record(ref, request("1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.AwaitTerminal(ctx, ref, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestFillMonotonicProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		qty := rapid.IntRange(1, 1000).Draw(rt, "qty")
		reports := rapid.SliceOfN(rapid.IntRange(0, 1500), 1, 30).Draw(rt, "reports")
		seq := make([]venue.Order, 0, len(reports))
		for _, r := range reports {
			seq = append(seq, venue.Order{Status: venue.StatusPartiallyFilled, Filled: decimal.NewFromInt(int64(r))})
		}
		sv := &scriptedVenue{Venue: venuetest.New(venue.A), seq: seq}
		tr := New(sv, clock.NewMock(), time.Second, zap.NewNop())
		ref := venue.OrderRef{Venue: venue.A, OrderID: "p"}
		tr.Record(ref, venue.OrderRequest{Side: venue.Sell, Quantity: decimal.NewFromInt(int64(qty))})

		last := decimal.Zero
		for range reports {
			order, err := tr.Poll(context.Background(), ref)
			if err != nil {
				rt.Fatalf("poll: %v", err)
			}
			if order.Filled.LessThan(last) {
				rt.Fatalf("fill decreased from %s to %s", last, order.Filled)
			}
			if order.Filled.GreaterThan(order.Quantity) {
				rt.Fatalf("fill %s above quantity %s", order.Filled, order.Quantity)
			}
			last = order.Filled
		}
	})
}
