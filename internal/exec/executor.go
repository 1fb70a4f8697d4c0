package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hedge-bot/internal/metrics"
	"hedge-bot/internal/state"
	"hedge-bot/internal/venue"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Policy struct {
	PlaceAttempts  int
	ReadAttempts   int
	InitialBackoff time.Duration
}

// Executor decorates a venue with retries for unavailable errors and idempotent order
// placement keyed by client order id.
type Executor struct {
	venue   venue.Venue
	store   state.Store
	policy  Policy
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

func New(v venue.Venue, store state.Store, policy Policy, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *Executor {
	if policy.PlaceAttempts < 1 {
		policy.PlaceAttempts = 1
	}
	if policy.ReadAttempts < 1 {
		policy.ReadAttempts = 1
	}
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		venue:   v,
		store:   store,
		policy:  policy,
		clock:   clk,
		metrics: m,
		log:     log.With(zap.String("venue", string(v.ID()))),
		cache:   make(map[string]string),
	}
}

func (e *Executor) ID() venue.ID { return e.venue.ID() }

func (e *Executor) Init(ctx context.Context, instrument string, quantity decimal.Decimal, side venue.Side) (venue.ReadyToken, error) {
	var token venue.ReadyToken
	err := e.retry(ctx, "init", e.policy.ReadAttempts, func() error {
		var err error
		token, err = e.venue.Init(ctx, instrument, quantity, side)
		return err
	})
	return token, err
}

func (e *Executor) Connect(ctx context.Context) error {
	return e.retry(ctx, "connect", e.policy.ReadAttempts, func() error {
		return e.venue.Connect(ctx)
	})
}

func (e *Executor) BBO(ctx context.Context, instrument string) (venue.BBO, error) {
	var quote venue.BBO
	err := e.retry(ctx, "bbo", e.policy.ReadAttempts, func() error {
		var err error
		quote, err = e.venue.BBO(ctx, instrument)
		return err
	})
	return quote, err
}

// PlaceOrder places req at most once per client order id. A second call with the same id,
// including after a restart, returns the stored order reference without contacting the
// venue.
func (e *Executor) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderRef, error) {
	if req.ClientOrderID == "" {
		return e.placeWithRetry(ctx, req)
	}
	cacheKey := "cloid:" + string(e.venue.ID()) + ":" + req.ClientOrderID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return venue.OrderRef{Venue: e.venue.ID(), OrderID: oid}, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if oid, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return venue.OrderRef{}, err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.mu.Unlock()
			return venue.OrderRef{Venue: e.venue.ID(), OrderID: oid}, nil
		}
	}
	ref, err := e.placeWithRetry(ctx, req)
	if err != nil {
		return venue.OrderRef{}, err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, ref.OrderID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = ref.OrderID
	e.mu.Unlock()
	return ref, nil
}

func (e *Executor) OrderStatus(ctx context.Context, ref venue.OrderRef) (venue.Order, error) {
	var order venue.Order
	err := e.retry(ctx, "order_status", e.policy.ReadAttempts, func() error {
		var err error
		order, err = e.venue.OrderStatus(ctx, ref)
		return err
	})
	return order, err
}

func (e *Executor) ActiveOrders(ctx context.Context, instrument string) ([]venue.Order, error) {
	var orders []venue.Order
	err := e.retry(ctx, "active_orders", e.policy.ReadAttempts, func() error {
		var err error
		orders, err = e.venue.ActiveOrders(ctx, instrument)
		return err
	})
	return orders, err
}

func (e *Executor) CancelOrder(ctx context.Context, ref venue.OrderRef) error {
	return e.retry(ctx, "cancel", e.policy.ReadAttempts, func() error {
		return e.venue.CancelOrder(ctx, ref)
	})
}

func (e *Executor) Position(ctx context.Context, instrument string) (decimal.Decimal, error) {
	var pos decimal.Decimal
	err := e.retry(ctx, "position", e.policy.ReadAttempts, func() error {
		var err error
		pos, err = e.venue.Position(ctx, instrument)
		return err
	})
	return pos, err
}

func (e *Executor) placeWithRetry(ctx context.Context, req venue.OrderRequest) (venue.OrderRef, error) {
	var ref venue.OrderRef
	err := e.retry(ctx, "place", e.policy.PlaceAttempts, func() error {
		var err error
		ref, err = e.venue.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return venue.OrderRef{}, err
	}
	if ref.OrderID == "" {
		e.metrics.OrdersFailed.Inc()
		return venue.OrderRef{}, venue.Unavailable(e.venue.ID(), errors.New("empty order id"))
	}
	e.metrics.OrdersPlaced.Inc()
	return ref, nil
}

func (e *Executor) retry(ctx context.Context, op string, attempts int, fn func() error) error {
	backoff := e.policy.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, venue.ErrVenueUnavailable) {
			e.metrics.VenueFaults.Inc()
		}
		if !venue.Retryable(err) {
			return err
		}
		if attempt >= attempts {
			if attempts > 1 {
				return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
			}
			return err
		}
		e.log.Warn("venue call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(backoff):
			backoff *= 2
		}
	}
}
