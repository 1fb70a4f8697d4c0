package app

import (
	"context"
	"fmt"

	"hedge-bot/internal/hedge"
	"hedge-bot/internal/pricing"
	"hedge-bot/internal/venue"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// startup checks both venue services, initializes the instrument on each, connects and
// clears orders left over from a previous run.
func (a *App) startup(ctx context.Context) (hedge.Leg, hedge.Leg, error) {
	sessions := []*venueSession{a.venueA, a.venueB}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := s.client.Health(gctx); err != nil {
				return fmt.Errorf("venue %s (%s) health: %w", s.client.ID(), s.cfg.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return hedge.Leg{}, hedge.Leg{}, err
	}

	sideA, _ := venue.ParseSide(a.cfg.Hedge.DirectionA)
	sides := []venue.Side{sideA, sideA.Opposite()}
	legs := make([]hedge.Leg, len(sessions))
	for i, s := range sessions {
		token, err := s.executor.Init(ctx, s.instrument, a.cfg.Hedge.Quantity, sides[i])
		if err != nil {
			return hedge.Leg{}, hedge.Leg{}, fmt.Errorf("venue %s init %s: %w", s.client.ID(), s.instrument, err)
		}
		if err := s.executor.Connect(ctx); err != nil {
			return hedge.Leg{}, hedge.Leg{}, fmt.Errorf("venue %s connect: %w", s.client.ID(), err)
		}
		constraints := pricing.ConstraintsFor(token, s.cfg.MinSize, s.cfg.LotSize)
		a.log.Info("venue ready",
			zap.String("venue", string(s.client.ID())),
			zap.String("name", s.cfg.Name),
			zap.String("contract_id", token.ContractID),
			zap.Stringer("tick_size", constraints.TickSize),
			zap.Stringer("lot_size", constraints.LotSize),
			zap.Stringer("min_size", constraints.MinSize),
		)
		if a.cfg.Hedge.CancelStaleOrdersValue() {
			a.cancelStaleOrders(ctx, s)
		}
		legs[i] = hedge.Leg{Venue: s.executor, Instrument: s.instrument, Constraints: constraints}
	}
	return legs[0], legs[1], nil
}

func (a *App) cancelStaleOrders(ctx context.Context, s *venueSession) {
	orders, err := s.executor.ActiveOrders(ctx, s.instrument)
	if err != nil {
		a.log.Warn("active order lookup failed", zap.String("venue", string(s.client.ID())), zap.Error(err))
		return
	}
	if len(orders) == 0 {
		return
	}
	a.log.Warn("cancelling orders left from a previous run",
		zap.String("venue", string(s.client.ID())),
		zap.Int("count", len(orders)),
	)
	for _, o := range orders {
		if o.Ref.OrderID == "" {
			continue
		}
		if err := s.executor.CancelOrder(ctx, o.Ref); err != nil {
			a.log.Warn("failed to cancel order", zap.String("order", o.Ref.String()), zap.Error(err))
		}
	}
}
