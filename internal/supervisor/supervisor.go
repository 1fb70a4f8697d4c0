// Package supervisor runs hedge cycles one after another and keeps the books across them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hedge-bot/internal/alerts"
	"hedge-bot/internal/hedge"
	"hedge-bot/internal/metrics"
	"hedge-bot/internal/state"
	"hedge-bot/internal/timescale"
	"hedge-bot/internal/venue"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrHalted        = errors.New("supervisor halted")
	ErrExposureLimit = errors.New("net exposure above limit")
)

const recordTimeout = 5 * time.Second

type Cycler interface {
	RunCycle(ctx context.Context, req hedge.Request) hedge.CycleResult
}

// Recorder receives every finished cycle exactly once.
type Recorder interface {
	Record(ctx context.Context, res hedge.CycleResult) error
}

type Notifier interface {
	Send(ctx context.Context, message string) error
}

type PositionSink interface {
	EnqueuePosition(snapshot timescale.PositionSnapshot)
}

type SequenceSource interface {
	LastSeq(ctx context.Context) (int64, error)
}

type Config struct {
	Instrument     string
	InstrumentA    string
	InstrumentB    string
	Quantity       decimal.Decimal
	SideA          venue.Side
	Iterations     int
	CycleDelay     time.Duration
	MaxNetExposure decimal.Decimal
	HaltOnResidual bool
	// WaitOnHalt keeps Run alive after a halt until Resume is called.
	WaitOnHalt bool
}

type Deps struct {
	Cycler    Cycler
	VenueA    venue.Venue
	VenueB    venue.Venue
	Store     state.Store
	Journal   SequenceSource
	Recorders []Recorder
	Notifier  Notifier
	Positions PositionSink
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Log       *zap.Logger
}

type Stats struct {
	LastSequence       int64            `json:"last_sequence"`
	Cycles             int64            `json:"cycles"`
	Balanced           int64            `json:"balanced"`
	Imbalanced         int64            `json:"imbalanced"`
	Aborted            int64            `json:"aborted"`
	Failures           map[string]int64 `json:"failures"`
	CumulativeResidual decimal.Decimal  `json:"cumulative_residual"`
	LastOutcome        string           `json:"last_outcome,omitempty"`
	LastNetExposure    decimal.Decimal  `json:"last_net_exposure"`
	GuardSkips         int64            `json:"guard_skips"`
	Paused             bool             `json:"paused"`
	Halted             bool             `json:"halted"`
	HaltReason         string           `json:"halt_reason,omitempty"`
}

type Supervisor struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	wake chan struct{}

	mu    sync.RWMutex
	stats Stats
}

func New(cfg Config, deps Deps) *Supervisor {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if cfg.InstrumentA == "" {
		cfg.InstrumentA = cfg.Instrument
	}
	if cfg.InstrumentB == "" {
		cfg.InstrumentB = cfg.Instrument
	}
	return &Supervisor{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Log,
		wake:  make(chan struct{}, 1),
		stats: Stats{Failures: make(map[string]int64)},
	}
}

// Run executes cycles until the configured iteration count is reached, ctx is cancelled
// or the supervisor halts. Cycles never overlap. A halt returns ErrHalted unless
// WaitOnHalt is set.
func (s *Supervisor) Run(ctx context.Context) error {
	seq := s.restore(ctx)
	completed := 0
	for s.cfg.Iterations <= 0 || completed < s.cfg.Iterations {
		if ctx.Err() != nil {
			return nil
		}
		if paused, halted := s.gates(); paused || halted {
			if halted && !s.cfg.WaitOnHalt {
				return s.haltError()
			}
			if err := s.waitResume(ctx); err != nil {
				return nil
			}
			continue
		}
		if err := s.guard(ctx); err != nil {
			if errors.Is(err, ErrExposureLimit) {
				if err := s.halt(ctx, err.Error()); err != nil {
					return err
				}
				continue
			}
			s.log.Warn("pre-cycle position check failed", zap.Error(err))
			s.mu.Lock()
			s.stats.GuardSkips++
			s.mu.Unlock()
			if err := s.wait(ctx, s.retryDelay()); err != nil {
				return nil
			}
			continue
		}

		seq++
		res := s.deps.Cycler.RunCycle(ctx, hedge.Request{
			Seq:        seq,
			Instrument: s.cfg.Instrument,
			Quantity:   s.cfg.Quantity,
			SideA:      s.cfg.SideA,
		})
		completed++
		s.observe(ctx, res)

		if res.Unresolved() && s.cfg.HaltOnResidual {
			if err := s.halt(ctx, fmt.Sprintf("cycle %d left open residual %s", res.Seq, res.OpenResidual)); err != nil {
				return err
			}
			continue
		}
		if s.cfg.Iterations > 0 && completed >= s.cfg.Iterations {
			break
		}
		if err := s.wait(ctx, s.cfg.CycleDelay); err != nil {
			return nil
		}
	}
	s.log.Info("supervisor finished", zap.Int("cycles", completed))
	return nil
}

// Pause stops new cycles from starting. It reports whether the state changed.
func (s *Supervisor) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.Paused {
		return false
	}
	s.stats.Paused = true
	return true
}

// Resume clears a pause or a halt. It reports whether the state changed.
func (s *Supervisor) Resume() bool {
	s.mu.Lock()
	changed := s.stats.Paused || s.stats.Halted
	s.stats.Paused = false
	s.stats.Halted = false
	s.stats.HaltReason = ""
	s.mu.Unlock()
	if changed {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return changed
}

func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.stats
	out.Failures = make(map[string]int64, len(s.stats.Failures))
	for k, v := range s.stats.Failures {
		out.Failures[k] = v
	}
	return out
}

func (s *Supervisor) gates() (paused, halted bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats.Paused, s.stats.Halted
}

func (s *Supervisor) haltError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Errorf("%w: %s", ErrHalted, s.stats.HaltReason)
}

// restore continues sequence numbers and counters from the persisted snapshot and the
// journal, whichever is further ahead.
func (s *Supervisor) restore(ctx context.Context) int64 {
	var seq int64
	snap, ok, err := state.LoadSupervisorSnapshot(ctx, s.deps.Store)
	if err != nil {
		s.log.Warn("supervisor snapshot load failed", zap.Error(err))
	}
	s.mu.Lock()
	if ok {
		seq = snap.LastSequence
		s.stats.Balanced = snap.Balanced
		s.stats.Imbalanced = snap.Imbalanced
		s.stats.Aborted = snap.Aborted
		if residual, err := decimal.NewFromString(snap.Residual); err == nil {
			s.stats.CumulativeResidual = residual
		}
		if snap.Halted {
			s.log.Warn("previous run halted", zap.String("reason", snap.HaltReason))
		}
	}
	s.mu.Unlock()
	if s.deps.Journal != nil {
		last, err := s.deps.Journal.LastSeq(ctx)
		if err != nil {
			s.log.Warn("journal sequence lookup failed", zap.Error(err))
		} else if last > seq {
			seq = last
		}
	}
	s.mu.Lock()
	s.stats.LastSequence = seq
	s.mu.Unlock()
	if seq > 0 {
		s.log.Info("continuing cycle sequence", zap.Int64("last_seq", seq))
	}
	return seq
}

// guard reads both venue positions and refuses to start a cycle while their sum exceeds
// the configured exposure limit.
func (s *Supervisor) guard(ctx context.Context) error {
	if s.deps.VenueA == nil || s.deps.VenueB == nil {
		return nil
	}
	posA, err := s.deps.VenueA.Position(ctx, s.cfg.InstrumentA)
	if err != nil {
		return fmt.Errorf("position %s: %w", s.deps.VenueA.ID(), err)
	}
	posB, err := s.deps.VenueB.Position(ctx, s.cfg.InstrumentB)
	if err != nil {
		return fmt.Errorf("position %s: %w", s.deps.VenueB.ID(), err)
	}
	net := posA.Add(posB)
	s.mu.Lock()
	s.stats.LastNetExposure = net
	s.mu.Unlock()
	if s.deps.Positions != nil {
		s.deps.Positions.EnqueuePosition(timescale.PositionSnapshot{
			Time:       s.deps.Clock.Now(),
			Instrument: s.cfg.Instrument,
			PositionA:  posA,
			PositionB:  posB,
			Net:        net,
		})
	}
	if s.cfg.MaxNetExposure.IsPositive() && net.Abs().GreaterThan(s.cfg.MaxNetExposure) {
		return fmt.Errorf("%w: %s=%s %s=%s net %s limit %s", ErrExposureLimit,
			s.deps.VenueA.ID(), posA, s.deps.VenueB.ID(), posB, net, s.cfg.MaxNetExposure)
	}
	return nil
}

func (s *Supervisor) observe(ctx context.Context, res hedge.CycleResult) {
	m := s.deps.Metrics
	m.CycleCounter(string(res.Outcome)).Inc()
	m.Residual.Set(res.OpenResidual.InexactFloat64())
	m.CycleSeconds.Observe(res.Duration.Seconds())

	s.mu.Lock()
	s.stats.Cycles++
	s.stats.LastSequence = res.Seq
	s.stats.LastOutcome = string(res.Outcome)
	switch res.Outcome {
	case hedge.OutcomeBalanced:
		s.stats.Balanced++
	case hedge.OutcomeImbalanced:
		s.stats.Imbalanced++
	case hedge.OutcomeAborted:
		s.stats.Aborted++
	}
	if res.Failure != "" {
		s.stats.Failures[res.Failure]++
	}
	s.stats.CumulativeResidual = s.stats.CumulativeResidual.Add(res.OpenResidual)
	s.mu.Unlock()

	// Results from a cycle cut short by shutdown are still written out.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	for _, r := range s.deps.Recorders {
		if r == nil {
			continue
		}
		if err := r.Record(rctx, res); err != nil {
			s.log.Error("cycle record failed", zap.Int64("seq", res.Seq), zap.Error(err))
		}
	}
	if msg := alerts.CycleMessage(res); msg != "" {
		s.notify(rctx, msg)
	}
	s.saveSnapshot(rctx)
}

// halt stops new cycles. With WaitOnHalt the loop parks until Resume, otherwise the
// returned error ends Run.
func (s *Supervisor) halt(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.stats.Halted = true
	s.stats.HaltReason = reason
	s.mu.Unlock()
	s.deps.Metrics.SupervisorHalts.Inc()
	s.log.Error("supervisor halted", zap.String("reason", reason))

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	s.notify(hctx, alerts.HaltMessage(reason))
	s.saveSnapshot(hctx)
	if s.cfg.WaitOnHalt {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrHalted, reason)
}

func (s *Supervisor) notify(ctx context.Context, msg string) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Send(ctx, msg); err != nil {
		s.log.Warn("alert send failed", zap.Error(err))
	}
}

func (s *Supervisor) saveSnapshot(ctx context.Context) {
	if s.deps.Store == nil {
		return
	}
	stats := s.Stats()
	snap := state.SupervisorSnapshot{
		LastSequence: stats.LastSequence,
		Balanced:     stats.Balanced,
		Imbalanced:   stats.Imbalanced,
		Aborted:      stats.Aborted,
		Residual:     stats.CumulativeResidual.String(),
		Halted:       stats.Halted,
		HaltReason:   stats.HaltReason,
		UpdatedAtMS:  s.deps.Clock.Now().UnixMilli(),
	}
	if err := state.SaveSupervisorSnapshot(ctx, s.deps.Store, snap); err != nil {
		s.log.Warn("supervisor snapshot save failed", zap.Error(err))
	}
}

func (s *Supervisor) retryDelay() time.Duration {
	if s.cfg.CycleDelay > 0 {
		return s.cfg.CycleDelay
	}
	return time.Second
}

func (s *Supervisor) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.deps.Clock.After(d):
		return nil
	}
}

func (s *Supervisor) waitResume(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.wake:
		return nil
	}
}
