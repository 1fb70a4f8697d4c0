package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"hedge-bot/internal/alerts"
	"hedge-bot/internal/config"
	"hedge-bot/internal/exec"
	"hedge-bot/internal/hedge"
	"hedge-bot/internal/journal"
	"hedge-bot/internal/metrics"
	"hedge-bot/internal/pricing"
	"hedge-bot/internal/state"
	"hedge-bot/internal/state/sqlite"
	"hedge-bot/internal/supervisor"
	"hedge-bot/internal/timescale"
	"hedge-bot/internal/venue"
	"hedge-bot/internal/venue/httpvenue"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// venueSession pairs the raw REST adapter with the retrying executor the core uses.
type venueSession struct {
	cfg        config.VenueConfig
	client     *httpvenue.Client
	executor   *exec.Executor
	instrument string
}

type App struct {
	cfg   *config.Config
	log   *zap.Logger
	clock clock.Clock
	store state.Store
	db    *sqlite.Store

	venueA *venueSession
	venueB *venueSession

	resolver  *pricing.Resolver
	journal   *journal.SQLite
	trades    *journal.TradeLog
	timescale *timescale.Writer
	prom      *metrics.Prometheus
	metrics   *metrics.Metrics
	alerts    *alerts.Telegram

	supMu      sync.RWMutex
	supervisor *supervisor.Supervisor

	operatorWarned bool
	auditSeq       atomic.Int64
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	clk := clock.New()
	db, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	cycleJournal, err := journal.NewSQLite(db.DB())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	a := &App{
		cfg:      cfg,
		log:      log,
		clock:    clk,
		store:    db,
		db:       db,
		journal:  cycleJournal,
		resolver: pricing.New(clk, cfg.Hedge.QuoteMaxAge, cfg.Hedge.FillTolerance, log),
		alerts:   alerts.NewTelegram(cfg.Telegram, log),
		metrics:  metrics.NewNoop(),
	}
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	}
	if path := strings.TrimSpace(cfg.Journal.CSVPath); path != "" {
		trades, err := journal.NewTradeLog(path, map[venue.ID]string{
			venue.A: cfg.Venues.A.Name,
			venue.B: cfg.Venues.B.Name,
		}, clk)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.trades = trades
	}
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}
	a.timescale = writer

	policy := exec.Policy{
		PlaceAttempts:  cfg.Retry.PlaceAttempts,
		ReadAttempts:   cfg.Retry.ReadAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
	}
	a.venueA = a.newSession(venue.A, cfg.Venues.A, policy)
	a.venueB = a.newSession(venue.B, cfg.Venues.B, policy)
	return a, nil
}

func (a *App) newSession(id venue.ID, vc config.VenueConfig, policy exec.Policy) *venueSession {
	client := httpvenue.New(httpvenue.Config{
		ID:           id,
		Name:         vc.Name,
		BaseURL:      vc.BaseURL,
		Timeout:      vc.Timeout,
		StreamURL:    vc.StreamURL,
		StreamMaxAge: vc.StreamMaxAge,
	}, a.clock, a.log)
	instrument := strings.TrimSpace(vc.Instrument)
	if instrument == "" {
		instrument = a.cfg.Hedge.Instrument
	}
	return &venueSession{
		cfg:        vc,
		client:     client,
		executor:   exec.New(client, a.store, policy, a.clock, a.metrics, a.log),
		instrument: instrument,
	}
}

// Run performs venue startup and then hands control to the supervisor until it finishes,
// halts or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if a.timescale != nil {
		a.timescale.Start(ctx)
	}
	a.startStatusServer(ctx)

	legA, legB, err := a.startup(ctx)
	if err != nil {
		return err
	}
	sideA, _ := venue.ParseSide(a.cfg.Hedge.DirectionA)
	coordinator := hedge.New(legA, legB, a.resolver, hedge.Config{
		PollInterval:  a.cfg.Hedge.PollInterval,
		LegTimeout:    a.cfg.Hedge.LegTimeout,
		CycleTimeout:  a.cfg.Hedge.CycleTimeout,
		UnwindTimeout: a.cfg.Hedge.UnwindTimeout,
		Tolerance:     a.cfg.Hedge.FillTolerance,
	}, a.clock, a.metrics, a.log)

	sup := supervisor.New(supervisor.Config{
		Instrument:     a.cfg.Hedge.Instrument,
		InstrumentA:    a.venueA.instrument,
		InstrumentB:    a.venueB.instrument,
		Quantity:       a.cfg.Hedge.Quantity,
		SideA:          sideA,
		Iterations:     a.cfg.Hedge.Iterations,
		CycleDelay:     a.cfg.Hedge.CycleDelay,
		MaxNetExposure: a.cfg.Hedge.MaxNetExposure,
		HaltOnResidual: a.cfg.Hedge.HaltOnResidualValue(),
		WaitOnHalt:     a.cfg.Telegram.OperatorEnabled,
	}, supervisor.Deps{
		Cycler:    coordinator,
		VenueA:    a.venueA.executor,
		VenueB:    a.venueB.executor,
		Store:     a.store,
		Journal:   a.journal,
		Recorders: a.recorders(),
		Notifier:  a.notifier(),
		Positions: a.positionSink(),
		Metrics:   a.metrics,
		Clock:     a.clock,
		Log:       a.log,
	})
	a.setSupervisor(sup)
	a.startOperator(ctx)

	a.log.Info("hedger started",
		zap.String("instrument", a.cfg.Hedge.Instrument),
		zap.Stringer("quantity", a.cfg.Hedge.Quantity),
		zap.String("direction_a", string(sideA)),
		zap.Int("iterations", a.cfg.Hedge.Iterations),
	)
	return sup.Run(ctx)
}

func (a *App) recorders() []supervisor.Recorder {
	out := []supervisor.Recorder{a.journal}
	if a.trades != nil {
		out = append(out, a.trades)
	}
	if a.timescale != nil {
		out = append(out, a.timescale)
	}
	return out
}

func (a *App) notifier() supervisor.Notifier {
	if a.alerts == nil || !a.alerts.Enabled() {
		return nil
	}
	return a.alerts
}

func (a *App) positionSink() supervisor.PositionSink {
	if a.timescale == nil {
		return nil
	}
	return a.timescale
}

func (a *App) setSupervisor(s *supervisor.Supervisor) {
	a.supMu.Lock()
	defer a.supMu.Unlock()
	a.supervisor = s
}

func (a *App) currentSupervisor() *supervisor.Supervisor {
	a.supMu.RLock()
	defer a.supMu.RUnlock()
	return a.supervisor
}

func (a *App) close() {
	var err error
	for _, s := range []*venueSession{a.venueA, a.venueB} {
		if s != nil && s.client != nil {
			s.client.Close()
		}
	}
	if a.timescale != nil {
		err = multierr.Append(err, a.timescale.Close())
	}
	if a.db != nil {
		err = multierr.Append(err, a.db.Close())
	}
	if err != nil {
		a.log.Warn("shutdown cleanup failed", zap.Error(err))
	}
	_ = a.log.Sync()
}
