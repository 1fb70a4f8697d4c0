package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hedge-bot/internal/config"
	"hedge-bot/internal/hedge"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type PositionSnapshot struct {
	Time       time.Time
	Instrument string
	PositionA  decimal.Decimal
	PositionB  decimal.Decimal
	Net        decimal.Decimal
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	cycles    chan hedge.CycleResult
	positions chan PositionSnapshot
	started   atomic.Bool
	dropCycle atomic.Uint64
	dropPos   atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		cycles:    make(chan hedge.CycleResult, queueSize),
		positions: make(chan PositionSnapshot, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Record queues a cycle for the hedge_cycles and hedge_legs tables. It never blocks; a
// full queue drops the cycle and counts it.
func (w *Writer) Record(ctx context.Context, res hedge.CycleResult) error {
	_ = ctx
	if w == nil {
		return nil
	}
	select {
	case w.cycles <- res:
	default:
		if w.dropCycle.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale cycle queue full")
		}
	}
	return nil
}

func (w *Writer) EnqueuePosition(snapshot PositionSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.positions <- snapshot:
	default:
		if w.dropPos.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale position queue full")
		}
	}
}

// Dropped returns how many cycles and position snapshots were discarded.
func (w *Writer) Dropped() (cycles, positions uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropCycle.Load(), w.dropPos.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-w.cycles:
			w.writeCycle(ctx, res)
		case snap := <-w.positions:
			w.writePosition(ctx, snap)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		seq BIGINT NOT NULL,
		cycle_id TEXT NOT NULL,
		instrument TEXT NOT NULL,
		outcome TEXT NOT NULL,
		target NUMERIC NOT NULL,
		filled_a NUMERIC NOT NULL,
		filled_b NUMERIC NOT NULL,
		residual_delta NUMERIC NOT NULL,
		open_residual NUMERIC NOT NULL,
		unwind_attempted BOOLEAN NOT NULL,
		unwind_succeeded BOOLEAN NOT NULL,
		failure TEXT NOT NULL,
		duration_ms BIGINT NOT NULL
	)`, w.table("hedge_cycles"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cycle_id TEXT NOT NULL,
		venue TEXT NOT NULL,
		kind TEXT NOT NULL,
		side TEXT NOT NULL,
		price NUMERIC NOT NULL,
		quantity NUMERIC NOT NULL,
		filled NUMERIC NOT NULL,
		status TEXT NOT NULL
	)`, w.table("hedge_legs"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		instrument TEXT NOT NULL,
		position_a NUMERIC NOT NULL,
		position_b NUMERIC NOT NULL,
		net NUMERIC NOT NULL
	)`, w.table("hedge_positions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, name := range []string{"hedge_cycles", "hedge_legs", "hedge_positions"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil && w.log != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

type legRow struct {
	venue    string
	kind     string
	side     string
	price    string
	quantity string
	filled   string
	status   string
}

func legRows(res hedge.CycleResult) []legRow {
	var rows []legRow
	for _, leg := range []hedge.LegResult{res.LegA, res.LegB} {
		if !leg.Placed {
			continue
		}
		rows = append(rows, legRow{
			venue:    string(leg.Venue),
			kind:     "leg",
			side:     string(leg.Side),
			price:    leg.Price.String(),
			quantity: leg.Quantity.String(),
			filled:   leg.Filled.String(),
			status:   string(leg.Status),
		})
	}
	if u := res.Unwind; u != nil && u.OrderID != "" {
		rows = append(rows, legRow{
			venue:    string(u.Venue),
			kind:     "unwind",
			side:     string(u.Side),
			price:    u.Price.String(),
			quantity: u.Quantity.String(),
			filled:   u.Filled.String(),
			status:   string(u.Status),
		})
	}
	return rows
}

func (w *Writer) writeCycle(ctx context.Context, res hedge.CycleResult) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	ts := res.StartedAt.UTC()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, seq, cycle_id, instrument, outcome, target, filled_a, filled_b, residual_delta,
		open_residual, unwind_attempted, unwind_succeeded, failure, duration_ms
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
	)`, w.table("hedge_cycles"))
	if _, err := w.db.ExecContext(ctx, query,
		ts,
		res.Seq,
		res.ID,
		res.Instrument,
		string(res.Outcome),
		res.Target.String(),
		res.FilledA.String(),
		res.FilledB.String(),
		res.ResidualDelta.String(),
		res.OpenResidual.String(),
		res.Unwind != nil,
		res.Unwind != nil && res.Unwind.Succeeded,
		res.Failure,
		res.DurationMs(),
	); err != nil && w.log != nil {
		w.log.Warn("timescale cycle insert failed", zap.Int64("seq", res.Seq), zap.Error(err))
	}
	legQuery := fmt.Sprintf(`INSERT INTO %s (
		ts, cycle_id, venue, kind, side, price, quantity, filled, status
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9
	)`, w.table("hedge_legs"))
	for _, row := range legRows(res) {
		if _, err := w.db.ExecContext(ctx, legQuery,
			ts, res.ID, row.venue, row.kind, row.side, row.price, row.quantity, row.filled, row.status,
		); err != nil && w.log != nil {
			w.log.Warn("timescale leg insert failed", zap.Int64("seq", res.Seq), zap.Error(err))
		}
	}
}

func (w *Writer) writePosition(ctx context.Context, snap PositionSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, instrument, position_a, position_b, net
	) VALUES (
		$1,$2,$3,$4,$5
	)`, w.table("hedge_positions"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time.UTC(),
		snap.Instrument,
		snap.PositionA.String(),
		snap.PositionB.String(),
		snap.Net.String(),
	); err != nil && w.log != nil {
		w.log.Warn("timescale position insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
