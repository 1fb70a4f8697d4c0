// Package journal keeps the append-only audit trail of hedge cycles.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"hedge-bot/internal/hedge"
)

// SQLite appends one row per cycle to the cycle_results table. Rows are never updated;
// recording the same sequence number twice fails.
type SQLite struct {
	db *sql.DB
}

type Row struct {
	Seq           int64
	CycleID       string
	Instrument    string
	Outcome       string
	FilledA       string
	FilledB       string
	ResidualDelta string
	OpenResidual  string
	Failure       string
	Error         string
	StartedAtMS   int64
	DurationMS    int64
	Payload       string
}

func NewSQLite(db *sql.DB) (*SQLite, error) {
	if db == nil {
		return nil, errors.New("journal db is required")
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cycle_results (
		seq INTEGER PRIMARY KEY,
		cycle_id TEXT NOT NULL UNIQUE,
		instrument TEXT NOT NULL,
		outcome TEXT NOT NULL,
		filled_a TEXT NOT NULL,
		filled_b TEXT NOT NULL,
		residual_delta TEXT NOT NULL,
		open_residual TEXT NOT NULL,
		failure TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at_ms INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		payload TEXT NOT NULL
	)`); err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (j *SQLite) Record(ctx context.Context, res hedge.CycleResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx, `INSERT INTO cycle_results (
		seq, cycle_id, instrument, outcome, filled_a, filled_b, residual_delta, open_residual,
		failure, error, started_at_ms, duration_ms, payload
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.Seq,
		res.ID,
		res.Instrument,
		string(res.Outcome),
		res.FilledA.String(),
		res.FilledB.String(),
		res.ResidualDelta.String(),
		res.OpenResidual.String(),
		res.Failure,
		res.Error,
		res.StartedAt.UnixMilli(),
		res.DurationMs(),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("journal cycle %d: %w", res.Seq, err)
	}
	return nil
}

// Recent returns up to limit rows, newest first.
func (j *SQLite) Recent(ctx context.Context, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := j.db.QueryContext(ctx, `SELECT
		seq, cycle_id, instrument, outcome, filled_a, filled_b, residual_delta, open_residual,
		failure, error, started_at_ms, duration_ms, payload
	FROM cycle_results ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(
			&r.Seq, &r.CycleID, &r.Instrument, &r.Outcome, &r.FilledA, &r.FilledB, &r.ResidualDelta,
			&r.OpenResidual, &r.Failure, &r.Error, &r.StartedAtMS, &r.DurationMS, &r.Payload,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastSeq returns the highest recorded sequence number, or 0 for an empty journal.
func (j *SQLite) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := j.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM cycle_results`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
