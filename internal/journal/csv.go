package journal

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hedge-bot/internal/hedge"
	"hedge-bot/internal/venue"

	"github.com/benbjohnson/clock"
)

var tradeHeader = []string{"exchange", "timestamp", "side", "price", "quantity"}

// TradeLog appends one CSV row per filled leg or unwind order.
type TradeLog struct {
	path  string
	names map[venue.ID]string
	clock clock.Clock

	mu sync.Mutex
}

func NewTradeLog(path string, names map[venue.ID]string, clk clock.Clock) (*TradeLog, error) {
	if path == "" {
		return nil, errors.New("trade log path is required")
	}
	if clk == nil {
		clk = clock.New()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		w := csv.NewWriter(f)
		_ = w.Write(tradeHeader)
		w.Flush()
		if err := w.Error(); err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
	}
	return &TradeLog{path: path, names: names, clock: clk}, nil
}

func (l *TradeLog) Record(ctx context.Context, res hedge.CycleResult) error {
	_ = ctx
	var rows [][]string
	ts := l.clock.Now().UTC().Format(time.RFC3339Nano)
	for _, leg := range []hedge.LegResult{res.LegA, res.LegB} {
		if !leg.Filled.IsPositive() {
			continue
		}
		rows = append(rows, []string{l.name(leg.Venue), ts, string(leg.Side), leg.Price.String(), leg.Filled.String()})
	}
	if u := res.Unwind; u != nil && u.Filled.IsPositive() {
		rows = append(rows, []string{l.name(u.Venue), ts, string(u.Side), u.Price.String(), u.Filled.String()})
	}
	if len(rows) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (l *TradeLog) name(id venue.ID) string {
	if name, ok := l.names[id]; ok && name != "" {
		return name
	}
	return string(id)
}
