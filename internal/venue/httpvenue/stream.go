package httpvenue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"hedge-bot/internal/venue"
	"hedge-bot/internal/venue/wire"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type streamedQuote struct {
	bbo      venue.BBO
	received time.Time
}

// Stream keeps the latest quote per contract from a venue websocket feed and reconnects
// until closed.
type Stream struct {
	url            string
	reconnectDelay time.Duration
	clock          clock.Clock
	log            *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   []string
	quotes map[string]streamedQuote
	cancel context.CancelFunc
	done   chan struct{}
}

func NewStream(url string, reconnectDelay time.Duration, clk clock.Clock, log *zap.Logger) *Stream {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{
		url:            url,
		reconnectDelay: reconnectDelay,
		clock:          clk,
		log:            log,
		quotes:         make(map[string]streamedQuote),
	}
}

// Start dials the feed, subscribes to the given contracts and keeps reading in the
// background. Calling Start again only adds subscriptions.
func (s *Stream) Start(ctx context.Context, contracts ...string) error {
	s.mu.Lock()
	running := s.done != nil
	s.mu.Unlock()
	if running {
		for _, contract := range contracts {
			if err := s.Subscribe(ctx, contract); err != nil {
				return err
			}
		}
		return nil
	}
	s.mu.Lock()
	s.subs = append(s.subs, contracts...)
	s.mu.Unlock()
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()
	go func() {
		defer close(done)
		_ = s.run(runCtx)
	}()
	return nil
}

func (s *Stream) Subscribe(ctx context.Context, contract string) error {
	s.mu.Lock()
	s.subs = append(s.subs, contract)
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("quote stream not connected")
	}
	return writeJSON(ctx, conn, wire.Subscribe{Op: "subscribe", ContractID: contract})
}

// Latest returns the most recent quote for contract if it was received within maxAge.
func (s *Stream) Latest(contract string, maxAge time.Duration) (venue.BBO, bool) {
	s.mu.Lock()
	q, ok := s.quotes[contract]
	s.mu.Unlock()
	if !ok || s.clock.Since(q.received) > maxAge {
		return venue.BBO{}, false
	}
	return q.bbo, true
}

func (s *Stream) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.resetConn()
}

func (s *Stream) run(ctx context.Context) error {
	for {
		if err := s.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("quote stream dial failed", zap.Error(err))
		} else if err := s.readLoop(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logReadLoopError(err)
			s.resetConn()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) ensureConnected(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	subs := append([]string(nil), s.subs...)
	s.mu.Unlock()
	for _, contract := range subs {
		if err := writeJSON(ctx, conn, wire.Subscribe{Op: "subscribe", ContractID: contract}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) readLoop(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("quote stream not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var quote wire.StreamQuote
		if err := json.Unmarshal(data, &quote); err != nil || quote.ContractID == "" {
			s.log.Debug("quote stream message ignored", zap.ByteString("data", data))
			continue
		}
		now := s.clock.Now()
		bbo := venue.BBO{BestBid: quote.BestBid, BestAsk: quote.BestAsk, Timestamp: now}
		if quote.Timestamp > 0 {
			bbo.Timestamp = time.UnixMilli(quote.Timestamp)
		}
		s.mu.Lock()
		s.quotes[quote.ContractID] = streamedQuote{bbo: bbo, received: now}
		s.mu.Unlock()
	}
}

func (s *Stream) logReadLoopError(err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		s.log.Info("quote stream ended", zap.Error(err))
		return
	}
	s.log.Warn("quote stream ended", zap.Error(err))
}

func (s *Stream) resetConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "reset")
		s.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
