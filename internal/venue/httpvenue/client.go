// Package httpvenue adapts a REST venue service to the venue contract.
package httpvenue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"hedge-bot/internal/venue"
	"hedge-bot/internal/venue/wire"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Config struct {
	ID           venue.ID
	Name         string
	BaseURL      string
	Timeout      time.Duration
	StreamURL    string
	StreamMaxAge time.Duration
}

type Client struct {
	id      venue.ID
	name    string
	baseURL string
	http    *http.Client
	clock   clock.Clock
	log     *zap.Logger

	stream       *Stream
	streamMaxAge time.Duration

	mu     sync.Mutex
	state  venue.State
	tokens map[string]venue.ReadyToken
}

func New(cfg Config, clk clock.Clock, log *zap.Logger) *Client {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log = log.With(zap.String("venue", string(cfg.ID)), zap.String("venue_name", cfg.Name))
	c := &Client{
		id:           cfg.ID,
		name:         cfg.Name,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		http:         &http.Client{Timeout: timeout},
		clock:        clk,
		log:          log,
		streamMaxAge: cfg.StreamMaxAge,
		state:        venue.StateDisconnected,
		tokens:       make(map[string]venue.ReadyToken),
	}
	if cfg.StreamURL != "" {
		c.stream = NewStream(cfg.StreamURL, time.Second, clk, log)
	}
	return c
}

func (c *Client) ID() venue.ID { return c.id }

func (c *Client) Name() string { return c.name }

func (c *Client) State() venue.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Health reports whether the service answers GET /health with a 2xx status.
func (c *Client) Health(ctx context.Context) error {
	return c.track(c.do(ctx, http.MethodGet, wire.PathHealth, nil, nil))
}

func (c *Client) Init(ctx context.Context, instrument string, quantity decimal.Decimal, side venue.Side) (venue.ReadyToken, error) {
	c.mu.Lock()
	token, ok := c.tokens[instrument]
	c.mu.Unlock()
	if ok {
		return token, nil
	}
	var resp wire.InitResponse
	err := c.do(ctx, http.MethodPost, wire.PathInit, wire.InitRequest{
		Ticker:    instrument,
		Quantity:  quantity,
		Direction: string(side),
	}, &resp)
	if err == nil && (!resp.Success || resp.ContractID == "") {
		err = c.unavailable("init %s: %s", instrument, message(resp.ErrorMessage, "no contract id"))
	}
	if err := c.track(err); err != nil {
		return venue.ReadyToken{}, err
	}
	token = venue.ReadyToken{
		Instrument: instrument,
		ContractID: resp.ContractID,
		TickSize:   resp.TickSize,
	}
	if resp.LotSize.Valid {
		token.LotSize = resp.LotSize.Decimal
	}
	if resp.MinSize.Valid {
		token.MinSize = resp.MinSize.Decimal
	}
	c.mu.Lock()
	c.tokens[instrument] = token
	c.mu.Unlock()
	c.log.Info("venue initialized",
		zap.String("instrument", instrument),
		zap.String("contract_id", token.ContractID),
		zap.Stringer("tick_size", token.TickSize),
	)
	return token, nil
}

// Connect opens the venue session and, when configured, the quote stream. Stream
// failures are logged and quotes fall back to REST.
func (c *Client) Connect(ctx context.Context) error {
	var resp wire.Ack
	err := c.do(ctx, http.MethodPost, wire.PathConnect, struct{}{}, &resp)
	if err == nil && !resp.Success {
		err = c.unavailable("connect: %s", message(resp.ErrorMessage, "refused"))
	}
	if err != nil {
		return c.track(err)
	}
	c.mu.Lock()
	c.state = venue.StateConnected
	contracts := make([]string, 0, len(c.tokens))
	for _, token := range c.tokens {
		contracts = append(contracts, token.ContractID)
	}
	c.mu.Unlock()
	if c.stream != nil {
		if err := c.stream.Start(ctx, contracts...); err != nil {
			c.log.Warn("quote stream unavailable", zap.Error(err))
		}
	}
	return nil
}

func (c *Client) BBO(ctx context.Context, instrument string) (venue.BBO, error) {
	contract := c.contract(instrument)
	if c.stream != nil && c.streamMaxAge > 0 {
		if bbo, ok := c.stream.Latest(contract, c.streamMaxAge); ok {
			bbo.Venue = c.id
			return bbo, nil
		}
	}
	var resp wire.BBOResponse
	err := c.do(ctx, http.MethodGet, "/bbo/"+url.PathEscape(contract), nil, &resp)
	if err == nil && !resp.Success {
		err = c.unavailable("bbo %s: %s", contract, message(resp.ErrorMessage, "no quote"))
	}
	if err := c.track(err); err != nil {
		return venue.BBO{}, err
	}
	bbo := venue.BBO{Venue: c.id, BestBid: resp.BestBid, BestAsk: resp.BestAsk}
	if resp.Timestamp > 0 {
		bbo.Timestamp = time.UnixMilli(resp.Timestamp)
	} else {
		bbo.Timestamp = c.clock.Now()
	}
	return bbo, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderRef, error) {
	var resp wire.OpenOrderResponse
	err := c.do(ctx, http.MethodPost, wire.PathOrderOpen, wire.OpenOrderRequest{
		ContractID:    c.contract(req.Instrument),
		Quantity:      req.Quantity,
		Direction:     string(req.Side),
		Price:         req.Price,
		ClientOrderID: req.ClientOrderID,
	}, &resp)
	if err := c.track(err); err != nil {
		return venue.OrderRef{}, err
	}
	if !resp.Success {
		return venue.OrderRef{}, venue.Rejected(resp.ErrorMessage)
	}
	if resp.OrderID == "" {
		return venue.OrderRef{}, c.unavailable("order open: missing order id")
	}
	return venue.OrderRef{Venue: c.id, OrderID: resp.OrderID}, nil
}

func (c *Client) OrderStatus(ctx context.Context, ref venue.OrderRef) (venue.Order, error) {
	var resp wire.OrderInfo
	err := c.do(ctx, http.MethodGet, "/order/"+url.PathEscape(ref.OrderID), nil, &resp)
	if err == nil && !resp.Success {
		err = c.unavailable("order %s: %s", ref.OrderID, message(resp.ErrorMessage, "lookup failed"))
	}
	if err := c.track(err); err != nil {
		return venue.Order{}, err
	}
	return c.order(resp), nil
}

func (c *Client) ActiveOrders(ctx context.Context, instrument string) ([]venue.Order, error) {
	contract := c.contract(instrument)
	var resp wire.ActiveOrdersResponse
	err := c.do(ctx, http.MethodGet, "/orders/active/"+url.PathEscape(contract), nil, &resp)
	if err == nil && !resp.Success {
		err = c.unavailable("active orders %s: %s", contract, message(resp.ErrorMessage, "lookup failed"))
	}
	if err := c.track(err); err != nil {
		return nil, err
	}
	out := make([]venue.Order, 0, len(resp.Orders))
	for _, info := range resp.Orders {
		out = append(out, c.order(info))
	}
	return out, nil
}

func (c *Client) CancelOrder(ctx context.Context, ref venue.OrderRef) error {
	var resp wire.Ack
	err := c.do(ctx, http.MethodPost, wire.PathOrderCancel, wire.CancelRequest{OrderID: ref.OrderID}, &resp)
	if err == nil && !resp.Success {
		err = c.unavailable("cancel %s: %s", ref.OrderID, message(resp.ErrorMessage, "refused"))
	}
	return c.track(err)
}

func (c *Client) Position(ctx context.Context, instrument string) (decimal.Decimal, error) {
	contract := c.contract(instrument)
	var resp wire.PositionResponse
	err := c.do(ctx, http.MethodGet, wire.PathPosition+"?contract_id="+url.QueryEscape(contract), nil, &resp)
	if err == nil && !resp.Success {
		err = c.unavailable("position %s: %s", contract, message(resp.ErrorMessage, "lookup failed"))
	}
	if err := c.track(err); err != nil {
		return decimal.Zero, err
	}
	return resp.Position, nil
}

func (c *Client) Close() {
	if c.stream != nil {
		c.stream.Close()
	}
	c.mu.Lock()
	c.state = venue.StateDisconnected
	c.mu.Unlock()
}

func (c *Client) order(info wire.OrderInfo) venue.Order {
	side, _ := venue.ParseSide(info.Side)
	return venue.Order{
		Ref:        venue.OrderRef{Venue: c.id, OrderID: info.OrderID},
		Side:       side,
		Quantity:   info.Size,
		Price:      info.Price,
		Filled:     info.FilledSize,
		Status:     venue.ParseStatus(info.Status),
		ObservedAt: c.clock.Now(),
	}
}

func (c *Client) contract(instrument string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token, ok := c.tokens[instrument]; ok {
		return token.ContractID
	}
	return instrument
}

// track moves the liveness state: an unavailable error faults the venue and the next
// success on a faulted venue restores it.
func (c *Client) track(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if venue.Retryable(err) && c.state != venue.StateFaulted {
			c.log.Warn("venue faulted", zap.Error(err))
			c.state = venue.StateFaulted
		}
		return err
	}
	if c.state == venue.StateFaulted {
		c.log.Info("venue recovered")
		c.state = venue.StateConnected
	}
	return nil
}

func (c *Client) unavailable(format string, args ...any) error {
	return venue.Unavailable(c.id, fmt.Errorf(format, args...))
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return venue.Unavailable(c.id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return c.unavailable("%s %s: http %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.unavailable("%s %s: decode: %v", method, path, err)
	}
	return nil
}

func message(msg, fallback string) string {
	if strings.TrimSpace(msg) == "" {
		return fallback
	}
	return msg
}
