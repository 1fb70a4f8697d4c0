// Package sim is an in-memory venue service speaking the venue REST and stream protocol.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"hedge-bot/internal/venue"
	"hedge-bot/internal/venue/wire"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Mode decides how newly placed orders behave.
type Mode string

const (
	// ModeFill acknowledges the order and fills it completely on the first status read.
	ModeFill Mode = "fill"
	// ModePartial fills half of the order and leaves the rest resting.
	ModePartial Mode = "partial"
	// ModeNever leaves orders open and unfilled.
	ModeNever Mode = "never"
	// ModeReject refuses orders at placement.
	ModeReject Mode = "reject"
)

func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeFill, ModePartial, ModeNever, ModeReject:
		return m, nil
	}
	return "", fmt.Errorf("unknown sim mode %q", raw)
}

type Options struct {
	Name     string
	TickSize decimal.Decimal
	LotSize  decimal.Decimal
	MinSize  decimal.Decimal
	Bid      decimal.Decimal
	Ask      decimal.Decimal
	Mode     Mode
}

type order struct {
	id       string
	contract string
	side     venue.Side
	size     decimal.Decimal
	price    decimal.Decimal
	filled   decimal.Decimal
	status   venue.OrderStatus
	mode     Mode
	reads    int
}

type Sim struct {
	name  string
	clock clock.Clock
	log   *zap.Logger

	mu        sync.Mutex
	tick      decimal.Decimal
	lot       decimal.Decimal
	min       decimal.Decimal
	bid       decimal.Decimal
	ask       decimal.Decimal
	mode      Mode
	healthy   bool
	connected bool
	seq       int
	orders    map[string]*order
	cloids    map[string]string
	positions map[string]decimal.Decimal
	watchers  map[chan wire.StreamQuote]map[string]bool
}

func New(opts Options, clk clock.Clock, log *zap.Logger) *Sim {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Name == "" {
		opts.Name = "sim"
	}
	if !opts.TickSize.IsPositive() {
		opts.TickSize = decimal.New(1, -2)
	}
	if !opts.LotSize.IsPositive() {
		opts.LotSize = decimal.New(1, -3)
	}
	if !opts.Bid.IsPositive() {
		opts.Bid = decimal.NewFromInt(99)
	}
	if !opts.Ask.IsPositive() {
		opts.Ask = decimal.NewFromInt(101)
	}
	if opts.Mode == "" {
		opts.Mode = ModeFill
	}
	return &Sim{
		name:      opts.Name,
		clock:     clk,
		log:       log.With(zap.String("sim", opts.Name)),
		tick:      opts.TickSize,
		lot:       opts.LotSize,
		min:       opts.MinSize,
		bid:       opts.Bid,
		ask:       opts.Ask,
		mode:      opts.Mode,
		healthy:   true,
		orders:    make(map[string]*order),
		cloids:    make(map[string]string),
		positions: make(map[string]decimal.Decimal),
		watchers:  make(map[chan wire.StreamQuote]map[string]bool),
	}
}

// SetBBO changes the quote and pushes it to stream subscribers.
func (s *Sim) SetBBO(bid, ask decimal.Decimal) {
	s.mu.Lock()
	s.bid, s.ask = bid, ask
	s.mu.Unlock()
	s.broadcast()
}

func (s *Sim) SetMode(mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// SetHealthy makes every endpoint answer 503 when false.
func (s *Sim) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

func (s *Sim) SetPosition(contract string, pos decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[contract] = pos
}

func (s *Sim) Position(contract string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[contract]
}

// OrderCount reports how many distinct orders were accepted.
func (s *Sim) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *Sim) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.healthGate)
	r.HandleFunc(wire.PathHealth, s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(wire.PathInit, s.handleInit).Methods(http.MethodPost)
	r.HandleFunc(wire.PathConnect, s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc(wire.PathBBO, s.handleBBO).Methods(http.MethodGet)
	r.HandleFunc(wire.PathOrderOpen, s.handleOpen).Methods(http.MethodPost)
	r.HandleFunc(wire.PathOrderCancel, s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc(wire.PathOrder, s.handleOrder).Methods(http.MethodGet)
	r.HandleFunc(wire.PathActiveOrders, s.handleActive).Methods(http.MethodGet)
	r.HandleFunc(wire.PathPosition, s.handlePosition).Methods(http.MethodGet)
	r.HandleFunc(wire.PathStream, s.handleStream)
	return r
}

func (s *Sim) healthGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		healthy := s.healthy
		s.mu.Unlock()
		if !healthy {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Sim) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "name": s.name})
}

func (s *Sim) handleInit(w http.ResponseWriter, r *http.Request) {
	var req wire.InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Ticker) == "" {
		writeJSON(w, wire.InitResponse{ErrorMessage: "ticker is required"})
		return
	}
	s.mu.Lock()
	resp := wire.InitResponse{
		Success:    true,
		ContractID: contractID(req.Ticker),
		TickSize:   s.tick,
		LotSize:    decimal.NewNullDecimal(s.lot),
	}
	if s.min.IsPositive() {
		resp.MinSize = decimal.NewNullDecimal(s.min)
	}
	s.mu.Unlock()
	writeJSON(w, resp)
}

func (s *Sim) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	writeJSON(w, wire.Ack{Success: true})
}

func (s *Sim) handleBBO(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := wire.BBOResponse{
		Success:   true,
		BestBid:   s.bid,
		BestAsk:   s.ask,
		Timestamp: s.clock.Now().UnixMilli(),
	}
	s.mu.Unlock()
	writeJSON(w, resp)
}

func (s *Sim) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req wire.OpenOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	side, ok := venue.ParseSide(req.Direction)
	if !ok || !req.Quantity.IsPositive() || !req.Price.IsPositive() {
		writeJSON(w, wire.OpenOrderResponse{ErrorMessage: "invalid order"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.cloids[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		writeJSON(w, wire.OpenOrderResponse{Success: true, OrderID: id, Status: string(s.orders[id].status)})
		return
	}
	if s.mode == ModeReject {
		writeJSON(w, wire.OpenOrderResponse{ErrorMessage: "insufficient margin"})
		return
	}
	if s.min.IsPositive() && req.Quantity.LessThan(s.min) {
		writeJSON(w, wire.OpenOrderResponse{ErrorMessage: "size below minimum"})
		return
	}
	s.seq++
	o := &order{
		id:       fmt.Sprintf("%s-%d", s.name, s.seq),
		contract: req.ContractID,
		side:     side,
		size:     req.Quantity,
		price:    req.Price,
		filled:   decimal.Zero,
		status:   venue.StatusOpen,
		mode:     s.mode,
	}
	s.orders[o.id] = o
	if req.ClientOrderID != "" {
		s.cloids[req.ClientOrderID] = o.id
	}
	s.log.Debug("order accepted", zap.String("order_id", o.id), zap.String("side", string(side)), zap.Stringer("size", o.size))
	writeJSON(w, wire.OpenOrderResponse{Success: true, OrderID: o.id, Status: "NEW"})
}

func (s *Sim) handleOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["order_id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		writeJSON(w, wire.OrderInfo{OrderID: id, ErrorMessage: "order not found"})
		return
	}
	s.advance(o)
	writeJSON(w, info(o))
}

func (s *Sim) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req wire.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[req.OrderID]
	if !ok {
		writeJSON(w, wire.Ack{ErrorMessage: "order not found"})
		return
	}
	if !o.status.Terminal() {
		o.status = venue.StatusCancelled
	}
	writeJSON(w, wire.Ack{Success: true})
}

func (s *Sim) handleActive(w http.ResponseWriter, r *http.Request) {
	contract := mux.Vars(r)["contract_id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := wire.ActiveOrdersResponse{Success: true, Orders: []wire.OrderInfo{}}
	for _, o := range s.orders {
		if o.contract != contract || o.status.Terminal() {
			continue
		}
		resp.Orders = append(resp.Orders, info(o))
	}
	writeJSON(w, resp)
}

func (s *Sim) handlePosition(w http.ResponseWriter, r *http.Request) {
	contract := r.URL.Query().Get("contract_id")
	s.mu.Lock()
	pos := s.positions[contract]
	s.mu.Unlock()
	writeJSON(w, wire.PositionResponse{Success: true, ContractID: contract, Position: pos})
}

// advance applies the order's fill mode on a status read. Callers hold s.mu.
func (s *Sim) advance(o *order) {
	o.reads++
	if o.status.Terminal() {
		return
	}
	var target decimal.Decimal
	switch o.mode {
	case ModeFill:
		target = o.size
	case ModePartial:
		target = o.size.Div(decimal.NewFromInt(2)).Truncate(int32(-s.lot.Exponent()))
	default:
		return
	}
	if target.GreaterThan(o.filled) {
		delta := target.Sub(o.filled)
		o.filled = target
		s.positions[o.contract] = s.positions[o.contract].Add(delta.Mul(o.side.Sign()))
	}
	switch {
	case o.filled.Equal(o.size):
		o.status = venue.StatusFilled
	case o.filled.IsPositive():
		o.status = venue.StatusPartiallyFilled
	}
}

func info(o *order) wire.OrderInfo {
	status := string(o.status)
	if o.status == venue.StatusCancelled {
		status = "CANCELED"
	}
	return wire.OrderInfo{
		Success:       true,
		OrderID:       o.id,
		Side:          string(o.side),
		Size:          o.size,
		Price:         o.price,
		Status:        status,
		FilledSize:    o.filled,
		RemainingSize: o.size.Sub(o.filled),
	}
}

func (s *Sim) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	updates := make(chan wire.StreamQuote, 16)
	s.mu.Lock()
	s.watchers[updates] = make(map[string]bool)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.watchers, updates)
		s.mu.Unlock()
	}()

	go func() {
		defer cancel()
		s.readSubscriptions(ctx, conn, updates)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-updates:
			data, err := json.Marshal(q)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func (s *Sim) readSubscriptions(ctx context.Context, conn *websocket.Conn, updates chan wire.StreamQuote) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var sub wire.Subscribe
		if err := json.Unmarshal(data, &sub); err != nil || sub.Op != "subscribe" || sub.ContractID == "" {
			continue
		}
		s.mu.Lock()
		if subs, ok := s.watchers[updates]; ok {
			subs[sub.ContractID] = true
		}
		q := s.quote(sub.ContractID)
		s.mu.Unlock()
		select {
		case updates <- q:
		default:
		}
	}
}

func (s *Sim) broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch, subs := range s.watchers {
		for contract := range subs {
			select {
			case ch <- s.quote(contract):
			default:
			}
		}
	}
}

// quote builds the stream message for contract. Callers hold s.mu.
func (s *Sim) quote(contract string) wire.StreamQuote {
	return wire.StreamQuote{
		ContractID: contract,
		BestBid:    s.bid,
		BestAsk:    s.ask,
		Timestamp:  s.clock.Now().UnixMilli(),
	}
}

func contractID(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker)) + "-PERP"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Sim) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
