// Package wire holds the JSON bodies exchanged with venue services.
package wire

import (
	"github.com/shopspring/decimal"
)

const (
	PathHealth       = "/health"
	PathInit         = "/init"
	PathConnect      = "/connect"
	PathBBO          = "/bbo/{contract_id}"
	PathOrderOpen    = "/order/open"
	PathOrderCancel  = "/order/cancel"
	PathOrder        = "/order/{order_id}"
	PathActiveOrders = "/orders/active/{contract_id}"
	PathPosition     = "/position"
	PathStream       = "/stream"
)

type Ack struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type InitRequest struct {
	Ticker    string          `json:"ticker"`
	Quantity  decimal.Decimal `json:"quantity"`
	Direction string          `json:"direction"`
}

type InitResponse struct {
	Success      bool                `json:"success"`
	ContractID   string              `json:"contract_id"`
	TickSize     decimal.Decimal     `json:"tick_size"`
	LotSize      decimal.NullDecimal `json:"lot_size"`
	MinSize      decimal.NullDecimal `json:"min_size"`
	ErrorMessage string              `json:"error_message,omitempty"`
}

// BBOResponse carries the venue timestamp in unix milliseconds; zero means unknown.
type BBOResponse struct {
	Success      bool            `json:"success"`
	BestBid      decimal.Decimal `json:"best_bid"`
	BestAsk      decimal.Decimal `json:"best_ask"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

type OpenOrderRequest struct {
	ContractID    string          `json:"contract_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	Direction     string          `json:"direction"`
	Price         decimal.Decimal `json:"price"`
	ClientOrderID string          `json:"client_order_id"`
}

type OpenOrderResponse struct {
	Success      bool   `json:"success"`
	OrderID      string `json:"order_id"`
	Status       string `json:"status,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type OrderInfo struct {
	Success       bool            `json:"success"`
	OrderID       string          `json:"order_id"`
	Side          string          `json:"side"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
	Status        string          `json:"status"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	RemainingSize decimal.Decimal `json:"remaining_size"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

type CancelRequest struct {
	OrderID string `json:"order_id"`
}

type ActiveOrdersResponse struct {
	Success      bool        `json:"success"`
	Orders       []OrderInfo `json:"orders"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

type PositionResponse struct {
	Success      bool            `json:"success"`
	ContractID   string          `json:"contract_id"`
	Position     decimal.Decimal `json:"position"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Subscribe is sent on the quote stream to receive updates for one contract.
type Subscribe struct {
	Op         string `json:"op"`
	ContractID string `json:"contract_id"`
}

type StreamQuote struct {
	ContractID string          `json:"contract_id"`
	BestBid    decimal.Decimal `json:"best_bid"`
	BestAsk    decimal.Decimal `json:"best_ask"`
	Timestamp  int64           `json:"timestamp"`
}
