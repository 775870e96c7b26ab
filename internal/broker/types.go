package broker

import "time"

// ==================== ENUMS ====================

// Side represents the order side
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType represents supported order types
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus represents the broker-side order status
type OrderStatus string

const (
	OrderStatusNew        OrderStatus = "NEW"
	OrderStatusPendingNew OrderStatus = "PENDING_NEW"
	OrderStatusAccepted   OrderStatus = "ACCEPTED"
	OrderStatusHeld       OrderStatus = "HELD"
	OrderStatusPartial    OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled     OrderStatus = "FILLED"
	OrderStatusCanceled   OrderStatus = "CANCELED"
	OrderStatusRejected   OrderStatus = "REJECTED"
	OrderStatusExpired    OrderStatus = "EXPIRED"
)

// workingStatuses is the explicit set of statuses under which a protective
// order counts as live on the broker. Anything outside this set offers no
// protection.
var workingStatuses = map[OrderStatus]bool{
	OrderStatusNew:        true,
	OrderStatusPendingNew: true,
	OrderStatusAccepted:   true,
	OrderStatusHeld:       true,
	OrderStatusPartial:    true,
}

// IsWorkingStatus reports whether an order in this status is live at the broker
func IsWorkingStatus(s OrderStatus) bool {
	return workingStatuses[s]
}

// Terminal reports whether the status is final and cannot change again
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled ||
		s == OrderStatusRejected || s == OrderStatusExpired
}

// ==================== ORDER TYPES ====================

// Order represents a broker-side order
type Order struct {
	OrderID       int64       `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Status        OrderStatus `json:"status"`
	Price         float64     `json:"price,string"`
	StopPrice     float64     `json:"stopPrice,string"`
	OrigQty       float64     `json:"origQty,string"`
	ExecutedQty   float64     `json:"executedQty,string"`
	AvgPrice      float64     `json:"avgPrice,string"`
	ReduceOnly    bool        `json:"reduceOnly"`
	UpdateTime    int64       `json:"updateTime"`
}

// IsStop reports whether the order is a protective stop
func (o Order) IsStop() bool {
	return o.Type == OrderTypeStopMarket
}

// IsTakeProfit reports whether the order is a take-profit exit
func (o Order) IsTakeProfit() bool {
	return o.Type == OrderTypeTakeProfitMarket || (o.Type == OrderTypeLimit && o.ReduceOnly)
}

// RemainingQty returns the unfilled quantity still locked at the broker
func (o Order) RemainingQty() float64 {
	return o.OrigQty - o.ExecutedQty
}

// OrderParams holds the parameters for placing a new order
type OrderParams struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	Price         float64 // Limit price, if applicable
	StopPrice     float64 // Trigger price for STOP_MARKET / TAKE_PROFIT_MARKET
	ReduceOnly    bool
	ClosePosition bool // Close the entire remaining position on trigger
	ClientOrderID string
}

// ==================== POSITION TYPES ====================

// Position represents a broker-side position
type Position struct {
	Symbol         string  `json:"symbol"`
	PositionAmt    float64 `json:"positionAmt,string"` // Negative for short
	EntryPrice     float64 `json:"entryPrice,string"`
	MarkPrice      float64 `json:"markPrice,string"`
	UnrealizedPnL  float64 `json:"unRealizedProfit,string"`
	UpdateTime     int64   `json:"updateTime"`
}

// IsOpen reports whether the broker considers the position open
func (p Position) IsOpen() bool {
	return p.PositionAmt != 0
}

// ==================== STREAM EVENTS ====================

// FillEvent is emitted when an order fills or partially fills
type FillEvent struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          Side
	OrderType     OrderType
	Status        OrderStatus
	FillPrice     float64
	FillQty       float64
	FilledAt      time.Time
}

// CancelEvent is emitted when an order is canceled or expires
type CancelEvent struct {
	Symbol     string
	OrderID    int64
	Status     OrderStatus
	CanceledAt time.Time
}
