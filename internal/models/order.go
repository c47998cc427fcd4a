package models

import "time"

// OrderType represents the pending order type.
type OrderType string

const (
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeStop            OrderType = "STOP"
	OrderTypeMarketIfTouched OrderType = "MARKET_IF_TOUCHED"
)

// OrderSide represents the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// TimeInForce represents order time-in-force.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceGTD TimeInForce = "GTD"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
)

// Order represents a pending order at the broker.
//
// Units are always positive; Side encodes direction. StopLoss, TakeProfit
// and ExpiryTime are optional: a zero value means not set. CurrentDistance
// is derived (pips from the current market price) and only populated on
// reads that have a live price available.
type Order struct {
	ID              string
	Instrument      string
	Type            OrderType
	Side            OrderSide
	Units           float64
	Price           float64
	TimeInForce     TimeInForce
	Status          OrderStatus
	StopLoss        float64
	TakeProfit      float64
	ExpiryTime      time.Time
	CreatedAt       time.Time
	CurrentDistance float64
}

// IsGTD reports whether the order expires at a fixed time.
func (o Order) IsGTD() bool {
	return o.TimeInForce == TimeInForceGTD
}

// MinutesToExpiry returns the minutes remaining until expiry at the given
// reference time. Only meaningful for GTD orders.
func (o Order) MinutesToExpiry(now time.Time) float64 {
	return o.ExpiryTime.Sub(now).Minutes()
}
