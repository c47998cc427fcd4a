// Package broker provides the broker abstraction and its two variants:
// the live OANDA implementation and an in-memory paper implementation.
package broker

import (
	"context"
	"io"
	"time"

	"oanda-gateway/internal/models"
)

// Broker defines the order, position and pricing operations the gateway
// needs. It is intentionally narrower than the broker's full API surface.
type Broker interface {
	// Orders
	CreateOrder(ctx context.Context, req OrderRequest) (*models.Order, error)
	// ReplaceOrder modifies a pending order using the broker's replace
	// semantics: the returned order carries a new id.
	ReplaceOrder(ctx context.Context, orderID string, req OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	PendingOrders(ctx context.Context) ([]models.Order, error)

	// Positions
	OpenPositions(ctx context.Context) ([]models.Position, error)
	// ClosePosition closes units of the given side's bucket. Units of 0
	// closes the bucket entirely.
	ClosePosition(ctx context.Context, instrument string, side models.PositionSide, units float64) (*CloseResponse, error)
	// SetTradeOrders replaces the stop-loss and/or take-profit on one
	// broker trade. A zero price leaves that level untouched.
	SetTradeOrders(ctx context.Context, tradeID string, stopLoss, takeProfit float64) error

	// Pricing
	Pricing(ctx context.Context, instruments []string) ([]models.PriceUpdate, error)
}

// StreamSource opens the long-lived pricing stream. The live variant is a
// chunked HTTP response; the paper variant is channel-driven.
type StreamSource interface {
	OpenPricingStream(ctx context.Context, instruments []string) (io.ReadCloser, error)
}

// OrderRequest holds the parameters for creating or replacing a pending
// order. Units are positive; Side encodes direction.
type OrderRequest struct {
	Instrument  string
	Type        models.OrderType
	Side        models.OrderSide
	Units       float64
	Price       float64
	TimeInForce models.TimeInForce
	ExpiryTime  time.Time
	StopLoss    float64
	TakeProfit  float64
}

// CloseResponse reports the outcome of a position close at the broker.
type CloseResponse struct {
	UnitsClosed float64
	RealizedPL  float64
	TradeIDs    []string
}
