package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	gwerrors "oanda-gateway/internal/errors"
	"oanda-gateway/internal/models"
)

// PaperBroker implements the Broker interface for simulated trading. State
// lives entirely in memory and prices are pushed in via SetPrice.
type PaperBroker struct {
	orders    map[string]*models.Order
	positions map[string]*models.Position

	orderCounter int
	tradeCounter int

	priceCache map[string]models.PriceUpdate

	streamMu      sync.Mutex
	streamWriters []*io.PipeWriter

	mu sync.RWMutex
}

// NewPaperBroker creates a paper broker with no open state.
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		orders:     make(map[string]*models.Order),
		positions:  make(map[string]*models.Position),
		priceCache: make(map[string]models.PriceUpdate),
	}
}

// CreateOrder records a simulated pending order.
func (p *PaperBroker) CreateOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.orderCounter++
	order := req.toModel()
	order.ID = fmt.Sprintf("PAPER_%d", p.orderCounter)
	order.CreatedAt = time.Now()
	p.orders[order.ID] = &order

	out := order
	return &out, nil
}

// ReplaceOrder cancels the old order and records a new one, mirroring the
// live broker's cancel-and-replace semantics.
func (p *PaperBroker) ReplaceOrder(ctx context.Context, orderID string, req OrderRequest) (*models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old, ok := p.orders[orderID]
	if !ok || old.Status != models.OrderStatusPending {
		return nil, gwerrors.NewNotFoundError("order", orderID)
	}
	old.Status = models.OrderStatusCancelled

	p.orderCounter++
	order := req.toModel()
	order.ID = fmt.Sprintf("PAPER_%d", p.orderCounter)
	order.CreatedAt = time.Now()
	p.orders[order.ID] = &order

	out := order
	return &out, nil
}

// CancelOrder cancels a simulated pending order.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return gwerrors.NewNotFoundError("order", orderID)
	}
	if order.Status != models.OrderStatusPending {
		return fmt.Errorf("cannot cancel order with status %s", order.Status)
	}
	order.Status = models.OrderStatusCancelled
	return nil
}

// PendingOrders returns all simulated orders still pending.
func (p *PaperBroker) PendingOrders(ctx context.Context) ([]models.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	orders := make([]models.Order, 0, len(p.orders))
	for _, o := range p.orders {
		if o.Status == models.OrderStatusPending {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}

// OpenPositions returns simulated positions with P&L marked to the cached
// price.
func (p *PaperBroker) OpenPositions(ctx context.Context) ([]models.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	positions := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out := *pos
		if price, ok := p.priceCache[pos.Instrument]; ok {
			out.CurrentPrice = price.Mid
			if pos.Side == models.PositionSideLong {
				out.UnrealizedPL = (price.Bid - pos.EntryPrice) * pos.Units
			} else {
				out.UnrealizedPL = (pos.EntryPrice - price.Ask) * pos.Units
			}
		}
		positions = append(positions, out)
	}
	return positions, nil
}

// ClosePosition closes units of a simulated position at the cached price.
// Zero units closes the whole position.
func (p *PaperBroker) ClosePosition(ctx context.Context, instrument string, side models.PositionSide, units float64) (*CloseResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := models.PositionID(instrument, side)
	pos, ok := p.positions[id]
	if !ok {
		return nil, gwerrors.NewNotFoundError("position", id)
	}
	if units <= 0 || units > pos.Units {
		units = pos.Units
	}

	exitPrice := pos.EntryPrice
	if price, ok := p.priceCache[instrument]; ok {
		if side == models.PositionSideLong {
			exitPrice = price.Bid
		} else {
			exitPrice = price.Ask
		}
	}

	pl := (exitPrice - pos.EntryPrice) * units
	if side == models.PositionSideShort {
		pl = -pl
	}

	// Trades close oldest first, proportional to the fraction of units
	// closed.
	n := len(pos.TradeIDs)
	closeCount := n
	if units < pos.Units {
		closeCount = int(float64(n) * units / pos.Units)
	}
	closed := append([]string(nil), pos.TradeIDs[:closeCount]...)
	pos.TradeIDs = pos.TradeIDs[closeCount:]

	pos.Units -= units
	if pos.Units <= 0 {
		delete(p.positions, id)
	}

	return &CloseResponse{
		UnitsClosed: units,
		RealizedPL:  pl,
		TradeIDs:    closed,
	}, nil
}

// SetTradeOrders is a no-op check that the trade exists in some position.
func (p *PaperBroker) SetTradeOrders(ctx context.Context, tradeID string, stopLoss, takeProfit float64) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, pos := range p.positions {
		for _, id := range pos.TradeIDs {
			if id == tradeID {
				return nil
			}
		}
	}
	return gwerrors.NewNotFoundError("trade", tradeID)
}

// Pricing returns cached prices for the requested instruments.
func (p *PaperBroker) Pricing(ctx context.Context, instruments []string) ([]models.PriceUpdate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var updates []models.PriceUpdate
	for _, inst := range instruments {
		if price, ok := p.priceCache[inst]; ok {
			updates = append(updates, price)
		}
	}
	return updates, nil
}

// OpenPricingStream returns a pipe that emits a PRICE frame for every
// subsequent SetPrice call. Closing the reader detaches it.
func (p *PaperBroker) OpenPricingStream(ctx context.Context, instruments []string) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	p.streamMu.Lock()
	p.streamWriters = append(p.streamWriters, pw)
	p.streamMu.Unlock()
	return pr, nil
}

// SetPrice pushes a simulated price, updating the cache and emitting a
// frame to any open streams.
func (p *PaperBroker) SetPrice(update models.PriceUpdate) {
	p.mu.Lock()
	p.priceCache[update.Instrument] = update
	p.mu.Unlock()

	frame := map[string]interface{}{
		"type":       "PRICE",
		"instrument": update.Instrument,
		"time":       update.Timestamp.UTC().Format(time.RFC3339Nano),
		"bids":       []map[string]string{{"price": fmt.Sprintf("%f", update.Bid)}},
		"asks":       []map[string]string{{"price": fmt.Sprintf("%f", update.Ask)}},
	}
	line, err := json.Marshal(frame)
	if err != nil {
		return
	}
	line = append(line, '\n')

	p.streamMu.Lock()
	writers := p.streamWriters[:0]
	for _, pw := range p.streamWriters {
		if _, err := pw.Write(line); err != nil {
			continue
		}
		writers = append(writers, pw)
	}
	p.streamWriters = writers
	p.streamMu.Unlock()
}

// OpenPosition seeds a simulated position directly. Used by tests and the
// paper runner to establish state without replaying fills.
func (p *PaperBroker) OpenPosition(pos models.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pos.ID == "" {
		pos.ID = models.PositionID(pos.Instrument, pos.Side)
	}
	if len(pos.TradeIDs) == 0 {
		p.tradeCounter++
		pos.TradeIDs = []string{fmt.Sprintf("T%d", p.tradeCounter)}
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now()
	}
	stored := pos
	p.positions[pos.ID] = &stored
}

// Reset clears all simulated state.
func (p *PaperBroker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.orders = make(map[string]*models.Order)
	p.positions = make(map[string]*models.Position)
	p.priceCache = make(map[string]models.PriceUpdate)
	p.orderCounter = 0
	p.tradeCounter = 0
}

// Ensure PaperBroker implements both interfaces
var (
	_ Broker       = (*PaperBroker)(nil)
	_ StreamSource = (*PaperBroker)(nil)
)
