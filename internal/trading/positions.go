package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"oanda-gateway/internal/broker"
	gwerrors "oanda-gateway/internal/errors"
	"oanda-gateway/internal/models"
)

// PositionManager owns the open position cache. Reads refresh from the
// broker and replace the cache atomically; stop-loss and take-profit
// mutations validate the side invariant before any broker call.
type PositionManager struct {
	broker broker.Broker
	feed   *PriceFeed
	logger zerolog.Logger

	mu        sync.RWMutex
	positions map[string]*models.Position
	// firstSeen records when a position first appeared in the cache. The
	// broker's bucket endpoint carries no open time, so this is the best
	// available approximation.
	firstSeen map[string]time.Time
}

// NewPositionManager creates a position manager.
func NewPositionManager(b broker.Broker, feed *PriceFeed, logger zerolog.Logger) *PositionManager {
	return &PositionManager{
		broker:    b,
		feed:      feed,
		logger:    logger.With().Str("component", "positions").Logger(),
		positions: make(map[string]*models.Position),
		firstSeen: make(map[string]time.Time),
	}
}

// GetOpenPositions refreshes from the broker and returns all open
// positions with live valuation.
func (m *PositionManager) GetOpenPositions(ctx context.Context) ([]models.Position, error) {
	positions, err := m.broker.OpenPositions(ctx)
	if err != nil {
		return nil, gwerrors.Wrap(err, "refreshing positions")
	}

	for i := range positions {
		if update, err := m.feed.Price(ctx, positions[i].Instrument); err == nil {
			positions[i].CurrentPrice = update.Mid
		}
	}

	now := time.Now()
	fresh := make(map[string]*models.Position, len(positions))

	m.mu.Lock()
	for i := range positions {
		if seen, ok := m.firstSeen[positions[i].ID]; ok {
			positions[i].OpenedAt = seen
		} else {
			m.firstSeen[positions[i].ID] = now
			positions[i].OpenedAt = now
		}
		p := positions[i]
		fresh[p.ID] = &p
	}
	for id := range m.firstSeen {
		if _, ok := fresh[id]; !ok {
			delete(m.firstSeen, id)
		}
	}
	m.positions = fresh
	m.mu.Unlock()

	return positions, nil
}

// GetPosition returns one cached position.
func (m *PositionManager) GetPosition(positionID string) (models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[positionID]
	if !ok {
		return models.Position{}, gwerrors.NewNotFoundError("position", positionID)
	}
	return *p, nil
}

// CachedPositions returns the current cache without touching the broker.
func (m *PositionManager) CachedPositions() []models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// ModifyStopLoss sets a new stop-loss on every trade backing the position.
func (m *PositionManager) ModifyStopLoss(ctx context.Context, positionID string, price float64) models.OrderResult {
	return m.modifyTradeOrders(ctx, positionID, price, 0)
}

// ModifyTakeProfit sets a new take-profit on every trade backing the
// position.
func (m *PositionManager) ModifyTakeProfit(ctx context.Context, positionID string, price float64) models.OrderResult {
	return m.modifyTradeOrders(ctx, positionID, 0, price)
}

// BatchModifyPositions applies a set of stop/take-profit changes and
// returns one result per position id.
func (m *PositionManager) BatchModifyPositions(ctx context.Context, requests []models.ModifyRequest) map[string]models.OrderResult {
	results := make(map[string]models.OrderResult, len(requests))
	for _, req := range requests {
		results[req.PositionID] = m.modifyTradeOrders(ctx, req.PositionID, req.StopLoss, req.TakeProfit)
	}
	return results
}

func (m *PositionManager) modifyTradeOrders(ctx context.Context, positionID string, stopLoss, takeProfit float64) models.OrderResult {
	pos, err := m.GetPosition(positionID)
	if err != nil {
		return models.OrderResult{Message: err.Error(), Err: err}
	}

	market := pos.CurrentPrice
	if update, ferr := m.feed.Price(ctx, pos.Instrument); ferr == nil {
		market = update.Mid
	}

	if err := validateExitLevels(pos.Side, market, stopLoss, takeProfit); err != nil {
		return models.OrderResult{Message: err.Error(), Err: err}
	}

	var failed []string
	for _, tradeID := range pos.TradeIDs {
		if err := m.broker.SetTradeOrders(ctx, tradeID, stopLoss, takeProfit); err != nil {
			m.logger.Warn().Err(err).Str("position_id", positionID).Str("trade_id", tradeID).
				Msg("trade order update failed")
			failed = append(failed, tradeID)
		}
	}
	if len(failed) > 0 {
		err := fmt.Errorf("updating %d of %d trades failed", len(failed), len(pos.TradeIDs))
		return models.OrderResult{Message: err.Error(), Err: err}
	}

	m.mu.Lock()
	if cached, ok := m.positions[positionID]; ok {
		if stopLoss > 0 {
			cached.StopLoss = stopLoss
		}
		if takeProfit > 0 {
			cached.TakeProfit = takeProfit
		}
	}
	m.mu.Unlock()

	m.logger.Info().Str("position_id", positionID).
		Float64("stop_loss", stopLoss).Float64("take_profit", takeProfit).
		Msg("position exit levels updated")
	return models.OrderResult{
		Success: true,
		Message: fmt.Sprintf("updated %d trades on %s", len(pos.TradeIDs), positionID),
	}
}

// ApplyClose reduces a cached position after a confirmed broker close.
func (m *PositionManager) ApplyClose(positionID string, unitsClosed float64, closedTrades []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[positionID]
	if !ok {
		return
	}
	pos.Units -= unitsClosed
	if len(closedTrades) > 0 && len(closedTrades) <= len(pos.TradeIDs) {
		pos.TradeIDs = pos.TradeIDs[len(closedTrades):]
	}
	if pos.Units <= 0 {
		delete(m.positions, positionID)
		delete(m.firstSeen, positionID)
	}
}

// validateExitLevels enforces the side invariant before a broker call: for
// LONG, stopLoss < market < takeProfit; reversed for SHORT. Zero values
// are untouched fields.
func validateExitLevels(side models.PositionSide, market, stopLoss, takeProfit float64) error {
	if stopLoss == 0 && takeProfit == 0 {
		return gwerrors.NewValidationError("levels", 0, "no stop-loss or take-profit given")
	}
	if market <= 0 {
		return gwerrors.NewValidationError("market", market, "no current market price")
	}

	long := side == models.PositionSideLong
	if stopLoss > 0 {
		if long && stopLoss >= market {
			return gwerrors.NewValidationError("stop_loss", stopLoss,
				fmt.Sprintf("stop-loss %.5f must be below market %.5f for a long position", stopLoss, market))
		}
		if !long && stopLoss <= market {
			return gwerrors.NewValidationError("stop_loss", stopLoss,
				fmt.Sprintf("stop-loss %.5f must be above market %.5f for a short position", stopLoss, market))
		}
	}
	if takeProfit > 0 {
		if long && takeProfit <= market {
			return gwerrors.NewValidationError("take_profit", takeProfit,
				fmt.Sprintf("take-profit %.5f must be above market %.5f for a long position", takeProfit, market))
		}
		if !long && takeProfit >= market {
			return gwerrors.NewValidationError("take_profit", takeProfit,
				fmt.Sprintf("take-profit %.5f must be below market %.5f for a short position", takeProfit, market))
		}
	}
	return nil
}
