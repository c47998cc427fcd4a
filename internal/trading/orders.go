package trading

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"oanda-gateway/internal/broker"
	"oanda-gateway/internal/config"
	gwerrors "oanda-gateway/internal/errors"
	"oanda-gateway/internal/models"
	"oanda-gateway/pkg/utils"
)

// OrderParams describes a pending order to place or the replacement state
// for a modification.
type OrderParams struct {
	Instrument  string
	Side        models.OrderSide
	Units       float64
	Price       float64
	TimeInForce models.TimeInForce
	ExpiryTime  time.Time
	StopLoss    float64
	TakeProfit  float64
}

// OrderFilter narrows queries and bulk cancellation. Zero values match
// everything.
type OrderFilter struct {
	Instrument string
	Type       models.OrderType
}

// OpenValidator vets new exposure before an order reaches the broker.
// Wired in only for FIFO-regulated accounts.
type OpenValidator interface {
	ValidateOpen(ctx context.Context, instrument string, side models.OrderSide) error
}

// PendingOrderManager owns the pending order cache and lifecycle. All
// broker mutations go through it; a background sweep reconciles the cache
// against the broker and cancels past-due GTD orders.
type PendingOrderManager struct {
	broker     broker.Broker
	feed       *PriceFeed
	config     config.OrdersConfig
	compliance OpenValidator
	logger     zerolog.Logger

	mu     sync.RWMutex
	orders map[string]*models.Order

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPendingOrderManager creates an order manager. Call Start to begin the
// background sweep.
func NewPendingOrderManager(b broker.Broker, feed *PriceFeed, cfg config.OrdersConfig, logger zerolog.Logger) *PendingOrderManager {
	return &PendingOrderManager{
		broker: b,
		feed:   feed,
		config: cfg,
		logger: logger.With().Str("component", "orders").Logger(),
		orders: make(map[string]*models.Order),
	}
}

// SetOpenValidator installs a placement-side compliance check. A nil
// validator disables it.
func (m *PendingOrderManager) SetOpenValidator(v OpenValidator) {
	m.compliance = v
}

// PlaceLimitOrder places a LIMIT order.
func (m *PendingOrderManager) PlaceLimitOrder(ctx context.Context, params OrderParams) models.OrderResult {
	return m.place(ctx, models.OrderTypeLimit, params)
}

// PlaceStopOrder places a STOP order.
func (m *PendingOrderManager) PlaceStopOrder(ctx context.Context, params OrderParams) models.OrderResult {
	return m.place(ctx, models.OrderTypeStop, params)
}

// PlaceMarketIfTouchedOrder places a MARKET_IF_TOUCHED order.
func (m *PendingOrderManager) PlaceMarketIfTouchedOrder(ctx context.Context, params OrderParams) models.OrderResult {
	return m.place(ctx, models.OrderTypeMarketIfTouched, params)
}

func (m *PendingOrderManager) place(ctx context.Context, orderType models.OrderType, params OrderParams) models.OrderResult {
	if err := m.validateParams(ctx, orderType, params); err != nil {
		return models.OrderResult{Message: err.Error(), Err: err}
	}

	if params.TimeInForce == "" {
		params.TimeInForce = models.TimeInForceGTC
	}
	if params.TimeInForce == models.TimeInForceGTD && params.ExpiryTime.IsZero() {
		params.ExpiryTime = time.Now().Add(m.config.DefaultGTDExpiry)
	}

	order, err := m.broker.CreateOrder(ctx, broker.OrderRequest{
		Instrument:  params.Instrument,
		Type:        orderType,
		Side:        params.Side,
		Units:       params.Units,
		Price:       params.Price,
		TimeInForce: params.TimeInForce,
		ExpiryTime:  params.ExpiryTime,
		StopLoss:    params.StopLoss,
		TakeProfit:  params.TakeProfit,
	})
	if err != nil {
		return models.OrderResult{Message: fmt.Sprintf("placing %s order: %v", orderType, err), Err: err}
	}

	m.mu.Lock()
	m.orders[order.ID] = order
	m.mu.Unlock()

	m.logger.Info().Str("order_id", order.ID).Str("instrument", order.Instrument).
		Str("type", string(orderType)).Float64("price", order.Price).Msg("order placed")

	return models.OrderResult{
		Success: true,
		Message: fmt.Sprintf("%s %s order placed at %s", orderType, params.Side, utils.FormatPrice(params.Instrument, params.Price)),
		OrderID: order.ID,
		Order:   order,
	}
}

// ModifyPendingOrder replaces an existing pending order. The broker assigns
// a new order id; the old id leaves the active set.
func (m *PendingOrderManager) ModifyPendingOrder(ctx context.Context, orderID string, params OrderParams) models.OrderResult {
	m.mu.RLock()
	existing, ok := m.orders[orderID]
	m.mu.RUnlock()
	if !ok {
		err := gwerrors.NewNotFoundError("order", orderID)
		return models.OrderResult{Message: err.Error(), Err: err}
	}

	// Carry forward fields the caller left unset.
	if params.Instrument == "" {
		params.Instrument = existing.Instrument
	}
	if params.Side == "" {
		params.Side = existing.Side
	}
	if params.Units == 0 {
		params.Units = existing.Units
	}
	if params.Price == 0 {
		params.Price = existing.Price
	}
	if params.TimeInForce == "" {
		params.TimeInForce = existing.TimeInForce
		params.ExpiryTime = existing.ExpiryTime
	}

	if err := m.validateParams(ctx, existing.Type, params); err != nil {
		return models.OrderResult{Message: err.Error(), Err: err}
	}

	order, err := m.broker.ReplaceOrder(ctx, orderID, broker.OrderRequest{
		Instrument:  params.Instrument,
		Type:        existing.Type,
		Side:        params.Side,
		Units:       params.Units,
		Price:       params.Price,
		TimeInForce: params.TimeInForce,
		ExpiryTime:  params.ExpiryTime,
		StopLoss:    params.StopLoss,
		TakeProfit:  params.TakeProfit,
	})
	if err != nil {
		return models.OrderResult{Message: fmt.Sprintf("modifying order %s: %v", orderID, err), Err: err}
	}

	m.mu.Lock()
	delete(m.orders, orderID)
	m.orders[order.ID] = order
	m.mu.Unlock()

	m.logger.Info().Str("old_order_id", orderID).Str("order_id", order.ID).Msg("order modified")

	return models.OrderResult{
		Success: true,
		Message: fmt.Sprintf("order %s replaced by %s", orderID, order.ID),
		OrderID: order.ID,
		Order:   order,
	}
}

// CancelPendingOrder cancels one pending order.
func (m *PendingOrderManager) CancelPendingOrder(ctx context.Context, orderID string) models.OrderResult {
	m.mu.RLock()
	_, ok := m.orders[orderID]
	m.mu.RUnlock()
	if !ok {
		err := gwerrors.NewNotFoundError("order", orderID)
		return models.OrderResult{Message: err.Error(), Err: err}
	}

	if err := m.broker.CancelOrder(ctx, orderID); err != nil {
		// Already gone at the broker means our cache was stale.
		if !isNotFound(err) {
			return models.OrderResult{Message: fmt.Sprintf("cancelling order %s: %v", orderID, err), Err: err}
		}
	}

	m.mu.Lock()
	delete(m.orders, orderID)
	m.mu.Unlock()

	m.logger.Info().Str("order_id", orderID).Msg("order cancelled")
	return models.OrderResult{Success: true, Message: fmt.Sprintf("order %s cancelled", orderID), OrderID: orderID}
}

// CancelAllOrders cancels every pending order matching the filter. Returns
// one result per order.
func (m *PendingOrderManager) CancelAllOrders(ctx context.Context, filter OrderFilter) map[string]models.OrderResult {
	orders := m.PendingOrders(ctx, filter)

	results := make(map[string]models.OrderResult, len(orders))
	for _, o := range orders {
		results[o.ID] = m.CancelPendingOrder(ctx, o.ID)
	}
	return results
}

// PendingOrders returns cached pending orders matching the filter, sorted by
// absolute distance from the current market price, nearest first.
func (m *PendingOrderManager) PendingOrders(ctx context.Context, filter OrderFilter) []models.Order {
	m.mu.RLock()
	orders := make([]models.Order, 0, len(m.orders))
	for _, o := range m.orders {
		if filter.Instrument != "" && o.Instrument != filter.Instrument {
			continue
		}
		if filter.Type != "" && o.Type != filter.Type {
			continue
		}
		orders = append(orders, *o)
	}
	m.mu.RUnlock()

	for i := range orders {
		update, err := m.feed.Price(ctx, orders[i].Instrument)
		if err != nil {
			continue
		}
		orders[i].CurrentDistance = utils.PipsBetween(orders[i].Instrument, orders[i].Price, update.Mid)
	}

	sort.Slice(orders, func(i, j int) bool {
		return math.Abs(orders[i].CurrentDistance) < math.Abs(orders[j].CurrentDistance)
	})
	return orders
}

// Count reports the number of cached pending orders.
func (m *PendingOrderManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orders)
}

// Refresh re-fetches pending orders from the broker, replacing the cache.
// Orders filled or cancelled externally simply disappear from the new set.
func (m *PendingOrderManager) Refresh(ctx context.Context) error {
	orders, err := m.broker.PendingOrders(ctx)
	if err != nil {
		return gwerrors.Wrap(err, "refreshing pending orders")
	}

	fresh := make(map[string]*models.Order, len(orders))
	for i := range orders {
		o := orders[i]
		fresh[o.ID] = &o
	}

	m.mu.Lock()
	for id := range m.orders {
		if _, ok := fresh[id]; !ok {
			m.logger.Debug().Str("order_id", id).Msg("order left pending set")
		}
	}
	m.orders = fresh
	m.mu.Unlock()

	return nil
}

// Start begins the background sweep loop.
func (m *PendingOrderManager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.config.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Refresh(ctx); err != nil {
					m.logger.Warn().Err(err).Msg("order sweep refresh failed")
					continue
				}
				m.cancelExpired(ctx)
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to exit.
func (m *PendingOrderManager) Stop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
}

// cancelExpired cancels GTD orders past their expiry time.
func (m *PendingOrderManager) cancelExpired(ctx context.Context) {
	now := time.Now()
	for _, o := range m.PendingOrders(ctx, OrderFilter{}) {
		if !o.IsGTD() || o.ExpiryTime.After(now) {
			continue
		}
		result := m.CancelPendingOrder(ctx, o.ID)
		if !result.Success {
			m.logger.Warn().Str("order_id", o.ID).Str("error", result.Message).
				Msg("failed to cancel expired order")
			continue
		}
		m.logger.Info().Str("order_id", o.ID).Time("expiry", o.ExpiryTime).
			Msg("expired order cancelled")
	}
}

// validateParams rejects bad parameters before anything reaches the broker.
func (m *PendingOrderManager) validateParams(ctx context.Context, orderType models.OrderType, params OrderParams) error {
	if params.Instrument == "" {
		return gwerrors.NewValidationError("instrument", "", "instrument is required")
	}
	if params.Units <= 0 {
		return gwerrors.NewValidationError("units", params.Units, "units must be positive")
	}
	if params.Price <= 0 {
		return gwerrors.NewValidationError("price", params.Price, "price must be positive")
	}

	update, err := m.feed.Price(ctx, params.Instrument)
	if err != nil {
		return gwerrors.Wrapf(err, "no market price for %s", params.Instrument)
	}
	if err := ValidateOrderDirection(orderType, params.Side, params.Price, update.Mid); err != nil {
		return err
	}

	if m.compliance != nil {
		return m.compliance.ValidateOpen(ctx, params.Instrument, params.Side)
	}
	return nil
}

// ValidateOrderDirection enforces the placement-side invariant: a LIMIT buy
// must sit below the market and a LIMIT sell above it, STOP orders the
// opposite. MARKET_IF_TOUCHED follows the LIMIT rule.
func ValidateOrderDirection(orderType models.OrderType, side models.OrderSide, price, market float64) error {
	wantBelow := false
	switch orderType {
	case models.OrderTypeLimit, models.OrderTypeMarketIfTouched:
		wantBelow = side == models.OrderSideBuy
	case models.OrderTypeStop:
		wantBelow = side == models.OrderSideSell
	default:
		return gwerrors.NewValidationError("type", string(orderType), "unsupported order type")
	}

	if wantBelow && price >= market {
		return gwerrors.NewValidationError("price", price,
			fmt.Sprintf("%s %s price %.5f must be below market %.5f", orderType, side, price, market))
	}
	if !wantBelow && price <= market {
		return gwerrors.NewValidationError("price", price,
			fmt.Sprintf("%s %s price %.5f must be above market %.5f", orderType, side, price, market))
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *gwerrors.NotFoundError
	return gwerrors.As(err, &nf)
}
