package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"oanda-gateway/internal/config"
	"oanda-gateway/internal/models"
)

// expirySeverities maps each configured window, descending, to a severity.
// Windows beyond the third all fire as CRITICAL.
var expirySeverities = []models.AlertSeverity{
	models.SeverityInfo,
	models.SeverityWarning,
	models.SeverityCritical,
}

// OrderExpiryManager sweeps GTD orders, emits tiered pre-expiry
// notifications, and cancels orders past their expiry.
type OrderExpiryManager struct {
	orders *PendingOrderManager
	config config.OrdersConfig
	logger zerolog.Logger

	mu sync.Mutex
	// notified tracks which severities have fired per order.
	notified map[string]map[models.AlertSeverity]bool

	sinkMu sync.RWMutex
	sinks  []func(models.ExpiryNotification)

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrderExpiryManager creates an expiry manager over the order manager.
func NewOrderExpiryManager(om *PendingOrderManager, cfg config.OrdersConfig, logger zerolog.Logger) *OrderExpiryManager {
	return &OrderExpiryManager{
		orders:   om,
		config:   cfg,
		logger:   logger.With().Str("component", "expiry").Logger(),
		notified: make(map[string]map[models.AlertSeverity]bool),
	}
}

// OnNotification registers a sink for expiry notifications. Sinks run in
// their own goroutine and panics are swallowed.
func (m *OrderExpiryManager) OnNotification(fn func(models.ExpiryNotification)) {
	m.sinkMu.Lock()
	m.sinks = append(m.sinks, fn)
	m.sinkMu.Unlock()
}

// Start begins the periodic sweep.
func (m *OrderExpiryManager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.config.ExpiryCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to exit.
func (m *OrderExpiryManager) Stop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
}

// Sweep runs one expiry pass: notify approaching expiries once per
// severity, cancel orders past due, and drop history for orders no longer
// pending.
func (m *OrderExpiryManager) Sweep(ctx context.Context) {
	now := time.Now()
	pending := m.orders.PendingOrders(ctx, OrderFilter{})

	active := make(map[string]bool, len(pending))
	for _, order := range pending {
		active[order.ID] = true
		if !order.IsGTD() {
			continue
		}
		m.checkOrder(ctx, order, now)
	}

	m.mu.Lock()
	for id := range m.notified {
		if !active[id] {
			delete(m.notified, id)
		}
	}
	m.mu.Unlock()
}

func (m *OrderExpiryManager) checkOrder(ctx context.Context, order models.Order, now time.Time) {
	minutes := order.MinutesToExpiry(now)

	if minutes <= 0 {
		result := m.orders.CancelPendingOrder(ctx, order.ID)
		if !result.Success {
			m.logger.Warn().Str("order_id", order.ID).Str("error", result.Message).
				Msg("failed to cancel expired order")
			return
		}
		m.emit(models.ExpiryNotification{
			OrderID:         order.ID,
			Instrument:      order.Instrument,
			Severity:        models.SeverityCritical,
			MinutesToExpiry: 0,
			Message:         fmt.Sprintf("order %s on %s expired and was cancelled", order.ID, order.Instrument),
			Timestamp:       now,
		})
		return
	}

	for i, window := range m.config.ExpiryWindows {
		if minutes > window {
			continue
		}
		severity := expirySeverities[len(expirySeverities)-1]
		if i < len(expirySeverities) {
			severity = expirySeverities[i]
		}
		if m.markNotified(order.ID, severity) {
			m.emit(models.ExpiryNotification{
				OrderID:         order.ID,
				Instrument:      order.Instrument,
				Severity:        severity,
				MinutesToExpiry: minutes,
				Message: fmt.Sprintf("order %s on %s expires in %.0f minutes",
					order.ID, order.Instrument, minutes),
				Timestamp: now,
			})
		}
	}
}

// markNotified records a severity for an order. Returns false if already
// fired.
func (m *OrderExpiryManager) markNotified(orderID string, severity models.AlertSeverity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	fired, ok := m.notified[orderID]
	if !ok {
		fired = make(map[models.AlertSeverity]bool)
		m.notified[orderID] = fired
	}
	if fired[severity] {
		return false
	}
	fired[severity] = true
	return true
}

func (m *OrderExpiryManager) emit(n models.ExpiryNotification) {
	m.logger.Info().Str("order_id", n.OrderID).Str("severity", string(n.Severity)).
		Float64("minutes", n.MinutesToExpiry).Msg(n.Message)

	m.sinkMu.RLock()
	sinks := make([]func(models.ExpiryNotification), len(m.sinks))
	copy(sinks, m.sinks)
	m.sinkMu.RUnlock()

	for _, sink := range sinks {
		go func(fn func(models.ExpiryNotification)) {
			defer func() { recover() }()
			fn(n)
		}(sink)
	}
}
