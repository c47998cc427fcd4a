package trading

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"oanda-gateway/internal/config"
	gwerrors "oanda-gateway/internal/errors"
	"oanda-gateway/internal/models"
	"oanda-gateway/pkg/utils"
)

// TrailingType selects how the trail distance is interpreted.
type TrailingType string

const (
	// TrailingDistance trails by a fixed pip distance.
	TrailingDistance TrailingType = "DISTANCE"
	// TrailingPercentage trails by a percent of the extreme price.
	TrailingPercentage TrailingType = "PERCENTAGE"
)

// TrailingStopConfig is the per-position trailing state.
type TrailingStopConfig struct {
	PositionID      string
	Type            TrailingType
	TrailValue      float64
	ActivationLevel float64
	CurrentStop     float64
	HighWaterPrice  float64
	IsActive        bool
	UpdateCount     int
	CreatedAt       time.Time
}

// TrailingStopManager ratchets stop-losses in the position's favor on a
// periodic tick. The stop never loosens.
type TrailingStopManager struct {
	positions *PositionManager
	feed      *PriceFeed
	config    config.TrailingConfig
	logger    zerolog.Logger

	mu      sync.RWMutex
	configs map[string]*TrailingStopConfig

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTrailingStopManager creates a trailing stop manager.
func NewTrailingStopManager(pm *PositionManager, feed *PriceFeed, cfg config.TrailingConfig, logger zerolog.Logger) *TrailingStopManager {
	return &TrailingStopManager{
		positions: pm,
		feed:      feed,
		config:    cfg,
		logger:    logger.With().Str("component", "trailing").Logger(),
		configs:   make(map[string]*TrailingStopConfig),
	}
}

// SetTrailingStop attaches a trailing stop to an open position. With no
// activation level the trail activates immediately at the current price.
func (m *TrailingStopManager) SetTrailingStop(ctx context.Context, positionID string, trailType TrailingType, trailValue, activationLevel float64) error {
	if trailValue <= 0 {
		return gwerrors.NewValidationError("trail_value", trailValue, "trail value must be positive")
	}
	if trailType != TrailingDistance && trailType != TrailingPercentage {
		return gwerrors.NewValidationError("trail_type", string(trailType), "unknown trailing type")
	}

	pos, err := m.positions.GetPosition(positionID)
	if err != nil {
		return err
	}

	cfg := &TrailingStopConfig{
		PositionID:      positionID,
		Type:            trailType,
		TrailValue:      trailValue,
		ActivationLevel: activationLevel,
		CreatedAt:       time.Now(),
	}

	if activationLevel == 0 {
		update, err := m.feed.Price(ctx, pos.Instrument)
		if err != nil {
			return gwerrors.Wrapf(err, "no price to activate trailing stop on %s", positionID)
		}
		m.activate(cfg, pos, update.Mid)
		if result := m.positions.ModifyStopLoss(ctx, positionID, cfg.CurrentStop); result.Success {
			cfg.UpdateCount++
		}
	}

	m.mu.Lock()
	m.configs[positionID] = cfg
	m.mu.Unlock()

	m.logger.Info().Str("position_id", positionID).Str("type", string(trailType)).
		Float64("value", trailValue).Bool("active", cfg.IsActive).Msg("trailing stop set")
	return nil
}

// RemoveTrailingStop detaches the trailing stop from a position.
func (m *TrailingStopManager) RemoveTrailingStop(positionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.configs[positionID]; !ok {
		return false
	}
	delete(m.configs, positionID)
	return true
}

// GetConfig returns a snapshot of one trailing config.
func (m *TrailingStopManager) GetConfig(positionID string) (TrailingStopConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.configs[positionID]
	if !ok {
		return TrailingStopConfig{}, false
	}
	return *cfg, true
}

// ActiveConfigs returns snapshots of every trailing config.
func (m *TrailingStopManager) ActiveConfigs() []TrailingStopConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TrailingStopConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		out = append(out, *cfg)
	}
	return out
}

// Start begins the periodic trailing tick.
func (m *TrailingStopManager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.config.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
}

// Stop terminates the tick loop and waits for it to exit.
func (m *TrailingStopManager) Stop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
}

// Tick evaluates every trailing config once. A failing position never
// stops the loop.
func (m *TrailingStopManager) Tick(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.configs))
	for id := range m.configs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.tickOne(ctx, id)
	}
}

func (m *TrailingStopManager) tickOne(ctx context.Context, positionID string) {
	pos, err := m.positions.GetPosition(positionID)
	if err != nil {
		// Position closed externally, drop the config.
		if m.RemoveTrailingStop(positionID) {
			m.logger.Info().Str("position_id", positionID).Msg("position gone, trailing stop removed")
		}
		return
	}

	update, err := m.feed.Price(ctx, pos.Instrument)
	if err != nil {
		m.logger.Debug().Str("position_id", positionID).Err(err).Msg("no price for trailing tick")
		return
	}
	price := update.Mid

	m.mu.Lock()
	cfg, ok := m.configs[positionID]
	if !ok {
		m.mu.Unlock()
		return
	}

	var newStop float64
	var moved bool
	if cfg.IsActive {
		newStop, moved = m.ratchet(cfg, pos, price)
	} else {
		if !m.crossedActivation(cfg, pos, price) {
			m.mu.Unlock()
			return
		}
		m.activate(cfg, pos, price)
		newStop, moved = cfg.CurrentStop, true
	}
	m.mu.Unlock()

	if !moved {
		return
	}

	result := m.positions.ModifyStopLoss(ctx, positionID, newStop)
	if !result.Success {
		m.logger.Warn().Str("position_id", positionID).Str("error", result.Message).
			Msg("trailing stop push failed")
		return
	}

	m.mu.Lock()
	if cfg, ok := m.configs[positionID]; ok {
		cfg.CurrentStop = newStop
		cfg.UpdateCount++
	}
	m.mu.Unlock()

	m.logger.Info().Str("position_id", positionID).Float64("stop", newStop).
		Msg("trailing stop advanced")
}

// crossedActivation reports whether price reached the activation level in
// the position's favorable direction.
func (m *TrailingStopManager) crossedActivation(cfg *TrailingStopConfig, pos models.Position, price float64) bool {
	if pos.IsLong() {
		return price >= cfg.ActivationLevel
	}
	return price <= cfg.ActivationLevel
}

// activate seeds the high-water mark and initial stop from the given price.
func (m *TrailingStopManager) activate(cfg *TrailingStopConfig, pos models.Position, price float64) {
	cfg.IsActive = true
	cfg.HighWaterPrice = price
	cfg.CurrentStop = m.stopFor(cfg, pos, price)
}

// ratchet advances the high-water mark and returns a new stop when, and
// only when, it is strictly more favorable than the current one.
func (m *TrailingStopManager) ratchet(cfg *TrailingStopConfig, pos models.Position, price float64) (float64, bool) {
	if pos.IsLong() {
		if price > cfg.HighWaterPrice {
			cfg.HighWaterPrice = price
		}
	} else {
		if price < cfg.HighWaterPrice {
			cfg.HighWaterPrice = price
		}
	}

	candidate := m.stopFor(cfg, pos, cfg.HighWaterPrice)
	if pos.IsLong() && candidate > cfg.CurrentStop {
		return candidate, true
	}
	if !pos.IsLong() && candidate < cfg.CurrentStop {
		return candidate, true
	}
	return cfg.CurrentStop, false
}

// stopFor computes the stop implied by the given extreme price.
func (m *TrailingStopManager) stopFor(cfg *TrailingStopConfig, pos models.Position, extreme float64) float64 {
	var offset float64
	switch cfg.Type {
	case TrailingPercentage:
		offset = extreme * cfg.TrailValue / 100
	default:
		offset = cfg.TrailValue * utils.PipSize(pos.Instrument)
	}

	if pos.IsLong() {
		return extreme - offset
	}
	return extreme + offset
}
