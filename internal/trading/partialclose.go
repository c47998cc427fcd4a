package trading

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oanda-gateway/internal/broker"
	gwerrors "oanda-gateway/internal/errors"
	"oanda-gateway/internal/models"
)

// ComplianceChecker validates a close against regulatory rules before it
// reaches the broker.
type ComplianceChecker interface {
	ValidateClose(ctx context.Context, position models.Position, units float64) error
}

// NopChecker allows every close. Used for non-US accounts.
type NopChecker struct{}

// ValidateClose always passes.
func (NopChecker) ValidateClose(ctx context.Context, position models.Position, units float64) error {
	return nil
}

// FIFOChecker enforces first-in-first-out closing for US-regulated
// accounts: when both a long and a short bucket exist on an instrument,
// only the older bucket may be closed.
type FIFOChecker struct {
	positions *PositionManager
}

// NewFIFOChecker creates a FIFO compliance checker.
func NewFIFOChecker(pm *PositionManager) *FIFOChecker {
	return &FIFOChecker{positions: pm}
}

// ValidateClose blocks a close that would skip an older opposite-side
// bucket on the same instrument.
func (c *FIFOChecker) ValidateClose(ctx context.Context, position models.Position, units float64) error {
	for _, other := range c.positions.CachedPositions() {
		if other.Instrument != position.Instrument || other.ID == position.ID {
			continue
		}
		if other.OpenedAt.Before(position.OpenedAt) {
			return gwerrors.NewValidationError("position_id", position.ID,
				fmt.Sprintf("FIFO violation: %s must be closed before %s", other.ID, position.ID))
		}
	}
	return nil
}

// ValidateOpen blocks an order that would open exposure opposite to a
// position already held on the instrument.
func (c *FIFOChecker) ValidateOpen(ctx context.Context, instrument string, side models.OrderSide) error {
	held := models.PositionSideLong
	if side == models.OrderSideBuy {
		held = models.PositionSideShort
	}
	id := models.PositionID(instrument, held)
	if _, err := c.positions.GetPosition(id); err == nil {
		return gwerrors.NewValidationError("side", string(side),
			fmt.Sprintf("FIFO violation: %s must be closed before opening %s exposure on %s", id, side, instrument))
	}
	return nil
}

// CloseCriteria selects positions for CloseByCriteria. Zero values match
// everything.
type CloseCriteria struct {
	MinProfit   float64
	MaxLoss     float64
	MinAgeHours float64
	Instruments []string
}

// PartialCloseManager closes positions fully, by units, or by percentage,
// with FIFO compliance and concurrent bulk execution.
type PartialCloseManager struct {
	broker     broker.Broker
	positions  *PositionManager
	compliance ComplianceChecker
	logger     zerolog.Logger
}

// NewPartialCloseManager creates a partial close manager.
func NewPartialCloseManager(b broker.Broker, pm *PositionManager, checker ComplianceChecker, logger zerolog.Logger) *PartialCloseManager {
	if checker == nil {
		checker = NopChecker{}
	}
	return &PartialCloseManager{
		broker:     b,
		positions:  pm,
		compliance: checker,
		logger:     logger.With().Str("component", "close").Logger(),
	}
}

// PartialClose closes part or all of a position. Amount is either a unit
// count ("5000"), a percentage ("50%"), or "ALL". validateFIFO=false skips
// the compliance check.
func (m *PartialCloseManager) PartialClose(ctx context.Context, positionID, amount string, validateFIFO bool) models.CloseResult {
	pos, err := m.positions.GetPosition(positionID)
	if err != nil {
		return models.CloseResult{PositionID: positionID, Message: err.Error(), Err: err}
	}

	units, err := ResolveCloseUnits(amount, pos.Units)
	if err != nil {
		return models.CloseResult{PositionID: positionID, Message: err.Error(), Err: err}
	}

	if validateFIFO {
		if err := m.compliance.ValidateClose(ctx, pos, units); err != nil {
			m.logger.Warn().Str("position_id", positionID).Err(err).Msg("close blocked by compliance")
			return models.CloseResult{PositionID: positionID, Message: err.Error(), Err: err}
		}
	}

	closeUnits := units
	if units >= pos.Units {
		closeUnits = 0 // broker closes all
	}
	resp, err := m.broker.ClosePosition(ctx, pos.Instrument, pos.Side, closeUnits)
	if err != nil {
		return models.CloseResult{
			PositionID: positionID,
			Message:    fmt.Sprintf("closing %s: %v", positionID, err),
			Err:        err,
		}
	}

	m.positions.ApplyClose(positionID, resp.UnitsClosed, resp.TradeIDs)

	m.logger.Info().Str("position_id", positionID).Float64("units", resp.UnitsClosed).
		Float64("realized_pl", resp.RealizedPL).Msg("position closed")
	return models.CloseResult{
		Success:     true,
		Message:     fmt.Sprintf("closed %.0f units of %s", resp.UnitsClosed, positionID),
		PositionID:  positionID,
		UnitsClosed: resp.UnitsClosed,
		RealizedPL:  resp.RealizedPL,
	}
}

// CloseAll closes every open position, optionally filtered by instrument.
// Emergency mode skips FIFO validation. Closes run concurrently; each
// position gets its own result and one failure never aborts the batch.
func (m *PartialCloseManager) CloseAll(ctx context.Context, instruments []string, emergency bool) map[string]models.CloseResult {
	positions, err := m.positions.GetOpenPositions(ctx)
	if err != nil {
		// Fall back to the cache so an emergency close still has targets.
		positions = m.positions.CachedPositions()
		m.logger.Warn().Err(err).Msg("position refresh failed, closing from cache")
	}

	var targets []models.Position
	for _, p := range positions {
		if len(instruments) == 0 || containsString(instruments, p.Instrument) {
			targets = append(targets, p)
		}
	}

	return m.closeConcurrently(ctx, targets, !emergency)
}

// CloseByCriteria closes all positions matching the criteria.
func (m *PartialCloseManager) CloseByCriteria(ctx context.Context, criteria CloseCriteria) map[string]models.CloseResult {
	positions, err := m.positions.GetOpenPositions(ctx)
	if err != nil {
		positions = m.positions.CachedPositions()
		m.logger.Warn().Err(err).Msg("position refresh failed, selecting from cache")
	}

	now := time.Now()
	var targets []models.Position
	for _, p := range positions {
		if len(criteria.Instruments) > 0 && !containsString(criteria.Instruments, p.Instrument) {
			continue
		}
		if criteria.MinProfit > 0 && p.UnrealizedPL < criteria.MinProfit {
			continue
		}
		if criteria.MaxLoss < 0 && p.UnrealizedPL > criteria.MaxLoss {
			continue
		}
		if criteria.MinAgeHours > 0 && p.AgeAt(now).Hours() < criteria.MinAgeHours {
			continue
		}
		targets = append(targets, p)
	}

	return m.closeConcurrently(ctx, targets, true)
}

func (m *PartialCloseManager) closeConcurrently(ctx context.Context, targets []models.Position, validateFIFO bool) map[string]models.CloseResult {
	results := make(map[string]models.CloseResult, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, pos := range targets {
		wg.Add(1)
		go func(pos models.Position) {
			defer wg.Done()
			result := m.PartialClose(ctx, pos.ID, "ALL", validateFIFO)
			mu.Lock()
			results[pos.ID] = result
			mu.Unlock()
		}(pos)
	}
	wg.Wait()

	failed := make(map[string]error)
	for id, r := range results {
		if !r.Success {
			failed[id] = r.Err
		}
	}
	if len(failed) > 0 {
		m.logger.Warn().Int("total", len(targets)).Int("failed", len(failed)).
			Err(gwerrors.NewPartialFailure(len(targets), failed)).
			Msg("bulk close completed with failures")
	}
	return results
}

// ResolveCloseUnits converts an amount expression to a unit count against
// the position's current size. Percentages use decimal arithmetic so
// "50%" of 10000 is exactly 5000.
func ResolveCloseUnits(amount string, positionUnits float64) (float64, error) {
	amount = strings.TrimSpace(amount)
	if strings.EqualFold(amount, "ALL") || amount == "" {
		return positionUnits, nil
	}

	if strings.HasSuffix(amount, "%") {
		pct, err := decimal.NewFromString(strings.TrimSuffix(amount, "%"))
		if err != nil {
			return 0, gwerrors.NewValidationError("amount", amount, "invalid percentage")
		}
		if pct.LessThanOrEqual(decimal.Zero) || pct.GreaterThan(decimal.NewFromInt(100)) {
			return 0, gwerrors.NewValidationError("amount", amount, "percentage must be in (0, 100]")
		}
		units := decimal.NewFromFloat(positionUnits).
			Mul(pct).
			Div(decimal.NewFromInt(100)).
			Floor()
		f, _ := units.Float64()
		if f <= 0 {
			return 0, gwerrors.NewValidationError("amount", amount, "resolves to zero units")
		}
		return f, nil
	}

	units, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, gwerrors.NewValidationError("amount", amount, "invalid unit count")
	}
	f, _ := units.Float64()
	if f <= 0 {
		return 0, gwerrors.NewValidationError("amount", amount, "units must be positive")
	}
	if f > positionUnits {
		return 0, gwerrors.NewValidationError("amount", amount,
			fmt.Sprintf("close of %.0f units exceeds position size %.0f", f, positionUnits))
	}
	return f, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
