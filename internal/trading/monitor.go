package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"oanda-gateway/internal/config"
	"oanda-gateway/internal/models"
	"oanda-gateway/pkg/utils"
)

// Alert rule names. Each rule cools down independently per position.
const (
	RuleProfitTarget  = "PROFIT_TARGET"
	RuleLossThreshold = "LOSS_THRESHOLD"
	RulePositionAge   = "POSITION_AGE"
	RuleMarginUsage   = "MARGIN_USAGE"
	RuleCorrelation   = "CORRELATION_RISK"
	RuleConcentration = "CONCENTRATION_RISK"
	RuleNoStopLoss    = "NO_STOP_LOSS"
)

// excursion tracks the best and worst unrealized P&L seen for a position.
type excursion struct {
	MaxFavorable float64
	MaxAdverse   float64
	Samples      int
}

// PositionMonitor periodically scans open positions against independent
// alert rules. Alerts are cooldown-gated per (position, rule) so a
// persistent condition does not storm the sink.
type PositionMonitor struct {
	positions *PositionManager
	config    config.MonitorConfig
	logger    zerolog.Logger

	mu         sync.Mutex
	lastAlert  map[string]time.Time
	excursions map[string]*excursion

	sinkMu sync.RWMutex
	sinks  []func(models.Alert)

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPositionMonitor creates a position monitor.
func NewPositionMonitor(pm *PositionManager, cfg config.MonitorConfig, logger zerolog.Logger) *PositionMonitor {
	return &PositionMonitor{
		positions:  pm,
		config:     cfg,
		logger:     logger.With().Str("component", "monitor").Logger(),
		lastAlert:  make(map[string]time.Time),
		excursions: make(map[string]*excursion),
	}
}

// OnAlert registers an alert sink. Sinks run in their own goroutine and
// panics are swallowed.
func (m *PositionMonitor) OnAlert(fn func(models.Alert)) {
	m.sinkMu.Lock()
	m.sinks = append(m.sinks, fn)
	m.sinkMu.Unlock()
}

// Start begins the periodic scan.
func (m *PositionMonitor) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.config.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Scan(ctx)
			}
		}
	}()
}

// Stop terminates the scan loop and waits for it to exit.
func (m *PositionMonitor) Stop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
}

// Scan runs one monitoring pass over all open positions.
func (m *PositionMonitor) Scan(ctx context.Context) {
	positions, err := m.positions.GetOpenPositions(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("monitor scan refresh failed")
		positions = m.positions.CachedPositions()
	}

	now := time.Now()
	totalExposure := 0.0
	totalMargin := 0.0
	for _, p := range positions {
		totalExposure += p.Exposure()
		totalMargin += p.MarginUsed
	}

	active := make(map[string]bool, len(positions))
	for _, p := range positions {
		active[p.ID] = true
		m.recordExcursion(p)
		m.checkPosition(p, positions, totalExposure, totalMargin, now)
	}

	m.mu.Lock()
	for id := range m.excursions {
		if !active[id] {
			delete(m.excursions, id)
		}
	}
	m.mu.Unlock()
}

func (m *PositionMonitor) recordExcursion(p models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.excursions[p.ID]
	if !ok {
		e = &excursion{}
		m.excursions[p.ID] = e
	}
	if p.UnrealizedPL > e.MaxFavorable {
		e.MaxFavorable = p.UnrealizedPL
	}
	if p.UnrealizedPL < e.MaxAdverse {
		e.MaxAdverse = p.UnrealizedPL
	}
	e.Samples++
}

// Excursion returns the recorded MFE/MAE for a position.
func (m *PositionMonitor) Excursion(positionID string) (maxFavorable, maxAdverse float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, found := m.excursions[positionID]
	if !found {
		return 0, 0, false
	}
	return e.MaxFavorable, e.MaxAdverse, true
}

func (m *PositionMonitor) checkPosition(p models.Position, all []models.Position, totalExposure, totalMargin float64, now time.Time) {
	if m.config.ProfitTarget > 0 && p.UnrealizedPL >= m.config.ProfitTarget {
		m.fire(p.ID, RuleProfitTarget, models.SeverityInfo, p.UnrealizedPL, m.config.ProfitTarget,
			fmt.Sprintf("%s reached profit target: %.2f", p.ID, p.UnrealizedPL), now)
	}

	if m.config.LossThreshold < 0 && p.UnrealizedPL <= m.config.LossThreshold {
		m.fire(p.ID, RuleLossThreshold, models.SeverityCritical, p.UnrealizedPL, m.config.LossThreshold,
			fmt.Sprintf("%s breached loss threshold: %.2f", p.ID, p.UnrealizedPL), now)
	}

	if m.config.MaxPositionAge > 0 && p.AgeAt(now) > m.config.MaxPositionAge {
		m.fire(p.ID, RulePositionAge, models.SeverityWarning, p.AgeAt(now).Hours(), m.config.MaxPositionAge.Hours(),
			fmt.Sprintf("%s open for %.1f hours", p.ID, p.AgeAt(now).Hours()), now)
	}

	if m.config.MaxMarginUtilization > 0 && totalMargin > 0 {
		share := p.MarginUsed / totalMargin
		if share > m.config.MaxMarginUtilization {
			m.fire(p.ID, RuleMarginUsage, models.SeverityWarning, share, m.config.MaxMarginUtilization,
				fmt.Sprintf("%s uses %.0f%% of total margin", p.ID, share*100), now)
		}
	}

	if m.config.MaxCurrencyExposure > 0 && totalExposure > 0 {
		base, quote := utils.CurrencyLegs(p.Instrument)
		shared := 0.0
		for _, other := range all {
			ob, oq := utils.CurrencyLegs(other.Instrument)
			if ob == base || ob == quote || oq == base || oq == quote {
				shared += other.Exposure()
			}
		}
		ratio := shared / totalExposure
		if ratio > m.config.MaxCurrencyExposure {
			m.fire(p.ID, RuleCorrelation, models.SeverityWarning, ratio, m.config.MaxCurrencyExposure,
				fmt.Sprintf("%.0f%% of exposure shares a currency with %s", ratio*100, p.ID), now)
		}
	}

	if m.config.MaxConcentration > 0 && totalExposure > 0 {
		share := p.Exposure() / totalExposure
		if share > m.config.MaxConcentration {
			m.fire(p.ID, RuleConcentration, models.SeverityWarning, share, m.config.MaxConcentration,
				fmt.Sprintf("%s is %.0f%% of total exposure", p.ID, share*100), now)
		}
	}

	if p.StopLoss == 0 && p.UnrealizedPL < 0 {
		m.fire(p.ID, RuleNoStopLoss, models.SeverityWarning, p.UnrealizedPL, 0,
			fmt.Sprintf("%s is losing with no stop-loss set", p.ID), now)
	}
}

// fire emits an alert unless the (position, rule) pair is cooling down.
func (m *PositionMonitor) fire(positionID, rule string, severity models.AlertSeverity, value, threshold float64, message string, now time.Time) {
	key := positionID + ":" + rule

	m.mu.Lock()
	if last, ok := m.lastAlert[key]; ok && now.Sub(last) < m.config.AlertCooldown {
		m.mu.Unlock()
		return
	}
	m.lastAlert[key] = now
	m.mu.Unlock()

	alert := models.Alert{
		SubjectID: positionID,
		Type:      rule,
		Severity:  severity,
		Message:   message,
		Value:     value,
		Threshold: threshold,
		Timestamp: now,
	}

	m.logger.Info().Str("position_id", positionID).Str("rule", rule).
		Str("severity", string(severity)).Msg(message)

	m.sinkMu.RLock()
	sinks := make([]func(models.Alert), len(m.sinks))
	copy(sinks, m.sinks)
	m.sinkMu.RUnlock()

	for _, sink := range sinks {
		go func(fn func(models.Alert)) {
			defer func() { recover() }()
			fn(alert)
		}(sink)
	}
}

// Suggestions produces human-readable optimization hints for a position.
func (m *PositionMonitor) Suggestions(positionID string) []string {
	pos, err := m.positions.GetPosition(positionID)
	if err != nil {
		return nil
	}

	var out []string
	if pos.StopLoss == 0 {
		if pos.UnrealizedPL < 0 {
			out = append(out, "no stop-loss set on a losing position; consider adding one")
		} else {
			out = append(out, "no stop-loss set; consider protecting the position")
		}
	}
	if pos.TakeProfit == 0 {
		out = append(out, "no take-profit set; gains are unprotected against reversal")
	}

	if mfe, _, ok := m.Excursion(positionID); ok && mfe > 0 {
		eff := pos.UnrealizedPL / mfe
		if eff < 0.3 {
			out = append(out, fmt.Sprintf(
				"position retains only %.0f%% of its best observed profit (%.2f); consider a trailing stop", eff*100, mfe))
		}
	}

	if rr := pos.RiskReward(); rr > 0 && rr < 1 {
		out = append(out, fmt.Sprintf("risk/reward ratio %.2f is below 1.0", rr))
	}

	return out
}
