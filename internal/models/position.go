package models

import (
	"fmt"
	"time"
)

// PositionSide represents the direction of an open position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// Position represents an open position bucket at the broker. An account
// holds at most one long and one short bucket per instrument, so the
// position id is the instrument+side composite key.
//
// A position can be backed by multiple broker trades; TradeIDs lists them
// oldest first. Units decrease monotonically under partial closes.
type Position struct {
	ID               string
	Instrument       string
	Side             PositionSide
	Units            float64
	EntryPrice       float64
	CurrentPrice     float64
	UnrealizedPL     float64
	MarginUsed       float64
	OpenedAt         time.Time
	StopLoss         float64
	TakeProfit       float64
	TrailingDistance float64
	TradeIDs         []string
}

// PositionID builds the composite cache key for an instrument and side.
func PositionID(instrument string, side PositionSide) string {
	return fmt.Sprintf("%s:%s", instrument, side)
}

// IsLong reports whether the position is long.
func (p Position) IsLong() bool {
	return p.Side == PositionSideLong
}

// Exposure returns the position's notional exposure at the current price.
func (p Position) Exposure() float64 {
	return p.Units * p.CurrentPrice
}

// AgeAt returns how long the position has been open at the reference time.
func (p Position) AgeAt(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// RiskReward returns the risk/reward ratio implied by the configured stop
// and target, or 0 when either is unset.
func (p Position) RiskReward() float64 {
	if p.StopLoss == 0 || p.TakeProfit == 0 {
		return 0
	}
	var risk, reward float64
	if p.IsLong() {
		risk = p.EntryPrice - p.StopLoss
		reward = p.TakeProfit - p.EntryPrice
	} else {
		risk = p.StopLoss - p.EntryPrice
		reward = p.EntryPrice - p.TakeProfit
	}
	if risk <= 0 {
		return 0
	}
	return reward / risk
}
