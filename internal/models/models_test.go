package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewPriceUpdate(t *testing.T) {
	ts := time.Now()
	update := NewPriceUpdate("EUR_USD", 1.0999, 1.1001, ts)

	assert.Equal(t, "EUR_USD", update.Instrument)
	assert.InDelta(t, 1.1000, update.Mid, 1e-9)
	assert.InDelta(t, 0.0002, update.Spread(), 1e-9)
	assert.Equal(t, ts, update.Timestamp)
}

func TestPositionID(t *testing.T) {
	assert.Equal(t, "EUR_USD:LONG", PositionID("EUR_USD", PositionSideLong))
	assert.Equal(t, "USD_JPY:SHORT", PositionID("USD_JPY", PositionSideShort))
}

func TestPosition_RiskReward(t *testing.T) {
	long := Position{
		Side:       PositionSideLong,
		EntryPrice: 1.1000,
		StopLoss:   1.0950,
		TakeProfit: 1.1100,
	}
	assert.InDelta(t, 2.0, long.RiskReward(), 1e-9)

	short := Position{
		Side:       PositionSideShort,
		EntryPrice: 1.1000,
		StopLoss:   1.1050,
		TakeProfit: 1.0900,
	}
	assert.InDelta(t, 2.0, short.RiskReward(), 1e-9)

	noStop := Position{Side: PositionSideLong, EntryPrice: 1.1, TakeProfit: 1.12}
	assert.Zero(t, noStop.RiskReward())

	// Stop above entry on a long implies no risk distance to measure.
	inverted := Position{Side: PositionSideLong, EntryPrice: 1.1, StopLoss: 1.12, TakeProfit: 1.15}
	assert.Zero(t, inverted.RiskReward())
}

func TestOrder_MinutesToExpiry(t *testing.T) {
	now := time.Now()
	order := Order{
		TimeInForce: TimeInForceGTD,
		ExpiryTime:  now.Add(45 * time.Minute),
	}

	assert.True(t, order.IsGTD())
	assert.InDelta(t, 45, order.MinutesToExpiry(now), 1e-9)
	assert.Less(t, order.MinutesToExpiry(now.Add(time.Hour)), 0.0)

	gtc := Order{TimeInForce: TimeInForceGTC}
	assert.False(t, gtc.IsGTD())
}

func TestPosition_Exposure(t *testing.T) {
	p := Position{Units: 10000, CurrentPrice: 1.1}
	assert.InDelta(t, 11000, p.Exposure(), 1e-9)
}
