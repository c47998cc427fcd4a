package models

import "time"

// PriceUpdate is a single bid/ask quote for an instrument. Mid is derived
// at construction so consumers never recompute it.
type PriceUpdate struct {
	Instrument string
	Bid        float64
	Ask        float64
	Mid        float64
	Timestamp  time.Time
}

// NewPriceUpdate builds a quote with the mid price precomputed.
func NewPriceUpdate(instrument string, bid, ask float64, ts time.Time) PriceUpdate {
	return PriceUpdate{
		Instrument: instrument,
		Bid:        bid,
		Ask:        ask,
		Mid:        (bid + ask) / 2,
		Timestamp:  ts,
	}
}

// Spread returns the bid/ask spread.
func (p PriceUpdate) Spread() float64 {
	return p.Ask - p.Bid
}
