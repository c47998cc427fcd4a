// Package trading implements the order, position and risk management layer
// of the gateway.
package trading

import (
	"context"

	"oanda-gateway/internal/broker"
	gwerrors "oanda-gateway/internal/errors"
	"oanda-gateway/internal/models"
)

// PriceSource yields the most recent streamed price for an instrument.
// stream.Manager satisfies this.
type PriceSource interface {
	CurrentPrice(instrument string) (models.PriceUpdate, error)
}

// PriceFeed resolves current prices stream-first with a REST fallback, so
// managers keep working while the stream is warming up or down.
type PriceFeed struct {
	stream PriceSource
	broker broker.Broker
}

// NewPriceFeed creates a feed over a stream source and a REST fallback.
// Either may be nil.
func NewPriceFeed(stream PriceSource, b broker.Broker) *PriceFeed {
	return &PriceFeed{stream: stream, broker: b}
}

// Price returns the current price for an instrument.
func (f *PriceFeed) Price(ctx context.Context, instrument string) (models.PriceUpdate, error) {
	if f.stream != nil {
		update, err := f.stream.CurrentPrice(instrument)
		if err == nil {
			return update, nil
		}
	}

	if f.broker != nil {
		updates, err := f.broker.Pricing(ctx, []string{instrument})
		if err != nil {
			return models.PriceUpdate{}, gwerrors.Wrapf(err, "fetching price for %s", instrument)
		}
		for _, u := range updates {
			if u.Instrument == instrument {
				return u, nil
			}
		}
	}

	return models.PriceUpdate{}, gwerrors.ErrNoCurrentPrice
}
