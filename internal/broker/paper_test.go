package broker

import (
	"bufio"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "oanda-gateway/internal/errors"
	"oanda-gateway/internal/models"
)

func TestPaperBroker_OrderLifecycle(t *testing.T) {
	p := NewPaperBroker()
	ctx := context.Background()

	order, err := p.CreateOrder(ctx, OrderRequest{
		Instrument:  "EUR_USD",
		Type:        models.OrderTypeLimit,
		Side:        models.OrderSideBuy,
		Units:       10000,
		Price:       1.0900,
		TimeInForce: models.TimeInForceGTC,
	})
	require.NoError(t, err)
	assert.Equal(t, "PAPER_1", order.ID)

	replaced, err := p.ReplaceOrder(ctx, order.ID, OrderRequest{
		Instrument:  "EUR_USD",
		Type:        models.OrderTypeLimit,
		Side:        models.OrderSideBuy,
		Units:       10000,
		Price:       1.0850,
		TimeInForce: models.TimeInForceGTC,
	})
	require.NoError(t, err)
	assert.NotEqual(t, order.ID, replaced.ID)

	pending, err := p.PendingOrders(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, replaced.ID, pending[0].ID)
	assert.Equal(t, 1.0850, pending[0].Price)

	require.NoError(t, p.CancelOrder(ctx, replaced.ID))
	pending, _ = p.PendingOrders(ctx)
	assert.Empty(t, pending)

	err = p.CancelOrder(ctx, replaced.ID)
	assert.Error(t, err, "double cancel must fail")

	var nfe *gwerrors.NotFoundError
	err = p.CancelOrder(ctx, "nope")
	assert.ErrorAs(t, err, &nfe)
}

func TestPaperBroker_PositionMarkToMarket(t *testing.T) {
	p := NewPaperBroker()
	ctx := context.Background()

	p.OpenPosition(models.Position{
		Instrument: "EUR_USD",
		Side:       models.PositionSideLong,
		Units:      10000,
		EntryPrice: 1.1000,
	})
	p.SetPrice(models.NewPriceUpdate("EUR_USD", 1.1050, 1.1052, time.Now()))

	positions, err := p.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	assert.InDelta(t, 50.0, positions[0].UnrealizedPL, 1e-6, "long P&L marks to bid")
	assert.InDelta(t, 1.1051, positions[0].CurrentPrice, 1e-9)
	assert.NotEmpty(t, positions[0].TradeIDs)
	assert.False(t, positions[0].OpenedAt.IsZero())
}

func TestPaperBroker_ClosePosition(t *testing.T) {
	p := NewPaperBroker()
	ctx := context.Background()

	p.OpenPosition(models.Position{
		Instrument: "EUR_USD",
		Side:       models.PositionSideLong,
		Units:      10000,
		EntryPrice: 1.1000,
		TradeIDs:   []string{"T1", "T2", "T3", "T4"},
	})
	p.SetPrice(models.NewPriceUpdate("EUR_USD", 1.1100, 1.1102, time.Now()))

	resp, err := p.ClosePosition(ctx, "EUR_USD", models.PositionSideLong, 5000)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, resp.UnitsClosed)
	assert.InDelta(t, 50.0, resp.RealizedPL, 1e-6)
	assert.Equal(t, []string{"T1", "T2"}, resp.TradeIDs, "oldest trades close first")

	positions, _ := p.OpenPositions(ctx)
	require.Len(t, positions, 1)
	assert.Equal(t, 5000.0, positions[0].Units)
	assert.Equal(t, []string{"T3", "T4"}, positions[0].TradeIDs)

	// Zero units closes the remainder.
	resp, err = p.ClosePosition(ctx, "EUR_USD", models.PositionSideLong, 0)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, resp.UnitsClosed)

	positions, _ = p.OpenPositions(ctx)
	assert.Empty(t, positions)

	_, err = p.ClosePosition(ctx, "EUR_USD", models.PositionSideLong, 100)
	var nfe *gwerrors.NotFoundError
	assert.ErrorAs(t, err, &nfe)
}

func TestPaperBroker_SetTradeOrders(t *testing.T) {
	p := NewPaperBroker()
	ctx := context.Background()

	p.OpenPosition(models.Position{
		Instrument: "USD_JPY",
		Side:       models.PositionSideShort,
		Units:      5000,
		EntryPrice: 155.00,
		TradeIDs:   []string{"T9"},
	})

	assert.NoError(t, p.SetTradeOrders(ctx, "T9", 156.00, 153.00))

	var nfe *gwerrors.NotFoundError
	assert.ErrorAs(t, p.SetTradeOrders(ctx, "T404", 1, 2), &nfe)
}

func TestPaperBroker_StreamEmitsFrames(t *testing.T) {
	p := NewPaperBroker()

	rc, err := p.OpenPricingStream(context.Background(), []string{"EUR_USD"})
	require.NoError(t, err)
	defer rc.Close()

	lines := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(rc)
		if scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	p.SetPrice(models.NewPriceUpdate("EUR_USD", 1.1000, 1.1002, time.Now()))

	select {
	case line := <-lines:
		assert.Contains(t, line, `"type":"PRICE"`)
		assert.Contains(t, line, `"instrument":"EUR_USD"`)
	case <-time.After(time.Second):
		t.Fatal("no frame received from paper stream")
	}
}

func TestPaperBroker_Reset(t *testing.T) {
	p := NewPaperBroker()
	ctx := context.Background()

	p.CreateOrder(ctx, OrderRequest{Instrument: "EUR_USD", Type: models.OrderTypeLimit,
		Side: models.OrderSideBuy, Units: 100, Price: 1.1, TimeInForce: models.TimeInForceGTC})
	p.OpenPosition(models.Position{Instrument: "EUR_USD", Side: models.PositionSideLong, Units: 100, EntryPrice: 1.1})

	p.Reset()

	orders, _ := p.PendingOrders(ctx)
	positions, _ := p.OpenPositions(ctx)
	assert.Empty(t, orders)
	assert.Empty(t, positions)
}
