package trading

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oanda-gateway/internal/broker"
	"oanda-gateway/internal/config"
	gwerrors "oanda-gateway/internal/errors"
	"oanda-gateway/internal/models"
)

func newOrderFixture(t *testing.T) (*PendingOrderManager, *broker.PaperBroker) {
	t.Helper()
	paper := broker.NewPaperBroker()
	paper.SetPrice(models.NewPriceUpdate("EUR_USD", 1.0999, 1.1001, time.Now()))
	paper.SetPrice(models.NewPriceUpdate("USD_JPY", 155.09, 155.11, time.Now()))

	feed := NewPriceFeed(nil, paper)
	m := NewPendingOrderManager(paper, feed, config.Default().Orders, zerolog.Nop())
	return m, paper
}

func TestPlaceLimitOrder(t *testing.T) {
	m, _ := newOrderFixture(t)
	ctx := context.Background()

	result := m.PlaceLimitOrder(ctx, OrderParams{
		Instrument: "EUR_USD",
		Side:       models.OrderSideBuy,
		Units:      10000,
		Price:      1.0900,
	})

	require.True(t, result.Success, result.Message)
	require.NotNil(t, result.Order)
	assert.Equal(t, models.OrderTypeLimit, result.Order.Type)
	assert.Equal(t, models.TimeInForceGTC, result.Order.TimeInForce, "GTC is the default")

	cached := m.PendingOrders(ctx, OrderFilter{})
	require.Len(t, cached, 1)
	assert.Equal(t, result.OrderID, cached[0].ID)
}

func TestPlaceOrder_GTDGetsDefaultExpiry(t *testing.T) {
	m, _ := newOrderFixture(t)

	result := m.PlaceStopOrder(context.Background(), OrderParams{
		Instrument:  "EUR_USD",
		Side:        models.OrderSideBuy,
		Units:       5000,
		Price:       1.1100,
		TimeInForce: models.TimeInForceGTD,
	})

	require.True(t, result.Success, result.Message)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), result.Order.ExpiryTime, time.Minute)
}

func TestPlaceOrder_RejectsWrongSideOfMarket(t *testing.T) {
	m, _ := newOrderFixture(t)
	ctx := context.Background()

	// LIMIT buy above the market is backwards.
	result := m.PlaceLimitOrder(ctx, OrderParams{
		Instrument: "EUR_USD",
		Side:       models.OrderSideBuy,
		Units:      10000,
		Price:      1.1100,
	})
	require.False(t, result.Success)
	var ve *gwerrors.ValidationError
	assert.ErrorAs(t, result.Err, &ve)

	// Nothing reached the broker.
	assert.Empty(t, m.PendingOrders(ctx, OrderFilter{}))
}

func TestPlaceOrder_RejectsBadParams(t *testing.T) {
	m, _ := newOrderFixture(t)
	ctx := context.Background()

	for name, params := range map[string]OrderParams{
		"missing instrument": {Side: models.OrderSideBuy, Units: 100, Price: 1.09},
		"zero units":         {Instrument: "EUR_USD", Side: models.OrderSideBuy, Units: 0, Price: 1.09},
		"negative price":     {Instrument: "EUR_USD", Side: models.OrderSideBuy, Units: 100, Price: -1},
	} {
		result := m.PlaceLimitOrder(ctx, params)
		assert.False(t, result.Success, name)
		var ve *gwerrors.ValidationError
		assert.ErrorAs(t, result.Err, &ve, name)
	}
}

func TestPlaceOrder_NoMarketPrice(t *testing.T) {
	m, _ := newOrderFixture(t)

	result := m.PlaceLimitOrder(context.Background(), OrderParams{
		Instrument: "GBP_USD",
		Side:       models.OrderSideBuy,
		Units:      100,
		Price:      1.25,
	})
	require.False(t, result.Success)
	assert.ErrorIs(t, result.Err, gwerrors.ErrNoCurrentPrice)
}

func TestModifyPendingOrder(t *testing.T) {
	m, _ := newOrderFixture(t)
	ctx := context.Background()

	placed := m.PlaceLimitOrder(ctx, OrderParams{
		Instrument: "EUR_USD",
		Side:       models.OrderSideBuy,
		Units:      10000,
		Price:      1.0900,
	})
	require.True(t, placed.Success)

	modified := m.ModifyPendingOrder(ctx, placed.OrderID, OrderParams{Price: 1.0850})
	require.True(t, modified.Success, modified.Message)
	assert.NotEqual(t, placed.OrderID, modified.OrderID, "replacement gets a new id")

	// Unset fields carried forward from the original.
	assert.Equal(t, 10000.0, modified.Order.Units)
	assert.Equal(t, models.OrderSideBuy, modified.Order.Side)
	assert.Equal(t, 1.0850, modified.Order.Price)

	cached := m.PendingOrders(ctx, OrderFilter{})
	require.Len(t, cached, 1)
	assert.Equal(t, modified.OrderID, cached[0].ID)
}

func TestModifyPendingOrder_UnknownID(t *testing.T) {
	m, _ := newOrderFixture(t)

	result := m.ModifyPendingOrder(context.Background(), "nope", OrderParams{Price: 1.05})
	require.False(t, result.Success)
	var nfe *gwerrors.NotFoundError
	assert.ErrorAs(t, result.Err, &nfe)
}

func TestCancelPendingOrder_StaleCache(t *testing.T) {
	m, paper := newOrderFixture(t)
	ctx := context.Background()

	placed := m.PlaceLimitOrder(ctx, OrderParams{
		Instrument: "EUR_USD", Side: models.OrderSideBuy, Units: 100, Price: 1.0900,
	})
	require.True(t, placed.Success)

	// Order vanishes at the broker behind our back.
	paper.Reset()

	result := m.CancelPendingOrder(ctx, placed.OrderID)
	assert.True(t, result.Success, "stale cache entry still cancels cleanly")
	assert.Empty(t, m.PendingOrders(ctx, OrderFilter{}))
}

func TestCancelAllOrders_Filtered(t *testing.T) {
	m, _ := newOrderFixture(t)
	ctx := context.Background()

	m.PlaceLimitOrder(ctx, OrderParams{Instrument: "EUR_USD", Side: models.OrderSideBuy, Units: 100, Price: 1.0900})
	m.PlaceLimitOrder(ctx, OrderParams{Instrument: "USD_JPY", Side: models.OrderSideSell, Units: 100, Price: 156.00})
	m.PlaceStopOrder(ctx, OrderParams{Instrument: "EUR_USD", Side: models.OrderSideBuy, Units: 100, Price: 1.1100})

	results := m.CancelAllOrders(ctx, OrderFilter{Instrument: "EUR_USD"})
	assert.Len(t, results, 2)
	for id, r := range results {
		assert.True(t, r.Success, id)
	}

	remaining := m.PendingOrders(ctx, OrderFilter{})
	require.Len(t, remaining, 1)
	assert.Equal(t, "USD_JPY", remaining[0].Instrument)
}

func TestPendingOrders_SortedByDistance(t *testing.T) {
	m, _ := newOrderFixture(t)
	ctx := context.Background()

	// Market mid is 1.1000; distances 100, 20 and 50 pips.
	m.PlaceLimitOrder(ctx, OrderParams{Instrument: "EUR_USD", Side: models.OrderSideBuy, Units: 100, Price: 1.0900})
	m.PlaceLimitOrder(ctx, OrderParams{Instrument: "EUR_USD", Side: models.OrderSideBuy, Units: 100, Price: 1.0980})
	m.PlaceStopOrder(ctx, OrderParams{Instrument: "EUR_USD", Side: models.OrderSideBuy, Units: 100, Price: 1.1050})

	orders := m.PendingOrders(ctx, OrderFilter{Instrument: "EUR_USD"})
	require.Len(t, orders, 3)
	assert.Equal(t, 1.0980, orders[0].Price)
	assert.Equal(t, 1.1050, orders[1].Price)
	assert.Equal(t, 1.0900, orders[2].Price)
}

func TestRefresh_DropsExternallyCancelledOrders(t *testing.T) {
	m, paper := newOrderFixture(t)
	ctx := context.Background()

	placed := m.PlaceLimitOrder(ctx, OrderParams{
		Instrument: "EUR_USD", Side: models.OrderSideBuy, Units: 100, Price: 1.0900,
	})
	require.True(t, placed.Success)

	require.NoError(t, paper.CancelOrder(ctx, placed.OrderID))
	require.NoError(t, m.Refresh(ctx))

	assert.Empty(t, m.PendingOrders(ctx, OrderFilter{}))
}

func TestValidateOrderDirection_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	types := []models.OrderType{models.OrderTypeLimit, models.OrderTypeStop, models.OrderTypeMarketIfTouched}
	sides := []models.OrderSide{models.OrderSideBuy, models.OrderSideSell}

	properties.Property("acceptance matches the side-of-market rule", prop.ForAll(
		func(typeIdx, sideIdx int, price, market float64) bool {
			orderType := types[typeIdx]
			side := sides[sideIdx]
			if price == market {
				price += 0.0001
			}

			err := ValidateOrderDirection(orderType, side, price, market)

			var wantBelow bool
			switch orderType {
			case models.OrderTypeStop:
				wantBelow = side == models.OrderSideSell
			default:
				wantBelow = side == models.OrderSideBuy
			}
			valid := (price < market) == wantBelow
			return valid == (err == nil)
		},
		gen.IntRange(0, len(types)-1),
		gen.IntRange(0, len(sides)-1),
		gen.Float64Range(0.5, 2.0),
		gen.Float64Range(0.5, 2.0),
	))

	properties.TestingRun(t)
}

func TestOrderSweep_CancelsExpiredGTD(t *testing.T) {
	m, paper := newOrderFixture(t)
	ctx := context.Background()

	placed := m.PlaceLimitOrder(ctx, OrderParams{
		Instrument:  "EUR_USD",
		Side:        models.OrderSideBuy,
		Units:       100,
		Price:       1.0900,
		TimeInForce: models.TimeInForceGTD,
		ExpiryTime:  time.Now().Add(time.Millisecond),
	})
	require.True(t, placed.Success)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Refresh(ctx))
	m.cancelExpired(ctx)

	assert.Empty(t, m.PendingOrders(ctx, OrderFilter{}))
	pending, _ := paper.PendingOrders(ctx)
	assert.Empty(t, pending, "expired order cancelled at the broker too")
}

func TestPlaceOrder_FIFOBlocksOpposingSide(t *testing.T) {
	m, paper := newOrderFixture(t)
	ctx := context.Background()

	pm := NewPositionManager(paper, NewPriceFeed(nil, paper), zerolog.Nop())
	paper.OpenPosition(models.Position{
		Instrument: "EUR_USD",
		Side:       models.PositionSideShort,
		Units:      5000,
		EntryPrice: 1.1100,
	})
	_, err := pm.GetOpenPositions(ctx)
	require.NoError(t, err)

	m.SetOpenValidator(NewFIFOChecker(pm))

	// A buy would open long exposure against the held short bucket.
	blocked := m.PlaceLimitOrder(ctx, OrderParams{
		Instrument: "EUR_USD",
		Side:       models.OrderSideBuy,
		Units:      10000,
		Price:      1.0900,
	})
	require.False(t, blocked.Success)
	var ve *gwerrors.ValidationError
	require.ErrorAs(t, blocked.Err, &ve)
	assert.Empty(t, m.PendingOrders(ctx, OrderFilter{}), "nothing reached the broker")

	// Extending the held side is allowed.
	allowed := m.PlaceLimitOrder(ctx, OrderParams{
		Instrument: "EUR_USD",
		Side:       models.OrderSideSell,
		Units:      1000,
		Price:      1.1100,
	})
	require.True(t, allowed.Success, allowed.Message)
}

// ctxAwareBroker fails pricing once the caller's context is cancelled,
// the way a real HTTP transport would.
type ctxAwareBroker struct {
	*broker.PaperBroker
}

func (b *ctxAwareBroker) Pricing(ctx context.Context, instruments []string) ([]models.PriceUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.PaperBroker.Pricing(ctx, instruments)
}

func TestPendingOrders_UsesCallerContextForPricing(t *testing.T) {
	paper := broker.NewPaperBroker()
	paper.SetPrice(models.NewPriceUpdate("EUR_USD", 1.0999, 1.1001, time.Now()))
	b := &ctxAwareBroker{PaperBroker: paper}

	m := NewPendingOrderManager(b, NewPriceFeed(nil, b), config.Default().Orders, zerolog.Nop())

	placed := m.PlaceLimitOrder(context.Background(), OrderParams{
		Instrument: "EUR_USD",
		Side:       models.OrderSideBuy,
		Units:      1000,
		Price:      1.0900,
	})
	require.True(t, placed.Success, placed.Message)

	live := m.PendingOrders(context.Background(), OrderFilter{})
	require.Len(t, live, 1)
	assert.NotZero(t, live[0].CurrentDistance)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	stale := m.PendingOrders(cancelled, OrderFilter{})
	require.Len(t, stale, 1)
	assert.Zero(t, stale[0].CurrentDistance, "pricing lookups must observe the caller's context")
}
