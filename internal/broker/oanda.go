package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	gwerrors "oanda-gateway/internal/errors"
	"oanda-gateway/internal/models"
	"oanda-gateway/internal/resilience"
	"oanda-gateway/internal/transport"
	"oanda-gateway/pkg/utils"
)

// Breaker names, one per upstream dependency.
const (
	BreakerOrders    = "oanda-orders"
	BreakerPositions = "oanda-positions"
	BreakerTrades    = "oanda-trades"
	BreakerPricing   = "oanda-pricing"
)

// OandaBroker is the live Broker implementation over the OANDA v3 REST API.
// Every call goes through the circuit breaker owning its dependency, so a
// failing endpoint fails fast instead of cascading.
type OandaBroker struct {
	tr        transport.Transport
	accountID string
	breakers  *resilience.Manager
	logger    zerolog.Logger
}

// NewOandaBroker creates a live broker bound to one account.
func NewOandaBroker(tr transport.Transport, accountID string, breakers *resilience.Manager, logger zerolog.Logger) *OandaBroker {
	return &OandaBroker{
		tr:        tr,
		accountID: accountID,
		breakers:  breakers,
		logger:    logger.With().Str("component", "broker").Logger(),
	}
}

// --- wire types ---

type wireOrderBody struct {
	Order wireOrder `json:"order"`
}

type wireOrder struct {
	Type             string         `json:"type"`
	Instrument       string         `json:"instrument"`
	Units            string         `json:"units"`
	Price            string         `json:"price"`
	TimeInForce      string         `json:"timeInForce"`
	GTDTime          string         `json:"gtdTime,omitempty"`
	StopLossOnFill   *wirePriceSpec `json:"stopLossOnFill,omitempty"`
	TakeProfitOnFill *wirePriceSpec `json:"takeProfitOnFill,omitempty"`
}

type wirePriceSpec struct {
	Price string `json:"price"`
}

type wireOrderCreateResponse struct {
	OrderCreateTransaction struct {
		ID   string `json:"id"`
		Time string `json:"time"`
	} `json:"orderCreateTransaction"`
}

type wirePendingOrder struct {
	ID               string         `json:"id"`
	Instrument       string         `json:"instrument"`
	Type             string         `json:"type"`
	Units            string         `json:"units"`
	Price            string         `json:"price"`
	TimeInForce      string         `json:"timeInForce"`
	GTDTime          string         `json:"gtdTime"`
	CreateTime       string         `json:"createTime"`
	StopLossOnFill   *wirePriceSpec `json:"stopLossOnFill"`
	TakeProfitOnFill *wirePriceSpec `json:"takeProfitOnFill"`
}

type wireOrdersResponse struct {
	Orders []wirePendingOrder `json:"orders"`
}

type wirePositionSide struct {
	Units        string   `json:"units"`
	AveragePrice string   `json:"averagePrice"`
	UnrealizedPL string   `json:"unrealizedPL"`
	TradeIDs     []string `json:"tradeIDs"`
}

type wirePosition struct {
	Instrument string           `json:"instrument"`
	MarginUsed string           `json:"marginUsed"`
	Long       wirePositionSide `json:"long"`
	Short      wirePositionSide `json:"short"`
}

type wireOpenPositionsResponse struct {
	Positions []wirePosition `json:"positions"`
}

type wireFill struct {
	Units        string `json:"units"`
	PL           string `json:"pl"`
	TradesClosed []struct {
		TradeID string `json:"tradeID"`
	} `json:"tradesClosed"`
}

type wireCloseResponse struct {
	LongOrderFillTransaction  *wireFill `json:"longOrderFillTransaction"`
	ShortOrderFillTransaction *wireFill `json:"shortOrderFillTransaction"`
}

type wirePrice struct {
	Instrument string `json:"instrument"`
	Time       string `json:"time"`
	Bids       []struct {
		Price string `json:"price"`
	} `json:"bids"`
	Asks []struct {
		Price string `json:"price"`
	} `json:"asks"`
}

type wirePricingResponse struct {
	Prices []wirePrice `json:"prices"`
}

// --- orders ---

// CreateOrder places a new pending order and returns it with the broker
// assigned id.
func (b *OandaBroker) CreateOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	path := fmt.Sprintf("/v3/accounts/%s/orders", b.accountID)
	body := wireOrderBody{Order: b.toWireOrder(req)}

	cb := b.breakers.Get(BreakerOrders)
	raw, err := resilience.ExecuteWithResult(cb, ctx, func() (json.RawMessage, error) {
		return b.tr.Request(ctx, http.MethodPost, path, nil, body)
	})
	if err != nil {
		return nil, gwerrors.Wrap(err, "creating order")
	}

	var resp wireOrderCreateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, gwerrors.Wrap(err, "parsing order create response")
	}

	order := req.toModel()
	order.ID = resp.OrderCreateTransaction.ID
	order.CreatedAt = parseTime(resp.OrderCreateTransaction.Time)
	b.logger.Info().Str("order_id", order.ID).Str("instrument", order.Instrument).
		Str("type", string(order.Type)).Msg("order created")
	return &order, nil
}

// ReplaceOrder replaces a pending order; the broker cancels the old order
// and creates a new one with a new id.
func (b *OandaBroker) ReplaceOrder(ctx context.Context, orderID string, req OrderRequest) (*models.Order, error) {
	path := fmt.Sprintf("/v3/accounts/%s/orders/%s", b.accountID, orderID)
	body := wireOrderBody{Order: b.toWireOrder(req)}

	cb := b.breakers.Get(BreakerOrders)
	raw, err := resilience.ExecuteWithResult(cb, ctx, func() (json.RawMessage, error) {
		return b.tr.Request(ctx, http.MethodPut, path, nil, body)
	})
	if err != nil {
		return nil, gwerrors.Wrapf(err, "replacing order %s", orderID)
	}

	var resp wireOrderCreateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, gwerrors.Wrap(err, "parsing order replace response")
	}

	order := req.toModel()
	order.ID = resp.OrderCreateTransaction.ID
	order.CreatedAt = parseTime(resp.OrderCreateTransaction.Time)
	b.logger.Info().Str("old_order_id", orderID).Str("order_id", order.ID).Msg("order replaced")
	return &order, nil
}

// CancelOrder cancels a pending order.
func (b *OandaBroker) CancelOrder(ctx context.Context, orderID string) error {
	path := fmt.Sprintf("/v3/accounts/%s/orders/%s/cancel", b.accountID, orderID)

	cb := b.breakers.Get(BreakerOrders)
	err := cb.Execute(ctx, func() error {
		_, err := b.tr.Request(ctx, http.MethodPut, path, nil, nil)
		return err
	})
	if err != nil {
		var te *gwerrors.TransportError
		if gwerrors.As(err, &te) && te.StatusCode == http.StatusNotFound {
			return gwerrors.NewNotFoundError("order", orderID)
		}
		return gwerrors.Wrapf(err, "cancelling order %s", orderID)
	}

	b.logger.Info().Str("order_id", orderID).Msg("order cancelled")
	return nil
}

// PendingOrders fetches all pending orders for the account.
func (b *OandaBroker) PendingOrders(ctx context.Context) ([]models.Order, error) {
	path := fmt.Sprintf("/v3/accounts/%s/orders", b.accountID)
	params := map[string]string{"state": "PENDING", "count": "500"}

	cb := b.breakers.Get(BreakerOrders)
	raw, err := resilience.ExecuteWithResult(cb, ctx, func() (json.RawMessage, error) {
		return b.tr.Request(ctx, http.MethodGet, path, params, nil)
	})
	if err != nil {
		return nil, gwerrors.Wrap(err, "fetching pending orders")
	}

	var resp wireOrdersResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, gwerrors.Wrap(err, "parsing pending orders")
	}

	orders := make([]models.Order, 0, len(resp.Orders))
	for _, wo := range resp.Orders {
		o, ok := fromWireOrder(wo)
		if !ok {
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// --- positions ---

// OpenPositions fetches the account's open position buckets. Each
// instrument yields at most one long and one short position.
func (b *OandaBroker) OpenPositions(ctx context.Context) ([]models.Position, error) {
	path := fmt.Sprintf("/v3/accounts/%s/openPositions", b.accountID)

	cb := b.breakers.Get(BreakerPositions)
	raw, err := resilience.ExecuteWithResult(cb, ctx, func() (json.RawMessage, error) {
		return b.tr.Request(ctx, http.MethodGet, path, nil, nil)
	})
	if err != nil {
		return nil, gwerrors.Wrap(err, "fetching open positions")
	}

	var resp wireOpenPositionsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, gwerrors.Wrap(err, "parsing open positions")
	}

	var positions []models.Position
	for _, wp := range resp.Positions {
		margin := parseFloat(wp.MarginUsed)
		if p, ok := fromWireSide(wp.Instrument, models.PositionSideLong, wp.Long, margin); ok {
			positions = append(positions, p)
		}
		if p, ok := fromWireSide(wp.Instrument, models.PositionSideShort, wp.Short, margin); ok {
			positions = append(positions, p)
		}
	}
	return positions, nil
}

// ClosePosition closes units of one side of an instrument's position.
func (b *OandaBroker) ClosePosition(ctx context.Context, instrument string, side models.PositionSide, units float64) (*CloseResponse, error) {
	path := fmt.Sprintf("/v3/accounts/%s/positions/%s/close", b.accountID, instrument)

	body := map[string]string{}
	amount := "ALL"
	if units > 0 {
		amount = utils.FormatUnits(units, false)
	}
	if side == models.PositionSideLong {
		body["longUnits"] = amount
	} else {
		body["shortUnits"] = amount
	}

	cb := b.breakers.Get(BreakerPositions)
	raw, err := resilience.ExecuteWithResult(cb, ctx, func() (json.RawMessage, error) {
		return b.tr.Request(ctx, http.MethodPut, path, nil, body)
	})
	if err != nil {
		var te *gwerrors.TransportError
		if gwerrors.As(err, &te) && te.StatusCode == http.StatusNotFound {
			return nil, gwerrors.NewNotFoundError("position", models.PositionID(instrument, side))
		}
		return nil, gwerrors.Wrapf(err, "closing position %s %s", instrument, side)
	}

	var resp wireCloseResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, gwerrors.Wrap(err, "parsing close response")
	}

	fill := resp.LongOrderFillTransaction
	if side == models.PositionSideShort {
		fill = resp.ShortOrderFillTransaction
	}
	out := &CloseResponse{}
	if fill != nil {
		// Fill units are signed from the broker's point of view.
		u := parseFloat(fill.Units)
		if u < 0 {
			u = -u
		}
		out.UnitsClosed = u
		out.RealizedPL = parseFloat(fill.PL)
		for _, tc := range fill.TradesClosed {
			out.TradeIDs = append(out.TradeIDs, tc.TradeID)
		}
	}

	b.logger.Info().Str("instrument", instrument).Str("side", string(side)).
		Float64("units", out.UnitsClosed).Float64("pl", out.RealizedPL).
		Msg("position close executed")
	return out, nil
}

// SetTradeOrders replaces the stop-loss and/or take-profit attached to one
// broker trade.
func (b *OandaBroker) SetTradeOrders(ctx context.Context, tradeID string, stopLoss, takeProfit float64) error {
	path := fmt.Sprintf("/v3/accounts/%s/trades/%s/orders", b.accountID, tradeID)

	body := map[string]interface{}{}
	if stopLoss > 0 {
		body["stopLoss"] = wirePriceSpec{Price: strconv.FormatFloat(stopLoss, 'f', -1, 64)}
	}
	if takeProfit > 0 {
		body["takeProfit"] = wirePriceSpec{Price: strconv.FormatFloat(takeProfit, 'f', -1, 64)}
	}
	if len(body) == 0 {
		return nil
	}

	cb := b.breakers.Get(BreakerTrades)
	err := cb.Execute(ctx, func() error {
		_, err := b.tr.Request(ctx, http.MethodPut, path, nil, body)
		return err
	})
	if err != nil {
		var te *gwerrors.TransportError
		if gwerrors.As(err, &te) && te.StatusCode == http.StatusNotFound {
			return gwerrors.NewNotFoundError("trade", tradeID)
		}
		return gwerrors.Wrapf(err, "setting trade orders for %s", tradeID)
	}
	return nil
}

// --- pricing ---

// Pricing fetches current bid/ask for the given instruments. Used as the
// REST fallback when the stream has no price yet.
func (b *OandaBroker) Pricing(ctx context.Context, instruments []string) ([]models.PriceUpdate, error) {
	path := fmt.Sprintf("/v3/accounts/%s/pricing", b.accountID)
	params := map[string]string{"instruments": strings.Join(instruments, ",")}

	cb := b.breakers.Get(BreakerPricing)
	raw, err := resilience.ExecuteWithResult(cb, ctx, func() (json.RawMessage, error) {
		return b.tr.Request(ctx, http.MethodGet, path, params, nil)
	})
	if err != nil {
		return nil, gwerrors.Wrap(err, "fetching pricing")
	}

	var resp wirePricingResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, gwerrors.Wrap(err, "parsing pricing")
	}

	updates := make([]models.PriceUpdate, 0, len(resp.Prices))
	for _, wp := range resp.Prices {
		if len(wp.Bids) == 0 || len(wp.Asks) == 0 {
			continue
		}
		updates = append(updates, models.NewPriceUpdate(
			wp.Instrument,
			parseFloat(wp.Bids[0].Price),
			parseFloat(wp.Asks[0].Price),
			parseTime(wp.Time),
		))
	}
	return updates, nil
}

// OpenPricingStream implements StreamSource over the chunked streaming
// endpoint.
func (b *OandaBroker) OpenPricingStream(ctx context.Context, instruments []string) (io.ReadCloser, error) {
	path := fmt.Sprintf("/v3/accounts/%s/pricing/stream", b.accountID)
	params := map[string]string{"instruments": strings.Join(instruments, ",")}
	return b.tr.Stream(ctx, path, params)
}

// --- conversions ---

func (b *OandaBroker) toWireOrder(req OrderRequest) wireOrder {
	wo := wireOrder{
		Type:        string(req.Type),
		Instrument:  req.Instrument,
		Units:       utils.FormatUnits(req.Units, req.Side == models.OrderSideSell),
		Price:       utils.FormatPrice(req.Instrument, req.Price),
		TimeInForce: string(req.TimeInForce),
	}
	if req.TimeInForce == models.TimeInForceGTD {
		wo.GTDTime = req.ExpiryTime.UTC().Format(time.RFC3339)
	}
	if req.StopLoss > 0 {
		wo.StopLossOnFill = &wirePriceSpec{Price: utils.FormatPrice(req.Instrument, req.StopLoss)}
	}
	if req.TakeProfit > 0 {
		wo.TakeProfitOnFill = &wirePriceSpec{Price: utils.FormatPrice(req.Instrument, req.TakeProfit)}
	}
	return wo
}

func (r OrderRequest) toModel() models.Order {
	return models.Order{
		Instrument:  r.Instrument,
		Type:        r.Type,
		Side:        r.Side,
		Units:       r.Units,
		Price:       r.Price,
		TimeInForce: r.TimeInForce,
		Status:      models.OrderStatusPending,
		StopLoss:    r.StopLoss,
		TakeProfit:  r.TakeProfit,
		ExpiryTime:  r.ExpiryTime,
	}
}

func fromWireOrder(wo wirePendingOrder) (models.Order, bool) {
	units := parseFloat(wo.Units)
	side := models.OrderSideBuy
	if units < 0 {
		side = models.OrderSideSell
		units = -units
	}

	switch models.OrderType(wo.Type) {
	case models.OrderTypeLimit, models.OrderTypeStop, models.OrderTypeMarketIfTouched:
	default:
		// Not a pending order type the gateway manages (e.g. attached
		// TAKE_PROFIT/STOP_LOSS orders).
		return models.Order{}, false
	}

	o := models.Order{
		ID:          wo.ID,
		Instrument:  wo.Instrument,
		Type:        models.OrderType(wo.Type),
		Side:        side,
		Units:       units,
		Price:       parseFloat(wo.Price),
		TimeInForce: models.TimeInForce(wo.TimeInForce),
		Status:      models.OrderStatusPending,
		ExpiryTime:  parseTime(wo.GTDTime),
		CreatedAt:   parseTime(wo.CreateTime),
	}
	if wo.StopLossOnFill != nil {
		o.StopLoss = parseFloat(wo.StopLossOnFill.Price)
	}
	if wo.TakeProfitOnFill != nil {
		o.TakeProfit = parseFloat(wo.TakeProfitOnFill.Price)
	}
	return o, true
}

func fromWireSide(instrument string, side models.PositionSide, ws wirePositionSide, margin float64) (models.Position, bool) {
	units := parseFloat(ws.Units)
	if units < 0 {
		units = -units
	}
	if units == 0 {
		return models.Position{}, false
	}
	return models.Position{
		ID:           models.PositionID(instrument, side),
		Instrument:   instrument,
		Side:         side,
		Units:        units,
		EntryPrice:   parseFloat(ws.AveragePrice),
		UnrealizedPL: parseFloat(ws.UnrealizedPL),
		MarginUsed:   margin,
		TradeIDs:     append([]string(nil), ws.TradeIDs...),
	}, true
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Ensure OandaBroker implements both interfaces
var (
	_ Broker       = (*OandaBroker)(nil)
	_ StreamSource = (*OandaBroker)(nil)
)
