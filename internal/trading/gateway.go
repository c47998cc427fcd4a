package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"oanda-gateway/internal/broker"
	"oanda-gateway/internal/config"
	gwerrors "oanda-gateway/internal/errors"
	"oanda-gateway/internal/models"
	"oanda-gateway/internal/resilience"
	"oanda-gateway/internal/stream"
	"oanda-gateway/internal/transport"
)

// Gateway is the root object wiring transport, resilience, streaming and
// the trading managers together. It is the single entry point for upstream
// callers.
type Gateway struct {
	config   config.Config
	logger   zerolog.Logger
	broker   broker.Broker
	breakers *resilience.Manager
	stream   *stream.Manager

	Orders    *PendingOrderManager
	Positions *PositionManager
	Trailing  *TrailingStopManager
	Closes    *PartialCloseManager
	Expiry    *OrderExpiryManager
	Monitor   *PositionMonitor

	cancel context.CancelFunc
}

// New builds a gateway against the live broker described by cfg.
func New(cfg config.Config, logger zerolog.Logger) (*Gateway, error) {
	if cfg.Broker.APIToken == "" {
		return nil, gwerrors.NewValidationError("api_token", "", "broker API token is required")
	}
	if cfg.Broker.AccountID == "" {
		return nil, gwerrors.NewValidationError("account_id", "", "broker account id is required")
	}

	tr, err := transport.NewClient(transport.Config{
		Environment:    cfg.Broker.Environment,
		Token:          cfg.Broker.APIToken,
		RequestsPerSec: cfg.Broker.RequestsPerSec,
		RequestTimeout: cfg.Broker.RequestTimeout,
	}, logger)
	if err != nil {
		return nil, gwerrors.Wrap(err, "building transport")
	}

	breakers := resilience.NewManager(resilience.Config{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		RecoveryTimeout:  cfg.Resilience.RecoveryTimeout,
		EventLogSize:     cfg.Resilience.EventLogSize,
	})

	b := broker.NewOandaBroker(tr, cfg.Broker.AccountID, breakers, logger)
	return newGateway(cfg, logger, b, b, breakers), nil
}

// NewPaper builds a gateway over an in-memory paper broker. Prices must be
// pushed via the returned broker's SetPrice.
func NewPaper(cfg config.Config, logger zerolog.Logger) (*Gateway, *broker.PaperBroker) {
	paper := broker.NewPaperBroker()
	breakers := resilience.NewManager(resilience.Config{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		RecoveryTimeout:  cfg.Resilience.RecoveryTimeout,
		EventLogSize:     cfg.Resilience.EventLogSize,
	})
	return newGateway(cfg, logger, paper, paper, breakers), paper
}

func newGateway(cfg config.Config, logger zerolog.Logger, b broker.Broker, source broker.StreamSource, breakers *resilience.Manager) *Gateway {
	streamCfg := stream.ManagerConfig{
		Instruments:          cfg.Broker.Instruments,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		IdleTimeout:          cfg.Stream.IdleReadTimeout,
		Backoff:              resilience.DefaultBackoff(),
		Hub: stream.NewHubWithConfig(stream.HubConfig{
			BufferSize:           cfg.Stream.BufferSize,
			SubscriberBufferSize: cfg.Stream.SubscriberBufferSize,
		}),
	}
	sm := stream.NewManager(source, streamCfg, logger)

	feed := NewPriceFeed(sm, b)
	positions := NewPositionManager(b, feed, logger)
	orders := NewPendingOrderManager(b, feed, cfg.Orders, logger)

	var checker ComplianceChecker = NopChecker{}
	if cfg.Compliance.FIFORequired {
		fifo := NewFIFOChecker(positions)
		orders.SetOpenValidator(fifo)
		checker = fifo
	}

	return &Gateway{
		config:    cfg,
		logger:    logger.With().Str("component", "gateway").Logger(),
		broker:    b,
		breakers:  breakers,
		stream:    sm,
		Orders:    orders,
		Positions: positions,
		Trailing:  NewTrailingStopManager(positions, feed, cfg.Trailing, logger),
		Closes:    NewPartialCloseManager(b, positions, checker, logger),
		Expiry:    NewOrderExpiryManager(orders, cfg.Orders, logger),
		Monitor:   NewPositionMonitor(positions, cfg.Monitor, logger),
	}
}

// Start brings up the stream and all background loops. Initial cache
// loads are best-effort; the sweeps repair them.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)

	if err := g.stream.Start(ctx); err != nil {
		return gwerrors.Wrap(err, "starting price stream")
	}

	if err := g.Orders.Refresh(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("initial order load failed")
	}
	if _, err := g.Positions.GetOpenPositions(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("initial position load failed")
	}

	g.Orders.Start(ctx)
	g.Trailing.Start(ctx)
	g.Expiry.Start(ctx)
	g.Monitor.Start(ctx)

	g.logger.Info().Str("environment", g.config.Broker.Environment).
		Strs("instruments", g.config.Broker.Instruments).Msg("gateway started")
	return nil
}

// Stop shuts down all loops, bounded by the given timeout.
func (g *Gateway) Stop(timeout time.Duration) error {
	if g.cancel != nil {
		g.cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Monitor.Stop()
		g.Expiry.Stop()
		g.Trailing.Stop()
		g.Orders.Stop()
		g.stream.Stop()
	}()

	select {
	case <-done:
		g.logger.Info().Msg("gateway stopped")
		return nil
	case <-time.After(timeout):
		return gwerrors.ErrShutdownTimeout
	}
}

// Subscribe returns a live price channel for one instrument.
func (g *Gateway) Subscribe(instrument string) <-chan models.PriceUpdate {
	return g.stream.Subscribe(instrument)
}

// SubscribeFunc registers a price callback; the returned id releases it
// via UnsubscribeFunc.
func (g *Gateway) SubscribeFunc(instrument string, fn func(models.PriceUpdate)) string {
	return g.stream.SubscribeFunc(instrument, fn)
}

// UnsubscribeFunc removes a callback subscription.
func (g *Gateway) UnsubscribeFunc(id string) {
	g.stream.UnsubscribeFunc(id)
}

// CurrentPrice returns the latest streamed price for an instrument.
func (g *Gateway) CurrentPrice(instrument string) (models.PriceUpdate, error) {
	return g.stream.CurrentPrice(instrument)
}

// PlaceOrder places a pending order of the given type.
func (g *Gateway) PlaceOrder(ctx context.Context, orderType models.OrderType, params OrderParams) models.OrderResult {
	switch orderType {
	case models.OrderTypeLimit:
		return g.Orders.PlaceLimitOrder(ctx, params)
	case models.OrderTypeStop:
		return g.Orders.PlaceStopOrder(ctx, params)
	case models.OrderTypeMarketIfTouched:
		return g.Orders.PlaceMarketIfTouchedOrder(ctx, params)
	default:
		err := gwerrors.NewValidationError("type", string(orderType), "unsupported order type")
		return models.OrderResult{Message: err.Error(), Err: err}
	}
}

// ModifyStopLoss updates the stop-loss of an open position.
func (g *Gateway) ModifyStopLoss(ctx context.Context, positionID string, price float64) models.OrderResult {
	return g.Positions.ModifyStopLoss(ctx, positionID, price)
}

// SetTrailingStop attaches a trailing stop to an open position.
func (g *Gateway) SetTrailingStop(ctx context.Context, positionID string, trailType TrailingType, trailValue, activationLevel float64) error {
	return g.Trailing.SetTrailingStop(ctx, positionID, trailType, trailValue, activationLevel)
}

// PartialClose closes part or all of a position.
func (g *Gateway) PartialClose(ctx context.Context, positionID, amount string) models.CloseResult {
	return g.Closes.PartialClose(ctx, positionID, amount, g.config.Compliance.FIFORequired)
}

// GetOpenPositions refreshes and returns open positions.
func (g *Gateway) GetOpenPositions(ctx context.Context) ([]models.Position, error) {
	return g.Positions.GetOpenPositions(ctx)
}

// GetPendingOrders returns pending orders sorted by distance from market.
func (g *Gateway) GetPendingOrders(ctx context.Context, filter OrderFilter) []models.Order {
	return g.Orders.PendingOrders(ctx, filter)
}

// Status summarizes the health of the gateway's moving parts.
func (g *Gateway) Status() StatusReport {
	return StatusReport{
		Environment: g.config.Broker.Environment,
		Stream:      g.stream.Stats(),
		Breakers:    g.breakers.AllStats(),
		Orders:      g.Orders.Count(),
		Positions:   len(g.Positions.CachedPositions()),
		Trailing:    len(g.Trailing.ActiveConfigs()),
	}
}

// OnAlert registers a sink for position monitor alerts.
func (g *Gateway) OnAlert(fn func(models.Alert)) {
	g.Monitor.OnAlert(fn)
}

// OnExpiryNotification registers a sink for order expiry notifications.
func (g *Gateway) OnExpiryNotification(fn func(models.ExpiryNotification)) {
	g.Expiry.OnNotification(fn)
}

// OnBreakerEvent registers a callback for circuit breaker transitions.
func (g *Gateway) OnBreakerEvent(fn func(resilience.Event)) {
	g.breakers.OnStateChange(fn)
}

// StatusReport is a snapshot of gateway health.
type StatusReport struct {
	Environment string
	Stream      stream.Stats
	Breakers    []resilience.Stats
	Orders      int
	Positions   int
	Trailing    int
}
