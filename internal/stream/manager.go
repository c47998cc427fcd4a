package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"oanda-gateway/internal/broker"
	gwerrors "oanda-gateway/internal/errors"
	"oanda-gateway/internal/models"
	"oanda-gateway/internal/resilience"
)

// ManagerConfig holds configuration for the stream manager.
type ManagerConfig struct {
	// Instruments to stream.
	Instruments []string
	// MaxReconnectAttempts before the stream is declared failed.
	MaxReconnectAttempts int
	// IdleTimeout closes a connection that produced no frame for this long.
	// Heartbeats count as frames, so a healthy connection never trips it.
	IdleTimeout time.Duration
	// Backoff schedule between reconnect attempts.
	Backoff resilience.Backoff
	// Hub to publish into. Nil gets a default hub.
	Hub *Hub
}

// DefaultManagerConfig returns the default stream configuration.
func DefaultManagerConfig(instruments []string) ManagerConfig {
	return ManagerConfig{
		Instruments:          instruments,
		MaxReconnectAttempts: 10,
		IdleTimeout:          30 * time.Second,
		Backoff:              resilience.DefaultBackoff(),
	}
}

// Manager owns the pricing stream connection. It ingests line-delimited
// JSON frames, maintains a last-price cache, and republishes updates
// through a Hub. On connection loss it reconnects with capped exponential
// backoff up to MaxReconnectAttempts.
type Manager struct {
	config ManagerConfig
	source broker.StreamSource
	hub    *Hub
	logger zerolog.Logger

	mu        sync.RWMutex
	running   bool
	lastPrice map[string]models.PriceUpdate
	lastFrame time.Time

	statsMu     sync.Mutex
	framesTotal uint64
	heartbeats  uint64
	reconnects  uint64
	lastError   error

	funcMu   sync.Mutex
	funcSubs map[string]funcSub
	funcSeq  uint64

	ready     chan struct{}
	readyOnce *sync.Once

	cancel context.CancelFunc
	done   chan struct{}
}

// funcSub tracks one callback subscription so it can be released.
type funcSub struct {
	instrument string
	ch         <-chan models.PriceUpdate
}

// streamFrame is one line of the pricing stream.
type streamFrame struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument"`
	Time       string `json:"time"`
	Bids       []struct {
		Price string `json:"price"`
	} `json:"bids"`
	Asks []struct {
		Price string `json:"price"`
	} `json:"asks"`
}

// NewManager creates a stream manager over the given source.
func NewManager(source broker.StreamSource, config ManagerConfig, logger zerolog.Logger) *Manager {
	hub := config.Hub
	if hub == nil {
		hub = NewHub()
	}
	return &Manager{
		config:    config,
		source:    source,
		hub:       hub,
		logger:    logger.With().Str("component", "stream").Logger(),
		lastPrice: make(map[string]models.PriceUpdate),
		funcSubs:  make(map[string]funcSub),
	}
}

// Start opens the stream and begins the ingest loop. It blocks until the
// first connection attempt completes, so a price published right after a
// successful Start is never lost to the connection race. Failures after
// that are handled inside the loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return gwerrors.ErrAlreadyStreaming
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.ready = make(chan struct{})
	m.readyOnce = &sync.Once{}
	m.mu.Unlock()

	go m.run(ctx)

	select {
	case <-m.ready:
	case <-ctx.Done():
	}
	return nil
}

// Stop terminates the ingest loop and closes all subscriber channels.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.hub.Close()
}

// Subscribe returns a channel of updates for one instrument.
func (m *Manager) Subscribe(instrument string) <-chan models.PriceUpdate {
	return m.hub.Subscribe(instrument)
}

// Unsubscribe releases a subscription channel.
func (m *Manager) Unsubscribe(instrument string, ch <-chan models.PriceUpdate) {
	m.hub.Unsubscribe(instrument, ch)
}

// SubscribeFunc registers a callback for one instrument's updates and
// returns a subscription id for UnsubscribeFunc. The callback runs off the
// ingest path; a panic is caught and logged without ending the
// subscription or the stream.
func (m *Manager) SubscribeFunc(instrument string, fn func(models.PriceUpdate)) string {
	ch := m.hub.Subscribe(instrument)

	m.funcMu.Lock()
	m.funcSeq++
	id := "sub-" + strconv.FormatUint(m.funcSeq, 10)
	m.funcSubs[id] = funcSub{instrument: instrument, ch: ch}
	m.funcMu.Unlock()

	go func() {
		for update := range ch {
			m.invokeSubscriber(id, fn, update)
		}
	}()
	return id
}

// UnsubscribeFunc removes a callback subscription by id.
func (m *Manager) UnsubscribeFunc(id string) {
	m.funcMu.Lock()
	sub, ok := m.funcSubs[id]
	delete(m.funcSubs, id)
	m.funcMu.Unlock()

	if ok {
		m.hub.Unsubscribe(sub.instrument, sub.ch)
	}
}

func (m *Manager) invokeSubscriber(id string, fn func(models.PriceUpdate), update models.PriceUpdate) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("subscription", id).Interface("panic", r).
				Msg("price callback panicked")
		}
	}()
	fn(update)
}

// CurrentPrice returns the most recent cached price for an instrument.
// Prices cached before a stream failure stay readable.
func (m *Manager) CurrentPrice(instrument string) (models.PriceUpdate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	update, ok := m.lastPrice[instrument]
	if !ok {
		if !m.running {
			return models.PriceUpdate{}, gwerrors.ErrNotStreaming
		}
		return models.PriceUpdate{}, gwerrors.ErrNoCurrentPrice
	}
	return update, nil
}

// IsRunning reports whether the ingest loop is active.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// run is the connection loop. Each successful connection resets the
// reconnect attempt counter.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		frames, err := m.consume(ctx)
		if ctx.Err() != nil {
			return
		}

		if frames > 0 {
			attempt = 0
		}
		attempt++

		m.statsMu.Lock()
		m.reconnects++
		m.lastError = err
		m.statsMu.Unlock()

		if attempt > m.config.MaxReconnectAttempts {
			m.logger.Error().Err(err).Int("attempts", m.config.MaxReconnectAttempts).
				Msg("stream failed, reconnect attempts exhausted")
			m.setFailed()
			return
		}

		delay := m.config.Backoff.Delay(attempt - 1)
		m.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).
			Msg("stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// consume opens one connection and reads frames until it fails or the
// context ends. Returns the number of frames read.
func (m *Manager) consume(ctx context.Context) (int, error) {
	body, err := m.source.OpenPricingStream(ctx, m.config.Instruments)
	m.signalReady()
	if err != nil {
		return 0, gwerrors.Wrap(err, "opening pricing stream")
	}
	defer body.Close()

	m.logger.Info().Strs("instruments", m.config.Instruments).Msg("pricing stream connected")

	// connDone releases the scanner goroutine when this connection is torn
	// down, even if it is mid-send on the lines channel.
	connDone := make(chan struct{})
	defer close(connDone)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-connDone:
				return
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	idle := m.config.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	frames := 0
	for {
		select {
		case <-ctx.Done():
			return frames, ctx.Err()
		case <-timer.C:
			body.Close()
			return frames, gwerrors.Wrap(gwerrors.ErrStreamFailed, "no frames before idle timeout")
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return frames, gwerrors.Wrap(err, "reading stream")
					}
				default:
				}
				return frames, gwerrors.Wrap(gwerrors.ErrStreamFailed, "stream closed by server")
			}
			frames++
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idle)
			m.handleFrame(line)
		}
	}
}

func (m *Manager) handleFrame(line []byte) {
	if len(line) == 0 {
		return
	}

	var frame streamFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		m.logger.Debug().Err(err).Msg("dropping malformed stream frame")
		return
	}

	m.statsMu.Lock()
	m.framesTotal++
	if frame.Type == "HEARTBEAT" {
		m.heartbeats++
	}
	m.statsMu.Unlock()

	if frame.Type != "PRICE" || len(frame.Bids) == 0 || len(frame.Asks) == 0 {
		return
	}

	bid, err1 := strconv.ParseFloat(frame.Bids[0].Price, 64)
	ask, err2 := strconv.ParseFloat(frame.Asks[0].Price, 64)
	if err1 != nil || err2 != nil {
		return
	}
	ts, err := time.Parse(time.RFC3339Nano, frame.Time)
	if err != nil {
		ts = time.Now()
	}

	update := models.NewPriceUpdate(frame.Instrument, bid, ask, ts)

	m.mu.Lock()
	m.lastPrice[frame.Instrument] = update
	m.lastFrame = time.Now()
	m.mu.Unlock()

	m.hub.Publish(update)
}

// signalReady releases a Start call waiting on the first connection
// attempt.
func (m *Manager) signalReady() {
	m.readyOnce.Do(func() { close(m.ready) })
}

func (m *Manager) setFailed() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	m.hub.Close()
}

// Stats returns a snapshot of stream counters.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	m.mu.RLock()
	running := m.running
	lastFrame := m.lastFrame
	cached := len(m.lastPrice)
	m.mu.RUnlock()

	return Stats{
		Running:           running,
		FramesTotal:       m.framesTotal,
		Heartbeats:        m.heartbeats,
		Reconnects:        m.reconnects,
		LastFrame:         lastFrame,
		CachedInstruments: cached,
		LastError:         m.lastError,
	}
}

// Stats is a snapshot of the stream manager's counters.
type Stats struct {
	Running           bool
	FramesTotal       uint64
	Heartbeats        uint64
	Reconnects        uint64
	LastFrame         time.Time
	CachedInstruments int
	LastError         error
}
