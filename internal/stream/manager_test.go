package stream

import (
	"context"
	"io"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oanda-gateway/internal/broker"
	gwerrors "oanda-gateway/internal/errors"
	"oanda-gateway/internal/models"
	"oanda-gateway/internal/resilience"
)

// scriptedSource plays back one scripted connection per open. The final
// entry repeats once the script is exhausted.
type scriptedSource struct {
	mu    sync.Mutex
	conns []func() (io.ReadCloser, error)
	opens int
}

func (s *scriptedSource) OpenPricingStream(ctx context.Context, instruments []string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.opens
	s.opens++
	if idx >= len(s.conns) {
		idx = len(s.conns) - 1
	}
	return s.conns[idx]()
}

func (s *scriptedSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func failConn() (io.ReadCloser, error) {
	return nil, gwerrors.ErrStreamFailed
}

func framesThenEOF(lines ...string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n")), nil
	}
}

// framesThenHold emits frames and keeps the connection open until closed.
func framesThenHold(lines ...string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		go func() {
			for _, line := range lines {
				if _, err := pw.Write([]byte(line + "\n")); err != nil {
					return
				}
			}
		}()
		return pr, nil
	}
}

func fastConfig(instruments ...string) ManagerConfig {
	return ManagerConfig{
		Instruments:          instruments,
		MaxReconnectAttempts: 3,
		IdleTimeout:          time.Second,
		Backoff:              resilience.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
	}
}

const (
	priceFrameEUR = `{"type":"PRICE","instrument":"EUR_USD","time":"2026-08-29T10:00:00.000000000Z","bids":[{"price":"1.10000"}],"asks":[{"price":"1.10020"}]}`
	priceFrameJPY = `{"type":"PRICE","instrument":"USD_JPY","time":"2026-08-29T10:00:01.000000000Z","bids":[{"price":"155.100"}],"asks":[{"price":"155.120"}]}`
	heartbeat     = `{"type":"HEARTBEAT","time":"2026-08-29T10:00:02.000000000Z"}`
)

func TestManager_IngestsPriceFrames(t *testing.T) {
	source := &scriptedSource{conns: []func() (io.ReadCloser, error){
		framesThenHold(priceFrameEUR, heartbeat, priceFrameJPY),
	}}
	m := NewManager(source, fastConfig("EUR_USD", "USD_JPY"), zerolog.Nop())

	ch := m.Subscribe("EUR_USD")
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	select {
	case got := <-ch:
		assert.Equal(t, "EUR_USD", got.Instrument)
		assert.Equal(t, 1.1, got.Bid)
		assert.Equal(t, 1.1002, got.Ask)
	case <-time.After(2 * time.Second):
		t.Fatal("no price delivered")
	}

	assert.Eventually(t, func() bool {
		_, err := m.CurrentPrice("USD_JPY")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	eur, err := m.CurrentPrice("EUR_USD")
	require.NoError(t, err)
	assert.InDelta(t, 1.1001, eur.Mid, 1e-9)

	stats := m.Stats()
	assert.True(t, stats.Running)
	assert.GreaterOrEqual(t, stats.FramesTotal, uint64(3))
	assert.Equal(t, uint64(1), stats.Heartbeats)
	assert.Equal(t, 2, stats.CachedInstruments)
}

func TestManager_CurrentPriceUnknownInstrument(t *testing.T) {
	source := &scriptedSource{conns: []func() (io.ReadCloser, error){
		framesThenHold(priceFrameEUR),
	}}
	m := NewManager(source, fastConfig("EUR_USD"), zerolog.Nop())

	// Not started yet: the stream itself is the problem, not the cache.
	_, err := m.CurrentPrice("EUR_USD")
	assert.ErrorIs(t, err, gwerrors.ErrNotStreaming)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	_, err = m.CurrentPrice("GBP_USD")
	assert.ErrorIs(t, err, gwerrors.ErrNoCurrentPrice)
}

func TestManager_DoubleStart(t *testing.T) {
	source := &scriptedSource{conns: []func() (io.ReadCloser, error){
		framesThenHold(priceFrameEUR),
	}}
	m := NewManager(source, fastConfig("EUR_USD"), zerolog.Nop())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.ErrorIs(t, m.Start(context.Background()), gwerrors.ErrAlreadyStreaming)
}

func TestManager_ReconnectAfterDisconnect(t *testing.T) {
	source := &scriptedSource{conns: []func() (io.ReadCloser, error){
		framesThenEOF(priceFrameEUR),
		framesThenHold(priceFrameJPY),
	}}
	m := NewManager(source, fastConfig("EUR_USD", "USD_JPY"), zerolog.Nop())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Eventually(t, func() bool {
		_, err := m.CurrentPrice("USD_JPY")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "second connection must deliver")

	assert.GreaterOrEqual(t, source.openCount(), 2)
	assert.GreaterOrEqual(t, m.Stats().Reconnects, uint64(1))
	assert.True(t, m.IsRunning())
}

func TestManager_GivesUpAfterMaxReconnectAttempts(t *testing.T) {
	source := &scriptedSource{conns: []func() (io.ReadCloser, error){failConn}}
	cfg := fastConfig("EUR_USD")
	m := NewManager(source, cfg, zerolog.Nop())

	require.NoError(t, m.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return !m.IsRunning()
	}, 2*time.Second, 5*time.Millisecond, "stream must give up")

	// One initial connection plus the allowed reconnect attempts.
	assert.Equal(t, cfg.MaxReconnectAttempts+1, source.openCount())
	assert.Error(t, m.Stats().LastError)
}

func TestManager_MalformedFramesAreSkipped(t *testing.T) {
	source := &scriptedSource{conns: []func() (io.ReadCloser, error){
		framesThenHold("not json at all", priceFrameEUR),
	}}
	m := NewManager(source, fastConfig("EUR_USD"), zerolog.Nop())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Eventually(t, func() bool {
		_, err := m.CurrentPrice("EUR_USD")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_IdleTimeoutForcesReconnect(t *testing.T) {
	holdSilent := func() (io.ReadCloser, error) {
		pr, _ := io.Pipe()
		return pr, nil
	}
	source := &scriptedSource{conns: []func() (io.ReadCloser, error){
		holdSilent,
		framesThenHold(priceFrameEUR),
	}}
	cfg := fastConfig("EUR_USD")
	cfg.IdleTimeout = 30 * time.Millisecond
	m := NewManager(source, cfg, zerolog.Nop())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Eventually(t, func() bool {
		_, err := m.CurrentPrice("EUR_USD")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "silent connection must be cycled")
	assert.GreaterOrEqual(t, source.openCount(), 2)
}

func TestManager_StopClosesSubscribers(t *testing.T) {
	source := &scriptedSource{conns: []func() (io.ReadCloser, error){
		framesThenHold(priceFrameEUR),
	}}
	m := NewManager(source, fastConfig("EUR_USD"), zerolog.Nop())

	ch := m.Subscribe("EUR_USD")
	require.NoError(t, m.Start(context.Background()))

	m.Stop()
	assert.False(t, m.IsRunning())

	assert.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "subscriber channel must be closed on stop")
}

// laggardConn yields one frame per interval and ignores Close, so every
// idle teardown leaves the scanner holding an undelivered line.
type laggardConn struct {
	interval time.Duration
}

func (c *laggardConn) Read(p []byte) (int, error) {
	time.Sleep(c.interval)
	return copy(p, priceFrameEUR+"\n"), nil
}

func (c *laggardConn) Close() error { return nil }

func TestIdleTeardownReleasesScanner(t *testing.T) {
	// Frames arrive slower than the idle timeout: each connection is torn
	// down while its scanner still has a line in flight. Those scanners
	// must exit with the connection instead of parking on the send.
	source := &scriptedSource{conns: []func() (io.ReadCloser, error){
		func() (io.ReadCloser, error) {
			return &laggardConn{interval: 40 * time.Millisecond}, nil
		},
	}}
	cfg := fastConfig("EUR_USD")
	cfg.IdleTimeout = 20 * time.Millisecond
	cfg.MaxReconnectAttempts = 100

	m := NewManager(source, cfg, zerolog.Nop())

	base := runtime.NumGoroutine()
	require.NoError(t, m.Start(context.Background()))
	time.Sleep(400 * time.Millisecond)
	during := runtime.NumGoroutine()
	m.Stop()

	assert.LessOrEqual(t, during, base+6,
		"scanner goroutines must not pile up across reconnects")
}

func TestStart_DeliversFirstTickAfterReturn(t *testing.T) {
	paper := broker.NewPaperBroker()
	m := NewManager(paper, DefaultManagerConfig([]string{"EUR_USD"}), zerolog.Nop())

	ch := m.Subscribe("EUR_USD")
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	// Start must not return before the connection exists, or this single
	// publish would vanish.
	paper.SetPrice(models.NewPriceUpdate("EUR_USD", 1.0999, 1.1001, time.Now()))

	select {
	case update := <-ch:
		assert.Equal(t, "EUR_USD", update.Instrument)
		assert.InDelta(t, 1.1000, update.Mid, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("tick published immediately after start was lost")
	}
}

func TestSubscribeFunc_PanicDoesNotKillSubscription(t *testing.T) {
	hub := NewHub()
	m := NewManager(nil, ManagerConfig{Hub: hub}, zerolog.Nop())

	var mu sync.Mutex
	var delivered []float64
	calls := 0
	id := m.SubscribeFunc("EUR_USD", func(u models.PriceUpdate) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			panic("subscriber bug")
		}
		mu.Lock()
		delivered = append(delivered, u.Mid)
		mu.Unlock()
	})

	hub.Publish(models.NewPriceUpdate("EUR_USD", 1.0999, 1.1001, time.Now()))
	hub.Publish(models.NewPriceUpdate("EUR_USD", 1.1009, 1.1011, time.Now()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, time.Second, 5*time.Millisecond, "second update still delivered after the first panicked")

	m.UnsubscribeFunc(id)
	assert.Zero(t, hub.SubscriberCount("EUR_USD"))
}
