// Package stream provides real-time price streaming and distribution.
package stream

import (
	"sync"
	"time"

	"oanda-gateway/internal/models"
)

// HubConfig holds configuration for the price hub.
type HubConfig struct {
	// BufferSize is the size of the internal update channel buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:           1000,
		SubscriberBufferSize: 100,
	}
}

// Hub fans price updates out from a single ingest loop to multiple
// subscribers. Sends to subscribers are non-blocking so one slow consumer
// never stalls the rest.
type Hub struct {
	config      HubConfig
	mu          sync.RWMutex
	subscribers map[string][]*subscriber

	metricsMu       sync.RWMutex
	updatesReceived uint64
	updatesDropped  uint64
}

type subscriber struct {
	ch        chan models.PriceUpdate
	dropped   int
	createdAt time.Time
}

// NewHub creates a hub with default configuration.
func NewHub() *Hub {
	return NewHubWithConfig(DefaultHubConfig())
}

// NewHubWithConfig creates a hub with custom configuration.
func NewHubWithConfig(config HubConfig) *Hub {
	return &Hub{
		config:      config,
		subscribers: make(map[string][]*subscriber),
	}
}

// Subscribe returns a channel receiving updates for one instrument.
func (h *Hub) Subscribe(instrument string) <-chan models.PriceUpdate {
	sub := &subscriber{
		ch:        make(chan models.PriceUpdate, h.config.SubscriberBufferSize),
		createdAt: time.Now(),
	}

	h.mu.Lock()
	h.subscribers[instrument] = append(h.subscribers[instrument], sub)
	h.mu.Unlock()

	return sub.ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(instrument string, ch <-chan models.PriceUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[instrument]
	for i, sub := range subs {
		if sub.ch == ch {
			close(sub.ch)
			h.subscribers[instrument] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subscribers[instrument]) == 0 {
		delete(h.subscribers, instrument)
	}
}

// Publish delivers an update to all subscribers of its instrument. A full
// subscriber buffer drops the update for that subscriber only.
func (h *Hub) Publish(update models.PriceUpdate) {
	h.metricsMu.Lock()
	h.updatesReceived++
	h.metricsMu.Unlock()

	// Sends happen under the read lock so Unsubscribe and Close cannot
	// close a channel mid-fanout. They never block: a full buffer drops.
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers[update.Instrument] {
		select {
		case sub.ch <- update:
		default:
			h.metricsMu.Lock()
			sub.dropped++
			h.updatesDropped++
			h.metricsMu.Unlock()
		}
	}
}

// Close closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for instrument, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(h.subscribers, instrument)
	}
}

// SubscriberCount returns the number of subscribers for an instrument.
func (h *Hub) SubscriberCount(instrument string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[instrument])
}

// Metrics returns hub counters.
func (h *Hub) Metrics() HubMetrics {
	h.metricsMu.RLock()
	defer h.metricsMu.RUnlock()

	h.mu.RLock()
	count := 0
	for _, subs := range h.subscribers {
		count += len(subs)
	}
	h.mu.RUnlock()

	return HubMetrics{
		UpdatesReceived: h.updatesReceived,
		UpdatesDropped:  h.updatesDropped,
		Subscribers:     count,
	}
}

// HubMetrics contains hub counters.
type HubMetrics struct {
	UpdatesReceived uint64
	UpdatesDropped  uint64
	Subscribers     int
}
