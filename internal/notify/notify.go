// Package notify adapts gateway alert streams to local sinks. Real
// delivery channels (Slack, email, webhooks) live in an external service
// consuming the same values.
package notify

import (
	"sync"
	"time"

	"oanda-gateway/internal/models"
	"oanda-gateway/internal/resilience"
)

// Notifier consumes gateway alert values.
type Notifier interface {
	NotifyAlert(alert models.Alert)
	NotifyExpiry(n models.ExpiryNotification)
	NotifyBreaker(e resilience.Event)
}

// Level filters which notifications pass through.
type Level string

const (
	// LevelAll passes everything.
	LevelAll Level = "all"
	// LevelWarnings passes WARNING and CRITICAL alerts only.
	LevelWarnings Level = "warnings"
	// LevelCritical passes CRITICAL alerts only.
	LevelCritical Level = "critical"
)

func (l Level) allows(severity models.AlertSeverity) bool {
	switch l {
	case LevelWarnings:
		return severity != models.SeverityInfo
	case LevelCritical:
		return severity == models.SeverityCritical
	default:
		return true
	}
}

// Multi fans notifications out to several notifiers.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	level     Level
}

// NewMulti creates a multi-notifier with the given level filter.
func NewMulti(level Level) *Multi {
	if level == "" {
		level = LevelAll
	}
	return &Multi{level: level}
}

// Add registers a notifier.
func (m *Multi) Add(n Notifier) {
	m.mu.Lock()
	m.notifiers = append(m.notifiers, n)
	m.mu.Unlock()
}

// NotifyAlert forwards an alert to all notifiers passing the level filter.
func (m *Multi) NotifyAlert(alert models.Alert) {
	if !m.level.allows(alert.Severity) {
		return
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	for _, n := range m.snapshot() {
		n.NotifyAlert(alert)
	}
}

// NotifyExpiry forwards an expiry notification.
func (m *Multi) NotifyExpiry(notification models.ExpiryNotification) {
	if !m.level.allows(notification.Severity) {
		return
	}
	for _, n := range m.snapshot() {
		n.NotifyExpiry(notification)
	}
}

// NotifyBreaker forwards a circuit breaker transition.
func (m *Multi) NotifyBreaker(e resilience.Event) {
	for _, n := range m.snapshot() {
		n.NotifyBreaker(e)
	}
}

func (m *Multi) snapshot() []Notifier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Notifier, len(m.notifiers))
	copy(out, m.notifiers)
	return out
}

// NoOp discards every notification.
type NoOp struct{}

// NotifyAlert does nothing.
func (NoOp) NotifyAlert(models.Alert) {}

// NotifyExpiry does nothing.
func (NoOp) NotifyExpiry(models.ExpiryNotification) {}

// NotifyBreaker does nothing.
func (NoOp) NotifyBreaker(resilience.Event) {}

var (
	_ Notifier = (*Multi)(nil)
	_ Notifier = NoOp{}
)
