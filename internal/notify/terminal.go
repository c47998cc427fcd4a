package notify

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"oanda-gateway/internal/models"
	"oanda-gateway/internal/resilience"
)

// Terminal writes human-readable notifications to a writer, typically
// stdout under the run command.
type Terminal struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTerminal creates a terminal notifier.
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w}
}

// NotifyAlert prints a position alert.
func (t *Terminal) NotifyAlert(alert models.Alert) {
	t.printf("[%s] %s %s: %s", alert.Severity, alert.Timestamp.Format("15:04:05"), alert.Type, alert.Message)
}

// NotifyExpiry prints an order expiry notification.
func (t *Terminal) NotifyExpiry(n models.ExpiryNotification) {
	t.printf("[%s] %s expiry: %s", n.Severity, n.Timestamp.Format("15:04:05"), n.Message)
}

// NotifyBreaker prints a circuit breaker transition.
func (t *Terminal) NotifyBreaker(e resilience.Event) {
	t.printf("[CIRCUIT] %s: %s -> %s (%s)", e.Breaker, e.From, e.To, e.Reason)
}

func (t *Terminal) printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, format+"\n", args...)
}

// Log routes notifications into the structured log.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a logging notifier.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "notify").Logger()}
}

// NotifyAlert logs a position alert.
func (l *Log) NotifyAlert(alert models.Alert) {
	l.logger.Info().Str("subject", alert.SubjectID).Str("type", alert.Type).
		Str("severity", string(alert.Severity)).Float64("value", alert.Value).
		Float64("threshold", alert.Threshold).Msg(alert.Message)
}

// NotifyExpiry logs an order expiry notification.
func (l *Log) NotifyExpiry(n models.ExpiryNotification) {
	l.logger.Info().Str("order_id", n.OrderID).Str("severity", string(n.Severity)).
		Float64("minutes", n.MinutesToExpiry).Msg(n.Message)
}

// NotifyBreaker logs a circuit breaker transition.
func (l *Log) NotifyBreaker(e resilience.Event) {
	l.logger.Warn().Str("breaker", e.Breaker).Str("from", string(e.From)).
		Str("to", string(e.To)).Msg(e.Reason)
}

var (
	_ Notifier = (*Terminal)(nil)
	_ Notifier = (*Log)(nil)
)
