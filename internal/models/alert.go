package models

import "time"

// AlertSeverity represents how urgent an alert is.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// Alert is a risk or lifecycle notification about a position or order.
// Alerts are published to a registered sink; the gateway never depends on
// delivery succeeding.
type Alert struct {
	SubjectID string
	Type      string
	Severity  AlertSeverity
	Message   string
	Value     float64
	Threshold float64
	Timestamp time.Time
}

// ExpiryNotification is a tiered pre-expiry warning for a GTD order.
type ExpiryNotification struct {
	OrderID         string
	Instrument      string
	Severity        AlertSeverity
	MinutesToExpiry float64
	Message         string
	Timestamp       time.Time
}
