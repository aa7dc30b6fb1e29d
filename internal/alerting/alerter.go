// Package alerting provides operator notifications for session events.
package alerting

import (
	"context"
	"fmt"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for routine lifecycle messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for degraded but self-healing conditions.
	SeverityWarning
	// SeverityCritical is for conditions requiring operator action.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message. fields
	// are alternating key/value pairs, slog style.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// Event is a predefined session event.
type Event string

const (
	// EventSessionStarted fires when a trading session comes up.
	EventSessionStarted Event = "session_started"
	// EventSessionStopped fires when a trading session shuts down.
	EventSessionStopped Event = "session_stopped"
	// EventStreamLost fires when the market stream is declared
	// permanently failed and trading halts.
	EventStreamLost Event = "stream_lost"
	// EventStreamDegraded fires while the stream is reconnecting.
	EventStreamDegraded Event = "stream_degraded"
	// EventOrderRejected fires when an order operation exhausts every
	// path and retry.
	EventOrderRejected Event = "order_rejected"
	// EventOrphanCancelled fires when the reconciler cancels a
	// protective leg left without its sibling.
	EventOrphanCancelled Event = "orphan_cancelled"
	// EventStrategyStarted fires when a strategy launches.
	EventStrategyStarted Event = "strategy_started"
	// EventStrategyStopped fires when a strategy halts.
	EventStrategyStopped Event = "strategy_stopped"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event Event) Severity {
	switch event {
	case EventStreamLost:
		return SeverityCritical
	case EventStreamDegraded, EventOrderRejected, EventOrphanCancelled:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// FormatFields renders alternating key/value pairs as bullet lines.
// Keys that are not strings are skipped.
func FormatFields(fields ...any) string {
	out := ""
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += fmt.Sprintf("- %s: %v", key, fields[i+1])
	}
	return out
}
