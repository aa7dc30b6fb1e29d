// Package stream owns the long-lived market data connection and its
// reconnect state machine.
package stream

import (
	"fmt"
	"time"
)

// State represents the streaming connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StatePermanentlyFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StatePermanentlyFailed:
		return "permanently_failed"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the state machine.
type Status struct {
	State       State
	Attempt     int
	NextRetryAt time.Time
}

// Config holds connection resilience settings.
type Config struct {
	HubURL string

	// Backoff schedule: InitialDelay doubling per attempt, capped at
	// MaxDelay. More than MaxAttempts consecutive failures moves the
	// machine to PermanentlyFailed even for transient errors.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int

	KeepAliveInterval time.Duration

	// MinHealthyUptime debounces flapping: a drop resets the attempt
	// counter only when the prior session stayed up at least this long.
	MinHealthyUptime time.Duration
}

// DefaultConfig returns default resilience settings.
func DefaultConfig() Config {
	return Config{
		HubURL:            "wss://rtc.topstepx.com/hubs/market",
		InitialDelay:      2 * time.Second,
		MaxDelay:          60 * time.Second,
		MaxAttempts:       10,
		KeepAliveInterval: 15 * time.Second,
		MinHealthyUptime:  30 * time.Second,
	}
}

// Validate checks the config for usable values.
func (c Config) Validate() error {
	if c.InitialDelay <= 0 {
		return fmt.Errorf("initial delay must be positive")
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("max delay must be >= initial delay")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	return nil
}

// backoffDelay returns the delay before the given attempt (1-based).
// Geometric: initial, doubling, capped at max.
func backoffDelay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}
