// Package strategy implements trading strategies and their lifecycle.
package strategy

import (
	"context"
	"time"
)

// Strategy is the capability contract every trading strategy honors.
// Concrete strategies vary in behavior but not in lifecycle.
type Strategy interface {
	// Name returns the strategy identifier used in persistence,
	// environment keys and CLI commands.
	Name() string

	// Configure applies option overrides before Start. Unknown keys
	// are rejected.
	Configure(opts map[string]string) error

	// Start launches the strategy's scheduling loop for the given
	// symbols. The loop must exit when ctx is cancelled. Start returns
	// once the loop is running.
	Start(ctx context.Context, symbols []string) error

	// Stop halts the loop and waits for in-flight work to finish.
	Stop() error

	// Status reports the strategy's current state summary.
	Status() Status
}

// Status is a point-in-time strategy state summary.
type Status struct {
	Name      string
	Running   bool
	Symbols   []string
	StartedAt time.Time
}
