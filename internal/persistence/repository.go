// Package persistence stores durable strategy state and the order
// execution audit trail.
package persistence

import (
	"context"
	"strings"
	"time"

	"github.com/trananhduc/apexbot/internal/types"
)

// ExecutionRecord is one audited order operation.
type ExecutionRecord struct {
	ID        int64
	AccountID string
	OrderID   string
	Tag       string
	Symbol    string
	Op        string // place, modify, cancel
	Path      string // hot, managed
	Status    string
	LatencyMs int64
	CreatedAt time.Time
}

// Repository is the durable storage boundary.
type Repository interface {
	// Strategy enablement state, keyed by (account, strategy).
	UpsertStrategyState(ctx context.Context, state types.StrategyState) error
	GetStrategyState(ctx context.Context, accountID, name string) (*types.StrategyState, error)
	ListStrategyStates(ctx context.Context, accountID string) ([]types.StrategyState, error)
	DeleteStrategyState(ctx context.Context, accountID, name string) error

	// Execution audit trail.
	SaveExecution(ctx context.Context, rec ExecutionRecord) error
	ListExecutions(ctx context.Context, accountID string, limit int) ([]ExecutionRecord, error)

	Close() error
}

// ParseEnabled normalizes the heterogeneous truthy representations the
// enabled flag has accumulated in storage and environment files.
// Case-insensitive true/1/yes/on enable; anything else disables, so
// type drift can never silently enable a strategy either.
func ParseEnabled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// FormatEnabled renders the canonical storage form of the flag.
func FormatEnabled(enabled bool) string {
	if enabled {
		return "true"
	}
	return "false"
}

func joinSymbols(symbols []string) string {
	return strings.Join(symbols, ",")
}

func splitSymbols(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
