// Package risk provides pre-trade order guards.
package risk

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trananhduc/apexbot/internal/broker"
	"github.com/trananhduc/apexbot/internal/execution"
	"github.com/trananhduc/apexbot/internal/types"
)

// Config holds the pre-trade limits. Every limit is an absolute
// contract or symbol count; percent-of-equity sizing belongs to the
// strategies, not the guard.
type Config struct {
	// MaxOrderQuantity caps contracts on a single order.
	MaxOrderQuantity int
	// MaxPositionPerSymbol caps the absolute position after the order
	// fills in the worst case (full fill, no offset).
	MaxPositionPerSymbol int
	// MaxOpenSymbols caps how many symbols may hold a position at once.
	MaxOpenSymbols int
}

// DefaultConfig returns conservative limits for a single-account bot.
func DefaultConfig() Config {
	return Config{
		MaxOrderQuantity:     5,
		MaxPositionPerSymbol: 10,
		MaxOpenSymbols:       3,
	}
}

// PositionSource reports current open positions. The broker client and
// the paper gateway both satisfy it.
type PositionSource interface {
	SearchOpenPositions(ctx context.Context, accountID string) ([]types.Position, error)
}

// Guard rejects orders that would breach the configured limits. It
// holds no position state of its own: every check queries the origin so
// fills from any path, including manual ones, are counted.
type Guard struct {
	cfg       Config
	accountID string
	positions PositionSource
	logger    *slog.Logger
}

// NewGuard creates a pre-trade guard.
func NewGuard(cfg Config, accountID string, positions PositionSource, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		cfg:       cfg,
		accountID: accountID,
		positions: positions,
		logger:    logger,
	}
}

// CheckOrder returns nil if the order may be submitted. A rejection
// wraps types.ErrRiskLimit with the limit that tripped.
func (g *Guard) CheckOrder(ctx context.Context, symbol string, quantity int) error {
	if g.cfg.MaxOrderQuantity > 0 && quantity > g.cfg.MaxOrderQuantity {
		return fmt.Errorf("%w: order quantity %d exceeds max %d",
			types.ErrRiskLimit, quantity, g.cfg.MaxOrderQuantity)
	}

	open, err := g.positions.SearchOpenPositions(ctx, g.accountID)
	if err != nil {
		// Fail closed: an order we cannot verify is an order we do
		// not send.
		return fmt.Errorf("%w: position lookup failed: %v", types.ErrRiskLimit, err)
	}

	var held int
	symbols := make(map[string]bool, len(open))
	for _, p := range open {
		if p.Quantity != 0 {
			symbols[p.Symbol] = true
		}
		if p.Symbol == symbol {
			held = p.AbsQuantity()
		}
	}

	if g.cfg.MaxPositionPerSymbol > 0 && held+quantity > g.cfg.MaxPositionPerSymbol {
		return fmt.Errorf("%w: %s position would reach %d contracts, max %d",
			types.ErrRiskLimit, symbol, held+quantity, g.cfg.MaxPositionPerSymbol)
	}

	if g.cfg.MaxOpenSymbols > 0 && !symbols[symbol] && len(symbols) >= g.cfg.MaxOpenSymbols {
		return fmt.Errorf("%w: %d symbols already open, max %d",
			types.ErrRiskLimit, len(symbols), g.cfg.MaxOpenSymbols)
	}

	return nil
}

// Trader places orders. The execution engine satisfies it.
type Trader interface {
	PlaceOrder(ctx context.Context, req execution.PlaceRequest) (*broker.OrderResult, error)
}

// GuardedTrader runs every order through the guard before handing it to
// the underlying trader. Strategies see a rejection as a normal order
// error and retry on their own schedule.
type GuardedTrader struct {
	guard *Guard
	next  Trader
}

// NewGuardedTrader wraps a trader with pre-trade checks.
func NewGuardedTrader(guard *Guard, next Trader) *GuardedTrader {
	return &GuardedTrader{guard: guard, next: next}
}

// PlaceOrder checks limits, then submits.
func (t *GuardedTrader) PlaceOrder(ctx context.Context, req execution.PlaceRequest) (*broker.OrderResult, error) {
	if err := t.guard.CheckOrder(ctx, req.Symbol, req.Quantity); err != nil {
		t.guard.logger.Warn("order blocked by risk guard",
			"symbol", req.Symbol, "quantity", req.Quantity, "err", err)
		return nil, err
	}
	return t.next.PlaceOrder(ctx, req)
}
