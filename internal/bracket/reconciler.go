// Package bracket links open positions to protective stop/target
// orders and enforces one-cancels-other semantics.
package bracket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trananhduc/apexbot/internal/broker"
	"github.com/trananhduc/apexbot/internal/execution"
	"github.com/trananhduc/apexbot/internal/metrics"
	"github.com/trananhduc/apexbot/internal/types"
)

// Executor is the slice of the execution engine the reconciler needs.
type Executor interface {
	PlaceOrder(ctx context.Context, req execution.PlaceRequest) (*broker.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (*broker.OrderResult, error)
	OpenOrders(ctx context.Context) ([]types.Order, error)
	OpenPositions(ctx context.Context) ([]types.Position, error)
}

// Config holds reconciler settings.
type Config struct {
	// Interval between reconciliation passes.
	Interval time.Duration

	// StopTicks and TargetTicks size the protective legs from the
	// position's average entry price in instrument ticks.
	StopTicks   int
	TargetTicks int
}

// DefaultConfig returns default reconciler settings.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		StopTicks:   40,
		TargetTicks: 80,
	}
}

// pair is one recorded protective linkage.
type pair struct {
	positionID string
	symbol     string
	stopID     string
	targetID   string
}

// Reconciler runs the periodic protective-order pass. It is driven by
// observed position/order state, never by fill callbacks, so a missed
// event is repaired on the next pass.
type Reconciler struct {
	cfg      Config
	logger   *slog.Logger
	exec     Executor
	recorder *metrics.Recorder

	mu    sync.Mutex
	pairs map[string]*pair // keyed by position id
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg Config, exec Executor, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.StopTicks <= 0 {
		cfg.StopTicks = DefaultConfig().StopTicks
	}
	if cfg.TargetTicks <= 0 {
		cfg.TargetTicks = DefaultConfig().TargetTicks
	}

	return &Reconciler{
		cfg:      cfg,
		logger:   logger,
		exec:     exec,
		recorder: metrics.NewRecorder(),
		pairs:    make(map[string]*pair),
	}
}

// Run executes reconciliation passes until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Warn("reconciliation pass failed", "err", err)
			}
		}
	}
}

// Reconcile performs one pass. Re-running it when nothing has changed
// performs no new submissions.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	positions, err := r.exec.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	orders, err := r.exec.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}

	open := make(map[string]types.Order, len(orders))
	for _, o := range orders {
		open[o.ID] = o
	}
	byID := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		if !p.IsFlat() {
			byID[p.ID] = p
		}
	}

	r.enforceOCO(ctx, open, byID)
	r.protect(ctx, open, byID, orders)

	r.mu.Lock()
	n := len(r.pairs)
	r.mu.Unlock()
	r.recorder.RecordBracketPairs(n)
	return nil
}

// enforceOCO inspects each recorded linkage. A leg missing from the
// open-order set has reached a terminal state; its sibling is
// cancelled. A flat position cancels both legs regardless.
func (r *Reconciler) enforceOCO(ctx context.Context, open map[string]types.Order, positions map[string]types.Position) {
	r.mu.Lock()
	linked := make([]*pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		linked = append(linked, p)
	}
	r.mu.Unlock()

	for _, p := range linked {
		_, stopOpen := open[p.stopID]
		_, targetOpen := open[p.targetID]
		_, positionAlive := positions[p.positionID]

		switch {
		case !positionAlive && (stopOpen || targetOpen):
			// The position closed out from under the legs. A failed
			// cancel keeps the pair linked so the next pass retries it.
			r.logger.Info("position flat, cancelling protective legs",
				"symbol", p.symbol, "position_id", p.positionID)
			cleared := true
			if stopOpen && !r.cancelLeg(ctx, p, p.stopID) {
				cleared = false
			}
			if targetOpen && !r.cancelLeg(ctx, p, p.targetID) {
				cleared = false
			}
			if cleared {
				r.unlink(p.positionID)
			}

		case !positionAlive:
			r.unlink(p.positionID)

		case stopOpen != targetOpen:
			// One leg terminal, the other still working: OCO. The
			// linkage survives a failed cancel; unlinking here would
			// let protect submit a second pair over the working leg.
			survivor := p.stopID
			if !stopOpen {
				survivor = p.targetID
			}
			r.logger.Info("protective leg terminal, cancelling sibling",
				"symbol", p.symbol, "position_id", p.positionID, "sibling", survivor)
			if r.cancelLeg(ctx, p, survivor) {
				r.recorder.RecordOCOCancel()
				r.unlink(p.positionID)
			}

		case !stopOpen && !targetOpen:
			// Both terminal: linkage complete.
			r.unlink(p.positionID)
		}
	}
}

// protect submits stop/target legs for non-flat positions without a
// recognized pair. Working protective orders left over from a previous
// process are adopted instead of duplicated.
func (r *Reconciler) protect(ctx context.Context, open map[string]types.Order, positions map[string]types.Position, orders []types.Order) {
	for id, pos := range positions {
		if r.isLinked(id) {
			continue
		}

		if stopID, targetID, ok := findExistingLegs(orders, pos); ok {
			r.logger.Info("adopted existing protective pair",
				"symbol", pos.Symbol, "position_id", id, "stop_id", stopID, "target_id", targetID)
			r.link(&pair{positionID: id, symbol: pos.Symbol, stopID: stopID, targetID: targetID})
			continue
		}

		if err := r.placePair(ctx, pos); err != nil {
			r.logger.Warn("failed to protect position",
				"symbol", pos.Symbol, "position_id", id, "err", err)
		}
	}
}

// placePair computes and submits both protective legs for a position.
func (r *Reconciler) placePair(ctx context.Context, pos types.Position) error {
	spec, ok := types.GetInstrumentSpec(pos.Symbol)
	if !ok {
		return fmt.Errorf("%w: %q", types.ErrInvalidSymbol, pos.Symbol)
	}

	stopDist := spec.TickSize.Mul(decimal.NewFromInt(int64(r.cfg.StopTicks)))
	targetDist := spec.TickSize.Mul(decimal.NewFromInt(int64(r.cfg.TargetTicks)))

	var stopPx, targetPx decimal.Decimal
	if pos.Side() == types.SideLong {
		stopPx = pos.AvgPrice.Sub(stopDist)
		targetPx = pos.AvgPrice.Add(targetDist)
	} else {
		stopPx = pos.AvgPrice.Add(stopDist)
		targetPx = pos.AvgPrice.Sub(targetDist)
	}

	exitSide := pos.Side().Opposite()
	qty := pos.AbsQuantity()

	stopRes, err := r.exec.PlaceOrder(ctx, execution.PlaceRequest{
		Symbol:    pos.Symbol,
		Side:      exitSide,
		Quantity:  qty,
		Type:      types.OrderTypeStop,
		StopPrice: stopPx,
	})
	if err != nil {
		return fmt.Errorf("place stop: %w", err)
	}
	r.recorder.RecordBracketOrder("stop")

	targetRes, err := r.exec.PlaceOrder(ctx, execution.PlaceRequest{
		Symbol:     pos.Symbol,
		Side:       exitSide,
		Quantity:   qty,
		Type:       types.OrderTypeLimit,
		LimitPrice: targetPx,
	})
	if err != nil {
		// Half-protected is worse than unprotected next pass: pull the
		// stop and retry the whole pair later.
		if _, cerr := r.exec.CancelOrder(ctx, stopRes.OrderID); cerr != nil {
			r.logger.Error("orphaned stop leg after target failure",
				"symbol", pos.Symbol, "stop_id", stopRes.OrderID, "err", cerr)
		}
		return fmt.Errorf("place target: %w", err)
	}
	r.recorder.RecordBracketOrder("target")

	r.logger.Info("protective pair placed",
		"symbol", pos.Symbol,
		"position_id", pos.ID,
		"stop", stopPx,
		"target", targetPx,
		"quantity", qty,
	)
	r.link(&pair{positionID: pos.ID, symbol: pos.Symbol, stopID: stopRes.OrderID, targetID: targetRes.OrderID})
	return nil
}

// findExistingLegs recognizes a working stop and limit order that exit
// the position: opposite side, matching symbol and quantity.
func findExistingLegs(orders []types.Order, pos types.Position) (stopID, targetID string, ok bool) {
	exitSide := pos.Side().Opposite()
	for _, o := range orders {
		if o.Symbol != pos.Symbol || o.Side != exitSide || o.Quantity != pos.AbsQuantity() {
			continue
		}
		switch o.Type {
		case types.OrderTypeStop:
			if stopID == "" {
				stopID = o.ID
			}
		case types.OrderTypeLimit:
			if targetID == "" {
				targetID = o.ID
			}
		}
	}
	return stopID, targetID, stopID != "" && targetID != ""
}

func (r *Reconciler) cancelLeg(ctx context.Context, p *pair, orderID string) bool {
	if _, err := r.exec.CancelOrder(ctx, orderID); err != nil {
		r.logger.Warn("leg cancel failed, will retry next pass",
			"symbol", p.symbol, "order_id", orderID, "err", err)
		return false
	}
	return true
}

func (r *Reconciler) isLinked(positionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pairs[positionID]
	return ok
}

func (r *Reconciler) link(p *pair) {
	r.mu.Lock()
	r.pairs[p.positionID] = p
	r.mu.Unlock()
}

func (r *Reconciler) unlink(positionID string) {
	r.mu.Lock()
	delete(r.pairs, positionID)
	r.mu.Unlock()
}

// ActivePairs returns the number of recorded linkages.
func (r *Reconciler) ActivePairs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}
