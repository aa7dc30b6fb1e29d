// Package paper provides a simulated gateway for dry-run sessions.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trananhduc/apexbot/internal/broker"
	"github.com/trananhduc/apexbot/internal/types"
)

// Config holds simulation settings.
type Config struct {
	AccountID     string
	SlippageTicks int
}

// DefaultConfig returns default simulation settings.
func DefaultConfig() Config {
	return Config{
		AccountID:     "SIM",
		SlippageTicks: 1,
	}
}

// Client implements broker.API against in-memory state. Market orders
// fill immediately at the last known price plus slippage; limit and
// stop orders rest as working until cancelled. Tags are idempotent:
// re-submitting a known tag returns the original order instead of
// creating a duplicate.
type Client struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	nextID    int64
	orders    map[string]*types.Order
	byTag     map[string]string
	positions map[string]*types.Position
	prices    map[string]decimal.Decimal
}

var _ broker.API = (*Client)(nil)

// New creates a simulated gateway.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AccountID == "" {
		cfg.AccountID = DefaultConfig().AccountID
	}

	return &Client{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		nextID:    1,
		orders:    make(map[string]*types.Order),
		byTag:     make(map[string]string),
		positions: make(map[string]*types.Position),
		prices:    make(map[string]decimal.Decimal),
	}
}

// SetPrice pins the simulated last price for a symbol.
func (c *Client) SetPrice(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
}

func (c *Client) lastPriceLocked(symbol string) decimal.Decimal {
	if p, ok := c.prices[symbol]; ok {
		return p
	}
	// Deterministic seed so a cold simulation still produces fills.
	seed := decimal.NewFromInt(1000)
	if spec, ok := types.GetInstrumentSpec(symbol); ok {
		seed = spec.TickSize.Mul(decimal.NewFromInt(80000))
	}
	c.prices[symbol] = seed
	return seed
}

// PlaceOrder simulates a submission.
func (c *Client) PlaceOrder(ctx context.Context, req broker.PlaceOrderRequest) (*broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	spec, ok := types.GetInstrumentSpec(req.Symbol)
	if !ok {
		return nil, &types.OrderError{
			Class: types.ErrorClassClient, Tag: req.Tag,
			Message: fmt.Sprintf("unknown instrument %q", req.Symbol),
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Tag != "" {
		if id, dup := c.byTag[req.Tag]; dup {
			existing := c.orders[id]
			c.logger.Info("duplicate tag returned existing simulated order",
				"tag", req.Tag, "order_id", id)
			return &broker.OrderResult{
				OrderID: id, Tag: req.Tag,
				Status: existing.Status, SubmittedAt: existing.CreatedAt,
			}, nil
		}
	}

	id := fmt.Sprintf("SIM-%d", c.nextID)
	c.nextID++
	now := c.now()

	order := &types.Order{
		ID:         id,
		Tag:        req.Tag,
		AccountID:  c.cfg.AccountID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Type:       req.Type,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		Status:     types.OrderStatusWorking,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if req.Type == types.OrderTypeMarket {
		fill := c.lastPriceLocked(req.Symbol)
		slip := spec.TickSize.Mul(decimal.NewFromInt(int64(c.cfg.SlippageTicks)))
		if req.Side == types.SideLong {
			fill = fill.Add(slip)
		} else {
			fill = fill.Sub(slip)
		}
		order.Status = types.OrderStatusFilled
		c.applyFillLocked(req.Symbol, req.Side, req.Quantity, fill, now)
		c.logger.Info("simulated fill",
			"order_id", id, "symbol", req.Symbol, "side", req.Side,
			"quantity", req.Quantity, "price", fill)
	}

	c.orders[id] = order
	if req.Tag != "" {
		c.byTag[req.Tag] = id
	}

	return &broker.OrderResult{
		OrderID: id, Tag: req.Tag,
		Status: order.Status, SubmittedAt: now,
	}, nil
}

func (c *Client) applyFillLocked(symbol string, side types.Side, quantity int, price decimal.Decimal, now time.Time) {
	signed := quantity
	if side == types.SideShort {
		signed = -quantity
	}

	pos, ok := c.positions[symbol]
	if !ok {
		c.positions[symbol] = &types.Position{
			ID:        fmt.Sprintf("POS-%s", symbol),
			AccountID: c.cfg.AccountID,
			Symbol:    symbol,
			Quantity:  signed,
			AvgPrice:  price,
			UpdatedAt: now,
		}
		c.prices[symbol] = price
		return
	}

	next := pos.Quantity + signed
	switch {
	case next == 0:
		delete(c.positions, symbol)
	case (pos.Quantity > 0) == (next > 0) && pos.Quantity != 0:
		// Same direction: blend the average entry.
		oldAbs := decimal.NewFromInt(int64(pos.AbsQuantity()))
		addAbs := decimal.NewFromInt(int64(quantity))
		total := oldAbs.Add(addAbs)
		pos.AvgPrice = pos.AvgPrice.Mul(oldAbs).Add(price.Mul(addAbs)).Div(total)
		pos.Quantity = next
	default:
		// Reduced or flipped: the remainder carries the fill price.
		pos.Quantity = next
		pos.AvgPrice = price
	}
	if p, ok := c.positions[symbol]; ok {
		p.UpdatedAt = now
	}
	c.prices[symbol] = price
}

// ModifyOrder updates a resting order.
func (c *Client) ModifyOrder(ctx context.Context, accountID, orderID string, changes broker.ModifyOrderRequest) (*broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	order, ok := c.orders[orderID]
	if !ok || order.Status.IsTerminal() {
		return nil, &types.OrderError{
			Class:   types.ErrorClassClient,
			Message: fmt.Sprintf("order %s is not working", orderID),
		}
	}

	if changes.Quantity > 0 {
		order.Quantity = changes.Quantity
	}
	if !changes.LimitPrice.IsZero() {
		order.LimitPrice = changes.LimitPrice
	}
	if !changes.StopPrice.IsZero() {
		order.StopPrice = changes.StopPrice
	}
	order.UpdatedAt = c.now()

	return &broker.OrderResult{OrderID: orderID, Tag: order.Tag, Status: order.Status, SubmittedAt: order.UpdatedAt}, nil
}

// CancelOrder cancels a resting order. Cancelling an already-terminal
// order is a no-op, matching gateway behavior.
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID string) (*broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	order, ok := c.orders[orderID]
	if !ok {
		return nil, &types.OrderError{
			Class:   types.ErrorClassClient,
			Message: fmt.Sprintf("unknown order %s", orderID),
		}
	}
	if !order.Status.IsTerminal() {
		order.Status = types.OrderStatusCancelled
		order.UpdatedAt = c.now()
	}
	return &broker.OrderResult{OrderID: orderID, Tag: order.Tag, Status: order.Status, SubmittedAt: order.UpdatedAt}, nil
}

// SearchOpenOrders lists working orders.
func (c *Client) SearchOpenOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []types.Order
	for _, o := range c.orders {
		if o.Status == types.OrderStatusWorking {
			out = append(out, *o)
		}
	}
	return out, nil
}

// SearchOpenPositions lists open positions.
func (c *Client) SearchOpenPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []types.Position
	for _, p := range c.positions {
		out = append(out, *p)
	}
	return out, nil
}

// RetrieveBars synthesizes a deterministic bar series ending at the
// simulated last price.
func (c *Client) RetrieveBars(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	spec, ok := types.GetInstrumentSpec(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidSymbol, symbol)
	}

	c.mu.Lock()
	last := c.lastPriceLocked(symbol)
	c.mu.Unlock()

	end := c.now().Truncate(tf.Interval())
	bars := make([]types.Bar, 0, count)
	for i := count - 1; i >= 0; i-- {
		// A gentle sawtooth keeps highs above lows without randomness.
		offset := spec.TickSize.Mul(decimal.NewFromInt(int64(i % 7)))
		closePx := last.Sub(offset)
		bars = append(bars, types.Bar{
			Time:   end.Add(-time.Duration(i) * tf.Interval()),
			Open:   closePx.Sub(spec.TickSize),
			High:   closePx.Add(spec.TickSize),
			Low:    closePx.Sub(spec.TickSize.Mul(decimal.NewFromInt(2))),
			Close:  closePx,
			Volume: 250,
		})
	}
	return bars, nil
}

// SearchAccounts returns the single simulated account.
func (c *Client) SearchAccounts(ctx context.Context) ([]broker.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []broker.Account{{
		ID:       c.cfg.AccountID,
		Name:     "Simulated Account",
		Balance:  decimal.NewFromInt(50000),
		CanTrade: true,
	}}, nil
}
