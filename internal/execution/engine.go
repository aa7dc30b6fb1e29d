package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/trananhduc/apexbot/internal/broker"
	"github.com/trananhduc/apexbot/internal/metrics"
	"github.com/trananhduc/apexbot/internal/types"
)

// Config holds execution engine settings.
type Config struct {
	AccountID string

	// HotEnabled routes operations through the accelerated path first.
	HotEnabled bool

	// MaxRetries bounds managed-path retries for server and ambiguous
	// failures. Client errors are never retried.
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns default execution settings.
func DefaultConfig() Config {
	return Config{
		HotEnabled: true,
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
	}
}

// PlaceRequest describes a new order from a strategy's point of view.
// The engine assigns the account and the idempotency tag.
type PlaceRequest struct {
	Symbol     string
	Side       types.Side
	Quantity   int
	Type       types.OrderType
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
}

// Engine dispatches order operations across the hot and managed paths.
// Callers observe one result per operation regardless of which path,
// or how many attempts, served it.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	hot      OrderPath
	managed  OrderPath
	origin   broker.API
	recorder *metrics.Recorder
	newTag   func() string
	sleep    func(ctx context.Context, d time.Duration) error
	audit    func(AuditRecord)
}

// AuditRecord describes one completed order operation: which path
// served it, with what outcome, and how long it took.
type AuditRecord struct {
	Op      string
	Symbol  string
	Path    string
	OrderID string
	Tag     string
	Status  string
	Latency time.Duration
}

// NewEngine creates an execution engine. hot may be nil, in which case
// every operation runs on the managed path.
func NewEngine(cfg Config, origin broker.API, hot OrderPath, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}

	return &Engine{
		cfg:      cfg,
		logger:   logger,
		hot:      hot,
		managed:  NewManagedPath(origin),
		origin:   origin,
		recorder: metrics.NewRecorder(),
		newTag:   func() string { return uuid.New().String() },
		sleep:    sleepCtx,
	}
}

// SetAudit installs a hook invoked once per completed order operation,
// successful or not. The hook must not block.
func (e *Engine) SetAudit(fn func(AuditRecord)) {
	e.audit = fn
}

// PlaceOrder submits a new order. The idempotency tag is assigned once
// and reused across every retry and path, so an ambiguous failure can
// never double-execute the intent.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceRequest) (*broker.OrderResult, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", types.ErrInvalidQuantity, req.Quantity)
	}
	if _, ok := types.GetInstrumentSpec(req.Symbol); !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidSymbol, req.Symbol)
	}

	full := broker.PlaceOrderRequest{
		AccountID:  e.cfg.AccountID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Type:       req.Type,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		Tag:        e.newTag(),
	}

	res, err := e.dispatch(ctx, "place", req.Symbol, full.Tag, func(ctx context.Context, p OrderPath) (*broker.OrderResult, error) {
		return p.Place(ctx, full)
	})
	if err != nil && types.OrderErrorClass(err) == types.ErrorClassAmbiguous {
		// The origin may have accepted a submission we never heard back
		// about. The tag is the authority.
		if found := e.findByTag(ctx, full.Tag); found != nil {
			e.logger.Info("ambiguous submission resolved via idempotency tag",
				"tag", full.Tag, "order_id", found.OrderID)
			return found, nil
		}
	}
	return res, err
}

// ModifyOrder updates a working order.
func (e *Engine) ModifyOrder(ctx context.Context, orderID string, changes broker.ModifyOrderRequest) (*broker.OrderResult, error) {
	return e.dispatch(ctx, "modify", "", "", func(ctx context.Context, p OrderPath) (*broker.OrderResult, error) {
		return p.Modify(ctx, e.cfg.AccountID, orderID, changes)
	})
}

// CancelOrder cancels a working order.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*broker.OrderResult, error) {
	return e.dispatch(ctx, "cancel", "", "", func(ctx context.Context, p OrderPath) (*broker.OrderResult, error) {
		return p.Cancel(ctx, e.cfg.AccountID, orderID)
	})
}

// OpenOrders lists working orders for the engine's account.
func (e *Engine) OpenOrders(ctx context.Context) ([]types.Order, error) {
	return e.origin.SearchOpenOrders(ctx, e.cfg.AccountID)
}

// OpenPositions lists open positions for the engine's account.
func (e *Engine) OpenPositions(ctx context.Context) ([]types.Position, error) {
	return e.origin.SearchOpenPositions(ctx, e.cfg.AccountID)
}

type pathOp func(ctx context.Context, p OrderPath) (*broker.OrderResult, error)

// dispatch tries the hot path once, then the managed path with bounded
// retries. Server errors wait a fixed delay; ambiguous errors retry
// immediately with the same tag; client errors surface at once.
func (e *Engine) dispatch(ctx context.Context, op, symbol, tag string, fn pathOp) (*broker.OrderResult, error) {
	if e.hot != nil && e.cfg.HotEnabled {
		timer := metrics.NewTimer()
		res, err := fn(ctx, e.hot)
		timer.ObservePath(e.hot.Name())
		if err == nil {
			e.recordResult(symbol, op, res)
			e.auditResult(op, symbol, tag, e.hot.Name(), res, timer.Elapsed())
			return res, nil
		}
		e.logger.Warn("hot path failed, falling back to managed",
			"op", op, "latency", timer.Elapsed(), "err", err)
		e.recorder.RecordFallback()
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			class := types.OrderErrorClass(lastErr)
			e.recorder.RecordRetry(class.String())
			e.logger.Warn("retrying order operation",
				"op", op, "attempt", attempt, "class", class.String(), "err", lastErr)
			if class == types.ErrorClassServer {
				if err := e.sleep(ctx, e.cfg.RetryDelay); err != nil {
					return nil, err
				}
			}
		}

		timer := metrics.NewTimer()
		res, err := fn(ctx, e.managed)
		timer.ObservePath(e.managed.Name())
		if err == nil {
			e.recordResult(symbol, op, res)
			e.auditResult(op, symbol, tag, e.managed.Name(), res, timer.Elapsed())
			return res, nil
		}
		lastErr = err

		if types.IsAuthError(err) {
			break
		}
		var oe *types.OrderError
		if errors.As(err, &oe) && !oe.Retryable() {
			break
		}
	}

	e.recorder.RecordOrder(symbol, op, "error")
	if e.audit != nil {
		e.audit(AuditRecord{Op: op, Symbol: symbol, Path: e.managed.Name(), Tag: tag, Status: "error"})
	}
	return nil, lastErr
}

func (e *Engine) auditResult(op, symbol, tag, path string, res *broker.OrderResult, latency time.Duration) {
	if e.audit == nil {
		return
	}
	rec := AuditRecord{Op: op, Symbol: symbol, Path: path, Tag: tag, Status: "ok", Latency: latency}
	if res != nil {
		rec.OrderID = res.OrderID
		rec.Status = res.Status.String()
		if res.Tag != "" {
			rec.Tag = res.Tag
		}
	}
	e.audit(rec)
}

func (e *Engine) recordResult(symbol, op string, res *broker.OrderResult) {
	status := "ok"
	if res != nil {
		status = res.Status.String()
	}
	e.recorder.RecordOrder(symbol, op, status)
}

// findByTag checks whether the origin knows an order for the tag.
func (e *Engine) findByTag(ctx context.Context, tag string) *broker.OrderResult {
	orders, err := e.origin.SearchOpenOrders(ctx, e.cfg.AccountID)
	if err != nil {
		e.logger.Warn("tag resolution lookup failed", "tag", tag, "err", err)
		return nil
	}
	for _, o := range orders {
		if o.Tag == tag {
			return &broker.OrderResult{
				OrderID:     o.ID,
				Tag:         tag,
				Status:      o.Status,
				SubmittedAt: o.CreatedAt,
			}
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
