package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trananhduc/apexbot/internal/broker"
	"github.com/trananhduc/apexbot/internal/execution"
	"github.com/trananhduc/apexbot/internal/types"
	"github.com/trananhduc/apexbot/pkg/indicator"
)

// MarketData supplies historical bars, typically the tiered cache.
type MarketData interface {
	GetBars(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.Bar, error)
}

// Trader submits orders, typically the execution engine.
type Trader interface {
	PlaceOrder(ctx context.Context, req execution.PlaceRequest) (*broker.OrderResult, error)
}

// OvernightConfig holds overnight range breakout settings.
type OvernightConfig struct {
	Timeframe    types.Timeframe
	LookbackBars int
	Quantity     int
	PollInterval time.Duration

	// MinATR skips entries while the lookback window's average true
	// range sits below this floor. Zero disables the filter.
	MinATR decimal.Decimal
	// TrendBars, when positive, only takes breakouts in the direction
	// of the moving average of that many closes.
	TrendBars int
}

// DefaultOvernightConfig returns default settings: the range is built
// from the last two hours of 1-minute bars.
func DefaultOvernightConfig() OvernightConfig {
	return OvernightConfig{
		Timeframe:    types.Timeframe1m,
		LookbackBars: 120,
		Quantity:     1,
		PollInterval: time.Minute,
	}
}

// OvernightRange trades breakouts of the overnight consolidation
// range: a close above the range high goes long, a close below the
// range low goes short, at most once per session per symbol.
type OvernightRange struct {
	cfg    OvernightConfig
	logger *slog.Logger
	data   MarketData
	trader Trader

	mu        sync.Mutex
	running   bool
	symbols   []string
	startedAt time.Time
	triggered map[string]string // symbol -> session date already traded
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewOvernightRange creates the strategy.
func NewOvernightRange(cfg OvernightConfig, data MarketData, trader Trader, logger *slog.Logger) *OvernightRange {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeframe == 0 {
		cfg.Timeframe = DefaultOvernightConfig().Timeframe
	}
	if cfg.LookbackBars <= 0 {
		cfg.LookbackBars = DefaultOvernightConfig().LookbackBars
	}
	if cfg.Quantity <= 0 {
		cfg.Quantity = DefaultOvernightConfig().Quantity
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultOvernightConfig().PollInterval
	}

	return &OvernightRange{
		cfg:       cfg,
		logger:    logger,
		data:      data,
		trader:    trader,
		triggered: make(map[string]string),
	}
}

// OvernightRangeName is the strategy's registry name.
const OvernightRangeName = "overnight_range"

func (s *OvernightRange) Name() string { return OvernightRangeName }

// Configure applies option overrides. Unknown keys are rejected so a
// typo in a config file surfaces instead of silently doing nothing.
func (s *OvernightRange) Configure(opts map[string]string) error {
	for key, val := range opts {
		switch key {
		case "quantity":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return fmt.Errorf("%w: quantity %q", types.ErrInvalidConfig, val)
			}
			s.cfg.Quantity = n
		case "lookback_bars":
			n, err := strconv.Atoi(val)
			if err != nil || n < 2 {
				return fmt.Errorf("%w: lookback_bars %q", types.ErrInvalidConfig, val)
			}
			s.cfg.LookbackBars = n
		case "timeframe":
			tf, err := types.ParseTimeframe(val)
			if err != nil {
				return err
			}
			s.cfg.Timeframe = tf
		case "min_atr":
			atr, err := decimal.NewFromString(val)
			if err != nil || atr.IsNegative() {
				return fmt.Errorf("%w: min_atr %q", types.ErrInvalidConfig, val)
			}
			s.cfg.MinATR = atr
		case "trend_bars":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return fmt.Errorf("%w: trend_bars %q", types.ErrInvalidConfig, val)
			}
			s.cfg.TrendBars = n
		default:
			return fmt.Errorf("%w: unknown option %q", types.ErrInvalidConfig, key)
		}
	}
	return nil
}

// Start launches the polling loop.
func (s *OvernightRange) Start(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("%w: %q", types.ErrStrategyActive, s.Name())
	}
	if len(symbols) == 0 {
		return fmt.Errorf("%w: no symbols", types.ErrInvalidConfig)
	}
	for _, sym := range symbols {
		if _, ok := types.GetInstrumentSpec(sym); !ok {
			return fmt.Errorf("%w: %q", types.ErrInvalidSymbol, sym)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.symbols = symbols
	s.startedAt = time.Now()

	s.wg.Add(1)
	go s.run(runCtx, symbols)
	return nil
}

// Stop halts the loop and waits for it to exit.
func (s *OvernightRange) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", types.ErrStrategyInactive, s.Name())
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// Status reports the current state summary.
func (s *OvernightRange) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Name:      s.Name(),
		Running:   s.running,
		Symbols:   append([]string(nil), s.symbols...),
		StartedAt: s.startedAt,
	}
}

func (s *OvernightRange) run(ctx context.Context, symbols []string) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range symbols {
				if err := s.evaluate(ctx, sym); err != nil {
					s.logger.Warn("evaluation failed", "strategy", s.Name(), "symbol", sym, "err", err)
				}
			}
		}
	}
}

// evaluate checks one symbol for a range breakout and submits at most
// one entry per session.
func (s *OvernightRange) evaluate(ctx context.Context, symbol string) error {
	// The trend filter may need more history than the range itself.
	fetch := s.cfg.LookbackBars
	if s.cfg.TrendBars > fetch {
		fetch = s.cfg.TrendBars
	}
	bars, err := s.data.GetBars(ctx, symbol, s.cfg.Timeframe, fetch+1)
	if err != nil {
		return err
	}
	if len(bars) < 3 {
		return nil
	}

	last := bars[len(bars)-1]
	window := bars[:len(bars)-1]
	if len(window) > s.cfg.LookbackBars {
		window = window[len(window)-s.cfg.LookbackBars:]
	}

	session := last.Time.Format("2006-01-02")
	s.mu.Lock()
	done := s.triggered[symbol] == session
	s.mu.Unlock()
	if done {
		return nil
	}

	high := window[0].High
	low := window[0].Low
	for _, b := range window[1:] {
		if b.High.GreaterThan(high) {
			high = b.High
		}
		if b.Low.LessThan(low) {
			low = b.Low
		}
	}

	var side types.Side
	switch {
	case last.Close.GreaterThan(high):
		side = types.SideLong
	case last.Close.LessThan(low):
		side = types.SideShort
	default:
		return nil
	}

	if !s.cfg.MinATR.IsZero() {
		atr, ok := indicator.ATRFromBars(window, len(window))
		if !ok || atr.LessThan(s.cfg.MinATR) {
			s.logger.Debug("breakout skipped, range too quiet",
				"symbol", symbol, "atr", atr, "min_atr", s.cfg.MinATR)
			return nil
		}
	}
	if s.cfg.TrendBars > 0 {
		sma, ok := indicator.SMAFromCloses(bars, s.cfg.TrendBars)
		if ok {
			withTrend := (side == types.SideLong && last.Close.GreaterThan(sma)) ||
				(side == types.SideShort && last.Close.LessThan(sma))
			if !withTrend {
				s.logger.Debug("breakout skipped, against trend",
					"symbol", symbol, "side", side, "sma", sma, "close", last.Close)
				return nil
			}
		}
	}

	res, err := s.trader.PlaceOrder(ctx, execution.PlaceRequest{
		Symbol:   symbol,
		Side:     side,
		Quantity: s.cfg.Quantity,
		Type:     types.OrderTypeMarket,
	})
	if err != nil {
		return fmt.Errorf("breakout entry: %w", err)
	}

	s.mu.Lock()
	s.triggered[symbol] = session
	s.mu.Unlock()

	s.logger.Info("range breakout entry",
		"strategy", s.Name(),
		"symbol", symbol,
		"side", side,
		"close", last.Close,
		"range_high", high,
		"range_low", low,
		"order_id", res.OrderID,
	)
	return nil
}
