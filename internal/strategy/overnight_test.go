package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trananhduc/apexbot/internal/broker"
	"github.com/trananhduc/apexbot/internal/execution"
	"github.com/trananhduc/apexbot/internal/types"
)

type fakeMarketData struct {
	bars []types.Bar
	err  error
}

func (f *fakeMarketData) GetBars(context.Context, string, types.Timeframe, int) ([]types.Bar, error) {
	return f.bars, f.err
}

type fakeTrader struct {
	mu     sync.Mutex
	orders []execution.PlaceRequest
	err    error
}

func (f *fakeTrader) PlaceOrder(_ context.Context, req execution.PlaceRequest) (*broker.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.orders = append(f.orders, req)
	return &broker.OrderResult{OrderID: "ord-1", Status: types.OrderStatusWorking}, nil
}

func (f *fakeTrader) placed() []execution.PlaceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execution.PlaceRequest(nil), f.orders...)
}

// rangeBars builds a flat consolidation between low and high, then one
// final bar closing at lastClose.
func rangeBars(low, high, lastClose string, n int) []types.Bar {
	start := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	lo := decimal.RequireFromString(low)
	hi := decimal.RequireFromString(high)
	bars := make([]types.Bar, 0, n+1)
	for i := 0; i < n; i++ {
		bars = append(bars, types.Bar{
			Time: start.Add(time.Duration(i) * time.Minute),
			Open: lo, High: hi, Low: lo, Close: hi,
			Volume: 100,
		})
	}
	close := decimal.RequireFromString(lastClose)
	bars = append(bars, types.Bar{
		Time: start.Add(time.Duration(n) * time.Minute),
		Open: close, High: close, Low: close, Close: close,
		Volume: 100,
	})
	return bars
}

func newTestOvernight(data MarketData, trader Trader) *OvernightRange {
	return NewOvernightRange(OvernightConfig{LookbackBars: 10}, data, trader, nil)
}

func TestOvernight_BreakoutAboveGoesLong(t *testing.T) {
	data := &fakeMarketData{bars: rangeBars("21000", "21050", "21075.25", 10)}
	trader := &fakeTrader{}
	s := newTestOvernight(data, trader)

	if err := s.evaluate(context.Background(), "MNQ"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	orders := trader.placed()
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
	if orders[0].Side != types.SideLong {
		t.Errorf("side = %v, want long", orders[0].Side)
	}
	if orders[0].Type != types.OrderTypeMarket {
		t.Errorf("type = %v, want market", orders[0].Type)
	}
	if orders[0].Symbol != "MNQ" {
		t.Errorf("symbol = %s, want MNQ", orders[0].Symbol)
	}
}

func TestOvernight_BreakdownBelowGoesShort(t *testing.T) {
	data := &fakeMarketData{bars: rangeBars("21000", "21050", "20980", 10)}
	trader := &fakeTrader{}
	s := newTestOvernight(data, trader)

	if err := s.evaluate(context.Background(), "MNQ"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	orders := trader.placed()
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
	if orders[0].Side != types.SideShort {
		t.Errorf("side = %v, want short", orders[0].Side)
	}
}

func TestOvernight_InsideRangeDoesNothing(t *testing.T) {
	data := &fakeMarketData{bars: rangeBars("21000", "21050", "21025", 10)}
	trader := &fakeTrader{}
	s := newTestOvernight(data, trader)

	if err := s.evaluate(context.Background(), "MNQ"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(trader.placed()) != 0 {
		t.Errorf("placed %d orders inside the range", len(trader.placed()))
	}
}

func TestOvernight_OneEntryPerSession(t *testing.T) {
	data := &fakeMarketData{bars: rangeBars("21000", "21050", "21075", 10)}
	trader := &fakeTrader{}
	s := newTestOvernight(data, trader)

	for i := 0; i < 5; i++ {
		if err := s.evaluate(context.Background(), "MNQ"); err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
	}
	if len(trader.placed()) != 1 {
		t.Errorf("orders = %d, want 1 per session", len(trader.placed()))
	}
}

func TestOvernight_FailedEntryRetriesNextPass(t *testing.T) {
	data := &fakeMarketData{bars: rangeBars("21000", "21050", "21075", 10)}
	trader := &fakeTrader{err: errors.New("gateway down")}
	s := newTestOvernight(data, trader)

	if err := s.evaluate(context.Background(), "MNQ"); err == nil {
		t.Fatal("expected entry failure to surface")
	}

	// The session is not marked as traded, so the next pass retries.
	trader.err = nil
	if err := s.evaluate(context.Background(), "MNQ"); err != nil {
		t.Fatalf("retry evaluate: %v", err)
	}
	if len(trader.placed()) != 1 {
		t.Errorf("orders = %d, want 1 after retry", len(trader.placed()))
	}
}

func TestOvernight_MinATRFilter(t *testing.T) {
	// The consolidation bars span 50 points, so the window ATR is 50.
	data := &fakeMarketData{bars: rangeBars("21000", "21050", "21075.25", 10)}
	trader := &fakeTrader{}
	s := newTestOvernight(data, trader)

	if err := s.Configure(map[string]string{"min_atr": "60"}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.evaluate(context.Background(), "MNQ"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(trader.placed()) != 0 {
		t.Fatalf("quiet range traded anyway: %d orders", len(trader.placed()))
	}

	// Lowering the floor lets the same breakout through.
	s.cfg.MinATR = decimal.RequireFromString("40")
	if err := s.evaluate(context.Background(), "MNQ"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(trader.placed()) != 1 {
		t.Errorf("orders = %d, want 1", len(trader.placed()))
	}
}

func TestOvernight_TrendFilterBlocksCounterTrend(t *testing.T) {
	// Thirty bars of much higher closes precede the consolidation, so
	// the long moving average sits far above the breakout close.
	hi := decimal.RequireFromString("21200")
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	var bars []types.Bar
	for i := 0; i < 30; i++ {
		bars = append(bars, types.Bar{
			Time: start.Add(time.Duration(i) * time.Minute),
			Open: hi, High: hi, Low: hi, Close: hi,
			Volume: 100,
		})
	}
	bars = append(bars, rangeBars("21000", "21050", "21075.25", 10)...)

	data := &fakeMarketData{bars: bars}
	trader := &fakeTrader{}
	s := newTestOvernight(data, trader)
	if err := s.Configure(map[string]string{"trend_bars": "40"}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	if err := s.evaluate(context.Background(), "MNQ"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(trader.placed()) != 0 {
		t.Fatalf("counter-trend breakout traded: %d orders", len(trader.placed()))
	}

	// Without the filter the same breakout trades.
	s.cfg.TrendBars = 0
	if err := s.evaluate(context.Background(), "MNQ"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(trader.placed()) != 1 {
		t.Errorf("orders = %d, want 1", len(trader.placed()))
	}
}

func TestOvernight_Configure(t *testing.T) {
	s := newTestOvernight(&fakeMarketData{}, &fakeTrader{})

	if err := s.Configure(map[string]string{
		"quantity":      "3",
		"lookback_bars": "60",
		"timeframe":     "5m",
	}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if s.cfg.Quantity != 3 || s.cfg.LookbackBars != 60 || s.cfg.Timeframe != types.Timeframe5m {
		t.Errorf("config not applied: %+v", s.cfg)
	}

	if err := s.Configure(map[string]string{"quantity": "-1"}); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("negative quantity error = %v, want ErrInvalidConfig", err)
	}
	if err := s.Configure(map[string]string{"lot_size": "2"}); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("unknown option error = %v, want ErrInvalidConfig", err)
	}
}

func TestOvernight_Lifecycle(t *testing.T) {
	data := &fakeMarketData{bars: rangeBars("21000", "21050", "21025", 10)}
	s := NewOvernightRange(OvernightConfig{PollInterval: time.Hour}, data, &fakeTrader{}, nil)

	if err := s.Stop(); !errors.Is(err, types.ErrStrategyInactive) {
		t.Errorf("stop before start error = %v, want ErrStrategyInactive", err)
	}
	if err := s.Start(context.Background(), nil); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("empty symbols error = %v, want ErrInvalidConfig", err)
	}
	if err := s.Start(context.Background(), []string{"XYZ"}); !errors.Is(err, types.ErrInvalidSymbol) {
		t.Errorf("unknown symbol error = %v, want ErrInvalidSymbol", err)
	}

	if err := s.Start(context.Background(), []string{"MNQ"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background(), []string{"MNQ"}); !errors.Is(err, types.ErrStrategyActive) {
		t.Errorf("double start error = %v, want ErrStrategyActive", err)
	}

	st := s.Status()
	if !st.Running || st.Name != "overnight_range" {
		t.Errorf("status = %+v, want running overnight_range", st)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.Status().Running {
		t.Error("still running after stop")
	}
}
