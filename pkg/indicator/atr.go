package indicator

import (
	"github.com/shopspring/decimal"

	"github.com/trananhduc/apexbot/internal/types"
)

// ATR is a rolling average true range over a fixed period. True range
// uses the previous close, so the first bar contributes high-low only.
type ATR struct {
	period    int
	prevClose decimal.Decimal
	seen      int
	window    []decimal.Decimal
	sum       decimal.Decimal
}

// NewATR creates an ATR calculator. Periods below 1 are clamped to 1.
func NewATR(period int) *ATR {
	if period < 1 {
		period = 1
	}
	return &ATR{
		period: period,
		window: make([]decimal.Decimal, 0, period),
	}
}

// Update folds one bar into the range and returns the current value.
// Zero until the window is full.
func (a *ATR) Update(high, low, close decimal.Decimal) decimal.Decimal {
	tr := high.Sub(low)
	if a.seen > 0 {
		if hc := high.Sub(a.prevClose).Abs(); hc.GreaterThan(tr) {
			tr = hc
		}
		if lc := low.Sub(a.prevClose).Abs(); lc.GreaterThan(tr) {
			tr = lc
		}
	}
	a.prevClose = close
	a.seen++

	a.window = append(a.window, tr)
	a.sum = a.sum.Add(tr)
	if len(a.window) > a.period {
		a.sum = a.sum.Sub(a.window[0])
		a.window = a.window[1:]
	}
	return a.Value()
}

// Value returns the current average true range, zero if not yet ready.
func (a *ATR) Value() decimal.Decimal {
	if !a.Ready() {
		return decimal.Zero
	}
	return a.sum.Div(decimal.NewFromInt(int64(a.period)))
}

// Ready reports whether a full period of bars has been seen.
func (a *ATR) Ready() bool {
	return len(a.window) >= a.period
}

// ATRFromBars computes the average true range of the trailing period
// bars. The second return is false when the series is too short.
func ATRFromBars(bars []types.Bar, period int) (decimal.Decimal, bool) {
	if period < 1 || len(bars) < period {
		return decimal.Zero, false
	}
	a := NewATR(period)
	// Walk the whole series so the previous close is correct for the
	// first bar inside the window.
	for _, b := range bars {
		a.Update(b.High, b.Low, b.Close)
	}
	return a.Value(), true
}
