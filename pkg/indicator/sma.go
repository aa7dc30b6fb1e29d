// Package indicator provides rolling indicator calculations on bar
// series.
package indicator

import (
	"github.com/shopspring/decimal"

	"github.com/trananhduc/apexbot/internal/types"
)

// SMA is a rolling simple moving average over a fixed period.
type SMA struct {
	period int
	window []decimal.Decimal
	sum    decimal.Decimal
}

// NewSMA creates an SMA calculator. Periods below 1 are clamped to 1.
func NewSMA(period int) *SMA {
	if period < 1 {
		period = 1
	}
	return &SMA{
		period: period,
		window: make([]decimal.Decimal, 0, period),
	}
}

// Update folds one value in and returns the current average. Zero until
// the window is full.
func (s *SMA) Update(value decimal.Decimal) decimal.Decimal {
	s.window = append(s.window, value)
	s.sum = s.sum.Add(value)
	if len(s.window) > s.period {
		s.sum = s.sum.Sub(s.window[0])
		s.window = s.window[1:]
	}
	return s.Value()
}

// Value returns the current average, zero if not yet ready.
func (s *SMA) Value() decimal.Decimal {
	if !s.Ready() {
		return decimal.Zero
	}
	return s.sum.Div(decimal.NewFromInt(int64(s.period)))
}

// Ready reports whether a full period of values has been seen.
func (s *SMA) Ready() bool {
	return len(s.window) >= s.period
}

// SMAFromCloses computes the simple moving average of the trailing
// period closes. The second return is false when the series is too
// short.
func SMAFromCloses(bars []types.Bar, period int) (decimal.Decimal, bool) {
	if period < 1 || len(bars) < period {
		return decimal.Zero, false
	}
	s := NewSMA(period)
	for _, b := range bars[len(bars)-period:] {
		s.Update(b.Close)
	}
	return s.Value(), true
}
