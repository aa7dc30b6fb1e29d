// Package types defines shared types used across the trading system.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order or position.
type Side int

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// OrderType represents the type of order.
type OrderType int

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
	OrderTypeStop
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeStop:
		return "STOP"
	default:
		return "MARKET"
	}
}

// OrderStatus represents the state of an order.
// Lifecycle: Pending -> Working -> Filled | Cancelled | Rejected.
type OrderStatus int

const (
	OrderStatusPending OrderStatus = iota
	OrderStatusWorking
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusWorking:
		return "WORKING"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal returns true if the order can no longer change state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Timeframe is a bar interval.
type Timeframe time.Duration

// Common timeframes.
const (
	Timeframe1m  = Timeframe(time.Minute)
	Timeframe5m  = Timeframe(5 * time.Minute)
	Timeframe15m = Timeframe(15 * time.Minute)
	Timeframe1h  = Timeframe(time.Hour)
	Timeframe1d  = Timeframe(24 * time.Hour)
)

// ParseTimeframe parses strings like "1m", "5m", "1h", "1d".
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
	}
	unit := s[len(s)-1]
	var n int
	if _, err := fmt.Sscanf(s[:len(s)-1], "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
	}
	switch unit {
	case 's':
		return Timeframe(time.Duration(n) * time.Second), nil
	case 'm':
		return Timeframe(time.Duration(n) * time.Minute), nil
	case 'h':
		return Timeframe(time.Duration(n) * time.Hour), nil
	case 'd':
		return Timeframe(time.Duration(n) * 24 * time.Hour), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
	}
}

// Interval returns the bar interval as a duration.
func (t Timeframe) Interval() time.Duration {
	return time.Duration(t)
}

func (t Timeframe) String() string {
	d := time.Duration(t)
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}

// Bar is a single OHLCV bar.
type Bar struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// Quote is a top-of-book market data update.
type Quote struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	Volume    int64
	Timestamp time.Time
}

// Depth is a market depth (level 2) update.
type Depth struct {
	Symbol    string
	Bids      []Level
	Asks      []Level
	Timestamp time.Time
}

// Level is one price level of the book.
type Level struct {
	Price decimal.Decimal
	Size  int64
}

// Order is a broker order as the core tracks it.
type Order struct {
	ID         string // assigned by the broker
	Tag        string // client-side idempotency tag, unique per intent
	AccountID  string
	Symbol     string
	Side       Side
	Quantity   int
	Type       OrderType
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	Status     OrderStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Position is a net position for one symbol.
// Quantity is signed: positive long, negative short.
type Position struct {
	ID        string
	AccountID string
	Symbol    string
	Quantity  int
	AvgPrice  decimal.Decimal
	UpdatedAt time.Time
}

// Side returns the position direction derived from the signed quantity.
func (p Position) Side() Side {
	switch {
	case p.Quantity > 0:
		return SideLong
	case p.Quantity < 0:
		return SideShort
	default:
		return SideFlat
	}
}

// IsFlat returns true when the net quantity is zero.
func (p Position) IsFlat() bool {
	return p.Quantity == 0
}

// AbsQuantity returns the unsigned contract count.
func (p Position) AbsQuantity() int {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// Session is an authenticated broker session for one account.
// Owned by the auth manager; mutated only by refresh.
type Session struct {
	Token     string
	AccountID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ValidFor reports whether the session is still usable at t plus the
// given safety margin. Tokens with unknown expiry are never valid.
func (s *Session) ValidFor(t time.Time, margin time.Duration) bool {
	if s == nil || s.Token == "" || s.ExpiresAt.IsZero() {
		return false
	}
	return t.Add(margin).Before(s.ExpiresAt)
}

// StrategyState is the durable enablement record for one strategy on
// one account.
type StrategyState struct {
	AccountID string
	Name      string
	Enabled   bool
	Symbols   []string
	UpdatedAt time.Time
}

// InstrumentSpec defines the specifications of a trading instrument.
type InstrumentSpec struct {
	Symbol    string
	TickSize  decimal.Decimal // Minimum price movement
	TickValue decimal.Decimal // Dollar value per tick per contract
}

// Common micro futures specifications.
var (
	InstrumentMNQ = InstrumentSpec{
		Symbol:    "MNQ",
		TickSize:  decimal.RequireFromString("0.25"),
		TickValue: decimal.RequireFromString("0.50"),
	}

	InstrumentMES = InstrumentSpec{
		Symbol:    "MES",
		TickSize:  decimal.RequireFromString("0.25"),
		TickValue: decimal.RequireFromString("1.25"),
	}

	InstrumentMGC = InstrumentSpec{
		Symbol:    "MGC",
		TickSize:  decimal.RequireFromString("0.10"),
		TickValue: decimal.RequireFromString("1.00"),
	}
)

// GetInstrumentSpec returns the specification for a symbol.
func GetInstrumentSpec(symbol string) (InstrumentSpec, bool) {
	switch strings.ToUpper(symbol) {
	case "MNQ":
		return InstrumentMNQ, true
	case "MES":
		return InstrumentMES, true
	case "MGC":
		return InstrumentMGC, true
	default:
		return InstrumentSpec{}, false
	}
}
