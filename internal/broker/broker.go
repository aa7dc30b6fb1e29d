// Package broker defines the origin API surface for order routing,
// position state and historical bars.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trananhduc/apexbot/internal/types"
)

// PlaceOrderRequest describes a new order submission. Tag is the
// client-assigned idempotency tag; the origin recognizes a resubmission
// with the same tag as the same intent.
type PlaceOrderRequest struct {
	AccountID  string
	Symbol     string
	Side       types.Side
	Quantity   int
	Type       types.OrderType
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	Tag        string
}

// ModifyOrderRequest carries the mutable fields of a working order.
// Zero values leave the corresponding field unchanged.
type ModifyOrderRequest struct {
	Quantity   int
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
}

// OrderResult is the uniform outcome of place/modify/cancel.
type OrderResult struct {
	OrderID     string
	Tag         string
	Status      types.OrderStatus
	Message     string
	SubmittedAt time.Time
}

// Account is a tradeable account at the origin.
type Account struct {
	ID       string
	Name     string
	Balance  decimal.Decimal
	CanTrade bool
}

// API is the broker boundary. Implementations must classify failures
// with types.OrderError so callers can distinguish client, server and
// ambiguous outcomes.
type API interface {
	// Order execution
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderResult, error)
	ModifyOrder(ctx context.Context, accountID, orderID string, changes ModifyOrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, accountID, orderID string) (*OrderResult, error)

	// Open state
	SearchOpenOrders(ctx context.Context, accountID string) ([]types.Order, error)
	SearchOpenPositions(ctx context.Context, accountID string) ([]types.Position, error)

	// Historical data
	RetrieveBars(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.Bar, error)

	// Account discovery
	SearchAccounts(ctx context.Context) ([]Account, error)
}

// Quarterly futures month codes.
var monthCodes = map[time.Month]string{
	time.March:     "H",
	time.June:      "M",
	time.September: "U",
	time.December:  "Z",
}

// FrontMonthCode returns the front quarterly contract code, e.g. "U25".
// Index futures roll on the 3rd Friday of Mar, Jun, Sep, Dec.
func FrontMonthCode(now time.Time) string {
	year := now.Year()
	for _, qm := range []time.Month{time.March, time.June, time.September, time.December} {
		if now.Month() <= qm {
			if now.Before(thirdFriday(year, qm)) {
				return fmt.Sprintf("%s%02d", monthCodes[qm], year%100)
			}
		}
	}
	return fmt.Sprintf("%s%02d", monthCodes[time.March], (year+1)%100)
}

// ContractID builds the origin's contract identifier for a symbol,
// e.g. CON.F.US.MNQ.U25.
func ContractID(symbol string, now time.Time) string {
	return fmt.Sprintf("CON.F.US.%s.%s", symbol, FrontMonthCode(now))
}

func thirdFriday(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	daysUntilFriday := (time.Friday - first.Weekday() + 7) % 7
	return first.AddDate(0, 0, int(daysUntilFriday)+14)
}
