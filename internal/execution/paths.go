// Package execution routes order operations through a hot path with a
// managed fallback behind one contract.
package execution

import (
	"context"

	"github.com/trananhduc/apexbot/internal/broker"
)

// OrderPath executes order operations against the origin. Two
// implementations exist: the hot path (lean tuned transport) and the
// managed path (full-featured reference client). Callers depend only
// on this interface.
type OrderPath interface {
	Name() string
	Place(ctx context.Context, req broker.PlaceOrderRequest) (*broker.OrderResult, error)
	Modify(ctx context.Context, accountID, orderID string, changes broker.ModifyOrderRequest) (*broker.OrderResult, error)
	Cancel(ctx context.Context, accountID, orderID string) (*broker.OrderResult, error)
}

// managedPath adapts the broker API client to the OrderPath contract.
type managedPath struct {
	api broker.API
}

// NewManagedPath wraps a broker API client as the managed path.
func NewManagedPath(api broker.API) OrderPath {
	return &managedPath{api: api}
}

func (p *managedPath) Name() string { return "managed" }

func (p *managedPath) Place(ctx context.Context, req broker.PlaceOrderRequest) (*broker.OrderResult, error) {
	return p.api.PlaceOrder(ctx, req)
}

func (p *managedPath) Modify(ctx context.Context, accountID, orderID string, changes broker.ModifyOrderRequest) (*broker.OrderResult, error) {
	return p.api.ModifyOrder(ctx, accountID, orderID, changes)
}

func (p *managedPath) Cancel(ctx context.Context, accountID, orderID string) (*broker.OrderResult, error) {
	return p.api.CancelOrder(ctx, accountID, orderID)
}
