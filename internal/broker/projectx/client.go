// Package projectx implements the broker API against a ProjectX-style
// REST gateway.
package projectx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/trananhduc/apexbot/internal/broker"
	"github.com/trananhduc/apexbot/internal/types"
)

// Wire encodings used by the gateway.
const (
	wireTypeLimit  = 1
	wireTypeMarket = 2
	wireTypeStop   = 4

	wireSideBuy  = 0
	wireSideSell = 1
)

// TokenSource supplies and invalidates session tokens.
type TokenSource interface {
	Session(ctx context.Context) (*types.Session, error)
	Invalidate()
}

// Config holds gateway client settings.
type Config struct {
	BaseURL           string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns default gateway settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.topstepx.com",
		RequestTimeout:    30 * time.Second,
		RequestsPerSecond: 4,
		Burst:             8,
	}
}

// Client is the managed-path broker implementation. All requests are
// rate limited and carry the current session token.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	http    *resty.Client
	tokens  TokenSource
	limiter *rate.Limiter
	now     func() time.Time
}

// New creates a gateway client.
func New(cfg Config, tokens TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultConfig().Burst
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		cfg:     cfg,
		logger:  logger,
		http:    httpClient,
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		now:     time.Now,
	}
}

var _ broker.API = (*Client)(nil)

type apiEnvelope struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type orderResponse struct {
	apiEnvelope
	OrderID int64 `json:"orderId"`
}

// post runs one rate-limited authenticated request. The returned error
// is classified: transport failures are ambiguous (the gateway may
// have executed the request), 401/403 is an auth rejection, other 4xx
// is a client error, 5xx is a server error.
func (c *Client) post(ctx context.Context, path string, body, result any, tag string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &types.OrderError{Class: types.ErrorClassClient, Tag: tag, Message: fmt.Sprintf("rate limit wait: %v", err)}
	}

	sess, err := c.tokens.Session(ctx)
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(sess.Token).
		SetBody(body).
		SetResult(result).
		Post(path)
	if err != nil {
		return &types.OrderError{Class: types.ErrorClassAmbiguous, Tag: tag, Message: err.Error()}
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		c.tokens.Invalidate()
		return &types.AuthError{Status: status, Message: strings.TrimSpace(resp.String())}
	case status >= 500:
		return &types.OrderError{Class: types.ErrorClassServer, Status: status, Tag: tag, Message: strings.TrimSpace(resp.String())}
	case status >= 400:
		return &types.OrderError{Class: types.ErrorClassClient, Status: status, Tag: tag, Message: strings.TrimSpace(resp.String())}
	}
	return nil
}

// checkEnvelope turns an application-level rejection into a client
// error. The gateway returned 200, so the request definitely executed
// and was refused; retrying cannot help.
func checkEnvelope(env apiEnvelope, tag string) error {
	if env.Success {
		return nil
	}
	return &types.OrderError{
		Class:   types.ErrorClassClient,
		Tag:     tag,
		Message: fmt.Sprintf("gateway refused request (code %d): %s", env.ErrorCode, env.ErrorMessage),
	}
}

type placeOrderPayload struct {
	AccountID  string   `json:"accountId"`
	ContractID string   `json:"contractId"`
	Type       int      `json:"type"`
	Side       int      `json:"side"`
	Size       int      `json:"size"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
	StopPrice  *float64 `json:"stopPrice,omitempty"`
	CustomTag  string   `json:"customTag"`
}

// PlaceOrder submits a new order carrying the caller's idempotency tag.
func (c *Client) PlaceOrder(ctx context.Context, req broker.PlaceOrderRequest) (*broker.OrderResult, error) {
	payload := placeOrderPayload{
		AccountID:  req.AccountID,
		ContractID: broker.ContractID(req.Symbol, c.now()),
		Type:       wireOrderType(req.Type),
		Side:       wireSide(req.Side),
		Size:       req.Quantity,
		CustomTag:  req.Tag,
	}
	if !req.LimitPrice.IsZero() {
		v, _ := req.LimitPrice.Float64()
		payload.LimitPrice = &v
	}
	if !req.StopPrice.IsZero() {
		v, _ := req.StopPrice.Float64()
		payload.StopPrice = &v
	}

	var out orderResponse
	if err := c.post(ctx, "/api/Order/place", payload, &out, req.Tag); err != nil {
		return nil, err
	}
	if err := checkEnvelope(out.apiEnvelope, req.Tag); err != nil {
		return nil, err
	}

	return &broker.OrderResult{
		OrderID:     strconv.FormatInt(out.OrderID, 10),
		Tag:         req.Tag,
		Status:      types.OrderStatusWorking,
		SubmittedAt: c.now(),
	}, nil
}

type modifyOrderPayload struct {
	AccountID  string   `json:"accountId"`
	OrderID    int64    `json:"orderId"`
	Size       *int     `json:"size,omitempty"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
	StopPrice  *float64 `json:"stopPrice,omitempty"`
}

// ModifyOrder updates the mutable fields of a working order.
func (c *Client) ModifyOrder(ctx context.Context, accountID, orderID string, changes broker.ModifyOrderRequest) (*broker.OrderResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, &types.OrderError{Class: types.ErrorClassClient, Message: fmt.Sprintf("malformed order id %q", orderID)}
	}

	payload := modifyOrderPayload{AccountID: accountID, OrderID: id}
	if changes.Quantity > 0 {
		payload.Size = &changes.Quantity
	}
	if !changes.LimitPrice.IsZero() {
		v, _ := changes.LimitPrice.Float64()
		payload.LimitPrice = &v
	}
	if !changes.StopPrice.IsZero() {
		v, _ := changes.StopPrice.Float64()
		payload.StopPrice = &v
	}

	var out apiEnvelope
	if err := c.post(ctx, "/api/Order/modify", payload, &out, ""); err != nil {
		return nil, err
	}
	if err := checkEnvelope(out, ""); err != nil {
		return nil, err
	}

	return &broker.OrderResult{
		OrderID:     orderID,
		Status:      types.OrderStatusWorking,
		SubmittedAt: c.now(),
	}, nil
}

type cancelOrderPayload struct {
	AccountID string `json:"accountId"`
	OrderID   int64  `json:"orderId"`
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID string) (*broker.OrderResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, &types.OrderError{Class: types.ErrorClassClient, Message: fmt.Sprintf("malformed order id %q", orderID)}
	}

	var out apiEnvelope
	if err := c.post(ctx, "/api/Order/cancel", cancelOrderPayload{AccountID: accountID, OrderID: id}, &out, ""); err != nil {
		return nil, err
	}
	if err := checkEnvelope(out, ""); err != nil {
		return nil, err
	}

	return &broker.OrderResult{
		OrderID:     orderID,
		Status:      types.OrderStatusCancelled,
		SubmittedAt: c.now(),
	}, nil
}

type accountPayload struct {
	AccountID string `json:"accountId"`
}

type apiOrder struct {
	ID                int64            `json:"id"`
	AccountID         int64            `json:"accountId"`
	ContractID        string           `json:"contractId"`
	CustomTag         string           `json:"customTag"`
	Status            int              `json:"status"`
	Type              int              `json:"type"`
	Side              int              `json:"side"`
	Size              int              `json:"size"`
	LimitPrice        *decimal.Decimal `json:"limitPrice"`
	StopPrice         *decimal.Decimal `json:"stopPrice"`
	CreationTimestamp time.Time        `json:"creationTimestamp"`
	UpdateTimestamp   time.Time        `json:"updateTimestamp"`
}

type searchOrdersResponse struct {
	apiEnvelope
	Orders []apiOrder `json:"orders"`
}

// SearchOpenOrders lists working orders for an account.
func (c *Client) SearchOpenOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	var out searchOrdersResponse
	if err := c.post(ctx, "/api/Order/searchOpen", accountPayload{AccountID: accountID}, &out, ""); err != nil {
		return nil, err
	}
	if err := checkEnvelope(out.apiEnvelope, ""); err != nil {
		return nil, err
	}

	orders := make([]types.Order, 0, len(out.Orders))
	for _, o := range out.Orders {
		orders = append(orders, types.Order{
			ID:         strconv.FormatInt(o.ID, 10),
			Tag:        o.CustomTag,
			AccountID:  accountID,
			Symbol:     symbolFromContract(o.ContractID),
			Side:       sideFromWire(o.Side),
			Quantity:   o.Size,
			Type:       orderTypeFromWire(o.Type),
			LimitPrice: derefDecimal(o.LimitPrice),
			StopPrice:  derefDecimal(o.StopPrice),
			Status:     statusFromWire(o.Status),
			CreatedAt:  o.CreationTimestamp,
			UpdatedAt:  o.UpdateTimestamp,
		})
	}
	return orders, nil
}

type apiPosition struct {
	ID                int64           `json:"id"`
	AccountID         int64           `json:"accountId"`
	ContractID        string          `json:"contractId"`
	Type              int             `json:"type"` // 1 long, 2 short
	Size              int             `json:"size"`
	AveragePrice      decimal.Decimal `json:"averagePrice"`
	CreationTimestamp time.Time       `json:"creationTimestamp"`
}

type searchPositionsResponse struct {
	apiEnvelope
	Positions []apiPosition `json:"positions"`
}

// SearchOpenPositions lists open positions for an account.
func (c *Client) SearchOpenPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	var out searchPositionsResponse
	if err := c.post(ctx, "/api/Position/searchOpen", accountPayload{AccountID: accountID}, &out, ""); err != nil {
		return nil, err
	}
	if err := checkEnvelope(out.apiEnvelope, ""); err != nil {
		return nil, err
	}

	positions := make([]types.Position, 0, len(out.Positions))
	for _, p := range out.Positions {
		qty := p.Size
		if p.Type == 2 {
			qty = -qty
		}
		positions = append(positions, types.Position{
			ID:        strconv.FormatInt(p.ID, 10),
			AccountID: accountID,
			Symbol:    symbolFromContract(p.ContractID),
			Quantity:  qty,
			AvgPrice:  p.AveragePrice,
			UpdatedAt: p.CreationTimestamp,
		})
	}
	return positions, nil
}

type retrieveBarsPayload struct {
	ContractID        string    `json:"contractId"`
	Live              bool      `json:"live"`
	StartTime         time.Time `json:"startTime"`
	EndTime           time.Time `json:"endTime"`
	Unit              int       `json:"unit"`
	UnitNumber        int       `json:"unitNumber"`
	Limit             int       `json:"limit"`
	IncludePartialBar bool      `json:"includePartialBar"`
}

type apiBar struct {
	Time   time.Time       `json:"t"`
	Open   decimal.Decimal `json:"o"`
	High   decimal.Decimal `json:"h"`
	Low    decimal.Decimal `json:"l"`
	Close  decimal.Decimal `json:"c"`
	Volume int64           `json:"v"`
}

type retrieveBarsResponse struct {
	apiEnvelope
	Bars []apiBar `json:"bars"`
}

// RetrieveBars fetches the most recent count completed bars. Results
// are returned oldest first.
func (c *Client) RetrieveBars(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.Bar, error) {
	unit, unitNumber, err := wireTimeframe(tf)
	if err != nil {
		return nil, err
	}

	end := c.now()
	// Pad the window: closed market hours produce no bars.
	start := end.Add(-time.Duration(count) * tf.Interval() * 4)

	payload := retrieveBarsPayload{
		ContractID: broker.ContractID(symbol, end),
		StartTime:  start,
		EndTime:    end,
		Unit:       unit,
		UnitNumber: unitNumber,
		Limit:      count,
	}

	var out retrieveBarsResponse
	if err := c.post(ctx, "/api/History/retrieveBars", payload, &out, ""); err != nil {
		return nil, err
	}
	if err := checkEnvelope(out.apiEnvelope, ""); err != nil {
		return nil, err
	}

	// The gateway returns newest first.
	bars := make([]types.Bar, 0, len(out.Bars))
	for i := len(out.Bars) - 1; i >= 0; i-- {
		b := out.Bars[i]
		bars = append(bars, types.Bar{
			Time:   b.Time,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		})
	}
	return bars, nil
}

type apiAccount struct {
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	Balance  decimal.Decimal `json:"balance"`
	CanTrade bool            `json:"canTrade"`
}

type searchAccountsResponse struct {
	apiEnvelope
	Accounts []apiAccount `json:"accounts"`
}

// SearchAccounts lists active tradeable accounts.
func (c *Client) SearchAccounts(ctx context.Context) ([]broker.Account, error) {
	body := map[string]bool{"onlyActiveAccounts": true}

	var out searchAccountsResponse
	if err := c.post(ctx, "/api/Account/search", body, &out, ""); err != nil {
		return nil, err
	}
	if err := checkEnvelope(out.apiEnvelope, ""); err != nil {
		return nil, err
	}

	accounts := make([]broker.Account, 0, len(out.Accounts))
	for _, a := range out.Accounts {
		accounts = append(accounts, broker.Account{
			ID:       strconv.FormatInt(a.ID, 10),
			Name:     a.Name,
			Balance:  a.Balance,
			CanTrade: a.CanTrade,
		})
	}
	return accounts, nil
}

func wireOrderType(t types.OrderType) int {
	switch t {
	case types.OrderTypeLimit:
		return wireTypeLimit
	case types.OrderTypeStop:
		return wireTypeStop
	default:
		return wireTypeMarket
	}
}

func orderTypeFromWire(t int) types.OrderType {
	switch t {
	case wireTypeLimit:
		return types.OrderTypeLimit
	case wireTypeStop:
		return types.OrderTypeStop
	default:
		return types.OrderTypeMarket
	}
}

func wireSide(s types.Side) int {
	if s == types.SideShort {
		return wireSideSell
	}
	return wireSideBuy
}

func sideFromWire(s int) types.Side {
	if s == wireSideSell {
		return types.SideShort
	}
	return types.SideLong
}

// Gateway order status codes: 0 none, 1 open, 2 filled, 3 cancelled,
// 4 expired, 5 rejected, 6 pending.
func statusFromWire(s int) types.OrderStatus {
	switch s {
	case 1:
		return types.OrderStatusWorking
	case 2:
		return types.OrderStatusFilled
	case 3, 4:
		return types.OrderStatusCancelled
	case 5:
		return types.OrderStatusRejected
	default:
		return types.OrderStatusPending
	}
}

// Gateway bar units: 1 second, 2 minute, 3 hour, 4 day.
func wireTimeframe(tf types.Timeframe) (unit, unitNumber int, err error) {
	d := tf.Interval()
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return 4, int(d / (24 * time.Hour)), nil
	case d >= time.Hour && d%time.Hour == 0:
		return 3, int(d / time.Hour), nil
	case d >= time.Minute && d%time.Minute == 0:
		return 2, int(d / time.Minute), nil
	case d >= time.Second && d%time.Second == 0:
		return 1, int(d / time.Second), nil
	default:
		return 0, 0, fmt.Errorf("%w: %s", types.ErrInvalidTimeframe, tf)
	}
}

// symbolFromContract extracts the root symbol from a contract id like
// CON.F.US.MNQ.U25.
func symbolFromContract(contractID string) string {
	parts := strings.Split(contractID, ".")
	if len(parts) >= 4 {
		return parts[3]
	}
	return contractID
}

func derefDecimal(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Decimal{}
	}
	return *d
}
