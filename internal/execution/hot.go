package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/trananhduc/apexbot/internal/broker"
	"github.com/trananhduc/apexbot/internal/types"
)

// HotConfig tunes the accelerated order path. The hot path trades
// robustness for latency: short timeouts, pre-warmed connections, no
// compression. Any failure is handed to the managed path by the
// dispatcher, so it fails fast rather than retrying.
type HotConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// DefaultHotConfig returns default hot path settings.
func DefaultHotConfig() HotConfig {
	return HotConfig{
		BaseURL:        "https://api.topstepx.com",
		RequestTimeout: 2 * time.Second,
	}
}

// TokenSource supplies session tokens for request authorization.
type TokenSource interface {
	Session(ctx context.Context) (*types.Session, error)
}

// hotPath is the accelerated OrderPath implementation.
type hotPath struct {
	cfg    HotConfig
	client *http.Client
	tokens TokenSource
	now    func() time.Time
}

// NewHotPath creates the accelerated path with a tuned transport.
func NewHotPath(cfg HotConfig, tokens TokenSource) OrderPath {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultHotConfig().RequestTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   2 * time.Second,
			KeepAlive: 15 * time.Second,
		}).DialContext,
		MaxIdleConns:        8,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 3 * time.Second,
		DisableCompression:  true,
	}

	return &hotPath{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		tokens: tokens,
		now:    time.Now,
	}
}

func (p *hotPath) Name() string { return "hot" }

type hotEnvelope struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	OrderID      int64  `json:"orderId"`
}

// post runs one request and decodes the envelope. Error classification
// mirrors the managed path so the dispatcher treats both uniformly.
func (p *hotPath) post(ctx context.Context, path string, body any, tag string) (*hotEnvelope, error) {
	sess, err := p.tokens.Session(ctx)
	if err != nil {
		return nil, err
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, &types.OrderError{Class: types.ErrorClassClient, Tag: tag, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, &types.OrderError{Class: types.ErrorClassClient, Tag: tag, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sess.Token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &types.OrderError{Class: types.ErrorClassAmbiguous, Tag: tag, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &types.AuthError{Status: resp.StatusCode, Message: "hot path rejected"}
	case resp.StatusCode >= 500:
		return nil, &types.OrderError{Class: types.ErrorClassServer, Status: resp.StatusCode, Tag: tag, Message: "gateway server error"}
	case resp.StatusCode >= 400:
		return nil, &types.OrderError{Class: types.ErrorClassClient, Status: resp.StatusCode, Tag: tag, Message: "gateway client error"}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &types.OrderError{Class: types.ErrorClassAmbiguous, Tag: tag, Message: err.Error()}
	}

	var env hotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Unexpected response shape: the dispatcher falls back.
		return nil, &types.OrderError{Class: types.ErrorClassAmbiguous, Tag: tag, Message: fmt.Sprintf("unexpected response: %v", err)}
	}
	if !env.Success {
		return nil, &types.OrderError{
			Class:   types.ErrorClassClient,
			Tag:     tag,
			Message: fmt.Sprintf("gateway refused request (code %d): %s", env.ErrorCode, env.ErrorMessage),
		}
	}
	return &env, nil
}

func (p *hotPath) Place(ctx context.Context, req broker.PlaceOrderRequest) (*broker.OrderResult, error) {
	body := map[string]any{
		"accountId":  req.AccountID,
		"contractId": broker.ContractID(req.Symbol, p.now()),
		"type":       hotOrderType(req.Type),
		"side":       hotSide(req.Side),
		"size":       req.Quantity,
		"customTag":  req.Tag,
	}
	if !req.LimitPrice.IsZero() {
		body["limitPrice"], _ = req.LimitPrice.Float64()
	}
	if !req.StopPrice.IsZero() {
		body["stopPrice"], _ = req.StopPrice.Float64()
	}

	env, err := p.post(ctx, "/api/Order/place", body, req.Tag)
	if err != nil {
		return nil, err
	}
	return &broker.OrderResult{
		OrderID:     strconv.FormatInt(env.OrderID, 10),
		Tag:         req.Tag,
		Status:      types.OrderStatusWorking,
		SubmittedAt: p.now(),
	}, nil
}

func (p *hotPath) Modify(ctx context.Context, accountID, orderID string, changes broker.ModifyOrderRequest) (*broker.OrderResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, &types.OrderError{Class: types.ErrorClassClient, Message: fmt.Sprintf("malformed order id %q", orderID)}
	}

	body := map[string]any{"accountId": accountID, "orderId": id}
	if changes.Quantity > 0 {
		body["size"] = changes.Quantity
	}
	if !changes.LimitPrice.IsZero() {
		body["limitPrice"], _ = changes.LimitPrice.Float64()
	}
	if !changes.StopPrice.IsZero() {
		body["stopPrice"], _ = changes.StopPrice.Float64()
	}

	if _, err := p.post(ctx, "/api/Order/modify", body, ""); err != nil {
		return nil, err
	}
	return &broker.OrderResult{OrderID: orderID, Status: types.OrderStatusWorking, SubmittedAt: p.now()}, nil
}

func (p *hotPath) Cancel(ctx context.Context, accountID, orderID string) (*broker.OrderResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, &types.OrderError{Class: types.ErrorClassClient, Message: fmt.Sprintf("malformed order id %q", orderID)}
	}

	if _, err := p.post(ctx, "/api/Order/cancel", map[string]any{"accountId": accountID, "orderId": id}, ""); err != nil {
		return nil, err
	}
	return &broker.OrderResult{OrderID: orderID, Status: types.OrderStatusCancelled, SubmittedAt: p.now()}, nil
}

func hotOrderType(t types.OrderType) int {
	switch t {
	case types.OrderTypeLimit:
		return 1
	case types.OrderTypeStop:
		return 4
	default:
		return 2
	}
}

func hotSide(s types.Side) int {
	if s == types.SideShort {
		return 1
	}
	return 0
}
