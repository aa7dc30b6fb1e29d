// Package auth manages the broker authentication token lifecycle.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/trananhduc/apexbot/internal/types"
)

// Config holds authentication settings.
type Config struct {
	BaseURL   string
	Username  string
	APIKey    string
	AccountID string

	// BootstrapToken seeds the session from an externally issued token
	// (e.g. the APEX_JWT environment variable on managed deployments).
	BootstrapToken string

	// ExpiryMargin refreshes the token this long before hard expiry so
	// an order submission never races a mid-flight invalidation.
	ExpiryMargin time.Duration

	// AssumedLifetime is used when a token carries no exp claim.
	AssumedLifetime time.Duration

	RequestTimeout time.Duration
}

// DefaultConfig returns default auth settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "https://api.topstepx.com",
		ExpiryMargin:    5 * time.Minute,
		AssumedLifetime: 30 * time.Minute,
		RequestTimeout:  30 * time.Second,
	}
}

// Manager owns the session token for one account. Refreshes are
// single-flight: concurrent callers await the same in-flight request
// instead of issuing duplicates.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	client *resty.Client
	group  singleflight.Group

	mu      sync.RWMutex
	current *types.Session

	now func() time.Time
}

// NewManager creates a session manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ExpiryMargin <= 0 {
		cfg.ExpiryMargin = 5 * time.Minute
	}
	if cfg.AssumedLifetime <= 0 {
		cfg.AssumedLifetime = 30 * time.Minute
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger,
		client: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.RequestTimeout).
			SetHeader("Content-Type", "application/json"),
		now: time.Now,
	}

	if cfg.BootstrapToken != "" {
		sess := m.sessionFromToken(cfg.BootstrapToken)
		m.current = sess
		m.logger.Info("session bootstrapped from provided token",
			"account", cfg.AccountID,
			"expires_at", sess.ExpiresAt,
		)
	}

	return m
}

// Session returns a valid session for the account, refreshing the
// token first when it is missing or inside the expiry margin.
func (m *Manager) Session(ctx context.Context) (*types.Session, error) {
	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()

	if current.ValidFor(m.now(), m.cfg.ExpiryMargin) {
		return current, nil
	}

	v, err, shared := m.group.Do("refresh", func() (any, error) {
		// A refresh that completed while we were queued satisfies us.
		m.mu.RLock()
		sess := m.current
		m.mu.RUnlock()
		if sess.ValidFor(m.now(), m.cfg.ExpiryMargin) {
			return sess, nil
		}
		return m.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debug("session refresh coalesced", "account", m.cfg.AccountID)
	}
	return v.(*types.Session), nil
}

// Token returns the current raw token, or empty when unauthenticated.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.Token
}

// Invalidate drops the current session so the next caller refreshes.
// Used when the origin reports the token rejected mid-session.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}

type loginRequest struct {
	UserName string `json:"userName"`
	APIKey   string `json:"apiKey"`
}

type loginResponse struct {
	Token        string `json:"token"`
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (m *Manager) refresh(ctx context.Context) (*types.Session, error) {
	if m.cfg.Username == "" || m.cfg.APIKey == "" {
		return nil, types.ErrNoCredentials
	}

	m.logger.Info("refreshing session token", "account", m.cfg.AccountID)

	var out loginResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(loginRequest{UserName: m.cfg.Username, APIKey: m.cfg.APIKey}).
		SetResult(&out).
		Post("/api/Auth/loginKey")
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}

	switch {
	case resp.StatusCode() == 401 || resp.StatusCode() == 403:
		return nil, &types.AuthError{Status: resp.StatusCode(), Message: "credentials rejected"}
	case resp.IsError():
		return nil, fmt.Errorf("login failed: HTTP %d", resp.StatusCode())
	case out.Token == "":
		msg := out.ErrorMessage
		if msg == "" {
			msg = "no token in response"
		}
		return nil, &types.AuthError{Message: msg}
	}

	sess := m.sessionFromToken(out.Token)

	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()

	m.logger.Info("session token refreshed",
		"account", m.cfg.AccountID,
		"expires_at", sess.ExpiresAt,
	)

	return sess, nil
}

// sessionFromToken builds a session, reading the expiry from the
// token's exp claim when present and assuming a fixed lifetime when
// the claim is missing or unparseable.
func (m *Manager) sessionFromToken(token string) *types.Session {
	now := m.now()
	sess := &types.Session{
		Token:     token,
		AccountID: m.cfg.AccountID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.cfg.AssumedLifetime),
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		m.logger.Warn("could not parse token expiry, assuming fixed lifetime",
			"lifetime", m.cfg.AssumedLifetime, "err", err)
		return sess
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	} else {
		m.logger.Warn("token has no exp claim, assuming fixed lifetime",
			"lifetime", m.cfg.AssumedLifetime)
	}
	return sess
}
