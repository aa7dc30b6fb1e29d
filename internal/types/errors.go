package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the trading system.
var (
	// Connection errors
	ErrNotConnected      = errors.New("not connected")
	ErrPermanentlyFailed = errors.New("connection permanently failed")

	// Auth errors
	ErrNoCredentials = errors.New("missing API credentials")

	// Cache errors
	ErrCacheMiss = errors.New("cache miss")

	// Strategy errors
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrStrategyActive   = errors.New("strategy already active")
	ErrStrategyInactive = errors.New("strategy not active")

	// Validation errors
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrInvalidSymbol    = errors.New("invalid symbol")
	ErrInvalidTimeframe = errors.New("invalid timeframe")
	ErrInvalidQuantity  = errors.New("invalid order quantity")

	// Risk errors
	ErrRiskLimit = errors.New("risk limit exceeded")
)

// AuthError indicates the origin rejected our credentials. It is fatal
// for the session until re-authentication succeeds and is never
// retried automatically beyond the single coalesced refresh.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("authentication rejected (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("authentication rejected: %s", e.Message)
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ErrorClass classifies order errors for retry decisions.
type ErrorClass int

const (
	// ErrorClassClient is a 4xx-style rejection. Never retried.
	ErrorClassClient ErrorClass = iota
	// ErrorClassServer is a 5xx-style failure. Retried with bounded
	// attempts and a short fixed delay.
	ErrorClassServer
	// ErrorClassAmbiguous is a transport failure where the origin may
	// or may not have executed the request. Retried with the same
	// idempotency tag so the origin recognizes the duplicate.
	ErrorClassAmbiguous
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorClassServer:
		return "server"
	case ErrorClassAmbiguous:
		return "ambiguous"
	default:
		return "client"
	}
}

// OrderError is an order operation failure with its retry class.
type OrderError struct {
	Class   ErrorClass
	Status  int
	Tag     string
	Message string
}

func (e *OrderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("order error (%s, HTTP %d): %s", e.Class, e.Status, e.Message)
	}
	return fmt.Sprintf("order error (%s): %s", e.Class, e.Message)
}

// Retryable reports whether the engine may retry the operation.
func (e *OrderError) Retryable() bool {
	return e.Class == ErrorClassServer || e.Class == ErrorClassAmbiguous
}

// OrderErrorClass extracts the class from an error chain. Errors that
// are not OrderErrors are treated as ambiguous: the request may have
// reached the origin.
func OrderErrorClass(err error) ErrorClass {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Class
	}
	return ErrorClassAmbiguous
}

// ConnError is a streaming connection failure. Permanent errors
// (auth-class rejections) halt the reconnect state machine; transient
// errors drive the backoff path.
type ConnError struct {
	Permanent bool
	Err       error
}

func (e *ConnError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent connection error: %v", e.Err)
	}
	return fmt.Sprintf("transient connection error: %v", e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// IsPermanentConnError reports whether err is a permanent connection
// failure. Anything not explicitly marked permanent is transient.
func IsPermanentConnError(err error) bool {
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Permanent
	}
	return IsAuthError(err)
}

// CacheError wraps a failure inside one cache tier. It is never fatal:
// lookups degrade to the next tier or the origin.
type CacheError struct {
	Tier string
	Err  error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s tier: %v", e.Tier, e.Err)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// ConfigError marks invalid persisted or declared strategy state. The
// affected strategy is treated as disabled; the process keeps running.
type ConfigError struct {
	Strategy string
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error for strategy %q: %v", e.Strategy, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
