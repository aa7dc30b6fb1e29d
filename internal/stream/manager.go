package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trananhduc/apexbot/internal/metrics"
	"github.com/trananhduc/apexbot/internal/types"
)

// errExplicitClose marks a close frame from the hub, as opposed to a
// network-level drop.
var errExplicitClose = errors.New("hub sent close")

// TokenSource provides a valid session for the streaming handshake.
type TokenSource interface {
	Session(ctx context.Context) (*types.Session, error)
}

// Conn is one established hub connection.
type Conn interface {
	// ReadMessage blocks until the next data frame or an error.
	ReadMessage() ([]byte, error)
	// WriteJSON sends a control frame (subscribe request).
	WriteJSON(v any) error
	// Ping sends a keep-alive probe.
	Ping() error
	Close() error
}

// Dialer establishes a hub connection with the given token.
type Dialer func(ctx context.Context, hubURL, token string) (Conn, error)

// Manager owns the streaming connection and its reconnect state
// machine. All state transitions happen on the run loop goroutine;
// Subscribe and Status are safe from any goroutine.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	tokens   TokenSource
	dial     Dialer
	recorder *metrics.Recorder

	mu          sync.Mutex
	state       State
	attempt     int
	nextRetryAt time.Time
	conn        Conn
	desired     map[string]struct{}
	quoteSubs   map[string][]chan types.Quote
	depthSubs   map[string][]chan types.Depth

	escalations chan error

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a connection manager. It does not connect until
// Start is called.
func NewManager(cfg Config, tokens TokenSource, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:         cfg,
		logger:      logger,
		tokens:      tokens,
		dial:        newWebsocketDialer(cfg),
		recorder:    metrics.NewRecorder(),
		state:       StateDisconnected,
		desired:     make(map[string]struct{}),
		quoteSubs:   make(map[string][]chan types.Quote),
		depthSubs:   make(map[string][]chan types.Depth),
		escalations: make(chan error, 1),
		done:        make(chan struct{}),
	}
}

// Start launches the connect/reconnect loop.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidConfig, err)
	}

	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

// Stop terminates the loop and closes any open connection. Repeated
// calls are no-ops.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		if m.conn != nil {
			_ = m.conn.Close()
		}
		m.mu.Unlock()
	})
	m.wg.Wait()
}

// Status returns a snapshot of the state machine.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, Attempt: m.attempt, NextRetryAt: m.nextRetryAt}
}

// Escalations delivers the single terminal event emitted when the
// machine reaches PermanentlyFailed.
func (m *Manager) Escalations() <-chan error {
	return m.escalations
}

// SubscribeQuotes registers interest in quotes for a symbol and
// returns the delivery channel. The hub subscription is sent now when
// connected, otherwise queued and replayed on the next connection.
func (m *Manager) SubscribeQuotes(symbol string) <-chan types.Quote {
	sym := strings.ToUpper(symbol)
	ch := make(chan types.Quote, 128)

	m.mu.Lock()
	m.quoteSubs[sym] = append(m.quoteSubs[sym], ch)
	m.subscribeLocked(sym)
	m.mu.Unlock()

	return ch
}

// SubscribeDepth registers interest in market depth for a symbol.
func (m *Manager) SubscribeDepth(symbol string) <-chan types.Depth {
	sym := strings.ToUpper(symbol)
	ch := make(chan types.Depth, 128)

	m.mu.Lock()
	m.depthSubs[sym] = append(m.depthSubs[sym], ch)
	m.subscribeLocked(sym)
	m.mu.Unlock()

	return ch
}

type subscribeRequest struct {
	Method string `json:"method"`
	Symbol string `json:"symbol"`
}

// subscribeLocked records the desired symbol and, when connected,
// sends the subscribe frame immediately. Callers hold m.mu.
func (m *Manager) subscribeLocked(symbol string) {
	m.desired[symbol] = struct{}{}

	if m.state != StateConnected || m.conn == nil {
		m.logger.Debug("queued subscription until hub connects", "symbol", symbol)
		return
	}
	if err := m.conn.WriteJSON(subscribeRequest{Method: "subscribe", Symbol: symbol}); err != nil {
		// The read loop will notice the broken connection; the symbol
		// stays in the desired set and is replayed on reconnect.
		m.logger.Warn("subscribe send failed", "symbol", symbol, "err", err)
	}
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			m.setState(StateDisconnected)
			return
		case <-m.done:
			m.setState(StateDisconnected)
			return
		default:
		}

		m.setState(StateConnecting)
		m.recorder.RecordStreamReconnect()

		conn, err := m.connect(ctx)
		if err != nil {
			if types.IsPermanentConnError(err) {
				m.fail(fmt.Errorf("permanent connection failure: %w", err))
				return
			}
			if !m.backoff(ctx, err) {
				return
			}
			continue
		}

		connectedAt := time.Now()
		m.mu.Lock()
		m.conn = conn
		m.state = StateConnected
		m.nextRetryAt = time.Time{}
		m.mu.Unlock()
		m.recorder.RecordStreamState(int(StateConnected))
		m.logger.Info("market hub connected", "attempt", m.attemptCount())

		m.replaySubscriptions(conn)

		reason := m.serve(ctx, conn)
		_ = conn.Close()

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			m.setState(StateDisconnected)
			return
		case <-m.done:
			m.setState(StateDisconnected)
			return
		default:
		}

		uptime := time.Since(connectedAt)
		if uptime >= m.cfg.MinHealthyUptime {
			// Sustained connectivity: the next failure starts the
			// backoff schedule from attempt 1 again.
			m.mu.Lock()
			m.attempt = 0
			m.mu.Unlock()
		}

		if errors.Is(reason, errExplicitClose) {
			m.logger.Warn("market hub closed the connection", "uptime", uptime)
		} else {
			m.logger.Warn("market hub connection dropped", "uptime", uptime, "err", reason)
		}
		m.setState(StateDisconnected)
	}
}

// connect acquires a session token and dials the hub.
func (m *Manager) connect(ctx context.Context) (Conn, error) {
	sess, err := m.tokens.Session(ctx)
	if err != nil {
		if types.IsAuthError(err) {
			return nil, &types.ConnError{Permanent: true, Err: err}
		}
		return nil, &types.ConnError{Err: err}
	}
	return m.dial(ctx, m.cfg.HubURL, sess.Token)
}

// backoff schedules the next attempt. Returns false when the machine
// reached a terminal state and the loop must exit.
func (m *Manager) backoff(ctx context.Context, cause error) bool {
	m.mu.Lock()
	m.attempt++
	attempt := m.attempt
	m.mu.Unlock()

	if attempt >= m.cfg.MaxAttempts {
		m.fail(fmt.Errorf("%w: %d attempts, last error: %v",
			types.ErrPermanentlyFailed, m.cfg.MaxAttempts, cause))
		return false
	}

	delay := backoffDelay(m.cfg, attempt)

	m.mu.Lock()
	m.state = StateBackoff
	m.nextRetryAt = time.Now().Add(delay)
	m.mu.Unlock()
	m.recorder.RecordStreamState(int(StateBackoff))

	m.logger.Warn("connect failed, backing off",
		"attempt", attempt,
		"max_attempts", m.cfg.MaxAttempts,
		"delay", delay,
		"err", cause,
	)

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		m.setState(StateDisconnected)
		return false
	case <-m.done:
		m.setState(StateDisconnected)
		return false
	}
}

// fail moves the machine to PermanentlyFailed and emits the single
// escalation event. No reconnect ever follows.
func (m *Manager) fail(err error) {
	m.setState(StatePermanentlyFailed)
	m.logger.Error("streaming connection permanently failed", "err", err)
	select {
	case m.escalations <- err:
	default:
	}
}

func (m *Manager) replaySubscriptions(conn Conn) {
	m.mu.Lock()
	symbols := make([]string, 0, len(m.desired))
	for sym := range m.desired {
		symbols = append(symbols, sym)
	}
	m.mu.Unlock()

	for _, sym := range symbols {
		if err := conn.WriteJSON(subscribeRequest{Method: "subscribe", Symbol: sym}); err != nil {
			m.logger.Warn("subscription replay failed", "symbol", sym, "err", err)
			return
		}
		m.logger.Debug("subscription replayed", "symbol", sym)
	}
}

// serve pumps messages and keep-alives until the connection drops or
// shutdown is requested.
func (m *Manager) serve(ctx context.Context, conn Conn) error {
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			m.dispatch(data)
		}
	}()

	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case err := <-readErr:
			return err
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return fmt.Errorf("keep-alive: %w", err)
			}
		}
	}
}

type wireLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  int64           `json:"size"`
}

type wireEvent struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Volume    int64           `json:"volume"`
	Bids      []wireLevel     `json:"bids"`
	Asks      []wireLevel     `json:"asks"`
	Timestamp time.Time       `json:"timestamp"`
}

// dispatch parses one hub frame and fans it out to subscribers.
// Non-blocking sends: a slow consumer loses events, never stalls the
// read loop.
func (m *Manager) dispatch(data []byte) {
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		m.logger.Debug("unparseable hub frame", "err", err)
		return
	}

	sym := strings.ToUpper(ev.Symbol)
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	switch ev.Type {
	case "quote":
		m.recorder.RecordStreamEvent("quote")
		q := types.Quote{
			Symbol:    sym,
			Bid:       ev.Bid,
			Ask:       ev.Ask,
			Last:      ev.Last,
			Volume:    ev.Volume,
			Timestamp: ts,
		}
		m.mu.Lock()
		subs := m.quoteSubs[sym]
		m.mu.Unlock()
		for _, ch := range subs {
			select {
			case ch <- q:
			default:
				m.logger.Warn("quote channel full, dropping event", "symbol", sym)
			}
		}
	case "depth":
		m.recorder.RecordStreamEvent("depth")
		d := types.Depth{Symbol: sym, Timestamp: ts}
		for _, l := range ev.Bids {
			d.Bids = append(d.Bids, types.Level{Price: l.Price, Size: l.Size})
		}
		for _, l := range ev.Asks {
			d.Asks = append(d.Asks, types.Level{Price: l.Price, Size: l.Size})
		}
		m.mu.Lock()
		subs := m.depthSubs[sym]
		m.mu.Unlock()
		for _, ch := range subs {
			select {
			case ch <- d:
			default:
				m.logger.Warn("depth channel full, dropping event", "symbol", sym)
			}
		}
	default:
		// pong and unknown frames
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.recorder.RecordStreamState(int(s))
}

func (m *Manager) attemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}
