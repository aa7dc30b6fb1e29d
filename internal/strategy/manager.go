package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/trananhduc/apexbot/internal/metrics"
	"github.com/trananhduc/apexbot/internal/persistence"
	"github.com/trananhduc/apexbot/internal/types"
)

// ResolvedState is one strategy's enablement decision and where it
// came from.
type ResolvedState struct {
	State  types.StrategyState
	Source string // "persisted", "environment", "default"
}

// Record is the full lifecycle view of one registered strategy:
// durable enablement plus live running state. Always complete; status
// consumers never see a partial record.
type Record struct {
	Name    string
	Enabled bool
	Symbols []string
	Running bool
	Source  string
}

// Manager owns strategy registration, durable enablement state and
// start/stop lifecycle for one account.
type Manager struct {
	accountID string
	repo      persistence.Repository
	logger    *slog.Logger
	recorder  *metrics.Recorder
	env       map[string]string
	now       func() time.Time

	mu         sync.Mutex
	registered map[string]Strategy
	active     map[string]*activeEntry
	resolved   map[string]ResolvedState
}

type activeEntry struct {
	cancel  context.CancelFunc
	symbols []string
}

// NewManager creates a lifecycle manager. env carries raw
// environment-style declarations ("<STRATEGY>_ENABLED",
// "<STRATEGY>_SYMBOLS") used to seed never-persisted strategies.
func NewManager(accountID string, repo persistence.Repository, env map[string]string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if env == nil {
		env = map[string]string{}
	}

	return &Manager{
		accountID:  accountID,
		repo:       repo,
		logger:     logger,
		recorder:   metrics.NewRecorder(),
		env:        env,
		now:        time.Now,
		registered: make(map[string]Strategy),
		active:     make(map[string]*activeEntry),
		resolved:   make(map[string]ResolvedState),
	}
}

// Register adds a strategy. Registration is not enablement: a
// registered strategy only runs when its resolved state says so.
func (m *Manager) Register(s Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := s.Name()
	if _, dup := m.registered[name]; dup {
		return fmt.Errorf("%w: duplicate registration of %q", types.ErrInvalidConfig, name)
	}
	m.registered[name] = s
	return nil
}

// Deregister removes a strategy and destroys its persisted state. The
// strategy must not be running.
func (m *Manager) Deregister(ctx context.Context, name string) error {
	m.mu.Lock()
	if _, running := m.active[name]; running {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", types.ErrStrategyActive, name)
	}
	delete(m.registered, name)
	delete(m.resolved, name)
	m.mu.Unlock()

	return m.repo.DeleteStrategyState(ctx, m.accountID, name)
}

// LoadStates resolves enablement for every registered strategy.
// Persisted state wins when present; the environment only seeds
// strategies that have never been persisted (and the seed is written
// back so later edits to the environment cannot flip them silently).
func (m *Manager) LoadStates(ctx context.Context) ([]ResolvedState, error) {
	m.mu.Lock()
	names := make([]string, 0, len(m.registered))
	for name := range m.registered {
		names = append(names, name)
	}
	m.mu.Unlock()

	out := make([]ResolvedState, 0, len(names))
	for _, name := range names {
		rs, err := m.resolveOne(ctx, name)
		if err != nil {
			// Invalid stored state disables the strategy, never the
			// process.
			cfgErr := &types.ConfigError{Strategy: name, Err: err}
			m.logger.Error("strategy state unreadable, treating as disabled",
				"strategy", name, "err", cfgErr)
			rs = ResolvedState{
				State:  types.StrategyState{AccountID: m.accountID, Name: name},
				Source: "default",
			}
		}

		m.logger.Info("strategy enablement resolved",
			"strategy", name,
			"enabled", rs.State.Enabled,
			"symbols", strings.Join(rs.State.Symbols, ","),
			"source", rs.Source,
		)

		m.mu.Lock()
		m.resolved[name] = rs
		m.mu.Unlock()
		out = append(out, rs)
	}
	return out, nil
}

func (m *Manager) resolveOne(ctx context.Context, name string) (ResolvedState, error) {
	persisted, err := m.repo.GetStrategyState(ctx, m.accountID, name)
	if err != nil {
		return ResolvedState{}, err
	}
	if persisted != nil {
		return ResolvedState{State: *persisted, Source: "persisted"}, nil
	}

	prefix := strings.ToUpper(name)
	enabledRaw, declared := m.env[prefix+"_ENABLED"]
	if !declared {
		return ResolvedState{
			State:  types.StrategyState{AccountID: m.accountID, Name: name},
			Source: "default",
		}, nil
	}

	state := types.StrategyState{
		AccountID: m.accountID,
		Name:      name,
		Enabled:   persistence.ParseEnabled(enabledRaw),
		Symbols:   splitEnvSymbols(m.env[prefix+"_SYMBOLS"]),
		UpdatedAt: m.now().UTC(),
	}
	if err := m.repo.UpsertStrategyState(ctx, state); err != nil {
		return ResolvedState{}, fmt.Errorf("seed from environment: %w", err)
	}
	return ResolvedState{State: state, Source: "environment"}, nil
}

// AutoStart starts every strategy whose resolved enablement is true.
// Already-active strategies are skipped, so repeated calls perform no
// duplicate starts.
func (m *Manager) AutoStart(ctx context.Context) error {
	m.mu.Lock()
	candidates := make([]ResolvedState, 0, len(m.resolved))
	for name, rs := range m.resolved {
		if !rs.State.Enabled {
			continue
		}
		if _, running := m.active[name]; running {
			m.logger.Debug("auto-start skipping active strategy", "strategy", name)
			continue
		}
		candidates = append(candidates, rs)
	}
	m.mu.Unlock()

	for _, rs := range candidates {
		name := rs.State.Name
		if err := m.startLocked(ctx, name, rs.State.Symbols, false); err != nil {
			m.logger.Error("auto-start failed, strategy stays stopped",
				"strategy", name, "err", err)
			continue
		}
		m.logger.Info("strategy auto-started",
			"strategy", name,
			"symbols", strings.Join(rs.State.Symbols, ","),
			"source", rs.Source,
		)
	}
	return nil
}

// Start enables and launches a strategy with an explicit symbol list.
// The durable record is written before the in-memory flip, so a crash
// in between re-starts the strategy on the next boot rather than
// losing the operator's intent.
func (m *Manager) Start(ctx context.Context, name string, symbols []string) error {
	return m.startLocked(ctx, name, symbols, true)
}

func (m *Manager) startLocked(ctx context.Context, name string, symbols []string, persist bool) error {
	m.mu.Lock()
	s, ok := m.registered[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", types.ErrStrategyNotFound, name)
	}
	if _, running := m.active[name]; running {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", types.ErrStrategyActive, name)
	}
	m.mu.Unlock()

	if persist {
		state := types.StrategyState{
			AccountID: m.accountID,
			Name:      name,
			Enabled:   true,
			Symbols:   symbols,
			UpdatedAt: m.now().UTC(),
		}
		if err := m.repo.UpsertStrategyState(ctx, state); err != nil {
			return fmt.Errorf("persist enablement: %w", err)
		}
		m.mu.Lock()
		m.resolved[name] = ResolvedState{State: state, Source: "persisted"}
		m.mu.Unlock()
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := s.Start(runCtx, symbols); err != nil {
		cancel()
		return fmt.Errorf("start %q: %w", name, err)
	}

	m.mu.Lock()
	m.active[name] = &activeEntry{cancel: cancel, symbols: symbols}
	m.mu.Unlock()
	m.recorder.RecordStrategyActive(name, true)
	return nil
}

// Stop disables and halts a strategy. Only that strategy's loop is
// cancelled; the shared connection, cache and other strategies keep
// running.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	s, ok := m.registered[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", types.ErrStrategyNotFound, name)
	}
	entry, running := m.active[name]
	m.mu.Unlock()
	if !running {
		return fmt.Errorf("%w: %q", types.ErrStrategyInactive, name)
	}

	state := types.StrategyState{
		AccountID: m.accountID,
		Name:      name,
		Enabled:   false,
		Symbols:   entry.symbols,
		UpdatedAt: m.now().UTC(),
	}
	if err := m.repo.UpsertStrategyState(ctx, state); err != nil {
		return fmt.Errorf("persist disablement: %w", err)
	}

	entry.cancel()
	if err := s.Stop(); err != nil {
		m.logger.Warn("strategy stop returned error", "strategy", name, "err", err)
	}

	m.mu.Lock()
	delete(m.active, name)
	m.resolved[name] = ResolvedState{State: state, Source: "persisted"}
	m.mu.Unlock()
	m.recorder.RecordStrategyActive(name, false)

	m.logger.Info("strategy stopped", "strategy", name, "cause", "operator request")
	return nil
}

// StartAll starts every enabled strategy; equivalent to AutoStart.
func (m *Manager) StartAll(ctx context.Context) error {
	return m.AutoStart(ctx)
}

// StopAll stops every running strategy.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.active))
	for name := range m.active {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.Stop(ctx, name); err != nil {
			m.logger.Warn("stop-all: strategy stop failed", "strategy", name, "err", err)
		}
	}
}

// Records returns the full lifecycle record for every registered
// strategy, sorted by name at the caller's discretion.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.registered))
	for name := range m.registered {
		out = append(out, m.recordLocked(name))
	}
	return out
}

// Record returns the full lifecycle record for one strategy.
func (m *Manager) Record(name string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.registered[name]; !ok {
		return Record{}, fmt.Errorf("%w: %q", types.ErrStrategyNotFound, name)
	}
	return m.recordLocked(name), nil
}

func (m *Manager) recordLocked(name string) Record {
	rec := Record{Name: name, Source: "default"}
	if rs, ok := m.resolved[name]; ok {
		rec.Enabled = rs.State.Enabled
		rec.Symbols = rs.State.Symbols
		rec.Source = rs.Source
	}
	if entry, running := m.active[name]; running {
		rec.Running = true
		rec.Symbols = entry.symbols
	}
	return rec
}

func splitEnvSymbols(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
