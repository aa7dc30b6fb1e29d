package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/trananhduc/apexbot/internal/persistence"
	"github.com/trananhduc/apexbot/internal/types"
)

// memoryRepo is an in-memory persistence.Repository.
type memoryRepo struct {
	mu      sync.Mutex
	states  map[string]types.StrategyState // key: account|name
	getErr  error
	upserts int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{states: make(map[string]types.StrategyState)}
}

func (r *memoryRepo) key(accountID, name string) string { return accountID + "|" + name }

func (r *memoryRepo) UpsertStrategyState(_ context.Context, state types.StrategyState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[r.key(state.AccountID, state.Name)] = state
	r.upserts++
	return nil
}

func (r *memoryRepo) GetStrategyState(_ context.Context, accountID, name string) (*types.StrategyState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	state, ok := r.states[r.key(accountID, name)]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (r *memoryRepo) ListStrategyStates(_ context.Context, accountID string) ([]types.StrategyState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.StrategyState
	for _, s := range r.states {
		if s.AccountID == accountID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memoryRepo) DeleteStrategyState(_ context.Context, accountID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, r.key(accountID, name))
	return nil
}

func (r *memoryRepo) SaveExecution(context.Context, persistence.ExecutionRecord) error { return nil }

func (r *memoryRepo) ListExecutions(context.Context, string, int) ([]persistence.ExecutionRecord, error) {
	return nil, nil
}

func (r *memoryRepo) Close() error { return nil }

func (r *memoryRepo) stored(accountID, name string) (types.StrategyState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[r.key(accountID, name)]
	return s, ok
}

// scriptedStrategy counts lifecycle calls.
type scriptedStrategy struct {
	name string

	mu         sync.Mutex
	startCalls int
	stopCalls  int
	running    bool
	symbols    []string
	startErr   error
}

func (s *scriptedStrategy) Name() string                    { return s.name }
func (s *scriptedStrategy) Configure(map[string]string) error { return nil }

func (s *scriptedStrategy) Start(_ context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++
	if s.startErr != nil {
		return s.startErr
	}
	s.running = true
	s.symbols = symbols
	return nil
}

func (s *scriptedStrategy) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	s.running = false
	return nil
}

func (s *scriptedStrategy) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Name: s.name, Running: s.running, Symbols: s.symbols}
}

func (s *scriptedStrategy) starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls
}

func newTestManager(t *testing.T, repo *memoryRepo, env map[string]string) *Manager {
	t.Helper()
	return NewManager("1001", repo, env, nil)
}

func TestManager_PersistedStateWinsOverEnvironment(t *testing.T) {
	repo := newMemoryRepo()
	_ = repo.UpsertStrategyState(context.Background(), types.StrategyState{
		AccountID: "1001", Name: "overnight_range",
		Enabled: false, Symbols: []string{"MGC"},
	})
	repo.mu.Lock()
	repo.upserts = 0
	repo.mu.Unlock()

	m := newTestManager(t, repo, map[string]string{
		"OVERNIGHT_RANGE_ENABLED": "true",
		"OVERNIGHT_RANGE_SYMBOLS": "MNQ,MES",
	})
	if err := m.Register(&scriptedStrategy{name: "overnight_range"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	resolved, err := m.LoadStates(context.Background())
	if err != nil {
		t.Fatalf("load states: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("resolved %d states, want 1", len(resolved))
	}
	rs := resolved[0]
	if rs.Source != "persisted" {
		t.Errorf("source = %q, want persisted", rs.Source)
	}
	if rs.State.Enabled {
		t.Error("environment override flipped persisted disablement")
	}
	if len(rs.State.Symbols) != 1 || rs.State.Symbols[0] != "MGC" {
		t.Errorf("symbols = %v, want persisted [MGC]", rs.State.Symbols)
	}

	repo.mu.Lock()
	upserts := repo.upserts
	repo.mu.Unlock()
	if upserts != 0 {
		t.Errorf("persisted state rewritten %d times during resolution", upserts)
	}
}

func TestManager_EnvironmentSeedsAndPersists(t *testing.T) {
	repo := newMemoryRepo()
	m := newTestManager(t, repo, map[string]string{
		"OVERNIGHT_RANGE_ENABLED": "true",
		"OVERNIGHT_RANGE_SYMBOLS": "mnq, mes",
	})
	if err := m.Register(&scriptedStrategy{name: "overnight_range"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	resolved, err := m.LoadStates(context.Background())
	if err != nil {
		t.Fatalf("load states: %v", err)
	}
	rs := resolved[0]
	if rs.Source != "environment" {
		t.Errorf("source = %q, want environment", rs.Source)
	}
	if !rs.State.Enabled {
		t.Error("environment enablement not applied")
	}
	if len(rs.State.Symbols) != 2 || rs.State.Symbols[0] != "MNQ" || rs.State.Symbols[1] != "MES" {
		t.Errorf("symbols = %v, want [MNQ MES]", rs.State.Symbols)
	}

	// The seed is written back so later environment edits cannot
	// silently flip the strategy.
	stored, ok := repo.stored("1001", "overnight_range")
	if !ok {
		t.Fatal("environment seed was not persisted")
	}
	if !stored.Enabled {
		t.Error("persisted seed lost the enabled flag")
	}
}

func TestManager_DefaultIsDisabled(t *testing.T) {
	repo := newMemoryRepo()
	m := newTestManager(t, repo, nil)
	if err := m.Register(&scriptedStrategy{name: "overnight_range"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	resolved, err := m.LoadStates(context.Background())
	if err != nil {
		t.Fatalf("load states: %v", err)
	}
	rs := resolved[0]
	if rs.Source != "default" {
		t.Errorf("source = %q, want default", rs.Source)
	}
	if rs.State.Enabled {
		t.Error("never-declared strategy resolved as enabled")
	}
	if _, ok := repo.stored("1001", "overnight_range"); ok {
		t.Error("default resolution should not write a row")
	}
}

func TestManager_UnreadableStateDisablesStrategy(t *testing.T) {
	repo := newMemoryRepo()
	repo.getErr = errors.New("malformed row")

	m := newTestManager(t, repo, map[string]string{"OVERNIGHT_RANGE_ENABLED": "true"})
	s := &scriptedStrategy{name: "overnight_range"}
	if err := m.Register(s); err != nil {
		t.Fatalf("register: %v", err)
	}

	resolved, err := m.LoadStates(context.Background())
	if err != nil {
		t.Fatalf("load states must not fail the process: %v", err)
	}
	if resolved[0].State.Enabled {
		t.Error("unreadable state must resolve to disabled")
	}

	if err := m.AutoStart(context.Background()); err != nil {
		t.Fatalf("auto-start: %v", err)
	}
	if s.starts() != 0 {
		t.Error("disabled strategy was started")
	}
}

func TestManager_ColdStartAutoStartsExactlyOnce(t *testing.T) {
	repo := newMemoryRepo()
	_ = repo.UpsertStrategyState(context.Background(), types.StrategyState{
		AccountID: "1001", Name: "overnight_range",
		Enabled: true, Symbols: []string{"MNQ", "MES"},
	})

	m := newTestManager(t, repo, nil)
	s := &scriptedStrategy{name: "overnight_range"}
	if err := m.Register(s); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := m.LoadStates(context.Background()); err != nil {
		t.Fatalf("load states: %v", err)
	}

	if err := m.AutoStart(context.Background()); err != nil {
		t.Fatalf("auto-start: %v", err)
	}
	if s.starts() != 1 {
		t.Fatalf("start calls = %d, want 1", s.starts())
	}
	if len(s.symbols) != 2 || s.symbols[0] != "MNQ" || s.symbols[1] != "MES" {
		t.Errorf("started with symbols %v, want [MNQ MES]", s.symbols)
	}

	// Repeated auto-start performs no duplicate starts.
	if err := m.AutoStart(context.Background()); err != nil {
		t.Fatalf("second auto-start: %v", err)
	}
	if s.starts() != 1 {
		t.Errorf("start calls after repeat = %d, want 1", s.starts())
	}
}

func TestManager_StartPersistsBeforeLaunch(t *testing.T) {
	repo := newMemoryRepo()
	m := newTestManager(t, repo, nil)

	s := &scriptedStrategy{name: "overnight_range", startErr: errors.New("boom")}
	if err := m.Register(s); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := m.Start(context.Background(), "overnight_range", []string{"MNQ"})
	if err == nil {
		t.Fatal("expected start failure")
	}

	// Even on launch failure the durable intent is already written, so
	// the next boot retries the start.
	stored, ok := repo.stored("1001", "overnight_range")
	if !ok {
		t.Fatal("enablement not persisted before launch")
	}
	if !stored.Enabled {
		t.Error("persisted record not enabled")
	}

	rec, err := m.Record("overnight_range")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Running {
		t.Error("failed launch left strategy marked running")
	}
}

func TestManager_StopPersistsDisablement(t *testing.T) {
	repo := newMemoryRepo()
	m := newTestManager(t, repo, nil)

	s := &scriptedStrategy{name: "overnight_range"}
	if err := m.Register(s); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Start(context.Background(), "overnight_range", []string{"MNQ"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.Stop(context.Background(), "overnight_range"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.stopCalls != 1 {
		t.Errorf("stop calls = %d, want 1", s.stopCalls)
	}

	stored, ok := repo.stored("1001", "overnight_range")
	if !ok {
		t.Fatal("disablement not persisted")
	}
	if stored.Enabled {
		t.Error("persisted record still enabled after stop")
	}

	// Stopping again reports inactive.
	if err := m.Stop(context.Background(), "overnight_range"); !errors.Is(err, types.ErrStrategyInactive) {
		t.Errorf("second stop error = %v, want ErrStrategyInactive", err)
	}
}

func TestManager_StopUnknownStrategy(t *testing.T) {
	m := newTestManager(t, newMemoryRepo(), nil)
	if err := m.Stop(context.Background(), "ghost"); !errors.Is(err, types.ErrStrategyNotFound) {
		t.Errorf("error = %v, want ErrStrategyNotFound", err)
	}
}

func TestManager_DoubleStartRejected(t *testing.T) {
	m := newTestManager(t, newMemoryRepo(), nil)
	s := &scriptedStrategy{name: "overnight_range"}
	if err := m.Register(s); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Start(context.Background(), "overnight_range", []string{"MNQ"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(context.Background(), "overnight_range", []string{"MNQ"}); !errors.Is(err, types.ErrStrategyActive) {
		t.Errorf("second start error = %v, want ErrStrategyActive", err)
	}
	if s.starts() != 1 {
		t.Errorf("start calls = %d, want 1", s.starts())
	}
}

func TestManager_DeregisterRunningRejected(t *testing.T) {
	repo := newMemoryRepo()
	m := newTestManager(t, repo, nil)
	s := &scriptedStrategy{name: "overnight_range"}
	if err := m.Register(s); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Start(context.Background(), "overnight_range", []string{"MNQ"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.Deregister(context.Background(), "overnight_range"); !errors.Is(err, types.ErrStrategyActive) {
		t.Errorf("deregister error = %v, want ErrStrategyActive", err)
	}

	if err := m.Stop(context.Background(), "overnight_range"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.Deregister(context.Background(), "overnight_range"); err != nil {
		t.Fatalf("deregister after stop: %v", err)
	}
	if _, ok := repo.stored("1001", "overnight_range"); ok {
		t.Error("deregister left persisted state behind")
	}
}

func TestManager_RecordsAreComplete(t *testing.T) {
	repo := newMemoryRepo()
	m := newTestManager(t, repo, map[string]string{"ALPHA_ENABLED": "true", "ALPHA_SYMBOLS": "MNQ"})

	alpha := &scriptedStrategy{name: "alpha"}
	beta := &scriptedStrategy{name: "beta"}
	if err := m.Register(alpha); err != nil {
		t.Fatalf("register alpha: %v", err)
	}
	if err := m.Register(beta); err != nil {
		t.Fatalf("register beta: %v", err)
	}
	if _, err := m.LoadStates(context.Background()); err != nil {
		t.Fatalf("load states: %v", err)
	}
	if err := m.AutoStart(context.Background()); err != nil {
		t.Fatalf("auto-start: %v", err)
	}

	recs := m.Records()
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	byName := make(map[string]Record, len(recs))
	for _, rec := range recs {
		byName[rec.Name] = rec
	}

	a := byName["alpha"]
	if !a.Enabled || !a.Running || a.Source != "environment" {
		t.Errorf("alpha record incomplete: %+v", a)
	}
	if len(a.Symbols) != 1 || a.Symbols[0] != "MNQ" {
		t.Errorf("alpha symbols = %v, want [MNQ]", a.Symbols)
	}

	b := byName["beta"]
	if b.Enabled || b.Running || b.Source != "default" {
		t.Errorf("beta record incomplete: %+v", b)
	}
}

func TestManager_StopAll(t *testing.T) {
	repo := newMemoryRepo()
	m := newTestManager(t, repo, nil)

	alpha := &scriptedStrategy{name: "alpha"}
	beta := &scriptedStrategy{name: "beta"}
	_ = m.Register(alpha)
	_ = m.Register(beta)
	if err := m.Start(context.Background(), "alpha", []string{"MNQ"}); err != nil {
		t.Fatalf("start alpha: %v", err)
	}
	if err := m.Start(context.Background(), "beta", []string{"MES"}); err != nil {
		t.Fatalf("start beta: %v", err)
	}

	m.StopAll(context.Background())

	for _, rec := range m.Records() {
		if rec.Running {
			t.Errorf("strategy %s still running after stop-all", rec.Name)
		}
	}
}
