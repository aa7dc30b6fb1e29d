package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/trananhduc/apexbot/internal/types"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestParseEnabled(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"true", true},
		{"TRUE", true},
		{"True", true},
		{"1", true},
		{"yes", true},
		{"YES", true},
		{"on", true},
		{"ON", true},
		{" true ", true},
		{"false", false},
		{"0", false},
		{"", false},
		{"enabled", false},
		{"2", false},
		{"off", false},
	}

	for _, tt := range tests {
		if got := ParseEnabled(tt.input); got != tt.want {
			t.Errorf("ParseEnabled(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestStrategyState_RoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	state := types.StrategyState{
		AccountID: "1001",
		Name:      "overnight_range",
		Enabled:   true,
		Symbols:   []string{"MNQ", "MES"},
		UpdatedAt: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
	}
	if err := repo.UpsertStrategyState(ctx, state); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := repo.GetStrategyState(ctx, "1001", "overnight_range")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("state not found after upsert")
	}
	if !got.Enabled {
		t.Error("enabled flag lost in round trip")
	}
	if len(got.Symbols) != 2 || got.Symbols[0] != "MNQ" || got.Symbols[1] != "MES" {
		t.Errorf("symbols = %v, want [MNQ MES]", got.Symbols)
	}
}

func TestStrategyState_MissingIsNil(t *testing.T) {
	repo := newTestRepo(t)

	got, err := repo.GetStrategyState(context.Background(), "1001", "nonexistent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for never-persisted state, got %+v", got)
	}
}

func TestStrategyState_UpsertReplaces(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := types.StrategyState{
		AccountID: "1001", Name: "overnight_range",
		Enabled: true, Symbols: []string{"MNQ"}, UpdatedAt: time.Now().UTC(),
	}
	if err := repo.UpsertStrategyState(ctx, base); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	base.Enabled = false
	base.Symbols = []string{"MGC"}
	if err := repo.UpsertStrategyState(ctx, base); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := repo.GetStrategyState(ctx, "1001", "overnight_range")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Enabled {
		t.Error("disable was not persisted")
	}
	if len(got.Symbols) != 1 || got.Symbols[0] != "MGC" {
		t.Errorf("symbols = %v, want [MGC]", got.Symbols)
	}

	states, err := repo.ListStrategyStates(ctx, "1001")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(states) != 1 {
		t.Errorf("upsert created duplicate rows: %d", len(states))
	}
}

// Rows written by older tooling carry integers, booleans and
// mixed-case strings in the enabled column.
func TestStrategyState_LegacyEnabledDrift(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	legacy := []struct {
		name    string
		enabled string
		want    bool
	}{
		{"s_one", "1", true},
		{"s_yes", "YES", true},
		{"s_on", "On", true},
		{"s_py", "True", true},
		{"s_zero", "0", false},
		{"s_blank", "", false},
	}

	for _, l := range legacy {
		_, err := repo.db.ExecContext(ctx,
			`INSERT INTO strategy_states (account_id, strategy_name, enabled, symbols, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			"1001", l.name, l.enabled, "MNQ", time.Now().UTC())
		if err != nil {
			t.Fatalf("seed %s: %v", l.name, err)
		}
	}

	for _, l := range legacy {
		got, err := repo.GetStrategyState(ctx, "1001", l.name)
		if err != nil {
			t.Fatalf("get %s: %v", l.name, err)
		}
		if got.Enabled != l.want {
			t.Errorf("enabled %q normalized to %v, want %v", l.enabled, got.Enabled, l.want)
		}
	}
}

func TestStrategyState_Delete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	state := types.StrategyState{
		AccountID: "1001", Name: "overnight_range",
		Enabled: true, UpdatedAt: time.Now().UTC(),
	}
	if err := repo.UpsertStrategyState(ctx, state); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.DeleteStrategyState(ctx, "1001", "overnight_range"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := repo.GetStrategyState(ctx, "1001", "overnight_range")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Error("state still present after delete")
	}
}

func TestExecutions_AuditTrail(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	recs := []ExecutionRecord{
		{AccountID: "1001", OrderID: "1", Tag: "t1", Symbol: "MNQ", Op: "place", Path: "hot", Status: "WORKING", LatencyMs: 4},
		{AccountID: "1001", OrderID: "2", Tag: "t2", Symbol: "MES", Op: "place", Path: "managed", Status: "WORKING", LatencyMs: 38},
		{AccountID: "1001", OrderID: "1", Tag: "", Symbol: "MNQ", Op: "cancel", Path: "managed", Status: "CANCELLED", LatencyMs: 22},
		{AccountID: "2002", OrderID: "9", Tag: "t9", Symbol: "MGC", Op: "place", Path: "hot", Status: "WORKING", LatencyMs: 5},
	}
	for _, rec := range recs {
		if err := repo.SaveExecution(ctx, rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := repo.ListExecutions(ctx, "1001", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (account scoped)", len(got))
	}
	// Newest first.
	if got[0].Op != "cancel" {
		t.Errorf("first record op = %s, want cancel", got[0].Op)
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("created_at not populated")
	}

	limited, err := repo.ListExecutions(ctx, "1001", 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit ignored, len = %d", len(limited))
	}
}
