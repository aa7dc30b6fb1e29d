package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/trananhduc/apexbot/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (creating if needed) the database at path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}

	if err := repo.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		// enabled is TEXT: older writers stored booleans, integers and
		// mixed-case strings here. Readers normalize via ParseEnabled.
		`CREATE TABLE IF NOT EXISTS strategy_states (
			account_id TEXT NOT NULL,
			strategy_name TEXT NOT NULL,
			enabled TEXT NOT NULL,
			symbols TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (account_id, strategy_name)
		)`,

		`CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			tag TEXT NOT NULL,
			symbol TEXT NOT NULL,
			op TEXT NOT NULL,
			path TEXT NOT NULL,
			status TEXT NOT NULL,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_account ON executions(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_tag ON executions(tag)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// UpsertStrategyState writes the record for (account, strategy) inside
// one transaction, replacing any previous row.
func (r *SQLiteRepository) UpsertStrategyState(ctx context.Context, state types.StrategyState) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT OR REPLACE INTO strategy_states
		(account_id, strategy_name, enabled, symbols, updated_at)
		VALUES (?, ?, ?, ?, ?)`

	if _, err := tx.ExecContext(ctx, query,
		state.AccountID,
		state.Name,
		FormatEnabled(state.Enabled),
		joinSymbols(state.Symbols),
		state.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert strategy state: %w", err)
	}

	return tx.Commit()
}

// GetStrategyState returns the record for (account, strategy), or nil
// if none has ever been persisted.
func (r *SQLiteRepository) GetStrategyState(ctx context.Context, accountID, name string) (*types.StrategyState, error) {
	query := `SELECT account_id, strategy_name, enabled, symbols, updated_at
		FROM strategy_states WHERE account_id = ? AND strategy_name = ?`

	var state types.StrategyState
	var enabled, symbols string

	err := r.db.QueryRowContext(ctx, query, accountID, name).Scan(
		&state.AccountID,
		&state.Name,
		&enabled,
		&symbols,
		&state.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query strategy state: %w", err)
	}

	state.Enabled = ParseEnabled(enabled)
	state.Symbols = splitSymbols(symbols)
	return &state, nil
}

// ListStrategyStates returns all records for an account.
func (r *SQLiteRepository) ListStrategyStates(ctx context.Context, accountID string) ([]types.StrategyState, error) {
	query := `SELECT account_id, strategy_name, enabled, symbols, updated_at
		FROM strategy_states WHERE account_id = ? ORDER BY strategy_name`

	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("query strategy states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var states []types.StrategyState
	for rows.Next() {
		var state types.StrategyState
		var enabled, symbols string

		if err := rows.Scan(&state.AccountID, &state.Name, &enabled, &symbols, &state.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		state.Enabled = ParseEnabled(enabled)
		state.Symbols = splitSymbols(symbols)
		states = append(states, state)
	}

	return states, rows.Err()
}

// DeleteStrategyState removes the record for (account, strategy).
func (r *SQLiteRepository) DeleteStrategyState(ctx context.Context, accountID, name string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM strategy_states WHERE account_id = ? AND strategy_name = ?`,
		accountID, name,
	)
	if err != nil {
		return fmt.Errorf("delete strategy state: %w", err)
	}
	return nil
}

// SaveExecution appends one order operation to the audit trail.
func (r *SQLiteRepository) SaveExecution(ctx context.Context, rec ExecutionRecord) error {
	query := `INSERT INTO executions
		(account_id, order_id, tag, symbol, op, path, status, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		rec.AccountID,
		rec.OrderID,
		rec.Tag,
		rec.Symbol,
		rec.Op,
		rec.Path,
		rec.Status,
		rec.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// ListExecutions returns the most recent audit entries for an account.
func (r *SQLiteRepository) ListExecutions(ctx context.Context, accountID string, limit int) ([]ExecutionRecord, error) {
	query := `SELECT id, account_id, order_id, tag, symbol, op, path, status, latency_ms, created_at
		FROM executions WHERE account_id = ? ORDER BY id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.OrderID, &rec.Tag, &rec.Symbol, &rec.Op, &rec.Path, &rec.Status, &rec.LatencyMs, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		recs = append(recs, rec)
	}

	return recs, rows.Err()
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
