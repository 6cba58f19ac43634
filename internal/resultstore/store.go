// Package resultstore persists completed backtest results in SQLite. The
// store is append-only: results are immutable once written.
package resultstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

var (
	// ErrDuplicateRunID is returned when a run id has already been stored.
	ErrDuplicateRunID = errors.New("run id already stored")

	// ErrNotFound is returned when no result exists for the run id.
	ErrNotFound = errors.New("result not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS backtest_results (
	run_id       TEXT PRIMARY KEY,
	symbol       TEXT NOT NULL,
	period       TEXT NOT NULL,
	start_date   TEXT NOT NULL,
	end_date     TEXT NOT NULL,
	strategy     TEXT NOT NULL,
	params_json  TEXT NOT NULL,
	metrics_json TEXT NOT NULL,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backtest_results_symbol
	ON backtest_results (symbol, created_at);
`

type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open creates or opens the store at cfg.Path and applies the schema.
func Open(logger *zap.Logger, cfg types.StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path not configured")
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent sweeps.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply result store schema: %w", err)
	}
	return &Store{logger: logger, db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save stores one result. A second save with the same run id fails with
// ErrDuplicateRunID and leaves the stored row untouched.
func (s *Store) Save(ctx context.Context, res types.BacktestResult) error {
	paramsJSON, err := json.Marshal(res.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	metricsJSON, err := json.Marshal(res.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM backtest_results WHERE run_id = ?`, res.RunID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check run id: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateRunID, res.RunID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO backtest_results
			(run_id, symbol, period, start_date, end_date, strategy, params_json, metrics_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID,
		res.Symbol,
		string(res.Period),
		res.Start.UTC().Format(time.RFC3339),
		res.End.UTC().Format(time.RFC3339),
		string(res.StrategyKind),
		string(paramsJSON),
		string(metricsJSON),
		res.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}

	s.logger.Info("result stored",
		zap.String("run_id", res.RunID),
		zap.String("symbol", res.Symbol),
		zap.String("strategy", string(res.StrategyKind)),
	)
	return nil
}

// Get loads one result by run id.
func (s *Store) Get(ctx context.Context, runID string) (types.BacktestResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, symbol, period, start_date, end_date, strategy, params_json, metrics_json, created_at
		FROM backtest_results WHERE run_id = ?`, runID)

	res, err := scanResult(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return types.BacktestResult{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return res, err
}

// Filter narrows List output; zero fields match everything.
type Filter struct {
	Symbol   string
	Strategy types.StrategyKind
	From     time.Time
	To       time.Time
}

// List returns stored results matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]types.BacktestResult, error) {
	query := `
		SELECT run_id, symbol, period, start_date, end_date, strategy, params_json, metrics_json, created_at
		FROM backtest_results WHERE 1=1`
	var args []any
	if f.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	if f.Strategy != "" {
		query += ` AND strategy = ?`
		args = append(args, string(f.Strategy))
	}
	if !f.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.From.UTC().Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, f.To.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []types.BacktestResult
	for rows.Next() {
		res, err := scanResult(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func scanResult(scan func(...any) error) (types.BacktestResult, error) {
	var res types.BacktestResult
	var period, start, end, strategy, params, metrics, createdAt string
	if err := scan(&res.RunID, &res.Symbol, &period, &start, &end, &strategy, &params, &metrics, &createdAt); err != nil {
		return types.BacktestResult{}, err
	}

	res.Period = types.Period(period)
	res.StrategyKind = types.StrategyKind(strategy)

	var err error
	if res.Start, err = time.Parse(time.RFC3339, start); err != nil {
		return types.BacktestResult{}, fmt.Errorf("parse start date: %w", err)
	}
	if res.End, err = time.Parse(time.RFC3339, end); err != nil {
		return types.BacktestResult{}, fmt.Errorf("parse end date: %w", err)
	}
	if res.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return types.BacktestResult{}, fmt.Errorf("parse created at: %w", err)
	}
	if res.Params, err = types.DecodeParams(res.StrategyKind, []byte(params)); err != nil {
		return types.BacktestResult{}, fmt.Errorf("decode params for %s: %w", res.RunID, err)
	}
	if err := json.Unmarshal([]byte(metrics), &res.Metrics); err != nil {
		return types.BacktestResult{}, fmt.Errorf("decode metrics for %s: %w", res.RunID, err)
	}
	return res, nil
}
