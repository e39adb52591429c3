package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/crypto-trading/funding/internal/domain"
)

// SQLiteStore is the hot store: recent execution results, funding
// payments and strategy snapshots, locally, with no external service
// dependency.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS execution_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy_id TEXT NOT NULL,
			action TEXT NOT NULL,
			success INTEGER NOT NULL,
			message TEXT NOT NULL,
			orders_json TEXT NOT NULL,
			executed_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS funding_payments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			venue TEXT NOT NULL,
			symbol TEXT NOT NULL,
			rate TEXT NOT NULL,
			amount TEXT NOT NULL,
			paid_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS strategy_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy_id TEXT NOT NULL,
			snapshot_json TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) WriteExecutionResult(res domain.ExecutionResult) error {
	orders, err := json.Marshal(res.Orders)
	if err != nil {
		return fmt.Errorf("marshal orders: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO execution_results (strategy_id, action, success, message, orders_json, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		res.StrategyID.String(), string(res.Action), boolToInt(res.Success),
		res.Message, string(orders), res.Timestamp,
	)
	return err
}

func (s *SQLiteStore) WriteFundingPayment(p domain.FundingPayment) error {
	_, err := s.db.Exec(
		`INSERT INTO funding_payments (venue, symbol, rate, amount, paid_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.Venue, p.Symbol, p.Rate.String(), p.Amount.String(), p.Timestamp,
	)
	return err
}

func (s *SQLiteStore) WriteStrategySnapshot(perf domain.StrategyPerformance) error {
	data, err := json.Marshal(perf)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO strategy_snapshots (strategy_id, snapshot_json) VALUES (?, ?)`,
		perf.StrategyID.String(), string(data),
	)
	return err
}

// CleanupOldRows keeps the hot store small; the cold store holds the
// long tail.
func (s *SQLiteStore) CleanupOldRows(maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	for _, table := range []string{"execution_results", "funding_payments", "strategy_snapshots"} {
		if _, err := s.db.Exec(
			"DELETE FROM "+table+" WHERE created_at < ?", cutoff,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
