package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crypto-trading/funding/internal/domain"
)

// PostgresStore is the optional cold store. A nil store is valid and
// every write on it is a no-op, so deployments without Postgres need
// no special-casing.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(ctx context.Context, dsn string, poolSize int, logger *slog.Logger) (*PostgresStore, error) {
	if dsn == "" {
		logger.Warn("no PostgreSQL DSN configured, cold store disabled")
		return nil, nil
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}

	config.MaxConns = int32(poolSize)

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS execution_results (
			id BIGSERIAL PRIMARY KEY,
			strategy_id UUID NOT NULL,
			action VARCHAR(16) NOT NULL,
			success BOOLEAN NOT NULL,
			message TEXT NOT NULL,
			orders JSONB NOT NULL,
			executed_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS funding_payments (
			id BIGSERIAL PRIMARY KEY,
			venue VARCHAR(32) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			rate NUMERIC(20, 10) NOT NULL,
			amount NUMERIC(20, 8) NOT NULL,
			paid_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS strategy_snapshots (
			id BIGSERIAL PRIMARY KEY,
			strategy_id UUID NOT NULL,
			capital_deployed NUMERIC(20, 8) NOT NULL,
			trading_pnl NUMERIC(20, 8) NOT NULL,
			funding_pnl NUMERIC(20, 8) NOT NULL,
			total_pnl NUMERIC(20, 8) NOT NULL,
			realized_apr NUMERIC(10, 4),
			projected_apr NUMERIC(10, 4),
			computed_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	s.logger.Info("PostgreSQL migrations completed")
	return nil
}

func (s *PostgresStore) WriteExecutionResult(ctx context.Context, res domain.ExecutionResult) error {
	if s == nil || s.pool == nil {
		return nil
	}

	orders, err := json.Marshal(res.Orders)
	if err != nil {
		return fmt.Errorf("marshal orders: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO execution_results (strategy_id, action, success, message, orders, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		res.StrategyID, string(res.Action), res.Success, res.Message, orders, res.Timestamp,
	)
	return err
}

func (s *PostgresStore) WriteFundingPayment(ctx context.Context, p domain.FundingPayment) error {
	if s == nil || s.pool == nil {
		return nil
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO funding_payments (venue, symbol, rate, amount, paid_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.Venue, p.Symbol, p.Rate, p.Amount, p.Timestamp,
	)
	return err
}

func (s *PostgresStore) WriteStrategySnapshot(ctx context.Context, perf domain.StrategyPerformance) error {
	if s == nil || s.pool == nil {
		return nil
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO strategy_snapshots
		 (strategy_id, capital_deployed, trading_pnl, funding_pnl, total_pnl, realized_apr, projected_apr, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		perf.StrategyID, perf.CapitalDeployed, perf.TradingPnL, perf.FundingPnL,
		perf.TotalPnL, perf.RealizedAPR, perf.ProjectedAPR, perf.ComputedAt,
	)
	return err
}

func (s *PostgresStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}
