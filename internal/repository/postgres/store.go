// Package postgres implements the trade repositories on PostgreSQL with pgx
package postgres

import (
	"context"
	"fmt"

	"signal_trader/internal/config"
	"signal_trader/internal/core"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx shared by the pool and a transaction
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store owns the connection pool. It implements core.SignalSource, core.OrderRepository,
// core.InstrumentRegistry and core.MarketDataSource.
type Store struct {
	pool   *pgxpool.Pool
	logger core.ILogger
}

var (
	_ core.SignalSource       = (*Store)(nil)
	_ core.OrderRepository    = (*Store)(nil)
	_ core.InstrumentRegistry = (*Store)(nil)
	_ core.MarketDataSource   = (*Store)(nil)
)

// Open connects to the database and optionally creates the schema
func Open(ctx context.Context, cfg config.DatabaseConfig, logger core.ILogger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Reveal())
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool, logger: logger.WithField("component", "postgres")}
	if cfg.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Ping is used by the health check
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunInTx runs fn inside a read-committed transaction. The transaction is rolled back when fn
// fails or panics and committed otherwise.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Querier) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return fmt.Errorf("run tx: %w", err)
	}
	return nil
}
