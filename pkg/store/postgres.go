package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mahaj/dupahar-chat/pkg/config"
)

type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// Connect opens a pool sized from cfg and pings it.
func Connect(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	pcfg.MaxConns = cfg.DBMaxConns
	pcfg.MinConns = cfg.DBMinConns
	pcfg.MaxConnLifetime = cfg.DBMaxConnLifetime
	pcfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime
	pcfg.HealthCheckPeriod = cfg.DBHealthCheckPeriod
	pcfg.ConnConfig.ConnectTimeout = cfg.DBConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	log.Info("connected to postgres", "max_conns", pcfg.MaxConns, "min_conns", pcfg.MinConns)
	return &Postgres{pool: pool, log: log}, nil
}

func NewPostgres(pool *pgxpool.Pool, log *slog.Logger) *Postgres {
	return &Postgres{pool: pool, log: log}
}

func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) InTx(ctx context.Context, op string, fn func(Tx) error) error {
	return RetryOnce(ctx, op, func(ctx context.Context) error {
		return p.run(ctx, op, pgx.TxOptions{}, fn)
	})
}

func (p *Postgres) View(ctx context.Context, op string, fn func(Tx) error) error {
	return RetryOnce(ctx, op, func(ctx context.Context) error {
		return p.run(ctx, op, pgx.TxOptions{AccessMode: pgx.ReadOnly}, fn)
	})
}

// run holds one pooled connection for the life of the transaction. The
// deferred rollback releases it on every path; after a commit it is a
// no-op.
func (p *Postgres) run(ctx context.Context, op string, opts pgx.TxOptions, fn func(Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin %s: %w", op, err)
	}
	defer func() {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			p.log.Warn("rollback failed", "op", op, "err", rbErr)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", op, err)
	}
	return nil
}

func (p *Postgres) Stats() PoolStats {
	s := p.pool.Stat()
	return PoolStats{
		Acquired:      s.AcquiredConns(),
		Idle:          s.IdleConns(),
		Total:         s.TotalConns(),
		Max:           s.MaxConns(),
		AcquireCount:  s.AcquireCount(),
		EmptyAcquires: s.EmptyAcquireCount(),
	}
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }
