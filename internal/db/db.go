// Package db owns the Postgres pool backing the snapshot archive.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"hivewatch/core-go/internal/sqlcgen"
)

// Options tune the pool. Zero values keep pgxpool's defaults.
type Options struct {
	MaxConns        int32
	MaxConnIdleTime time.Duration
}

type Pool struct {
	pool *pgxpool.Pool
}

// Open connects and pings so a bad DATABASE_URL fails at startup rather
// than on the first archived snapshot.
func Open(ctx context.Context, databaseURL string, opts Options) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Pool{pool: p}, nil
}

// Queries returns the query set bound to the pool, or nil without a
// database.
func (p *Pool) Queries() *sqlcgen.Queries {
	if p == nil || p.pool == nil {
		return nil
	}
	return sqlcgen.New(p.pool)
}

// Migrate creates the archive schema in one transaction. It is safe to run
// on every start.
func (p *Pool) Migrate(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := p.Queries().WithTx(tx).EnsureViewSnapshots(ctx); err != nil {
		return fmt.Errorf("ensure view_snapshots: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *Pool) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}

// Ping is a no-op without a database.
func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	return p.pool.Ping(ctx)
}
