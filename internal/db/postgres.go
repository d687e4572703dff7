package db

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside the runtime image without shipping the .sql file.
//
//go:embed schema.sql
var schemaSQL string

// Pool wraps the pgx connection pool shared by every store.
type Pool struct {
	*pgxpool.Pool
	log *zap.Logger
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(ctx context.Context, connStr string, log *zap.Logger) (*Pool, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	log.Info("connected to PostgreSQL")
	return &Pool{Pool: pool, log: log}, nil
}

// InitSchema executes the embedded schema DDL. Safe to run on every boot.
func (p *Pool) InitSchema(ctx context.Context) error {
	if _, err := p.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	p.log.Info("broker schema initialized")
	return nil
}

// Healthy reports whether the database answers a ping.
func (p *Pool) Healthy(ctx context.Context) error {
	return p.Ping(ctx)
}
