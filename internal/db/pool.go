package db

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PoolOptions struct {
	MaxConns int32
	MinConns int32
}

func Connect(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 20
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MinConns = 2
	if opts.MinConns > 0 && opts.MinConns <= cfg.MaxConns {
		cfg.MinConns = opts.MinConns
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// Migrate creates the key-value table and the expression indexes used for
// ordered queries.
func Migrate(ctx context.Context, pool *pgxpool.Pool, indexes map[string][]string) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ggpay`,
		`CREATE SEQUENCE IF NOT EXISTS ggpay.kv_version_seq`,
		`CREATE TABLE IF NOT EXISTS ggpay.kv (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			value JSONB NOT NULL,
			version BIGINT NOT NULL DEFAULT nextval('ggpay.kv_version_seq'),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		)`,
		`ALTER TABLE ggpay.kv ALTER COLUMN version SET DEFAULT nextval('ggpay.kv_version_seq')`,
	}
	for collection, fields := range indexes {
		for _, field := range fields {
			expr, err := NumericFieldExpr(field)
			if err != nil {
				return err
			}
			if !ValidCollection(collection) {
				return fmt.Errorf("migrate: invalid collection name %q", collection)
			}
			stmts = append(stmts, fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS kv_%s_%s_idx ON ggpay.kv ((%s)) WHERE collection = '%s'`,
				collection, field, expr, collection,
			))
		}
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// NumericFieldExpr is the SQL expression for a numeric jsonb field. Indexes
// and ordered queries both use this exact text.
func NumericFieldExpr(field string) (string, error) {
	if !identPattern.MatchString(field) {
		return "", fmt.Errorf("invalid field name %q", field)
	}
	return fmt.Sprintf("(value->>'%s')::float8", field), nil
}

// ValidCollection reports whether name can be inlined into SQL.
func ValidCollection(name string) bool {
	return identPattern.MatchString(name)
}
