package store

import (
	"context"
	"errors"
	"fmt"

	"ggpay/internal/db"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps every key as a jsonb row with a version column drawn from
// one sequence. Transact is a compare-and-swap on that version.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	collection, id, err := SplitKey(key)
	if err != nil {
		return nil, err
	}
	var value []byte
	err = p.db.QueryRow(ctx, `
		SELECT value FROM ggpay.kv WHERE collection = $1 AND id = $2
	`, collection, id).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return value, err
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte) error {
	collection, id, err := SplitKey(key)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO ggpay.kv (collection, id, value)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, id) DO UPDATE
		SET value = EXCLUDED.value, version = nextval('ggpay.kv_version_seq'), updated_at = now()
	`, collection, id, string(value))
	return err
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	collection, id, err := SplitKey(key)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx, `DELETE FROM ggpay.kv WHERE collection = $1 AND id = $2`, collection, id)
	return err
}

func (p *Postgres) Transact(ctx context.Context, key string, fn UpdateFunc) ([]byte, error) {
	collection, id, err := SplitKey(key)
	if err != nil {
		return nil, err
	}
	return withRetry(ctx, func() ([]byte, error) {
		var cur []byte
		var version int64
		err := p.db.QueryRow(ctx, `
			SELECT value, version FROM ggpay.kv WHERE collection = $1 AND id = $2
		`, collection, id).Scan(&cur, &version)
		exists := true
		if errors.Is(err, pgx.ErrNoRows) {
			exists = false
			cur = nil
		} else if err != nil {
			return nil, err
		}

		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return cur, nil
		}

		var cmd pgconn.CommandTag
		if exists {
			cmd, err = p.db.Exec(ctx, `
				UPDATE ggpay.kv
				SET value = $3::jsonb, version = nextval('ggpay.kv_version_seq'), updated_at = now()
				WHERE collection = $1 AND id = $2 AND version = $4
			`, collection, id, string(next), version)
		} else {
			cmd, err = p.db.Exec(ctx, `
				INSERT INTO ggpay.kv (collection, id, value)
				VALUES ($1, $2, $3::jsonb)
				ON CONFLICT (collection, id) DO NOTHING
			`, collection, id, string(next))
		}
		if err != nil {
			if isSerializationError(err) {
				return nil, errVersionMiss
			}
			return nil, err
		}
		if cmd.RowsAffected() == 0 {
			return nil, errVersionMiss
		}
		return next, nil
	})
}

func (p *Postgres) List(ctx context.Context, collection string) ([]Entry, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, value FROM ggpay.kv WHERE collection = $1 ORDER BY id
	`, collection)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows, collection)
}

func (p *Postgres) QueryByField(ctx context.Context, collection, field string, limit int, desc bool) ([]Entry, error) {
	query, err := queryByFieldSQL(collection, field, desc)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s by %s: %w", collection, field, err)
	}
	return scanEntries(rows, collection)
}

// queryByFieldSQL inlines collection and field so the statement matches the
// partial expression index db.Migrate creates.
func queryByFieldSQL(collection, field string, desc bool) (string, error) {
	expr, err := db.NumericFieldExpr(field)
	if err != nil {
		return "", err
	}
	if !db.ValidCollection(collection) {
		return "", fmt.Errorf("invalid collection name %q", collection)
	}
	order := "ASC"
	if desc {
		order = "DESC"
	}
	return fmt.Sprintf(`
		SELECT id, value
		FROM ggpay.kv
		WHERE collection = '%s' AND jsonb_typeof(value->'%s') = 'number'
		ORDER BY %s %s, id ASC
		LIMIT $1
	`, collection, field, expr, order), nil
}

func scanEntries(rows pgx.Rows, collection string) ([]Entry, error) {
	defer rows.Close()
	out := make([]Entry, 0)
	for rows.Next() {
		var id string
		var value []byte
		if err := rows.Scan(&id, &value); err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: Key(collection, id), Value: value})
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}
