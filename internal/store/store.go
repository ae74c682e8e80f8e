// Package store is the key-value persistence the game runs on: single-key
// reads and writes, optimistic single-key transactions, and ordered queries
// over a numeric field of a collection.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("key not found")
	ErrConflict    = errors.New("transaction conflict: retries exhausted")
	ErrInvalidKey  = errors.New("key must be collection/id")
	errVersionMiss = errors.New("version changed")
)

// UpdateFunc receives the current value (nil when the key is absent) and
// returns the value to commit. Returning nil with a nil error commits
// nothing. Returning an error aborts the transaction with that error.
// The function may run more than once.
type UpdateFunc func(current []byte) ([]byte, error)

type Entry struct {
	Key   string
	Value []byte
}

// ID is the part of the key after the collection.
func (e Entry) ID() string {
	_, id, _ := SplitKey(e.Key)
	return id
}

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Transact(ctx context.Context, key string, fn UpdateFunc) ([]byte, error)
	List(ctx context.Context, collection string) ([]Entry, error)
	QueryByField(ctx context.Context, collection, field string, limit int, desc bool) ([]Entry, error)
	Close() error
}

func Key(collection, id string) string {
	return collection + "/" + id
}

func SplitKey(key string) (collection, id string, err error) {
	collection, id, ok := strings.Cut(key, "/")
	if !ok || collection == "" || id == "" || strings.Contains(id, "/") {
		return "", "", ErrInvalidKey
	}
	return collection, id, nil
}

// TopByField returns the limit entries with the highest value of field.
func TopByField(ctx context.Context, s Store, collection, field string, limit int) ([]Entry, error) {
	return s.QueryByField(ctx, collection, field, limit, true)
}

const maxAttempts = 8

// withRetry runs attempt until it stops reporting errVersionMiss, backing
// off between tries.
func withRetry(ctx context.Context, attempt func() ([]byte, error)) ([]byte, error) {
	retryDelay := 75 * time.Millisecond
	for i := 0; i < maxAttempts; i++ {
		out, err := attempt()
		if !errors.Is(err, errVersionMiss) {
			return out, err
		}
		if i == maxAttempts-1 {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(retryDelay) / 2))
		if err := sleepWithContext(ctx, retryDelay/2+jitter); err != nil {
			return nil, err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return nil, ErrConflict
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fieldValue extracts a top-level numeric field from a JSON object.
func fieldValue(value []byte, field string) (float64, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err != nil {
		return 0, false
	}
	raw, ok := obj[field]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// sortByField orders entries carrying field and drops the rest.
func sortByField(entries []Entry, field string, limit int, desc bool) []Entry {
	type scored struct {
		Entry
		score float64
	}
	rows := make([]scored, 0, len(entries))
	for _, e := range entries {
		if v, ok := fieldValue(e.Value, field); ok {
			rows = append(rows, scored{Entry: e, score: v})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].score != rows[j].score {
			if desc {
				return rows[i].score > rows[j].score
			}
			return rows[i].score < rows[j].score
		}
		return rows[i].Key < rows[j].Key
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = r.Entry
	}
	return out
}
