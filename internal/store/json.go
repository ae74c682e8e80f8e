package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

func GetJSON[T any](ctx context.Context, s Store, key string) (T, error) {
	var out T
	raw, err := s.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// TransactJSON is Transact over a JSON document. fn gets nil when the key is
// absent; returning a nil document commits nothing and yields the current
// one.
func TransactJSON[T any](ctx context.Context, s Store, key string, fn func(cur *T) (*T, error)) (*T, error) {
	var committed *T
	_, err := s.Transact(ctx, key, func(raw []byte) ([]byte, error) {
		var cur *T
		if raw != nil {
			cur = new(T)
			if err := json.Unmarshal(raw, cur); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
		}
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		if next == nil {
			committed = cur
			return nil, nil
		}
		out, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		committed = next
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// DecodeEntries decodes every entry, skipping ones that do not parse.
func DecodeEntries[T any](entries []Entry) []T {
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := json.Unmarshal(e.Value, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
