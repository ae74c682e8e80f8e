package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "ggpay:"

// Redis stores each key as a string value. Every collection keeps a set of
// its ids, and configured numeric fields are mirrored into sorted sets so
// leaderboard queries do not scan.
type Redis struct {
	client  *redis.Client
	prefix  string
	indexes map[string][]string
}

// NewRedis wraps client. indexes maps a collection to the fields kept in
// sorted-set indexes.
func NewRedis(client *redis.Client, prefix string, indexes map[string][]string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix, indexes: indexes}
}

func (r *Redis) dataKey(key string) string { return r.prefix + "kv:" + key }

func (r *Redis) membersKey(collection string) string { return r.prefix + "ids:" + collection }

func (r *Redis) indexKey(collection, field string) string {
	return r.prefix + "idx:" + collection + ":" + field
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	if _, _, err := SplitKey(key); err != nil {
		return nil, err
	}
	v, err := r.client.Get(ctx, r.dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	collection, id, err := SplitKey(key)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.queueWrite(ctx, pipe, collection, id, value)
		return nil
	})
	return err
}

func (r *Redis) queueWrite(ctx context.Context, pipe redis.Pipeliner, collection, id string, value []byte) {
	pipe.Set(ctx, r.dataKey(Key(collection, id)), value, 0)
	pipe.SAdd(ctx, r.membersKey(collection), id)
	for _, field := range r.indexes[collection] {
		if score, ok := fieldValue(value, field); ok {
			pipe.ZAdd(ctx, r.indexKey(collection, field), redis.Z{Score: score, Member: id})
		} else {
			pipe.ZRem(ctx, r.indexKey(collection, field), id)
		}
	}
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	collection, id, err := SplitKey(key)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.dataKey(key))
		pipe.SRem(ctx, r.membersKey(collection), id)
		for _, field := range r.indexes[collection] {
			pipe.ZRem(ctx, r.indexKey(collection, field), id)
		}
		return nil
	})
	return err
}

// Transact uses WATCH/MULTI/EXEC; a concurrent write to the key makes EXEC
// fail and the update is retried.
func (r *Redis) Transact(ctx context.Context, key string, fn UpdateFunc) ([]byte, error) {
	collection, id, err := SplitKey(key)
	if err != nil {
		return nil, err
	}
	dk := r.dataKey(key)
	return withRetry(ctx, func() ([]byte, error) {
		var out []byte
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, dk).Bytes()
			if errors.Is(err, redis.Nil) {
				cur = nil
			} else if err != nil {
				return err
			}
			next, err := fn(cur)
			if err != nil {
				return err
			}
			if next == nil {
				out = cur
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				r.queueWrite(ctx, pipe, collection, id, next)
				return nil
			})
			if err != nil {
				return err
			}
			out = next
			return nil
		}, dk)
		if errors.Is(err, redis.TxFailedErr) {
			return nil, errVersionMiss
		}
		return out, err
	})
}

func (r *Redis) List(ctx context.Context, collection string) ([]Entry, error) {
	ids, err := r.client.SMembers(ctx, r.membersKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, collection, ids)
}

func (r *Redis) QueryByField(ctx context.Context, collection, field string, limit int, desc bool) ([]Entry, error) {
	if !r.indexed(collection, field) {
		all, err := r.List(ctx, collection)
		if err != nil {
			return nil, err
		}
		return sortByField(all, field, limit, desc), nil
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	var ids []string
	var err error
	if desc {
		ids, err = r.client.ZRevRange(ctx, r.indexKey(collection, field), 0, stop).Result()
	} else {
		ids, err = r.client.ZRange(ctx, r.indexKey(collection, field), 0, stop).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("query %s by %s: %w", collection, field, err)
	}
	return r.fetch(ctx, collection, ids)
}

func (r *Redis) indexed(collection, field string) bool {
	for _, f := range r.indexes[collection] {
		if f == field {
			return true
		}
	}
	return false
}

// fetch loads ids in order, skipping ones deleted since they were listed.
func (r *Redis) fetch(ctx context.Context, collection string, ids []string) ([]Entry, error) {
	if len(ids) == 0 {
		return []Entry{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.dataKey(Key(collection, id))
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(ids))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, Entry{Key: Key(collection, ids[i]), Value: []byte(s)})
	}
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
