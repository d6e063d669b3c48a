package logstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Redis keeps records in a Redis list. Append is RPUSH followed by LTRIM in
// one transaction so the cap holds across processes sharing the key.
type Redis struct {
	client redis.UniversalClient
	key    string
	cap    int
	closed atomic.Bool
}

// NewRedis stores records under prefix+name. The caller owns client.
func NewRedis(client redis.UniversalClient, prefix, name string, capacity int) *Redis {
	return &Redis{client: client, key: prefix + name, cap: capacity}
}

func (r *Redis) Name() string { return "redis:" + r.key }
func (r *Redis) Cap() int     { return r.cap }

func (r *Redis) Append(ctx context.Context, rec json.RawMessage) error {
	if r.closed.Load() {
		return ErrClosed
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.key, []byte(rec))
		if r.cap > 0 {
			pipe.LTrim(ctx, r.key, int64(-r.cap), -1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis append %s: %w", r.key, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context) ([]json.RawMessage, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	vals, err := r.client.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list %s: %w", r.key, err)
	}
	out := make([]json.RawMessage, 0, len(vals))
	for _, v := range vals {
		out = append(out, json.RawMessage(v))
	}
	return out, nil
}

func (r *Redis) Replace(ctx context.Context, recs []json.RawMessage) error {
	if r.closed.Load() {
		return ErrClosed
	}
	recs = trim(recs, r.cap)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		if len(recs) == 0 {
			return nil
		}
		vals := make([]any, 0, len(recs))
		for _, rec := range recs {
			vals = append(vals, []byte(rec))
		}
		pipe.RPush(ctx, r.key, vals...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis replace %s: %w", r.key, err)
	}
	return nil
}

// Close marks the store unusable. It does not close the shared client.
func (r *Redis) Close() error {
	r.closed.Store(true)
	return nil
}
