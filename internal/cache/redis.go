package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const keyPrefix = "grc:llm:"

// Redis is a Cache on the Redis protocol. The same type serves both a
// real server and the in-process emulation.
type Redis struct {
	client  *redis.Client
	backend string
	counters

	// Set only for the emulated backend, whose clock must be advanced so
	// TTLs expire.
	mr       *miniredis.Miniredis
	mu       sync.Mutex
	lastTick time.Time
	now      func() time.Time
}

func newRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "cache: parse redis url")
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "cache: ping redis")
	}
	return &Redis{client: client, backend: BackendRedis}, nil
}

func newEmulated() (*Redis, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, eris.Wrap(err, "cache: start emulated redis")
	}
	return &Redis{
		client:   redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		backend:  BackendEmulated,
		mr:       mr,
		lastTick: time.Now(),
		now:      time.Now,
	}, nil
}

// tick advances the emulated server clock by the wall time since the last
// access.
func (r *Redis) tick() {
	if r.mr == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if d := now.Sub(r.lastTick); d > 0 {
		r.mr.FastForward(d)
	}
	r.lastTick = now
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	r.tick()
	val, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zap.L().Debug("cache: get failed", zap.String("backend", r.backend), zap.Error(err))
		}
		r.record(false)
		return nil, false
	}
	r.record(true)
	return val, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	r.tick()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := r.client.Set(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		return eris.Wrap(err, "cache: set")
	}
	r.sets.Add(1)
	return nil
}

func (r *Redis) Clear(ctx context.Context, pattern string) (int, error) {
	r.tick()
	if pattern == "" {
		pattern = "*"
	}
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, keyPrefix+pattern, 200).Result()
		if err != nil {
			return removed, eris.Wrap(err, "cache: scan")
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, eris.Wrap(err, "cache: delete")
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (r *Redis) Stats(ctx context.Context) Stats {
	r.tick()
	var entries int
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		entries++
	}
	return r.stats(r.backend, entries)
}

func (r *Redis) Close() error {
	err := r.client.Close()
	if r.mr != nil {
		r.mr.Close()
	}
	return err
}
