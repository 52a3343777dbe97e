// Package cache memoizes LLM responses keyed by model, prompt and document.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/config"
)

// TTLs used by callers.
const (
	DefaultTTL = 24 * time.Hour
	QueryTTL   = time.Hour
)

// Backend names reported by Stats.
const (
	BackendRedis    = "redis"
	BackendEmulated = "emulated"
	BackendMemory   = "memory"
)

// Cache stores serialized responses with a TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Clear removes keys matching a glob pattern and returns how many were removed.
	Clear(ctx context.Context, pattern string) (int, error)
	Stats(ctx context.Context) Stats
	Close() error
}

// Stats summarizes cache activity.
type Stats struct {
	Backend string `json:"backend"`
	Entries int    `json:"entries"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	Sets    int64  `json:"sets"`
}

// HitRate returns the fraction of lookups that hit.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Key derives the cache key for a model call.
func Key(model, prompt, docHash string) string {
	sum := sha256.Sum256([]byte(model + "|" + prompt + "|" + docHash))
	return hex.EncodeToString(sum[:])
}

type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

func (c *counters) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

func (c *counters) stats(backend string, entries int) Stats {
	return Stats{
		Backend: backend,
		Entries: entries,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
	}
}

const pingTimeout = 2 * time.Second

// New selects a backend once: the external Redis at cfg.URL when it answers
// a ping, then an in-process emulation, then a plain memory map. Failures
// are logged and fall through to the next backend.
func New(ctx context.Context, cfg config.CacheConfig) Cache {
	log := zap.L().With(zap.String("component", "cache"))

	if cfg.URL != "" {
		c, err := newRedis(ctx, cfg.URL)
		if err == nil {
			log.Info("cache: using redis backend")
			return c
		}
		log.Warn("cache: redis unavailable, falling back", zap.Error(err))
	}

	if cfg.Emulate {
		c, err := newEmulated()
		if err == nil {
			log.Info("cache: using emulated backend")
			return c
		}
		log.Warn("cache: emulation unavailable, falling back", zap.Error(err))
	}

	log.Info("cache: using memory backend", zap.Int("max_entries", cfg.MaxEntries))
	return NewMemory(cfg.MaxEntries)
}
