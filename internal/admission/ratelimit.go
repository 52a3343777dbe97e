// Package admission gates work with per-client rate limits and a bounded
// FIFO processing queue.
package admission

import (
	"fmt"
	"sync"
	"time"

	"github.com/sells-group/grc-extract/internal/model"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// RateLimiter keeps a sliding window of request times per client.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string][]time.Time), now: time.Now}
}

// Check records a request for id and reports whether it is allowed. A
// limit <= 0 is not enforced. Denied requests are not recorded.
func (l *RateLimiter) Check(id string, perMinute, perHour int) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	times := l.windows[id]

	keep := 0
	for keep < len(times) && now.Sub(times[keep]) >= hourWindow {
		keep++
	}
	times = times[keep:]

	lastMinute := 0
	for i := len(times) - 1; i >= 0 && now.Sub(times[i]) < minuteWindow; i-- {
		lastMinute++
	}

	switch {
	case perMinute > 0 && lastMinute >= perMinute:
		l.windows[id] = times
		return false, fmt.Sprintf("Rate limit exceeded: %d requests per minute", perMinute)
	case perHour > 0 && len(times) >= perHour:
		l.windows[id] = times
		return false, fmt.Sprintf("Rate limit exceeded: %d requests per hour", perHour)
	}

	l.windows[id] = append(times, now)
	return true, ""
}

// Allow is Check returning an InputRejected error on deny.
func (l *RateLimiter) Allow(id string, perMinute, perHour int) error {
	ok, reason := l.Check(id, perMinute, perHour)
	if ok {
		return nil
	}
	return model.NewError(model.KindInputRejected, reason, nil)
}

// Count returns how many requests id made in the last hour.
func (l *RateLimiter) Count(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for _, t := range l.windows[id] {
		if now.Sub(t) < hourWindow {
			n++
		}
	}
	return n
}
