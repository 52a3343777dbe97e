package policy

import (
	"context"
	"time"

	"github.com/sells-group/grc-extract/internal/resilience"
)

// Pacer spaces out model calls. calls is the running count including the
// call that just finished.
type Pacer interface {
	Pace(ctx context.Context, calls int) error
}

// SleepPacer sleeps Short after every call, Every10 after each tenth call
// and Every50 after each fiftieth.
type SleepPacer struct {
	Short   time.Duration
	Every10 time.Duration
	Every50 time.Duration
	sleep   func(context.Context, time.Duration) error
}

// NewSleepPacer returns the standard pacing with the given short delay.
func NewSleepPacer(short time.Duration) *SleepPacer {
	return &SleepPacer{Short: short, Every10: 2 * time.Second, Every50: 10 * time.Second, sleep: resilience.Sleep}
}

func (p *SleepPacer) Pace(ctx context.Context, calls int) error {
	d := p.Short
	switch {
	case calls > 0 && calls%50 == 0:
		d = p.Every50
	case calls > 0 && calls%10 == 0:
		d = p.Every10
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = resilience.Sleep
	}
	return sleep(ctx, d)
}

// NoPacer never waits.
type NoPacer struct{}

func (NoPacer) Pace(context.Context, int) error { return nil }
