package cluster

import (
	"context"
	"time"

	"github.com/sasha-s/go-csync"
)

// identifyGate enforces "no shard identifies within window of the most
// recent identify by any shard in the cluster". Wait is
// context-aware so a shutdown can preempt the up-to-5-second block instead
// of leaking the reader goroutine.
type identifyGate struct {
	mu     csync.Mutex
	window time.Duration
	last   time.Time
}

func newIdentifyGate(window time.Duration) *identifyGate {
	return &identifyGate{window: window}
}

// Wait blocks until the gate has been clear for window, then atomically
// marks it consumed before returning.
func (g *identifyGate) Wait(ctx context.Context) error {
	if err := g.mu.CLock(ctx); err != nil {
		return err
	}
	defer g.mu.Unlock()

	now := time.Now()
	earliest := g.last.Add(g.window)

	if earliest.After(now) {
		timer := time.NewTimer(earliest.Sub(now))
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	g.last = time.Now()
	return nil
}
