// Package cluster owns a set of shards, the cluster-wide identify
// throttle they all share, and the 1 Hz ticker that drives every shard's
// heartbeat scheduler.
package cluster

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"personal/gatewayshard/src/shard"
)

// Ticked is the method set the cluster's 1 Hz ticker calls; shard.Shard
// implements it. tick itself iterates *shard.Shard values, not Ticked.
type Ticked interface {
	OneSecondTimer(ctx context.Context, nowSeconds int64)
}

// Cluster aggregates many shards and supplies the collaborators that must
// be shared across all of them: the identify gate and the 1 Hz ticker.
type Cluster struct {
	logger *slog.Logger

	mu     sync.RWMutex
	shards map[int]*shard.Shard

	gate *identifyGate
}

// New builds an empty Cluster with its own identify gate.
func New(opts ...Option) *Cluster {
	c := &Cluster{
		shards: make(map[int]*shard.Shard),
		gate:   newIdentifyGate(5 * time.Second),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Option configures a Cluster at construction time.
type Option func(*Cluster)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cluster) { c.logger = l }
}

// IdentifyGate returns the shared identify throttle, to be passed to
// shard.New for every shard this cluster owns.
func (c *Cluster) IdentifyGate() shard.IdentifyGate {
	return c.gate
}

// AddShard registers a shard with the cluster so it receives tick events
// and is included in Run's supervised goroutine group.
func (c *Cluster) AddShard(s *shard.Shard, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shards[id] = s
}

// Shards returns a snapshot of the registered shards.
func (c *Cluster) Shards() map[int]*shard.Shard {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[int]*shard.Shard, len(c.shards))
	for id, s := range c.shards {
		out[id] = s
	}
	return out
}

// Run starts every registered shard's supervisor loop and the shared 1 Hz
// ticker, and blocks until ctx is cancelled or every shard's Run returns.
func (c *Cluster) Run(ctx context.Context) error {
	shards := c.Shards()

	var wg sync.WaitGroup
	errs := make(chan error, len(shards))

	for id, s := range shards {
		wg.Add(1)
		go func(id int, s *shard.Shard) {
			defer wg.Done()
			if err := s.Run(ctx); err != nil {
				c.logger.Error("cluster: shard exited", "shard", id, "error", err)
				errs <- err
			}
		}(id, s)
	}

	go c.tick(ctx, shards)

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

// tick fans the shared 1 Hz ticker out to every shard's OneSecondTimer.
func (c *Cluster) tick(ctx context.Context, shards map[int]*shard.Shard) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			nowSeconds := now.Unix()
			for _, s := range shards {
				s.OneSecondTimer(ctx, nowSeconds)
			}
		}
	}
}
