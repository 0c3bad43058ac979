package shard

import (
	"context"

	"github.com/sasha-s/go-csync"
)

// outboundQueue is the shard's outbound frame queue: FIFO, except priority
// inserts (heartbeats, voice ops) go to the front. Guarded by a
// context-cancelable mutex so a shutdown can preempt a blocked caller
// instead of leaking a goroutine forever.
type outboundQueue struct {
	mu    csync.Mutex
	items [][]byte
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{}
}

func (q *outboundQueue) PushBack(ctx context.Context, payload []byte) error {
	if err := q.mu.CLock(ctx); err != nil {
		return err
	}
	defer q.mu.Unlock()

	q.items = append(q.items, payload)
	return nil
}

func (q *outboundQueue) PushFront(ctx context.Context, payload []byte) error {
	if err := q.mu.CLock(ctx); err != nil {
		return err
	}
	defer q.mu.Unlock()

	q.items = append([][]byte{payload}, q.items...)
	return nil
}

// PopFront removes and returns the frame at the head of the queue, or
// ok=false if the queue is empty.
func (q *outboundQueue) PopFront(ctx context.Context) (payload []byte, ok bool, err error) {
	if err := q.mu.CLock(ctx); err != nil {
		return nil, false, err
	}
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false, nil
	}

	payload = q.items[0]
	q.items = q.items[1:]
	return payload, true, nil
}

// Clear drops every pending message. In-flight user messages are best
// effort at the gateway layer; they are not replayed after a reconnect.
func (q *outboundQueue) Clear(ctx context.Context) error {
	if err := q.mu.CLock(ctx); err != nil {
		return err
	}
	defer q.mu.Unlock()

	q.items = nil
	return nil
}

func (q *outboundQueue) Len() int {
	if err := q.mu.CLock(context.Background()); err != nil {
		return 0
	}
	defer q.mu.Unlock()

	return len(q.items)
}
