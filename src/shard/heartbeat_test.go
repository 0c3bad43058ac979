package shard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S4 — missed ACKs force a reconnect.
func TestMissedHeartbeatAcksForcesClose(t *testing.T) {
	ft := newFakeTransport()
	s := newTestShard(t, Config{ID: 0, MaxShards: 1, Token: "tok"}, ft, nil)

	s.ready.Store(true)
	s.heartbeatIntervalMS.Store(40000)

	var frozen int64 = 1_000_000_000_000
	clockNowMS = func() int64 { return frozen }
	defer func() { clockNowMS = func() int64 { return time.Now().UnixMilli() } }()

	// last ack 85s ago; 85 > 2*40 = 80, so this should force-close.
	s.lastHeartbeatAckMS.Store(frozen - 85_000)

	s.OneSecondTimer(context.Background(), frozen/1000)

	require.NotEmpty(t, ft.closeCodes())
	assert.Equal(t, 0, s.outbound.Len())
}

func TestHeartbeatNotSentBeforeThreeQuarterInterval(t *testing.T) {
	ft := newFakeTransport()
	s := newTestShard(t, Config{ID: 0, MaxShards: 1, Token: "tok"}, ft, nil)

	s.ready.Store(true)
	s.heartbeatIntervalMS.Store(40000)
	s.lastSequence.Store(1)

	var frozen int64 = 1_000_000_000_000
	clockNowMS = func() int64 { return frozen }
	defer func() { clockNowMS = func() int64 { return time.Now().UnixMilli() } }()

	s.lastHeartbeatAckMS.Store(frozen)
	s.lastHeartbeatSentMS.Store(frozen - 10_000) // well within 0.75*40s = 30s

	s.OneSecondTimer(context.Background(), frozen/1000)

	assert.Equal(t, 0, s.outbound.Len())
}

func TestHeartbeatSentAtThreeQuarterInterval(t *testing.T) {
	ft := newFakeTransport()
	s := newTestShard(t, Config{ID: 0, MaxShards: 1, Token: "tok"}, ft, nil)

	s.ready.Store(true)
	s.heartbeatIntervalMS.Store(40000)
	s.lastSequence.Store(7)

	var frozen int64 = 1_000_000_000_000
	clockNowMS = func() int64 { return frozen }
	defer func() { clockNowMS = func() int64 { return time.Now().UnixMilli() } }()

	s.lastHeartbeatAckMS.Store(frozen)
	s.lastHeartbeatSentMS.Store(frozen - 31_000) // past 0.75*40s = 30s

	s.OneSecondTimer(context.Background(), frozen/1000)

	require.Equal(t, 1, s.outbound.Len())
	payload, ok, err := s.outbound.PopFront(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(payload), `"op":1`)
	assert.Contains(t, string(payload), `"d":7`)
}

// Rate limit: 1 message drained on odd seconds, 2 on even seconds.
func TestOutboundDrainRateLimit(t *testing.T) {
	ft := newFakeTransport()
	s := newTestShard(t, Config{ID: 0, MaxShards: 1, Token: "tok"}, ft, nil)
	s.ready.Store(true)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.QueueMessage(context.Background(), []byte("m"), false))
	}

	s.OneSecondTimer(context.Background(), 3) // odd -> drains 1
	assert.Len(t, ft.messages(), 1)

	s.OneSecondTimer(context.Background(), 4) // even -> drains 2
	assert.Len(t, ft.messages(), 3)
}

func TestOneSecondTimerNoopWhenNotConnected(t *testing.T) {
	ft := newFakeTransport()
	s := newTestShard(t, Config{ID: 0, MaxShards: 1, Token: "tok"}, ft, nil)
	// ready is false by default.

	require.NoError(t, s.QueueMessage(context.Background(), []byte("m"), false))
	s.OneSecondTimer(context.Background(), 2)

	assert.Empty(t, ft.messages())
	assert.Equal(t, 1, s.outbound.Len())
}
