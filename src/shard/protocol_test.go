package shard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShard(t *testing.T, cfg Config, ft *fakeTransport, gate *immediateGate) *Shard {
	t.Helper()
	if gate == nil {
		gate = &immediateGate{}
	}
	s := New(cfg, gate, WithTransport(ft))
	s.runCtx = context.Background()
	return s
}

// S1 — cold identify.
func TestColdIdentify(t *testing.T) {
	ft := newFakeTransport()
	s := newTestShard(t, Config{ID: 0, MaxShards: 1, Token: "tok", Intents: 513}, ft, nil)

	consumed, err := s.HandleFrame(1, []byte(`{"op":10,"d":{"heartbeat_interval":41250}}`))
	require.NoError(t, err)
	require.True(t, consumed)

	require.Equal(t, int64(41250), s.heartbeatIntervalMS.Load())

	msgs := ft.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, string(msgs[0]), `"op":2`)
	assert.Contains(t, string(msgs[0]), `"shard":[0,1]`)
	assert.Contains(t, string(msgs[0]), `"intents":513`)

	consumed, err = s.HandleFrame(1, []byte(`{"op":0,"t":"READY","s":1,"d":{"session_id":"abc"}}`))
	require.NoError(t, err)
	require.True(t, consumed)

	assert.True(t, s.ready.Load())
	assert.Equal(t, "abc", s.SessionID())
	assert.Equal(t, int64(1), s.lastSequence.Load())
}

// S2 — resume after transport drop.
func TestResumeAfterDrop(t *testing.T) {
	ft := newFakeTransport()
	s := newTestShard(t, Config{ID: 0, MaxShards: 1, Token: "tok"}, ft, nil)

	s.mu.Lock()
	s.sessionID = "abc"
	s.mu.Unlock()
	s.lastSequence.Store(42)

	_, err := s.HandleFrame(1, []byte(`{"op":10,"d":{"heartbeat_interval":41250}}`))
	require.NoError(t, err)

	msgs := ft.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, string(msgs[0]), `"op":6`)
	assert.Contains(t, string(msgs[0]), `"session_id":"abc"`)
	assert.Contains(t, string(msgs[0]), `"seq":42`)
	assert.Equal(t, int64(1), s.resumes.Load())
}

// S3 — invalid session clears state then reidentifies.
func TestInvalidSessionReidentifies(t *testing.T) {
	ft := newFakeTransport()
	s := newTestShard(t, Config{ID: 0, MaxShards: 1, Token: "tok"}, ft, nil)

	s.mu.Lock()
	s.sessionID = "abc"
	s.mu.Unlock()
	s.lastSequence.Store(42)

	_, err := s.HandleFrame(1, []byte(`{"op":9}`))
	require.NoError(t, err)

	assert.Equal(t, "", s.SessionID())
	assert.Equal(t, int64(0), s.lastSequence.Load())

	msgs := ft.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, string(msgs[0]), `"op":2`)
}

// Invariant 2: after HELLO, exactly one of IDENTIFY/RESUME is sent.
func TestHelloSendsExactlyOneOfIdentifyOrResume(t *testing.T) {
	cases := []struct {
		name      string
		sessionID string
		seq       int64
		wantOp    string
	}{
		{"no session", "", 0, `"op":2`},
		{"session but no seq", "abc", 0, `"op":2`},
		{"session and seq", "abc", 5, `"op":6`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ft := newFakeTransport()
			s := newTestShard(t, Config{ID: 0, MaxShards: 1, Token: "tok"}, ft, nil)
			s.mu.Lock()
			s.sessionID = tc.sessionID
			s.mu.Unlock()
			s.lastSequence.Store(tc.seq)

			_, err := s.HandleFrame(1, []byte(`{"op":10,"d":{"heartbeat_interval":1000}}`))
			require.NoError(t, err)

			msgs := ft.messages()
			require.Len(t, msgs, 1)
			assert.Contains(t, string(msgs[0]), tc.wantOp)
		})
	}
}

func TestSequenceOnlyAdvances(t *testing.T) {
	ft := newFakeTransport()
	s := newTestShard(t, Config{ID: 0, MaxShards: 1, Token: "tok"}, ft, nil)

	s.advanceSequence(5)
	s.advanceSequence(3)
	assert.Equal(t, int64(5), s.lastSequence.Load())

	s.advanceSequence(10)
	assert.Equal(t, int64(10), s.lastSequence.Load())
}

func TestParseFailureDropsFrameWithoutClosing(t *testing.T) {
	ft := newFakeTransport()
	s := newTestShard(t, Config{ID: 0, MaxShards: 1, Token: "tok"}, ft, nil)

	consumed, err := s.HandleFrame(1, []byte(`not json`))
	require.NoError(t, err)
	require.True(t, consumed)

	assert.Empty(t, ft.closeCodes())
}

func TestReconnectOpcodeClearsQueueAndCloses(t *testing.T) {
	ft := newFakeTransport()
	s := newTestShard(t, Config{ID: 0, MaxShards: 1, Token: "tok"}, ft, nil)

	require.NoError(t, s.QueueMessage(context.Background(), []byte("pending"), false))
	require.Equal(t, 1, s.outbound.Len())

	_, err := s.HandleFrame(1, []byte(`{"op":7}`))
	require.NoError(t, err)

	assert.Equal(t, 0, s.outbound.Len())
	assert.NotEmpty(t, ft.closeCodes())
}

// IDENTIFY omits the intents field entirely when unset.
func TestIdentifyOmitsZeroIntents(t *testing.T) {
	ft := newFakeTransport()
	s := newTestShard(t, Config{ID: 2, MaxShards: 4, Token: "tok"}, ft, nil)

	_, err := s.HandleFrame(1, []byte(`{"op":10,"d":{"heartbeat_interval":1000}}`))
	require.NoError(t, err)

	msgs := ft.messages()
	require.Len(t, msgs, 1)
	assert.NotContains(t, string(msgs[0]), "intents")
	assert.Contains(t, string(msgs[0]), `"shard":[2,4]`)
}
