package shard

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"personal/gatewayshard/src/compress"
	"personal/gatewayshard/src/opcodes"
)

// envelope is the gateway wire contract: op is always present; s,
// t and d are each optional.
type envelope struct {
	Op int                 `json:"op"`
	S  *int64              `json:"s"`
	T  *string             `json:"t"`
	D  jsoniter.RawMessage `json:"d"`
}

// HandleFrame is the transport.FrameHandler the shard registers with its
// transport. For an uncompressed shard, every WS frame is already a
// complete gateway message. For a compressed shard, raw is routed through
// the Inflater first; consumed=false means more bytes are needed before a
// full logical message is available.
func (s *Shard) HandleFrame(messageType int, raw []byte) (bool, error) {
	if !s.cfg.Compressed {
		s.processEnvelope(raw)
		return true, nil
	}

	text, ok, err := s.inflater.HandleFrame(raw)
	if err != nil {
		s.logger.Error("shard: decompression failed, closing transport", "error", err)
		_ = s.transport.Close(closeCodeFor(err))
		return true, fmt.Errorf("shard: decompression failed: %w", err)
	}

	if !ok {
		return false, nil
	}

	total := s.inflater.DecompressedTotal()
	delta := total - s.lastInflaterTotal
	s.lastInflaterTotal = total
	s.decompressedTotal.Add(delta)
	s.metrics.observeDecompressedBytes(delta)

	s.processEnvelope(text)
	return true, nil
}

func closeCodeFor(err error) int {
	var cerr *compress.Error
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return opcodes.CloseUnknown
}

// processEnvelope decodes one complete gateway message and drives the
// state machine. A parse failure is logged and the frame dropped; the
// session is never closed for a bad frame.
func (s *Shard) processEnvelope(raw []byte) {
	var env envelope
	if err := jsonc.Unmarshal(raw, &env); err != nil {
		s.logger.Warn("shard: could not parse gateway frame", "error", err, "payload", string(raw))
		return
	}

	if env.S != nil {
		s.advanceSequence(*env.S)
	}

	ctx := s.backgroundCtx()

	switch env.Op {
	case opcodes.Dispatch:
		s.handleDispatch(ctx, env, raw)

	case opcodes.Heartbeat:
		if err := s.QueueMessage(ctx, heartbeatPayload(s.lastSequence.Load()), true); err != nil {
			s.logger.Warn("shard: could not queue requested heartbeat", "error", err)
		}

	case opcodes.Reconnect:
		_ = s.outbound.Clear(ctx)
		s.logger.Info("shard: received reconnect opcode")
		_ = s.transport.Close(1012)

	case opcodes.InvalidSession:
		s.handleInvalidSession(ctx, env)

	case opcodes.Hello:
		s.handleHello(ctx, env)

	case opcodes.HeartbeatACK:
		now := nowMillis()
		if sent := s.lastHeartbeatSentMS.Load(); sent > 0 {
			s.metrics.observeHeartbeatLatencySeconds(float64(now-sent) / 1000)
		}
		s.lastHeartbeatAckMS.Store(now)

	default:
		s.logger.Debug("shard: received unhandled opcode", "op", env.Op)
	}
}

func (s *Shard) handleDispatch(ctx context.Context, env envelope, raw []byte) {
	event := ""
	if env.T != nil {
		event = *env.T
	}

	switch event {
	case "READY":
		var d struct {
			SessionID string `json:"session_id"`
		}
		if err := jsonc.Unmarshal(env.D, &d); err != nil {
			s.logger.Warn("shard: could not parse READY payload", "error", err)
		} else {
			s.mu.Lock()
			s.sessionID = d.SessionID
			s.mu.Unlock()
		}
		s.ready.Store(true)

	case "RESUMED":
		s.ready.Store(true)

	case "VOICE_SERVER_UPDATE":
		s.handleVoiceServerUpdate(env.D)

	case "VOICE_STATE_UPDATE":
		s.handleVoiceStateUpdate(env.D)
	}

	if s.dispatcher != nil {
		s.dispatcher.HandleEvent(event, env.D, raw)
	}
}

func (s *Shard) handleHello(ctx context.Context, env envelope) {
	// d (and heartbeat_interval within it) is checked carefully rather than
	// unmarshaled unconditionally: a missing/null or unparseable d must not
	// abort the handshake.
	var d struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if len(env.D) > 0 && !bytes.Equal(env.D, []byte("null")) {
		if err := jsonc.Unmarshal(env.D, &d); err != nil {
			s.logger.Warn("shard: could not parse HELLO payload", "error", err)
		} else if d.HeartbeatInterval > 0 {
			s.heartbeatIntervalMS.Store(d.HeartbeatInterval)
		}
	}

	s.negotiateSession(ctx)
}

// handleInvalidSession clears the resumable session and reidentifies,
// sharing negotiateSession with the HELLO path rather than relying on
// switch-fallthrough.
func (s *Shard) handleInvalidSession(ctx context.Context, env envelope) {
	s.mu.Lock()
	s.sessionID = ""
	s.mu.Unlock()
	s.lastSequence.Store(0)

	s.logger.Warn("shard: received invalid session, reidentifying")
	s.negotiateSession(ctx)
}

// negotiateSession sends RESUME when a resumable session exists, or
// IDENTIFY (subject to the cluster identify gate) otherwise. Both the HELLO
// and INVALID_SESSION paths share this, so both reset the heartbeat ack
// clock rather than inheriting a stale timestamp from before the drop.
func (s *Shard) negotiateSession(ctx context.Context) {
	s.lastHeartbeatAckMS.Store(nowMillis())

	s.mu.RLock()
	sessionID := s.sessionID
	s.mu.RUnlock()

	seq := s.lastSequence.Load()

	if sessionID != "" && seq > 0 {
		s.sendResume(sessionID, seq)
		return
	}

	s.sendIdentify(ctx)
}

// advanceSequence updates last_sequence only forward, via a lock-free
// compare-and-swap loop.
func (s *Shard) advanceSequence(seq int64) {
	if seq <= 0 {
		return
	}
	for {
		old := s.lastSequence.Load()
		if seq <= old {
			return
		}
		if s.lastSequence.CompareAndSwap(old, seq) {
			return
		}
	}
}

func nowMillis() int64 {
	return clockNowMS()
}

// backgroundCtx returns the shard's run context if Run has started, or a
// background context otherwise (e.g. for tests driving HandleFrame
// directly).
func (s *Shard) backgroundCtx() context.Context {
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}
