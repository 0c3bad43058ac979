package shard

import "context"

// OneSecondTimer is called once per second by the owning cluster's shared
// ticker (shards never run their own per-shard ticker). It implements
// C4 in full: liveness check, rate-limited outbound drain, heartbeat
// emission, in that order.
func (s *Shard) OneSecondTimer(ctx context.Context, nowSeconds int64) {
	if !s.IsConnected() {
		return
	}

	intervalMS := s.heartbeatIntervalMS.Load()

	if intervalMS > 0 {
		lastAckMS := s.lastHeartbeatAckMS.Load()
		if nowMillis()-lastAckMS > 2*intervalMS {
			s.logger.Warn("shard: missed heartbeat acknowledgements, forcing reconnect",
				"shard", s.cfg.ID, "since_ack_ms", nowMillis()-lastAckMS)
			_ = s.outbound.Clear(ctx)
			_ = s.transport.Close(1008)
			return
		}
	}

	s.drainOutbound(ctx, nowSeconds)

	if intervalMS > 0 && s.lastSequence.Load() > 0 {
		threshold := int64(float64(intervalMS) * 0.75)
		lastSentMS := s.lastHeartbeatSentMS.Load()
		if nowMillis() > lastSentMS+threshold {
			if err := s.outbound.PushFront(ctx, heartbeatPayload(s.lastSequence.Load())); err != nil {
				s.logger.Warn("shard: could not queue heartbeat", "error", err)
			} else {
				s.lastHeartbeatSentMS.Store(nowMillis())
			}
			if s.cache != nil {
				s.cache.GC()
			}
		}
	}
}

// drainOutbound pops and sends 1 message on odd seconds, 2 on even
// seconds — an average of 1.5 msgs/sec, well under Discord's 120/60s
// gateway budget.
func (s *Shard) drainOutbound(ctx context.Context, nowSeconds int64) {
	budget := int(2 - nowSeconds%2)

	for i := 0; i < budget; i++ {
		payload, ok, err := s.outbound.PopFront(ctx)
		if err != nil || !ok {
			break
		}

		if err := s.transport.Write(payload); err != nil {
			s.logger.Warn("shard: could not send outbound message", "error", err)
			break
		}
	}

	s.metrics.observeQueueDepth(s.outbound.Len())
}
