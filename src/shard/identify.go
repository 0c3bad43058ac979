package shard

import "context"

type identifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Properties     identifyProperties `json:"properties"`
	Compress       bool               `json:"compress"`
	LargeThreshold int                `json:"large_threshold"`
	Shard          [2]int             `json:"shard"`
	Intents        *int               `json:"intents,omitempty"`
}

type identifyMessage struct {
	Op int          `json:"op"`
	D  identifyData `json:"d"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

type resumeMessage struct {
	Op int        `json:"op"`
	D  resumeData `json:"d"`
}

type heartbeatMessage struct {
	Op int   `json:"op"`
	D  int64 `json:"d"`
}

func heartbeatPayload(seq int64) []byte {
	b, _ := jsonc.Marshal(heartbeatMessage{Op: 1, D: seq})
	return b
}

// sendIdentify observes the cluster-wide identify throttle, then sends
// IDENTIFY directly on the transport, bypassing the outbound queue so it
// cannot be delayed by rate-limited user traffic.
func (s *Shard) sendIdentify(ctx context.Context) {
	if err := s.identify.Wait(ctx); err != nil {
		s.logger.Warn("shard: identify throttle wait aborted", "error", err)
		return
	}

	browser := s.cfg.Browser
	if browser == "" {
		browser = "gatewayshard"
	}

	msg := identifyMessage{
		Op: 2,
		D: identifyData{
			Token: s.cfg.Token,
			Properties: identifyProperties{
				OS:      "Linux",
				Browser: browser,
				Device:  browser,
			},
			Compress:       false,
			LargeThreshold: 250,
			Shard:          [2]int{s.cfg.ID, s.cfg.MaxShards},
		},
	}

	if s.cfg.Intents != 0 {
		intents := s.cfg.Intents
		msg.D.Intents = &intents
	}

	payload, err := jsonc.Marshal(msg)
	if err != nil {
		s.logger.Error("shard: could not marshal identify message", "error", err)
		return
	}

	s.connectTimeMS.Store(nowMillis())
	s.reconnects.Add(1)

	if err := s.transport.Write(payload); err != nil {
		s.logger.Error("shard: could not send identify message", "error", err)
		return
	}

	s.metrics.observeIdentify()
}

func (s *Shard) sendResume(sessionID string, seq int64) {
	msg := resumeMessage{
		Op: 6,
		D: resumeData{
			Token:     s.cfg.Token,
			SessionID: sessionID,
			Sequence:  seq,
		},
	}

	payload, err := jsonc.Marshal(msg)
	if err != nil {
		s.logger.Error("shard: could not marshal resume message", "error", err)
		return
	}

	if err := s.transport.Write(payload); err != nil {
		s.logger.Error("shard: could not send resume message", "error", err)
		return
	}

	s.resumes.Add(1)
	s.metrics.observeResume()
}
