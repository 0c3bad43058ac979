package shard

import (
	"context"
	"fmt"
	"sync"

	"personal/gatewayshard/src/opcodes"
)

// VoiceSession is a snapshot of a voice connection record, handed to a
// VoiceClientSpawner once ready. It carries only copied fields, never a
// pointer into shard state, so the spawned goroutine cannot alias the
// shard.
type VoiceSession struct {
	GuildID   string
	ChannelID string
	Hostname  string
	SessionID string
	Token     string
}

type voiceRecord struct {
	channelID string
	hostname  string
	sessionID string
	token     string
	spawned   bool
}

func (r *voiceRecord) isReady() bool {
	return r.hostname != "" && r.sessionID != "" && r.token != ""
}

// voiceTable owns every voice connection record for a shard, under a
// mutex dedicated to voice bookkeeping, separate from the outbound queue
// mutex.
type voiceTable struct {
	mu      sync.Mutex
	records map[string]*voiceRecord
}

func newVoiceTable() *voiceTable {
	return &voiceTable{records: make(map[string]*voiceRecord)}
}

type voiceStateUpdatePayload struct {
	Op int          `json:"op"`
	D  voiceStateOp `json:"d"`
}

type voiceStateOp struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// ConnectVoice creates a voice record (if absent) and enqueues the
// opcode-4 join request at the front of the outbound queue.
func (s *Shard) ConnectVoice(ctx context.Context, guildID, channelID string) error {
	s.voice.mu.Lock()
	_, exists := s.voice.records[guildID]
	if !exists {
		s.voice.records[guildID] = &voiceRecord{channelID: channelID}
	}
	s.voice.mu.Unlock()

	if exists {
		return nil
	}

	payload := voiceStateUpdatePayload{
		Op: opcodes.VoiceStateUpdate,
		D: voiceStateOp{
			GuildID:   guildID,
			ChannelID: &channelID,
		},
	}

	b, err := jsonc.Marshal(payload)
	if err != nil {
		return fmt.Errorf("shard: could not marshal voice state update: %w", err)
	}

	return s.outbound.PushFront(ctx, b)
}

// DisconnectVoice removes the voice record and enqueues an opcode-4 leave
// request (channel_id: null).
func (s *Shard) DisconnectVoice(ctx context.Context, guildID string) error {
	s.voice.mu.Lock()
	delete(s.voice.records, guildID)
	s.voice.mu.Unlock()

	payload := voiceStateUpdatePayload{
		Op: opcodes.VoiceStateUpdate,
		D: voiceStateOp{
			GuildID:   guildID,
			ChannelID: nil,
		},
	}

	b, err := jsonc.Marshal(payload)
	if err != nil {
		return fmt.Errorf("shard: could not marshal voice state update: %w", err)
	}

	return s.outbound.PushFront(ctx, b)
}

// GetVoice returns a snapshot of a guild's voice record, if one exists.
func (s *Shard) GetVoice(guildID string) (VoiceSession, bool) {
	s.voice.mu.Lock()
	defer s.voice.mu.Unlock()

	r, ok := s.voice.records[guildID]
	if !ok {
		return VoiceSession{}, false
	}

	return VoiceSession{
		GuildID:   guildID,
		ChannelID: r.channelID,
		Hostname:  r.hostname,
		SessionID: r.sessionID,
		Token:     r.token,
	}, true
}

type voiceServerUpdateData struct {
	Token    string `json:"token"`
	GuildID  string `json:"guild_id"`
	Endpoint string `json:"endpoint"`
}

type voiceStateUpdateData struct {
	GuildID   string `json:"guild_id"`
	SessionID string `json:"session_id"`
}

func (s *Shard) handleVoiceServerUpdate(raw []byte) {
	var d voiceServerUpdateData
	if err := jsonc.Unmarshal(raw, &d); err != nil {
		s.logger.Warn("shard: could not parse VOICE_SERVER_UPDATE", "error", err)
		return
	}

	s.updateVoiceRecord(d.GuildID, func(r *voiceRecord) {
		r.hostname = d.Endpoint
		r.token = d.Token
	})
}

func (s *Shard) handleVoiceStateUpdate(raw []byte) {
	var d voiceStateUpdateData
	if err := jsonc.Unmarshal(raw, &d); err != nil {
		return
	}

	if d.SessionID == "" {
		return
	}

	s.updateVoiceRecord(d.GuildID, func(r *voiceRecord) {
		r.sessionID = d.SessionID
	})
}

// updateVoiceRecord mutates a guild's voice record under the voice mutex
// and spawns the external voice client, exactly once, once the record is
// ready.
func (s *Shard) updateVoiceRecord(guildID string, mutate func(*voiceRecord)) {
	s.voice.mu.Lock()

	r, ok := s.voice.records[guildID]
	if !ok {
		s.voice.mu.Unlock()
		return
	}

	mutate(r)

	var toSpawn VoiceSession
	spawn := false
	if r.isReady() && !r.spawned {
		r.spawned = true
		spawn = true
		toSpawn = VoiceSession{
			GuildID:   guildID,
			ChannelID: r.channelID,
			Hostname:  r.hostname,
			SessionID: r.sessionID,
			Token:     r.token,
		}
	}

	s.voice.mu.Unlock()

	if spawn && s.voiceSpawner != nil {
		go s.voiceSpawner(toSpawn)
	}
}
