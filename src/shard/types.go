// Package shard implements one gateway session: connection lifecycle,
// identify/resume negotiation, heartbeat keepalive, outbound rate
// limiting, and reconnection, for a single shard of a sharded bot.
package shard

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"personal/gatewayshard/src/compress"
	"personal/gatewayshard/src/transport"
)

// jsonc is the gateway envelope codec: json-iterator configured for
// struct-tag compatibility with encoding/json, chosen for hot-path
// gateway traffic.
var jsonc = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is the immutable construction-time configuration of a shard.
type Config struct {
	ID         int
	MaxShards  int
	Token      string
	Intents    int
	Compressed bool
	GatewayURL string
	Browser    string
}

// Dispatcher receives DISPATCH events. It is the boundary to domain event
// decoding, which is out of scope for the core.
type Dispatcher interface {
	HandleEvent(event string, data []byte, raw []byte)
}

// IdentifyGate enforces the cluster-wide 5-second gap between IDENTIFY
// calls. Wait blocks until the shard is clear to identify and marks the
// gate as consumed before returning nil.
type IdentifyGate interface {
	Wait(ctx context.Context) error
}

// GuildCounter is the external guild cache contract: linear counts over a
// read-locked snapshot, plus a garbage-collection hook fired once per
// heartbeat emission.
type GuildCounter interface {
	CountGuilds(shardID int) int
	CountMembers(shardID int) int
	CountChannels(shardID int) int
	GC()
}

// VoiceClientSpawner is invoked, in a detached goroutine, once a voice
// connection record has all three of hostname/session/token. It never
// blocks the shard.
type VoiceClientSpawner func(VoiceSession)

// Shard owns exactly one gateway session. Zero value is not usable; build
// with New.
type Shard struct {
	cfg Config

	transport transport.Transport
	inflater  *compress.Inflater

	dispatcher   Dispatcher
	identify     IdentifyGate
	cache        GuildCounter
	voiceSpawner VoiceClientSpawner
	logger       *slog.Logger
	metrics      *Metrics

	mu        sync.RWMutex
	sessionID string

	lastSequence        atomic.Int64
	heartbeatIntervalMS atomic.Int64
	lastHeartbeatSentMS atomic.Int64
	lastHeartbeatAckMS  atomic.Int64
	connectTimeMS       atomic.Int64
	reconnects          atomic.Int64
	resumes             atomic.Int64
	ready               atomic.Bool
	decompressedTotal   atomic.Int64
	lastInflaterTotal   int64 // last DecompressedTotal() observed from the current Inflater

	outbound *outboundQueue
	voice    *voiceTable

	runCtx context.Context
}

// Option configures optional collaborators at construction time.
type Option func(*Shard)

// WithDispatcher installs the DISPATCH event sink.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Shard) { s.dispatcher = d }
}

// WithCache installs the guild-count read collaborator.
func WithCache(c GuildCounter) Option {
	return func(s *Shard) { s.cache = c }
}

// WithVoiceSpawner installs the detached voice-client spawn hook. Without
// it, voice records still track handshake state but no client is spawned.
func WithVoiceSpawner(fn VoiceClientSpawner) Option {
	return func(s *Shard) { s.voiceSpawner = fn }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Shard) { s.logger = l }
}

// WithMetrics installs a Metrics collector. Without it, metrics
// observations are no-ops.
func WithMetrics(m *Metrics) Option {
	return func(s *Shard) { s.metrics = m }
}

// WithTransport overrides the default gorilla/websocket-backed transport,
// primarily for tests.
func WithTransport(t transport.Transport) Option {
	return func(s *Shard) { s.transport = t }
}

// New builds a Shard. identify must not be nil; it is how the shard
// observes and updates the cluster-wide identify throttle.
func New(cfg Config, identify IdentifyGate, opts ...Option) *Shard {
	s := &Shard{
		cfg:      cfg,
		identify: identify,
		logger:   slog.Default(),
		outbound: newOutboundQueue(),
		voice:    newVoiceTable(),
		metrics:  noopMetrics(),
	}

	s.lastHeartbeatAckMS.Store(nowMillis())

	for _, opt := range opts {
		opt(s)
	}

	if s.transport == nil {
		s.transport = transport.New(cfg.GatewayURL, cfg.Compressed)
	}

	return s
}

// IsConnected reports whether the transport is connected and a
// READY/RESUMED dispatch has been observed, per the precondition C4 acts
// under.
func (s *Shard) IsConnected() bool {
	return s.transport.State() == transport.StateConnected && s.ready.Load()
}

// Uptime returns seconds since the shard last sent IDENTIFY, or 0 before
// any IDENTIFY has been sent. A RESUME does not reset it.
func (s *Shard) Uptime() int64 {
	ct := s.connectTimeMS.Load()
	if ct == 0 {
		return 0
	}
	return (nowMillis() - ct) / 1000
}

// GetDecompressedBytesIn returns the running total of bytes produced by
// the frame decompressor. It is always 0 for an uncompressed shard.
func (s *Shard) GetDecompressedBytesIn() int64 {
	return s.decompressedTotal.Load()
}

// GetGuildCount, GetMemberCount and GetChannelCount delegate to the
// external guild cache, filtered to this shard's ID.
func (s *Shard) GetGuildCount() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.CountGuilds(s.cfg.ID)
}

func (s *Shard) GetMemberCount() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.CountMembers(s.cfg.ID)
}

func (s *Shard) GetChannelCount() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.CountChannels(s.cfg.ID)
}

// QueueMessage enqueues an outbound gateway text frame, optionally at the
// front of the queue for priority delivery.
func (s *Shard) QueueMessage(ctx context.Context, payload []byte, toFront bool) error {
	if toFront {
		return s.outbound.PushFront(ctx, payload)
	}
	return s.outbound.PushBack(ctx, payload)
}

// SessionID returns the current resumable session ID, or "" if none.
func (s *Shard) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Reconnects and Resumes expose the observability counters.
func (s *Shard) Reconnects() int64 { return s.reconnects.Load() }
func (s *Shard) Resumes() int64    { return s.resumes.Load() }
