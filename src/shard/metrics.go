package shard

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects per-shard observability counters. It is registered
// against a caller-supplied prometheus.Registerer rather than the global
// default registerer, so a cluster running many shards does not collide
// on metric names.
type Metrics struct {
	reconnects        prometheus.Counter
	resumes           prometheus.Counter
	decompressedBytes prometheus.Counter
	outboundDepth     prometheus.Gauge
	heartbeatLatency  prometheus.Histogram
}

// NewMetrics builds and registers a Metrics collector labeled by shard ID.
func NewMetrics(reg prometheus.Registerer, shardID int) *Metrics {
	labels := prometheus.Labels{"shard": strconv.Itoa(shardID)}

	m := &Metrics{
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gateway_shard_reconnects_total",
			Help:        "Number of times this shard has sent IDENTIFY.",
			ConstLabels: labels,
		}),
		resumes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gateway_shard_resumes_total",
			Help:        "Number of times this shard has sent RESUME.",
			ConstLabels: labels,
		}),
		decompressedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gateway_shard_decompressed_bytes_total",
			Help:        "Total bytes produced by the frame decompressor.",
			ConstLabels: labels,
		}),
		outboundDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "gateway_shard_outbound_queue_depth",
			Help:        "Current depth of the outbound message queue.",
			ConstLabels: labels,
		}),
		heartbeatLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "gateway_shard_heartbeat_latency_seconds",
			Help:        "Time between sending a heartbeat and receiving its ACK.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.reconnects, m.resumes, m.decompressedBytes, m.outboundDepth, m.heartbeatLatency)
	}

	return m
}

func noopMetrics() *Metrics {
	return &Metrics{
		reconnects:        prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_reconnects"}),
		resumes:           prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_resumes"}),
		decompressedBytes: prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_decompressed_bytes"}),
		outboundDepth:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "noop_outbound_depth"}),
		heartbeatLatency:  prometheus.NewHistogram(prometheus.HistogramOpts{Name: "noop_heartbeat_latency"}),
	}
}

func (m *Metrics) observeIdentify() {
	m.reconnects.Inc()
}

func (m *Metrics) observeResume() {
	m.resumes.Inc()
}

func (m *Metrics) observeQueueDepth(n int) {
	m.outboundDepth.Set(float64(n))
}

func (m *Metrics) observeHeartbeatLatencySeconds(seconds float64) {
	m.heartbeatLatency.Observe(seconds)
}

func (m *Metrics) observeDecompressedBytes(n int64) {
	if n <= 0 {
		return
	}
	m.decompressedBytes.Add(float64(n))
}
