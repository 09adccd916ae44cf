// Package gwmetrics exposes the gateway's Prometheus metrics.
package gwmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gt06d"
	subsystem = "gateway"
)

// Label names.
const (
	labelProtocol = "protocol"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Gateway Metrics
// -------------------------------------------------------------------------

// Collector holds all gateway Prometheus metrics.
//
// The counters cover the full ingest path: frames in, ACKs out, updates
// through the per-device queues, broadcasts to observers. Gauges track
// live device sessions and observers.
type Collector struct {
	// DeviceSessions tracks currently open device TCP sessions.
	DeviceSessions prometheus.Gauge

	// Observers tracks currently connected observers.
	Observers prometheus.Gauge

	// PacketsReceived counts decoded GT06 packets per protocol kind.
	PacketsReceived *prometheus.CounterVec

	// AcksSent counts acknowledgment frames written to devices.
	AcksSent prometheus.Counter

	// FrameResyncs counts bytes discarded while scanning for a frame start.
	FrameResyncs prometheus.Counter

	// FramesMalformed counts frames dropped for bad length, CRC (strict
	// mode) or truncated payloads.
	FramesMalformed prometheus.Counter

	// UpdatesEnqueued counts updates appended to per-device queues.
	UpdatesEnqueued prometheus.Counter

	// UpdatesDropped counts oldest-first drops on queue overflow.
	UpdatesDropped prometheus.Counter

	// Broadcasts counts hub broadcast invocations.
	Broadcasts prometheus.Counter

	// BroadcastFailures counts per-observer send failures.
	BroadcastFailures prometheus.Counter
}

// NewCollector creates a Collector with all gateway metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
//
// All metrics carry the "gt06d_gateway_" prefix (namespace_subsystem).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.DeviceSessions,
		c.Observers,
		c.PacketsReceived,
		c.AcksSent,
		c.FrameResyncs,
		c.FramesMalformed,
		c.UpdatesEnqueued,
		c.UpdatesDropped,
		c.Broadcasts,
		c.BroadcastFailures,
	)

	return c
}

// newMetrics creates all metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		DeviceSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "device_sessions",
			Help:      "Number of currently open device TCP sessions.",
		}),

		Observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "observers",
			Help:      "Number of currently connected observers.",
		}),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total decoded GT06 packets by protocol kind.",
		}, []string{labelProtocol}),

		AcksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "acks_sent_total",
			Help:      "Total acknowledgment frames written to devices.",
		}),

		FrameResyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frame_resync_bytes_total",
			Help:      "Total bytes discarded while resynchronizing the frame stream.",
		}),

		FramesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_malformed_total",
			Help:      "Total frames dropped due to bad length, checksum or payload.",
		}),

		UpdatesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "updates_enqueued_total",
			Help:      "Total updates appended to per-device queues.",
		}),

		UpdatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "updates_dropped_total",
			Help:      "Total updates dropped oldest-first on queue overflow.",
		}),

		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broadcasts_total",
			Help:      "Total hub broadcast invocations.",
		}),

		BroadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broadcast_failures_total",
			Help:      "Total per-observer send failures during broadcast.",
		}),
	}
}

// -------------------------------------------------------------------------
// Reporter methods — called from the hot paths
// -------------------------------------------------------------------------

// SessionOpened increments the device session gauge.
func (c *Collector) SessionOpened() { c.DeviceSessions.Inc() }

// SessionClosed decrements the device session gauge.
func (c *Collector) SessionClosed() { c.DeviceSessions.Dec() }

// ObserverRegistered increments the observer gauge.
func (c *Collector) ObserverRegistered() { c.Observers.Inc() }

// ObserverUnregistered decrements the observer gauge.
func (c *Collector) ObserverUnregistered() { c.Observers.Dec() }

// IncPacket counts one decoded packet of the given kind.
func (c *Collector) IncPacket(kind string) { c.PacketsReceived.WithLabelValues(kind).Inc() }

// IncAck counts one acknowledgment written.
func (c *Collector) IncAck() { c.AcksSent.Inc() }

// AddResyncBytes counts bytes discarded during resynchronization.
func (c *Collector) AddResyncBytes(n int) { c.FrameResyncs.Add(float64(n)) }

// IncMalformed counts one dropped frame.
func (c *Collector) IncMalformed() { c.FramesMalformed.Inc() }

// IncEnqueued counts one enqueued update.
func (c *Collector) IncEnqueued() { c.UpdatesEnqueued.Inc() }

// IncDroppedOldest counts one overflow drop.
func (c *Collector) IncDroppedOldest() { c.UpdatesDropped.Inc() }

// IncBroadcasts counts one broadcast invocation.
func (c *Collector) IncBroadcasts() { c.Broadcasts.Inc() }

// IncBroadcastFailures counts one per-observer send failure.
func (c *Collector) IncBroadcastFailures() { c.BroadcastFailures.Inc() }
