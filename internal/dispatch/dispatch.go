// Package dispatch implements the per-device update pipeline: a FIFO of
// pending updates per IMEI, drained by at most one worker per IMEI at a
// time. Enqueue never blocks on broadcast latency, so a device bursting
// one point every 100ms cannot lose updates to a slow observer, and
// updates for different devices drain in parallel.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fleetlink/gt06d/internal/registry"
)

// Broadcaster receives every dequeued update exactly once. Whether a
// delivery succeeds for any particular observer does not affect the next
// dequeue. This interface decouples dispatch from the hub package.
type Broadcaster interface {
	Broadcast(st registry.DeviceState)
}

// Metrics is the subset of the metrics collector the dispatcher reports to.
type Metrics interface {
	IncEnqueued()
	IncDroppedOldest()
}

// Update is one queued device state snapshot. Seq is the per-IMEI
// monotonic sequence assigned at enqueue time under the same critical
// section that appends, so sequence order equals queue order. QueueID is
// process-unique and exists for tracing only.
type Update struct {
	QueueID uint64
	Seq     uint64
	State   registry.DeviceState
}

// deviceQueue is the per-IMEI FIFO plus the draining flag. Both live
// under the queue's own lock; the lock is never held across a broadcast.
type deviceQueue struct {
	mu       sync.Mutex
	items    []Update
	draining bool
	nextSeq  uint64
	dropped  uint64
}

// Dispatcher owns the per-IMEI queues and spawns drainers lazily. A
// drainer runs until its queue is empty, then clears the flag and exits;
// an enqueue that observes a running drainer relies on it to pick the
// message up rather than spawning a second one.
type Dispatcher struct {
	mu     sync.Mutex
	queues map[string]*deviceQueue

	hub     Broadcaster
	metrics Metrics
	logger  *slog.Logger

	// cap bounds each per-IMEI queue; 0 means unbounded. On overflow the
	// oldest update is dropped and counted.
	cap int

	// queueIDs generates process-unique trace IDs.
	queueIDs atomic.Uint64

	// drainers tracks in-flight drainer goroutines for shutdown.
	drainers sync.WaitGroup
}

// Option configures optional Dispatcher parameters.
type Option func(*Dispatcher)

// WithQueueCap bounds each per-IMEI queue to n pending updates, dropping
// oldest-first on overflow. n <= 0 leaves queues unbounded.
func WithQueueCap(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.cap = n
		}
	}
}

// WithMetrics sets the metrics reporter.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// New creates a Dispatcher feeding hub.
func New(hub Broadcaster, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queues:  make(map[string]*deviceQueue),
		hub:     hub,
		metrics: noopMetrics{},
		logger:  logger.With(slog.String("component", "dispatch")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue appends a state snapshot to its IMEI's queue and returns
// without waiting for any broadcast. If no drainer is running for the
// IMEI, one is started; otherwise the running drainer will pick the
// update up before it exits. FIFO order per IMEI is preserved across all
// ingress sources because the sequence is assigned under the append lock.
func (d *Dispatcher) Enqueue(st registry.DeviceState) {
	q := d.queue(st.IMEI)

	q.mu.Lock()
	q.nextSeq++
	u := Update{
		QueueID: d.queueIDs.Add(1),
		Seq:     q.nextSeq,
		State:   st,
	}
	if d.cap > 0 && len(q.items) >= d.cap {
		dropped := q.items[0]
		q.items = q.items[1:]
		q.dropped++
		d.metrics.IncDroppedOldest()
		d.logger.Warn("queue overflow, dropped oldest",
			slog.String("imei", st.IMEI),
			slog.Uint64("dropped_seq", dropped.Seq),
			slog.Uint64("total_dropped", q.dropped),
		)
	}
	q.items = append(q.items, u)
	spawn := !q.draining
	if spawn {
		q.draining = true
	}
	q.mu.Unlock()

	d.metrics.IncEnqueued()

	if spawn {
		d.drainers.Add(1)
		go d.drain(st.IMEI, q)
	}
}

// drain empties the queue for one IMEI, delivering each update to the
// broadcaster exactly once, then clears the flag and exits. A broadcast
// failure for a particular update is the hub's concern; the drainer
// proceeds to the next update and never aborts the queue.
func (d *Dispatcher) drain(imei string, q *deviceQueue) {
	defer d.drainers.Done()

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		u := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		d.logger.Debug("broadcasting update",
			slog.String("imei", imei),
			slog.Uint64("seq", u.Seq),
			slog.Uint64("queue_id", u.QueueID),
		)
		d.hub.Broadcast(u.State)
	}
}

// queue returns the per-IMEI queue, creating it lazily.
func (d *Dispatcher) queue(imei string) *deviceQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[imei]
	if !ok {
		q = &deviceQueue{}
		d.queues[imei] = q
	}
	return q
}

// Pending returns the number of undelivered updates for imei. Intended
// for tests and diagnostics.
func (d *Dispatcher) Pending(imei string) int {
	q := d.queue(imei)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain blocks until every in-flight drainer has emptied its queue, or
// until ctx expires. Used at shutdown after ingress has stopped.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.drainers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset drops all queues. Tests use it between cases; callers must ensure
// no drainer is running.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queues = make(map[string]*deviceQueue)
}

// noopMetrics satisfies Metrics when no collector is configured.
type noopMetrics struct{}

func (noopMetrics) IncEnqueued()      {}
func (noopMetrics) IncDroppedOldest() {}
