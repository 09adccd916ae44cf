// Package hub tracks the set of connected observers and delivers one
// serialized message to each. It imposes no per-key ordering of its own;
// the dispatcher feeds it updates in order.
package hub

import (
	"log/slog"
	"sync"

	"github.com/fleetlink/gt06d/internal/registry"
)

// Observer is a connected downstream consumer. Send must be safe to call
// from the drainer goroutines; implementations serialize their own writes.
// After Close an observer is never referenced again.
type Observer interface {
	// Send delivers one complete message. An error marks the observer
	// dead: the hub unregisters it and never sends to it again.
	Send(msg []byte) error

	// IsOpen reports whether the underlying transport is still usable.
	IsOpen() bool

	// Close tears down the transport. Idempotent.
	Close()
}

// Metrics is the subset of the metrics collector the hub reports to.
type Metrics interface {
	ObserverRegistered()
	ObserverUnregistered()
	IncBroadcasts()
	IncBroadcastFailures()
}

// Hub maintains the observer set. The set is guarded by its own lock; the
// broadcast iteration snapshots the set so no lock is held across sends.
type Hub struct {
	mu        sync.Mutex
	observers map[Observer]struct{}

	snapshot func() []registry.DeviceState
	metrics  Metrics
	logger   *slog.Logger
}

// New creates a Hub. snapshot supplies the registry view sent to each new
// observer as its initial_state message. metrics may be nil.
func New(snapshot func() []registry.DeviceState, metrics Metrics, logger *slog.Logger) *Hub {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Hub{
		observers: make(map[Observer]struct{}),
		snapshot:  snapshot,
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "hub")),
	}
}

// Register adds an observer and immediately sends it the current snapshot
// as a single initial_state message. The snapshot is sent before the
// observer joins the broadcast set, so its first message is always the
// initial_state and never a concurrent update.
func (h *Hub) Register(o Observer) {
	msg, err := EncodeInitialState(h.snapshot())
	if err != nil {
		h.logger.Error("encode initial state", slog.String("error", err.Error()))
		o.Close()
		return
	}

	if err := o.Send(msg); err != nil {
		h.logger.Warn("initial state send failed", slog.String("error", err.Error()))
		o.Close()
		return
	}

	h.mu.Lock()
	h.observers[o] = struct{}{}
	n := len(h.observers)
	h.mu.Unlock()

	h.metrics.ObserverRegistered()
	h.logger.Info("observer registered", slog.Int("observers", n))
}

// Unregister removes an observer and closes it. Safe to call twice.
func (h *Hub) Unregister(o Observer) {
	h.mu.Lock()
	_, present := h.observers[o]
	delete(h.observers, o)
	n := len(h.observers)
	h.mu.Unlock()

	if !present {
		return
	}
	o.Close()
	h.metrics.ObserverUnregistered()
	h.logger.Info("observer unregistered", slog.Int("observers", n))
}

// Broadcast delivers one update message to every observer. Failures on
// individual observers are counted and prune that observer, but never
// abort the iteration: a failing send to one observer must not drop the
// update for the others.
func (h *Hub) Broadcast(st registry.DeviceState) {
	msg, err := EncodeUpdate(st)
	if err != nil {
		h.logger.Error("encode update", slog.String("error", err.Error()))
		return
	}

	h.metrics.IncBroadcasts()

	for _, o := range h.observerList() {
		if !o.IsOpen() {
			h.Unregister(o)
			continue
		}
		if err := o.Send(msg); err != nil {
			h.metrics.IncBroadcastFailures()
			h.logger.Warn("broadcast send failed",
				slog.String("imei", st.IMEI),
				slog.String("error", err.Error()),
			)
			h.Unregister(o)
		}
	}
}

// Len returns the current observer count.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Close unregisters and closes every observer.
func (h *Hub) Close() {
	for _, o := range h.observerList() {
		h.Unregister(o)
	}
}

// observerList snapshots the set under the lock so sends happen outside
// the critical section.
func (h *Hub) observerList() []Observer {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := make([]Observer, 0, len(h.observers))
	for o := range h.observers {
		list = append(list, o)
	}
	return list
}

// noopMetrics satisfies Metrics when no collector is configured.
type noopMetrics struct{}

func (noopMetrics) ObserverRegistered()   {}
func (noopMetrics) ObserverUnregistered() {}
func (noopMetrics) IncBroadcasts()        {}
func (noopMetrics) IncBroadcastFailures() {}
