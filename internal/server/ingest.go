// Package server hosts the gateway's two listeners: the device-facing
// GT06 TCP server and the observer-facing HTTP/websocket endpoint. Both
// feed the same registry and per-device queues through an Ingestor.
package server

import (
	"time"

	"github.com/fleetlink/gt06d/internal/dispatch"
	"github.com/fleetlink/gt06d/internal/gt06"
	"github.com/fleetlink/gt06d/internal/hub"
	"github.com/fleetlink/gt06d/internal/registry"
)

// Ingestor is the shared sink for both ingress paths. Every ingest
// commits to the registry first and enqueues the committed state after,
// so the registry always reflects an update before any observer sees it.
type Ingestor struct {
	reg  *registry.Registry
	disp *dispatch.Dispatcher
}

// NewIngestor wires the registry and dispatcher together.
func NewIngestor(reg *registry.Registry, disp *dispatch.Dispatcher) *Ingestor {
	return &Ingestor{reg: reg, disp: disp}
}

// Login creates or reuses the registry entry for imei. A prior fix is
// preserved; the status flips to active. Replaying the same login is
// idempotent.
func (i *Ingestor) Login(imei string) registry.DeviceState {
	return i.reg.Apply(imei, func(st *registry.DeviceState) {
		st.Status = registry.StatusActive
	})
}

// Location commits a device-originated location and queues it for
// broadcast. receivedAt is the instant the gateway parsed the packet.
func (i *Ingestor) Location(imei string, loc gt06.Location, receivedAt time.Time) {
	st := i.reg.Apply(imei, func(st *registry.DeviceState) {
		st.Lat = loc.Lat
		st.Lon = loc.Lon
		st.HasFix = true
		st.Speed = loc.Speed
		st.Course = loc.Course
		st.Satellites = loc.Satellites
		st.RealTimeGPS = loc.RealTime
		st.PayloadTime = loc.Time
		st.ReceivedTime = receivedAt.UTC()
		st.Status = registry.StatusActive
	})
	i.disp.Enqueue(st)
}

// Synthetic commits an observer-injected update and queues it, exactly
// as a device-originated location would be. Absent coordinates never
// clear an existing fix.
func (i *Ingestor) Synthetic(d hub.DeviceStateJSON, receivedAt time.Time) {
	st := i.reg.Apply(d.IMEI, func(st *registry.DeviceState) {
		d.Merge(st)
		st.ReceivedTime = receivedAt.UTC()
		if st.Status == "" {
			st.Status = registry.StatusActive
		}
	})
	i.disp.Enqueue(st)
}

// Offline marks imei offline on session close and queues one final
// update so observers learn about the transition.
func (i *Ingestor) Offline(imei string) {
	st := i.reg.Apply(imei, func(st *registry.DeviceState) {
		st.Status = registry.StatusOffline
	})
	i.disp.Enqueue(st)
}
