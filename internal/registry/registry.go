// Package registry holds the last-known state of every device seen by the
// gateway, keyed by IMEI. Only the latest state per device is retained;
// there is no history and no persistence.
package registry

import (
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// DeviceState
// -------------------------------------------------------------------------

// Status is the device liveness status.
type Status string

const (
	// StatusActive means a device session is (or was last known to be) open.
	StatusActive Status = "active"

	// StatusOffline is set by the session handler on disconnect only;
	// normal updates never set it.
	StatusOffline Status = "offline"
)

// DeviceState is the last-known state of one device. Values are copied in
// and out of the registry whole, so a published state is never observed
// partially constructed.
type DeviceState struct {
	// IMEI uniquely identifies the device for the life of the process.
	// Immutable after creation.
	IMEI string

	// Lat and Lon are WGS-84 decimal degrees. Valid only when HasFix is
	// set; once set they may be overwritten but are never cleared.
	Lat    float64
	Lon    float64
	HasFix bool

	// Speed in km/h (0-255).
	Speed uint8

	// Course in degrees (0-359).
	Course uint16

	// Satellites in view (0-15).
	Satellites uint8

	// RealTimeGPS reports whether the last fix was real-time rather than
	// a stored re-upload.
	RealTimeGPS bool

	// PayloadTime is the device-reported UTC instant of the last packet.
	PayloadTime time.Time

	// ReceivedTime is the UTC instant the gateway parsed the last packet.
	// Clock skew between the two is tolerated, not enforced.
	ReceivedTime time.Time

	// LastUpdate is the UTC instant of the last registry write.
	LastUpdate time.Time

	// Status is active or offline.
	Status Status
}

// -------------------------------------------------------------------------
// Registry
// -------------------------------------------------------------------------

// Registry is a concurrent-safe mapping IMEI -> DeviceState. Writes are
// atomic at DeviceState granularity; per-key ordering is the dispatcher's
// job, not the registry's.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]DeviceState
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{devices: make(map[string]DeviceState)}
}

// GetOrCreate returns the state for imei, creating an empty active entry
// if none exists. Creation is idempotent: replaying the same login N times
// leaves a single entry.
func (r *Registry) GetOrCreate(imei string) DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.devices[imei]; ok {
		return st
	}
	st := DeviceState{
		IMEI:       imei,
		Status:     StatusActive,
		LastUpdate: time.Now().UTC(),
	}
	r.devices[imei] = st
	return st
}

// Get returns the state for imei if present.
func (r *Registry) Get(imei string) (DeviceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.devices[imei]
	return st, ok
}

// Put replaces the state for st.IMEI unconditionally and stamps LastUpdate.
func (r *Registry) Put(st DeviceState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st.LastUpdate = time.Now().UTC()
	r.devices[st.IMEI] = st
}

// Apply runs fn on the current state for imei (creating an empty entry if
// absent) under the registry lock and publishes the result. It returns the
// published state. fn must not block; it runs inside the critical section.
func (r *Registry) Apply(imei string, fn func(*DeviceState)) DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.devices[imei]
	if !ok {
		st = DeviceState{IMEI: imei, Status: StatusActive}
	}
	fn(&st)
	st.IMEI = imei // the key is immutable regardless of what fn did
	st.LastUpdate = time.Now().UTC()
	r.devices[imei] = st
	return st
}

// Snapshot returns a point-in-time copy of all states. Used for onboarding
// new observers.
func (r *Registry) Snapshot() []DeviceState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DeviceState, 0, len(r.devices))
	for _, st := range r.devices {
		out = append(out, st)
	}
	return out
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Reset drops all state. Tests use it between cases.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[string]DeviceState)
}
