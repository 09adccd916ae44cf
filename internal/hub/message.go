package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetlink/gt06d/internal/registry"
)

// -------------------------------------------------------------------------
// Wire Envelope — one JSON document per websocket frame
// -------------------------------------------------------------------------

// Message types exchanged with observers.
const (
	// TypeInitialState is sent once, server -> new observer, carrying the
	// full registry snapshot.
	TypeInitialState = "initial_state"

	// TypeUpdate carries a single DeviceState. Server -> observer per
	// broadcast; observer -> server as a synthetic ingress.
	TypeUpdate = "update"
)

// Message is the envelope for every observer-channel frame.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DeviceStateJSON is the wire form of a device state. Lat/Lon are
// pointers so their absence (no fix yet) is distinguishable from the
// equator/prime meridian, which must round-trip as exactly 0.0.
type DeviceStateJSON struct {
	IMEI     string   `json:"imei"`
	Lat      *float64 `json:"lat,omitempty"`
	Lon      *float64 `json:"lon,omitempty"`
	Speed    uint8    `json:"speed"`
	Course   uint16   `json:"course"`
	Datetime string   `json:"datetime,omitempty"`
	LastUpd  string   `json:"lastUpdate,omitempty"`
	Status   string   `json:"status,omitempty"`
}

// FromState converts a registry state to its wire form. Instants are
// RFC 3339 UTC.
func FromState(st registry.DeviceState) DeviceStateJSON {
	d := DeviceStateJSON{
		IMEI:    st.IMEI,
		Speed:   st.Speed,
		Course:  st.Course,
		LastUpd: st.LastUpdate.UTC().Format(time.RFC3339),
		Status:  string(st.Status),
	}
	if st.HasFix {
		lat, lon := st.Lat, st.Lon
		d.Lat, d.Lon = &lat, &lon
	}
	if !st.PayloadTime.IsZero() {
		d.Datetime = st.PayloadTime.UTC().Format(time.RFC3339)
	}
	return d
}

// Merge applies the wire form onto a registry state as a synthetic
// ingress. Present coordinates overwrite; absent ones never clear an
// existing fix.
func (d DeviceStateJSON) Merge(st *registry.DeviceState) {
	if d.Lat != nil && d.Lon != nil {
		st.Lat, st.Lon = *d.Lat, *d.Lon
		st.HasFix = true
	}
	st.Speed = d.Speed
	st.Course = d.Course
	if t, err := time.Parse(time.RFC3339, d.Datetime); err == nil {
		st.PayloadTime = t.UTC()
	}
	switch registry.Status(d.Status) {
	case registry.StatusActive, registry.StatusOffline:
		st.Status = registry.Status(d.Status)
	}
}

// EncodeUpdate marshals one state as an update message.
func EncodeUpdate(st registry.DeviceState) ([]byte, error) {
	return encodeMessage(TypeUpdate, FromState(st))
}

// EncodeInitialState marshals a registry snapshot as an initial_state
// message.
func EncodeInitialState(states []registry.DeviceState) ([]byte, error) {
	list := make([]DeviceStateJSON, 0, len(states))
	for _, st := range states {
		list = append(list, FromState(st))
	}
	return encodeMessage(TypeInitialState, list)
}

func encodeMessage(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", typ, err)
	}
	b, err := json.Marshal(Message{Type: typ, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", typ, err)
	}
	return b, nil
}
