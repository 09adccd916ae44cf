package server_test

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fleetlink/gt06d/internal/dispatch"
	"github.com/fleetlink/gt06d/internal/gt06"
	"github.com/fleetlink/gt06d/internal/registry"
	"github.com/fleetlink/gt06d/internal/server"
)

const (
	testIMEI = "868022038531725"

	// waitTimeout bounds every asynchronous expectation in this package.
	waitTimeout = 5 * time.Second
)

// imeiBCD is testIMEI BCD-encoded with a leading zero pad.
var imeiBCD = []byte{0x08, 0x68, 0x02, 0x20, 0x38, 0x53, 0x17, 0x25}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildFrame assembles a well-formed wire frame.
func buildFrame(protocol byte, payload []byte, serial uint16) []byte {
	length := byte(1 + len(payload) + 4)

	body := make([]byte, 0, 2+len(payload))
	body = append(body, length, protocol)
	body = append(body, payload...)
	body = binary.BigEndian.AppendUint16(body, serial)

	frame := []byte{gt06.StartByte, gt06.StartByte}
	frame = append(frame, body...)
	frame = binary.BigEndian.AppendUint16(frame, gt06.Checksum(body))
	frame = append(frame, gt06.StopByte1, gt06.StopByte2)

	return frame
}

// buildLocationPayload assembles an 18-byte location payload.
func buildLocationPayload(ts time.Time, sat uint8, latRaw, lonRaw int32, speed uint8, word uint16) []byte {
	p := make([]byte, 0, 18)
	p = append(p,
		byte(ts.Year()-2000),
		byte(ts.Month()),
		byte(ts.Day()),
		byte(ts.Hour()),
		byte(ts.Minute()),
		byte(ts.Second()),
		sat<<4,
	)
	p = binary.BigEndian.AppendUint32(p, uint32(latRaw))
	p = binary.BigEndian.AppendUint32(p, uint32(lonRaw))
	p = append(p, speed)
	p = binary.BigEndian.AppendUint16(p, word)

	return p
}

// captureBroadcaster records dispatched states and signals each arrival.
type captureBroadcaster struct {
	mu     sync.Mutex
	states []registry.DeviceState
	arrive chan registry.DeviceState
}

func newCaptureBroadcaster() *captureBroadcaster {
	return &captureBroadcaster{arrive: make(chan registry.DeviceState, 128)}
}

func (b *captureBroadcaster) Broadcast(st registry.DeviceState) {
	b.mu.Lock()
	b.states = append(b.states, st)
	b.mu.Unlock()

	select {
	case b.arrive <- st:
	default:
	}
}

// waitFor blocks until a broadcast state satisfies pred.
func (b *captureBroadcaster) waitFor(t *testing.T, what string, pred func(st registry.DeviceState) bool) registry.DeviceState {
	t.Helper()

	deadline := time.After(waitTimeout)
	for {
		select {
		case st := <-b.arrive:
			if pred(st) {
				return st
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

// gateway is the assembled ingest pipeline backing a test server.
type gateway struct {
	devices    *registry.Registry
	dispatcher *dispatch.Dispatcher
	broadcasts *captureBroadcaster
	ingest     *server.Ingestor
}

// newGateway builds a registry -> dispatcher -> capture pipeline and
// tears it down with the test.
func newGateway(t *testing.T) *gateway {
	t.Helper()

	devices := registry.New()
	broadcasts := newCaptureBroadcaster()
	dispatcher := dispatch.New(broadcasts, discardLogger())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()

		if err := dispatcher.Drain(ctx); err != nil {
			t.Errorf("drain dispatcher: %v", err)
		}
	})

	return &gateway{
		devices:    devices,
		dispatcher: dispatcher,
		broadcasts: broadcasts,
		ingest:     server.NewIngestor(devices, dispatcher),
	}
}
