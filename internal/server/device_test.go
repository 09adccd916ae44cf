package server_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/fleetlink/gt06d/internal/config"
	"github.com/fleetlink/gt06d/internal/gt06"
	"github.com/fleetlink/gt06d/internal/registry"
	"github.com/fleetlink/gt06d/internal/server"
)

// startDeviceServer runs a DeviceServer on a loopback port and returns
// its address plus the backing gateway.
func startDeviceServer(t *testing.T, gt06c config.GT06Config) (string, *gateway) {
	t.Helper()

	gw := newGateway(t)

	cfg := config.DeviceConfig{
		Addr:        "127.0.0.1:0",
		ReadTimeout: time.Minute,
	}

	srv := server.NewDeviceServer(cfg, gt06c, gw.ingest, nil, discardLogger())

	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		if err := srv.Run(ctx, ln); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	t.Cleanup(func() {
		cancel()

		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Error("device server did not stop")
		}
	})

	return ln.Addr().String(), gw
}

func dialDevice(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, waitTimeout)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}

	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

// readAck reads one 10-byte acknowledgment frame.
func readAck(t *testing.T, conn net.Conn) []byte {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(waitTimeout)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}

	ack := make([]byte, gt06.AckSize)
	if _, err := io.ReadFull(conn, ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}

	return ack
}

// expectSilence asserts nothing arrives on conn within the window.
func expectSilence(t *testing.T, conn net.Conn, window time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}

	buf := make([]byte, 1)

	n, err := conn.Read(buf)
	if err == nil {
		t.Fatalf("expected no data, read %d bytes", n)
	}

	var nerr net.Error
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatalf("expected read timeout, got %v", err)
		}
	}
}

func sendFrame(t *testing.T, conn net.Conn, frame []byte) {
	t.Helper()

	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// -------------------------------------------------------------------------
// Session flow
// -------------------------------------------------------------------------

// TestDeviceLoginLocationDisconnect walks the full session lifecycle:
// login with ACK, location with ACK and broadcast, disconnect with a
// final offline update.
func TestDeviceLoginLocationDisconnect(t *testing.T) {
	t.Parallel()

	addr, gw := startDeviceServer(t, config.GT06Config{})
	conn := dialDevice(t, addr)

	// Login.
	sendFrame(t, conn, buildFrame(gt06.ProtoLogin, imeiBCD, 1))

	if got, want := readAck(t, conn), gt06.EncodeAck(gt06.ProtoLogin, 1); !bytes.Equal(got, want) {
		t.Fatalf("login ack = % x, want % x", got, want)
	}

	st, ok := gw.devices.Get(testIMEI)
	if !ok {
		t.Fatal("registry entry missing after login")
	}

	if st.Status != registry.StatusActive {
		t.Errorf("Status = %q, want %q", st.Status, registry.StatusActive)
	}

	// Location.
	fix := time.Date(2026, time.August, 24, 9, 15, 0, 0, time.UTC)
	payload := buildLocationPayload(fix, 8, 23*1800000, 113*1800000, 50, 90)
	sendFrame(t, conn, buildFrame(gt06.ProtoLocation, payload, 2))

	if got, want := readAck(t, conn), gt06.EncodeAck(gt06.ProtoLocation, 2); !bytes.Equal(got, want) {
		t.Fatalf("location ack = % x, want % x", got, want)
	}

	loc := gw.broadcasts.waitFor(t, "location broadcast", func(st registry.DeviceState) bool {
		return st.IMEI == testIMEI && st.HasFix
	})

	if loc.Lat != 23.0 || loc.Lon != 113.0 || loc.Speed != 50 || loc.Course != 90 {
		t.Errorf("broadcast location = %+v", loc)
	}

	if !loc.PayloadTime.Equal(fix) {
		t.Errorf("PayloadTime = %v, want %v", loc.PayloadTime, fix)
	}

	// Disconnect: observers must learn the device went offline.
	_ = conn.Close()

	gw.broadcasts.waitFor(t, "offline broadcast", func(st registry.DeviceState) bool {
		return st.IMEI == testIMEI && st.Status == registry.StatusOffline
	})
}

// TestPacketsBeforeLoginDropped verifies pre-login packets get no ACK
// and no registry write, while the session survives to accept a login.
func TestPacketsBeforeLoginDropped(t *testing.T) {
	t.Parallel()

	addr, gw := startDeviceServer(t, config.GT06Config{})
	conn := dialDevice(t, addr)

	payload := buildLocationPayload(time.Now().UTC(), 5, 1800000, 1800000, 10, 0)
	sendFrame(t, conn, buildFrame(gt06.ProtoLocation, payload, 1))
	sendFrame(t, conn, buildFrame(gt06.ProtoHeartbeat, nil, 2))

	expectSilence(t, conn, 200*time.Millisecond)

	if gw.devices.Len() != 0 {
		t.Errorf("registry Len = %d before login, want 0", gw.devices.Len())
	}

	// The same session can still log in.
	sendFrame(t, conn, buildFrame(gt06.ProtoLogin, imeiBCD, 3))

	if got, want := readAck(t, conn), gt06.EncodeAck(gt06.ProtoLogin, 3); !bytes.Equal(got, want) {
		t.Fatalf("login ack = % x, want % x", got, want)
	}
}

func TestHeartbeatAcknowledged(t *testing.T) {
	t.Parallel()

	addr, _ := startDeviceServer(t, config.GT06Config{})
	conn := dialDevice(t, addr)

	sendFrame(t, conn, buildFrame(gt06.ProtoLogin, imeiBCD, 1))
	readAck(t, conn)

	sendFrame(t, conn, buildFrame(gt06.ProtoHeartbeat, nil, 9))

	if got, want := readAck(t, conn), gt06.EncodeAck(gt06.ProtoHeartbeat, 9); !bytes.Equal(got, want) {
		t.Fatalf("heartbeat ack = % x, want % x", got, want)
	}
}

func TestUnknownProtocolNotAcknowledged(t *testing.T) {
	t.Parallel()

	addr, _ := startDeviceServer(t, config.GT06Config{})
	conn := dialDevice(t, addr)

	sendFrame(t, conn, buildFrame(gt06.ProtoLogin, imeiBCD, 1))
	readAck(t, conn)

	sendFrame(t, conn, buildFrame(0x99, []byte{0x01, 0x02}, 2))
	expectSilence(t, conn, 200*time.Millisecond)

	// The session advances past the unknown frame and keeps serving.
	sendFrame(t, conn, buildFrame(gt06.ProtoHeartbeat, nil, 3))

	if got, want := readAck(t, conn), gt06.EncodeAck(gt06.ProtoHeartbeat, 3); !bytes.Equal(got, want) {
		t.Fatalf("heartbeat ack = % x, want % x", got, want)
	}
}

// -------------------------------------------------------------------------
// Checksum handling
// -------------------------------------------------------------------------

// TestLenientCRCAcceptsBadChecksum covers the default mode: clone
// devices with broken CRC firmware still get served.
func TestLenientCRCAcceptsBadChecksum(t *testing.T) {
	t.Parallel()

	addr, _ := startDeviceServer(t, config.GT06Config{})
	conn := dialDevice(t, addr)

	frame := buildFrame(gt06.ProtoLogin, imeiBCD, 1)
	frame[len(frame)-3] ^= 0xFF // corrupt the CRC

	sendFrame(t, conn, frame)

	if got, want := readAck(t, conn), gt06.EncodeAck(gt06.ProtoLogin, 1); !bytes.Equal(got, want) {
		t.Fatalf("login ack = % x, want % x", got, want)
	}
}

func TestStrictCRCDropsBadChecksum(t *testing.T) {
	t.Parallel()

	addr, gw := startDeviceServer(t, config.GT06Config{StrictCRC: true})
	conn := dialDevice(t, addr)

	frame := buildFrame(gt06.ProtoLogin, imeiBCD, 1)
	frame[len(frame)-3] ^= 0xFF

	sendFrame(t, conn, frame)
	expectSilence(t, conn, 200*time.Millisecond)

	if gw.devices.Len() != 0 {
		t.Errorf("registry Len = %d after dropped frame, want 0", gw.devices.Len())
	}

	// An intact frame on the same session still works.
	sendFrame(t, conn, buildFrame(gt06.ProtoLogin, imeiBCD, 2))

	if got, want := readAck(t, conn), gt06.EncodeAck(gt06.ProtoLogin, 2); !bytes.Equal(got, want) {
		t.Fatalf("login ack = % x, want % x", got, want)
	}
}

// -------------------------------------------------------------------------
// Stream robustness
// -------------------------------------------------------------------------

// TestGarbagePrefixResync sends line noise before a valid frame; the
// session must resynchronize and serve it.
func TestGarbagePrefixResync(t *testing.T) {
	t.Parallel()

	addr, _ := startDeviceServer(t, config.GT06Config{})
	conn := dialDevice(t, addr)

	noise := []byte{0x00, 0x01, 0x02, 0x41, 0x54, 0x0D, 0x0A}
	sendFrame(t, conn, append(noise, buildFrame(gt06.ProtoLogin, imeiBCD, 1)...))

	if got, want := readAck(t, conn), gt06.EncodeAck(gt06.ProtoLogin, 1); !bytes.Equal(got, want) {
		t.Fatalf("login ack = % x, want % x", got, want)
	}
}

// TestFrameAcrossWrites delivers a single frame in three TCP writes.
func TestFrameAcrossWrites(t *testing.T) {
	t.Parallel()

	addr, _ := startDeviceServer(t, config.GT06Config{})
	conn := dialDevice(t, addr)

	frame := buildFrame(gt06.ProtoLogin, imeiBCD, 1)

	for _, chunk := range [][]byte{frame[:3], frame[3:9], frame[9:]} {
		sendFrame(t, conn, chunk)
		time.Sleep(10 * time.Millisecond)
	}

	if got, want := readAck(t, conn), gt06.EncodeAck(gt06.ProtoLogin, 1); !bytes.Equal(got, want) {
		t.Fatalf("login ack = % x, want % x", got, want)
	}
}

// TestIdleDeviceTimedOut uses a short read timeout and verifies the
// server closes a silent connection and marks the device offline.
func TestIdleDeviceTimedOut(t *testing.T) {
	t.Parallel()

	gw := newGateway(t)

	cfg := config.DeviceConfig{
		Addr:        "127.0.0.1:0",
		ReadTimeout: 100 * time.Millisecond,
	}

	srv := server.NewDeviceServer(cfg, config.GT06Config{}, gw.ingest, nil, discardLogger())

	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		if err := srv.Run(ctx, ln); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn := dialDevice(t, ln.Addr().String())

	sendFrame(t, conn, buildFrame(gt06.ProtoLogin, imeiBCD, 1))
	readAck(t, conn)

	// Stay silent past the timeout; the server hangs up.
	gw.broadcasts.waitFor(t, "offline broadcast", func(st registry.DeviceState) bool {
		return st.IMEI == testIMEI && st.Status == registry.StatusOffline
	})
}

// TestConcurrentDevices runs several devices at once and checks each
// lands in the registry.
func TestConcurrentDevices(t *testing.T) {
	t.Parallel()

	addr, gw := startDeviceServer(t, config.GT06Config{})

	imeis := []struct {
		bcd  []byte
		imei string
	}{
		{[]byte{0x08, 0x68, 0x02, 0x20, 0x38, 0x53, 0x17, 0x25}, "868022038531725"},
		{[]byte{0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45}, "123456789012345"},
		{[]byte{0x09, 0x99, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33}, "999887766554433"},
	}

	for i, d := range imeis {
		conn := dialDevice(t, addr)
		sendFrame(t, conn, buildFrame(gt06.ProtoLogin, d.bcd, uint16(i+1)))
		readAck(t, conn)
	}

	if gw.devices.Len() != len(imeis) {
		t.Fatalf("registry Len = %d, want %d", gw.devices.Len(), len(imeis))
	}

	for _, d := range imeis {
		if _, ok := gw.devices.Get(d.imei); !ok {
			t.Errorf("device %s missing from registry", d.imei)
		}
	}
}
