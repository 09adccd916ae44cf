package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/fleetlink/gt06d/internal/gt06"
)

// readBufSize is the per-connection read buffer. Trackers send small
// frames; 1 KiB comfortably holds several.
const readBufSize = 1024

// writeTimeout bounds each ACK write so a wedged device cannot pin the
// session goroutine.
const writeTimeout = 10 * time.Second

// ErrNotAuthenticated marks packets arriving before a valid login.
var ErrNotAuthenticated = errors.New("server: packet before login")

// deviceSession is the per-connection protocol state machine:
//
//	NEW -- login-ok --> AUTHENTICATED -- location/heartbeat --> AUTHENTICATED
//	 |                        |
//	 +--- close/error ---> CLOSED <---+
//
// In NEW only a login binds the IMEI; anything else is dropped without an
// ACK. The session owns its socket. The registry entry never references
// the session, so offline devices stay visible in the registry after the
// socket is gone.
type deviceSession struct {
	conn     net.Conn
	splitter *gt06.Splitter
	ingest   *Ingestor

	imei        string
	parserCfg   gt06.ParserConfig
	strictCRC   bool
	readTimeout time.Duration

	metrics Metrics
	logger  *slog.Logger
}

// run reads the socket until error or shutdown. A parse error skips the
// offending frame only; a socket write failure closes the session. No
// retries anywhere — devices retransmit on their own.
func (s *deviceSession) run() {
	defer s.close()

	buf := make([]byte, readBufSize)

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return
		}
		n, err := s.conn.Read(buf)
		if err != nil {
			s.logClosed(err)
			return
		}

		s.splitter.Feed(buf[:n])
		if skipped := s.splitter.SkippedBytes(); skipped > 0 {
			s.metrics.AddResyncBytes(skipped)
			s.logger.Debug("resynchronized frame stream", slog.Int("skipped_bytes", skipped))
		}

		for {
			f, ok := s.splitter.Next()
			if skipped := s.splitter.SkippedBytes(); skipped > 0 {
				s.metrics.AddResyncBytes(skipped)
				s.logger.Debug("resynchronized frame stream", slog.Int("skipped_bytes", skipped))
			}
			if !ok {
				break
			}
			if err := s.handleFrame(f); err != nil {
				s.logger.Info("closing session", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// handleFrame processes one complete frame. A returned error tears the
// session down; frame-local problems are logged and swallowed.
func (s *deviceSession) handleFrame(f gt06.Frame) error {
	if !f.CRCValid {
		if s.strictCRC {
			s.metrics.IncMalformed()
			s.logger.Warn("dropping frame with bad checksum", slog.String("frame", f.String()))
			return nil
		}
		s.logger.Debug("tolerating bad checksum", slog.String("frame", f.String()))
	}

	pkt, err := gt06.Parse(f, s.parserCfg)
	if err != nil {
		s.metrics.IncMalformed()
		s.logger.Warn("malformed frame",
			slog.String("frame", f.String()),
			slog.String("error", err.Error()),
		)
		return nil // skip this frame only
	}

	s.metrics.IncPacket(pkt.Kind.String())

	switch pkt.Kind {
	case gt06.KindLogin:
		return s.handleLogin(pkt)

	case gt06.KindLocation:
		return s.handleLocation(pkt)

	case gt06.KindHeartbeat:
		if s.imei == "" {
			s.dropUnauthenticated(pkt)
			return nil
		}
		return s.writeAck(pkt)

	default:
		// Parsed but unhandled protocol: advance past the frame, no ACK.
		s.logger.Warn("unknown protocol",
			slog.String("protocol", fmt.Sprintf("0x%02x", pkt.Protocol)),
		)
		return nil
	}
}

// handleLogin binds the session IMEI and acknowledges the login.
func (s *deviceSession) handleLogin(pkt gt06.Packet) error {
	s.imei = pkt.IMEI
	s.logger = s.logger.With(slog.String("imei", s.imei))

	st := s.ingest.Login(pkt.IMEI)
	s.logger.Info("device logged in",
		slog.Bool("known_fix", st.HasFix),
	)
	return s.writeAck(pkt)
}

// handleLocation acknowledges, commits and queues one location packet.
func (s *deviceSession) handleLocation(pkt gt06.Packet) error {
	if s.imei == "" {
		s.dropUnauthenticated(pkt)
		return nil
	}
	if err := s.writeAck(pkt); err != nil {
		return err
	}
	s.ingest.Location(s.imei, pkt.Location, time.Now())
	return nil
}

// dropUnauthenticated logs and drops a packet seen before login. The
// session stays open; no ACK is written.
func (s *deviceSession) dropUnauthenticated(pkt gt06.Packet) {
	s.logger.Warn("dropping packet before login",
		slog.String("kind", pkt.Kind.String()),
		slog.String("error", ErrNotAuthenticated.Error()),
	)
}

// writeAck echoes the protocol and serial back to the device. Any write
// failure is fatal for the session.
func (s *deviceSession) writeAck(pkt gt06.Packet) error {
	ack := gt06.EncodeAck(pkt.Protocol, pkt.Serial)
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := s.conn.Write(ack); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}
	s.metrics.IncAck()
	return nil
}

// close tears the session down. If an IMEI was bound the device goes
// offline in the registry and observers get one final update.
func (s *deviceSession) close() {
	_ = s.conn.Close()
	if s.imei != "" {
		s.ingest.Offline(s.imei)
		s.logger.Info("device offline")
	}
}

// logClosed distinguishes an orderly disconnect from a read failure.
// Both are INFO: devices drop carrier constantly and reconnect on their
// own.
func (s *deviceSession) logClosed(err error) {
	switch {
	case errors.Is(err, io.EOF):
		s.logger.Info("device disconnected")
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.logger.Info("device idle timeout")
	default:
		s.logger.Info("read failed", slog.String("error", err.Error()))
	}
}
