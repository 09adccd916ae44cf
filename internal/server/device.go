package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/fleetlink/gt06d/internal/config"
	"github.com/fleetlink/gt06d/internal/gt06"
)

// Metrics is the subset of the metrics collector the listeners report to.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	IncPacket(kind string)
	IncAck()
	AddResyncBytes(n int)
	IncMalformed()
}

// DeviceServer accepts tracker TCP connections and runs one
// deviceSession per connection.
type DeviceServer struct {
	cfg    config.DeviceConfig
	gt06c  config.GT06Config
	ingest *Ingestor

	metrics Metrics
	logger  *slog.Logger

	// conns tracks open sockets so shutdown can close them after the
	// listener stops accepting.
	mu    sync.Mutex
	conns map[net.Conn]struct{}

	sessions sync.WaitGroup
}

// NewDeviceServer creates the device-facing server. metrics may be nil.
func NewDeviceServer(
	cfg config.DeviceConfig,
	gt06c config.GT06Config,
	ingest *Ingestor,
	metrics Metrics,
	logger *slog.Logger,
) *DeviceServer {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &DeviceServer{
		cfg:     cfg,
		gt06c:   gt06c,
		ingest:  ingest,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "device_server")),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the configured device address.
func (s *DeviceServer) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("bind device listener %s: %w", s.cfg.Addr, err)
	}
	return ln, nil
}

// Run accepts connections until ctx is cancelled, then closes the
// listener and every open session and waits for the session goroutines
// to finish. Each accepted connection gets its own goroutine; no lock is
// held across any network I/O.
func (s *DeviceServer) Run(ctx context.Context, ln net.Listener) error {
	s.logger.Info("device server listening", slog.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.closeAll()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.sessions.Wait()
				s.logger.Info("device server stopped")
				return nil
			}
			return fmt.Errorf("accept device connection: %w", err)
		}

		s.track(conn)
		s.sessions.Add(1)
		go s.serve(conn)
	}
}

// serve runs one session to completion and untracks the socket.
func (s *DeviceServer) serve(conn net.Conn) {
	defer s.sessions.Done()
	defer s.untrack(conn)

	s.metrics.SessionOpened()
	defer s.metrics.SessionClosed()

	peer := conn.RemoteAddr().String()
	logger := s.logger.With(slog.String("peer", peer))
	logger.Info("device connected")

	sess := &deviceSession{
		conn:     conn,
		splitter: gt06.NewSplitter(),
		ingest:   s.ingest,
		parserCfg: gt06.ParserConfig{
			HemisphereFlags: s.gt06c.HemisphereFlags,
		},
		strictCRC:   s.gt06c.StrictCRC,
		readTimeout: s.cfg.ReadTimeout,
		metrics:     s.metrics,
		logger:      logger,
	}
	sess.run()
}

func (s *DeviceServer) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *DeviceServer) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// closeAll closes every open device socket, unblocking session reads.
func (s *DeviceServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// noopMetrics satisfies Metrics when no collector is configured.
type noopMetrics struct{}

func (noopMetrics) SessionOpened()     {}
func (noopMetrics) SessionClosed()     {}
func (noopMetrics) IncPacket(string)   {}
func (noopMetrics) IncAck()            {}
func (noopMetrics) AddResyncBytes(int) {}
func (noopMetrics) IncMalformed()      {}
