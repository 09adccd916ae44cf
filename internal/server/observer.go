package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetlink/gt06d/internal/config"
	"github.com/fleetlink/gt06d/internal/hub"
)

//go:embed web/index.html
var webFS embed.FS

// httpShutdownTimeout bounds the HTTP server drain at shutdown.
const httpShutdownTimeout = 10 * time.Second

// ErrMissingIMEI marks observer-injected updates without a device key.
var ErrMissingIMEI = errors.New("server: synthetic update without imei")

// ObserverServer is the observer-facing endpoint: a websocket channel on
// /ws, the observer page on /, and optional static files elsewhere.
// Inbound update frames from observers are synthetic ingress for the
// IMEI carried in the payload.
type ObserverServer struct {
	cfg    config.HTTPConfig
	hub    *hub.Hub
	ingest *Ingestor
	logger *slog.Logger

	upgrader websocket.Upgrader
}

// NewObserverServer creates the observer endpoint.
func NewObserverServer(
	cfg config.HTTPConfig,
	h *hub.Hub,
	ingest *Ingestor,
	logger *slog.Logger,
) *ObserverServer {
	return &ObserverServer{
		cfg:    cfg,
		hub:    h,
		ingest: ingest,
		logger: logger.With(slog.String("component", "observer_server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Observers are not authenticated in this deployment profile.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the HTTP routing table.
func (s *ObserverServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Listen binds the configured HTTP address.
func (s *ObserverServer) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("bind http listener %s: %w", s.cfg.Addr, err)
	}
	return ln, nil
}

// Run serves HTTP on ln until ctx is cancelled, then drains with a
// bounded shutdown.
func (s *ObserverServer) Run(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.logger.Info("observer server listening", slog.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			return fmt.Errorf("shutdown observer server: %w", err)
		}
		s.logger.Info("observer server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("observer server: %w", err)
	}
}

// handleRoot serves the embedded observer page on / and static files
// from the configured directory for other paths.
func (s *ObserverServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		page, err := webFS.ReadFile("web/index.html")
		if err != nil {
			http.Error(w, "observer page unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(page)
		return
	}

	if s.cfg.StaticDir != "" {
		http.FileServer(http.Dir(s.cfg.StaticDir)).ServeHTTP(w, r)
		return
	}

	http.NotFound(w, r)
}

// handleWS upgrades the connection, registers the observer (the hub
// sends the initial snapshot), then reads inbound frames until the peer
// goes away.
func (s *ObserverServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	logger := s.logger.With(slog.String("peer", conn.RemoteAddr().String()))
	o := newWSObserver(conn, logger)

	s.hub.Register(o)
	defer s.hub.Unregister(o)

	s.readLoop(conn, logger)
}

// readLoop consumes observer frames. Malformed JSON drops the message
// and keeps the connection; only transport errors end the loop.
func (s *ObserverServer) readLoop(conn *websocket.Conn, logger *slog.Logger) {
	refresh := func() error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	if err := refresh(); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error { return refresh() })

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Info("observer disconnected", slog.String("reason", err.Error()))
			return
		}
		if err := refresh(); err != nil {
			return
		}
		s.handleInbound(data, logger)
	}
}

// handleInbound treats update and initial_state frames as synthetic
// ingress for data.imei; every other kind is ignored.
func (s *ObserverServer) handleInbound(data []byte, logger *slog.Logger) {
	var msg hub.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn("malformed observer message", slog.String("error", err.Error()))
		return
	}

	switch msg.Type {
	case hub.TypeUpdate, hub.TypeInitialState:
	default:
		return // ignore unknown kinds
	}

	var state hub.DeviceStateJSON
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		logger.Warn("malformed observer update", slog.String("error", err.Error()))
		return
	}
	if state.IMEI == "" {
		logger.Warn("dropping observer update", slog.String("error", ErrMissingIMEI.Error()))
		return
	}

	s.ingest.Synthetic(state, time.Now())
}
