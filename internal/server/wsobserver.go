package server

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Outbound channel sizing and keepalive intervals for observer sockets.
const (
	// outboundBufSize is the per-observer send buffer. An observer that
	// falls this far behind is treated as failed and pruned.
	outboundBufSize = 256

	// wsWriteTimeout bounds each websocket write.
	wsWriteTimeout = 10 * time.Second

	// pingInterval is the keepalive ping period. Must be shorter than
	// the observer read timeout so pongs keep the deadline fresh.
	pingInterval = 30 * time.Second
)

// Observer send errors.
var (
	// ErrObserverClosed indicates a send to a closed observer.
	ErrObserverClosed = errors.New("server: observer closed")

	// ErrObserverBacklogged indicates the observer's outbound buffer is
	// full; the observer is too slow to keep up.
	ErrObserverBacklogged = errors.New("server: observer backlogged")
)

// wsObserver adapts one websocket connection to the hub's Observer
// interface. All writes go through a single pump goroutine so messages
// are delivered to the peer in Send order.
type wsObserver struct {
	conn   *websocket.Conn
	out    chan []byte
	closed chan struct{}
	once   sync.Once
	open   atomic.Bool
	logger *slog.Logger
}

// newWSObserver wraps conn and starts the write pump.
func newWSObserver(conn *websocket.Conn, logger *slog.Logger) *wsObserver {
	o := &wsObserver{
		conn:   conn,
		out:    make(chan []byte, outboundBufSize),
		closed: make(chan struct{}),
		logger: logger,
	}
	o.open.Store(true)
	go o.writePump()
	return o
}

// Send queues one message for delivery. It never blocks on the network:
// a full buffer means the observer cannot keep up and is reported as a
// send failure so the hub prunes it.
func (o *wsObserver) Send(msg []byte) error {
	select {
	case <-o.closed:
		return ErrObserverClosed
	default:
	}

	select {
	case o.out <- msg:
		return nil
	case <-o.closed:
		return ErrObserverClosed
	default:
		return ErrObserverBacklogged
	}
}

// IsOpen reports whether the transport is still usable.
func (o *wsObserver) IsOpen() bool {
	return o.open.Load()
}

// Close tears the connection down. Idempotent; the observer is never
// referenced after the hub drops it.
func (o *wsObserver) Close() {
	o.once.Do(func() {
		o.open.Store(false)
		close(o.closed)
		_ = o.conn.Close()
	})
}

// writePump is the only goroutine writing to the socket. It drains the
// outbound channel in order and sends keepalive pings.
func (o *wsObserver) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-o.out:
			if err := o.write(websocket.TextMessage, msg); err != nil {
				o.logger.Debug("observer write failed", slog.String("error", err.Error()))
				o.open.Store(false)
				return
			}

		case <-ticker.C:
			if err := o.write(websocket.PingMessage, nil); err != nil {
				o.open.Store(false)
				return
			}

		case <-o.closed:
			return
		}
	}
}

func (o *wsObserver) write(messageType int, msg []byte) error {
	if err := o.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return o.conn.WriteMessage(messageType, msg)
}
