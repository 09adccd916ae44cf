package commands

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// dialTimeout bounds the websocket handshake.
const dialTimeout = 10 * time.Second

// dialObserver opens a websocket connection to the gateway's observer
// endpoint at serverAddr.
func dialObserver(ctx context.Context) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: serverAddr, Path: "/ws"}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http status %s)", u.String(), err, resp.Status)
		}

		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}

	return conn, nil
}
