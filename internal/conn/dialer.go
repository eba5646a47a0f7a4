package conn

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the minimal transport surface the manager needs. It is
// satisfied by *websocket.Conn and by in-memory fakes in tests.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes one transport connection to the backend.
type Dialer func(ctx context.Context, url string) (Socket, error)

// WebsocketDialer returns the production dialer backed by gorilla/websocket.
func WebsocketDialer(handshakeTimeout time.Duration) Dialer {
	return func(ctx context.Context, url string) (Socket, error) {
		d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		sock, resp, err := d.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			return nil, err
		}
		return sock, nil
	}
}
