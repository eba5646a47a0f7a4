package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The socket is a local unix domain socket; there is no cross-origin
	// surface to defend.
	CheckOrigin: func(*http.Request) bool { return true },
}

// envelope is one streamed daemon event.
type envelope struct {
	EventID    string `json:"event_id"`
	OccurredAt int64  `json:"occurred_at_unix_ms"`
	Kind       string `json:"kind"`
	Payload    any    `json:"payload,omitempty"`
}

// streamEvents upgrades to a websocket and relays bus events until the
// client disconnects. ?ns= filters by kind prefix (e.g. ns=message.).
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	ns := r.URL.Query().Get("ns")

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.Logger.Debug("event stream upgrade failed", zap.Error(err))
		return
	}
	defer sock.Close()

	events, unsub := h.Bus.Subscribe(ns, 256)
	defer unsub()

	// Reader goroutine: surfaces close frames and discards anything else.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := sock.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt := <-events:
			err := sock.WriteJSON(envelope{
				EventID:    uuid.NewString(),
				OccurredAt: evt.Timestamp.UnixMilli(),
				Kind:       evt.Kind,
				Payload:    evt.Payload,
			})
			if err != nil {
				return
			}
		case <-ping.C:
			if err := sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
