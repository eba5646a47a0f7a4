// Package conn owns the single authenticated, auto-reconnecting socket
// connection to the chat backend.
//
// The manager presents the identity token as the first frame after every
// dial, replays room membership before signaling ready, and keeps a bounded
// local queue of outbound frames while the transport is down. Transport
// errors never reach callers; they only drive the state machine.
package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hugodiniz/papo/internal/bus"
	"github.com/hugodiniz/papo/internal/config"
	"github.com/hugodiniz/papo/internal/roomkey"
	"github.com/hugodiniz/papo/internal/status"
	"github.com/hugodiniz/papo/internal/wire"
)

// Handler receives normalized inbound events. Handlers run on the read
// goroutine, so inbound ordering is preserved across a single connection.
type Handler func(*wire.InboundEvent)

// errStopped aborts a handshake that lost the race against Disconnect.
var errStopped = errors.New("connection manager stopped")

// Manager maintains the session's socket connection.
type Manager struct {
	url     string
	dial    Dialer
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     config.ConnConfig

	mu       sync.Mutex
	identity string
	sock     Socket
	joined   map[roomkey.Key]struct{}
	queue    [][]byte
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}

	handlerMu sync.RWMutex
	handlers  map[string]map[int]Handler
	nextID    int
}

// NewManager creates a connection manager. The machine must start in the
// Disconnected state.
func NewManager(url string, dial Dialer, machine *status.Machine, b *bus.Bus, cfg config.ConnConfig, logger *zap.Logger) *Manager {
	return &Manager{
		url:      url,
		dial:     dial,
		machine:  machine,
		bus:      b,
		logger:   logger,
		cfg:      cfg,
		joined:   make(map[roomkey.Key]struct{}),
		handlers: make(map[string]map[int]Handler),
	}
}

// Connect starts the connection loop for the given identity token.
// Idempotent: a second call while the loop is running is a no-op. The call
// returns immediately; connection failures retry in the background and are
// never surfaced here.
func (m *Manager) Connect(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.identity = identity
	m.running = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	_ = m.machine.Transition(status.Connecting)
	go m.run(ctx, m.done)
}

// Disconnect tears down the transport and clears connection state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	if m.sock != nil {
		_ = m.sock.Close()
		m.sock = nil
	}
	m.identity = ""
	m.joined = make(map[roomkey.Key]struct{})
	m.queue = nil
	m.mu.Unlock()

	cancel()
	<-done
	_ = m.machine.Transition(status.Disconnected)
	m.logger.Info("disconnected from backend")
}

// Identity returns the authenticated identity token, or empty when logged out.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// JoinRoom records membership and announces it to the server. Idempotent:
// joining a room twice produces no second join_room frame. Membership
// survives reconnection; the run loop replays it on every new connection.
func (m *Manager) JoinRoom(key roomkey.Key) {
	m.mu.Lock()
	if _, ok := m.joined[key]; ok {
		m.mu.Unlock()
		return
	}
	m.joined[key] = struct{}{}
	m.mu.Unlock()
	m.Send(wire.EventJoinRoom, wire.RoomRef{Room: key})
}

// LeaveRoom removes membership. Idempotent.
func (m *Manager) LeaveRoom(key roomkey.Key) {
	m.mu.Lock()
	if _, ok := m.joined[key]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.joined, key)
	m.mu.Unlock()
	m.Send(wire.EventLeaveRoom, wire.RoomRef{Room: key})
}

// JoinedRooms returns a snapshot of the joined room set.
func (m *Manager) JoinedRooms() []roomkey.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]roomkey.Key, 0, len(m.joined))
	for k := range m.joined {
		keys = append(keys, k)
	}
	return keys
}

// Send publishes an event, fire and forget. While the transport is down the
// frame is queued locally; once the queue reaches its bound the oldest frame
// is dropped and a warning is surfaced on the bus.
func (m *Manager) Send(event string, payload any) {
	raw, err := wire.Encode(event, payload)
	if err != nil {
		m.logger.Error("encode outbound event", zap.String("event", event), zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sock != nil {
		if err := m.sock.WriteMessage(websocket.TextMessage, raw); err == nil {
			return
		}
		// Write failed; the read loop will notice the dead socket and
		// reconnect. Fall through to queue the frame for replay.
		m.logger.Warn("write failed, queueing frame", zap.String("event", event))
	}
	m.enqueueLocked(event, raw)
}

func (m *Manager) enqueueLocked(event string, raw []byte) {
	if m.cfg.SendQueueBound > 0 && len(m.queue) >= m.cfg.SendQueueBound {
		m.queue = m.queue[1:]
		m.logger.Warn("send queue full, dropping oldest frame",
			zap.String("event", event), zap.Int("bound", m.cfg.SendQueueBound))
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnQueueDrop,
			Timestamp: time.Now(),
			Payload:   event,
		})
	}
	m.queue = append(m.queue, raw)
}

// Subscribe registers a handler for a named inbound event. Multiple handlers
// per event are allowed. The returned unsubscribe function is safe to call
// more than once.
func (m *Manager) Subscribe(event string, h Handler) func() {
	m.handlerMu.Lock()
	id := m.nextID
	m.nextID++
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]Handler)
	}
	m.handlers[event][id] = h
	m.handlerMu.Unlock()

	return func() {
		m.handlerMu.Lock()
		delete(m.handlers[event], id)
		m.handlerMu.Unlock()
	}
}

// run is the connection loop: dial, handshake, replay, pump, backoff, repeat.
func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := m.cfg.BackoffMin.Std()
	if backoff <= 0 {
		backoff = time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}

		sock, err := m.dial(ctx, m.url)
		if err != nil {
			m.logger.Warn("dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			_ = m.machine.Transition(status.Reconnecting)
			if !m.sleep(ctx, backoff) {
				return
			}
			backoff = m.nextBackoff(backoff)
			continue
		}

		if err := m.handshake(sock); err != nil {
			_ = sock.Close()
			if errors.Is(err, errStopped) {
				return
			}
			m.logger.Warn("handshake failed", zap.Error(err))
			_ = m.machine.Transition(status.Reconnecting)
			if !m.sleep(ctx, backoff) {
				return
			}
			backoff = m.nextBackoff(backoff)
			continue
		}

		backoff = m.cfg.BackoffMin.Std()
		if backoff <= 0 {
			backoff = time.Second
		}
		_ = m.machine.Transition(status.Connected)
		m.bus.Publish(bus.Event{Kind: bus.KindConnReady, Timestamp: time.Now()})
		m.logger.Info("connected to backend", zap.String("url", m.url))

		m.readPump(ctx, sock)

		m.mu.Lock()
		if m.sock == sock {
			m.sock = nil
		}
		m.mu.Unlock()
		_ = sock.Close()

		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("connection lost, reconnecting")
		_ = m.machine.Transition(status.Reconnecting)
	}
}

// handshake authenticates and replays state on a fresh socket. The identity
// token goes first, then join_room for every known room, then any frames
// queued while the transport was down. Only after all of that does the
// socket become the live one, so nothing observes a half-restored session.
// Installing the socket re-checks running and drains frames queued during
// the replay itself, both under the lock; Disconnect concurrent with a
// handshake either closes the installed socket or aborts the install.
func (m *Manager) handshake(sock Socket) error {
	m.mu.Lock()
	identity := m.identity
	rooms := make([]roomkey.Key, 0, len(m.joined))
	for k := range m.joined {
		rooms = append(rooms, k)
	}
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	frame, err := wire.Encode(wire.EventSetIdentity, wire.SetIdentity{Token: identity})
	if err != nil {
		return err
	}
	if err := sock.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}

	for _, room := range rooms {
		frame, err := wire.Encode(wire.EventJoinRoom, wire.RoomRef{Room: room})
		if err != nil {
			return err
		}
		if err := sock.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}

	for i, raw := range pending {
		if err := sock.WriteMessage(websocket.TextMessage, raw); err != nil {
			// Requeue what did not make it.
			m.mu.Lock()
			m.queue = append(pending[i:], m.queue...)
			m.mu.Unlock()
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return errStopped
	}
	for len(m.queue) > 0 {
		if err := sock.WriteMessage(websocket.TextMessage, m.queue[0]); err != nil {
			return err
		}
		m.queue = m.queue[1:]
	}
	m.sock = sock
	return nil
}

// readPump decodes and dispatches inbound frames until the socket dies.
func (m *Manager) readPump(ctx context.Context, sock Socket) {
	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		evt, err := wire.Decode(raw)
		if err != nil {
			m.logger.Warn("malformed inbound frame", zap.Error(err))
			continue
		}
		m.dispatch(evt)
	}
}

func (m *Manager) dispatch(evt *wire.InboundEvent) {
	m.handlerMu.RLock()
	hs := make([]Handler, 0, len(m.handlers[evt.Name]))
	for _, h := range m.handlers[evt.Name] {
		hs = append(hs, h)
	}
	m.handlerMu.RUnlock()

	for _, h := range hs {
		h(evt)
	}
}

func (m *Manager) nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if max := m.cfg.BackoffMax.Std(); max > 0 && next > max {
		next = max
	}
	return next
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
