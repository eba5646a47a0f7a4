// Package presence tracks typing indicators, both directions.
//
// Outbound: keystroke notifications are debounced so a burst of typing
// produces at most one typing event per debounce window, and a stop event
// fires once the user has been idle. Inbound: remote indicators are held per
// room and user, cleared by an explicit stop event or by a hard expiry timer
// so a peer that vanishes mid-keystroke never leaves a stuck indicator.
package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hugodiniz/papo/internal/bus"
	"github.com/hugodiniz/papo/internal/config"
	"github.com/hugodiniz/papo/internal/roomkey"
	"github.com/hugodiniz/papo/internal/wire"
)

// Publisher is the outbound side of the socket connection.
type Publisher interface {
	Send(event string, payload any)
}

type indicatorKey struct {
	room roomkey.Key
	user string
}

type outboundState struct {
	lastSent  time.Time
	idleTimer *time.Timer
}

type Tracker struct {
	pub    Publisher
	bus    *bus.Bus
	logger *zap.Logger
	cfg    config.TypingConfig
	self   string

	mu       sync.Mutex
	outbound map[roomkey.Key]*outboundState
	inbound  map[indicatorKey]*time.Timer
	closed   bool
}

func NewTracker(self string, pub Publisher, b *bus.Bus, cfg config.TypingConfig, logger *zap.Logger) *Tracker {
	return &Tracker{
		pub:      pub,
		bus:      b,
		logger:   logger,
		cfg:      cfg,
		self:     self,
		outbound: make(map[roomkey.Key]*outboundState),
		inbound:  make(map[indicatorKey]*time.Timer),
	}
}

// NotifyTyping records a local keystroke in a room. At most one typing event
// per debounce window reaches the wire; every call pushes the idle deadline
// back, and a stop event fires when the deadline lapses.
func (t *Tracker) NotifyTyping(room roomkey.Key) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	st := t.outbound[room]
	if st == nil {
		st = &outboundState{}
		t.outbound[room] = st
	}

	now := time.Now()
	send := st.lastSent.IsZero() || now.Sub(st.lastSent) >= t.cfg.Debounce.Std()
	if send {
		st.lastSent = now
	}

	if st.idleTimer != nil {
		st.idleTimer.Stop()
	}
	st.idleTimer = time.AfterFunc(t.cfg.Idle.Std(), func() {
		t.stopTyping(room)
	})
	t.mu.Unlock()

	if send {
		t.pub.Send(wire.EventTyping, wire.TypingNotice{Room: room, User: t.self})
	}
}

// StopTyping sends an immediate stop event for a room, as when the user
// submits a message. Idempotent: a room that is not typing sends nothing.
func (t *Tracker) StopTyping(room roomkey.Key) {
	t.stopTyping(room)
}

func (t *Tracker) stopTyping(room roomkey.Key) {
	t.mu.Lock()
	st := t.outbound[room]
	if st == nil {
		t.mu.Unlock()
		return
	}
	if st.idleTimer != nil {
		st.idleTimer.Stop()
	}
	delete(t.outbound, room)
	t.mu.Unlock()

	t.pub.Send(wire.EventStopTyping, wire.TypingNotice{Room: room, User: t.self})
}

// OnRemoteTyping records that a remote user is typing in a room. The
// indicator clears on an explicit stop or after the expiry window, whichever
// comes first; repeated typing events push the expiry back.
func (t *Tracker) OnRemoteTyping(room roomkey.Key, user string) {
	if user == t.self {
		return
	}
	key := indicatorKey{room: room, user: user}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	timer, known := t.inbound[key]
	if known {
		timer.Stop()
	}
	t.inbound[key] = time.AfterFunc(t.cfg.Expiry.Std(), func() {
		t.expire(key)
	})
	t.mu.Unlock()

	if !known {
		t.publish(bus.KindTypingStarted, room, user)
	}
}

// OnRemoteStop clears a remote user's indicator.
func (t *Tracker) OnRemoteStop(room roomkey.Key, user string) {
	key := indicatorKey{room: room, user: user}

	t.mu.Lock()
	timer, ok := t.inbound[key]
	if ok {
		timer.Stop()
		delete(t.inbound, key)
	}
	t.mu.Unlock()

	if ok {
		t.publish(bus.KindTypingStopped, room, user)
	}
}

func (t *Tracker) expire(key indicatorKey) {
	t.mu.Lock()
	_, ok := t.inbound[key]
	if ok {
		delete(t.inbound, key)
	}
	t.mu.Unlock()

	if ok {
		t.logger.Debug("typing indicator expired",
			zap.String("room", string(key.room)), zap.String("user", key.user))
		t.publish(bus.KindTypingStopped, key.room, key.user)
	}
}

// Typing returns the users currently marked as typing in a room.
func (t *Tracker) Typing(room roomkey.Key) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var users []string
	for key := range t.inbound {
		if key.room == room {
			users = append(users, key.user)
		}
	}
	return users
}

// Close stops every timer. No stop events are sent for rooms that were
// typing; the remote side's expiry covers that.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for room, st := range t.outbound {
		if st.idleTimer != nil {
			st.idleTimer.Stop()
		}
		delete(t.outbound, room)
	}
	for key, timer := range t.inbound {
		timer.Stop()
		delete(t.inbound, key)
	}
}

func (t *Tracker) publish(kind string, room roomkey.Key, user string) {
	t.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   map[string]string{"room": string(room), "user": user},
	})
}
