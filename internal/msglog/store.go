// Package msglog is the authoritative client-side view of per-room message
// history.
//
// The store guarantees exactly-once log entries under at-least-once delivery
// from the server: inbound messages are deduplicated by server ID, and
// optimistic local sends are reconciled in place when their confirmation
// arrives. Within a room, entries are ordered by server timestamp when
// present, else local creation time; a reconciled message keeps the position
// it was given when staged.
package msglog

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hugodiniz/papo/internal/bus"
	"github.com/hugodiniz/papo/internal/roomkey"
	"github.com/hugodiniz/papo/internal/transfer"
	"github.com/hugodiniz/papo/internal/wire"
)

// Publisher is the outbound side of the socket connection.
type Publisher interface {
	Send(event string, payload any)
}

// Stager runs attachment transfers for the store.
type Stager interface {
	Stage(name, mime string, data []byte, room roomkey.Key) (*transfer.Transfer, error)
	Begin(t *transfer.Transfer, done func(error))
}

// Store holds every room's message log.
type Store struct {
	pub       Publisher
	transfers Stager
	bus       *bus.Bus
	logger    *zap.Logger

	reconcileTimeout time.Duration

	mu      sync.Mutex
	self    string
	rooms   map[roomkey.Key][]*Message
	byID    map[string]*Message // server id -> message
	unread  map[roomkey.Key]int
	active  roomkey.Key
	timers  map[string]*time.Timer // client id -> reconcile deadline
	nextSeq uint64
}

// NewStore creates a message store. self is the local user's identifier as
// it appears in the sender field of outbound messages.
func NewStore(self string, pub Publisher, transfers Stager, b *bus.Bus, reconcileTimeout time.Duration, logger *zap.Logger) *Store {
	return &Store{
		pub:              pub,
		transfers:        transfers,
		bus:              b,
		logger:           logger,
		reconcileTimeout: reconcileTimeout,
		self:             self,
		rooms:            make(map[roomkey.Key][]*Message),
		byID:             make(map[string]*Message),
		unread:           make(map[roomkey.Key]int),
		timers:           make(map[string]*time.Timer),
	}
}

// SendText stages an optimistic text message and publishes it. Returns a
// snapshot of the pending entry immediately; confirmation arrives later via
// OnInbound. Never blocks on the network.
func (s *Store) SendText(room roomkey.Key, body string) Message {
	now := time.Now()
	m := &Message{
		ClientID:   uuid.NewString(),
		Room:       room,
		Sender:     s.self,
		Body:       body,
		CreatedAt:  now,
		Status:     StatusPending,
		Optimistic: true,
		sortTime:   now,
	}

	s.mu.Lock()
	s.insertLocked(m)
	s.armReconcileTimerLocked(m)
	snap := m.snapshot()
	s.mu.Unlock()

	if gid := roomkey.GroupID(room); gid != "" {
		s.pub.Send(wire.EventSendGroupMessage, wire.SendGroupMessage{GroupID: gid, Sender: s.self, Body: body})
	} else {
		s.pub.Send(wire.EventSendMessage, wire.SendMessage{Room: room, Sender: s.self, Body: body})
	}
	s.publish(bus.KindMessageAppended, room, m.ClientID)
	return snap
}

// SendAttachment stages an optimistic message referencing a file transfer.
// Oversize files fail immediately with transfer.ErrPayloadTooLarge and no
// message is staged. On transfer completion the message becomes sent; on
// transfer failure it becomes failed and is never retried automatically.
func (s *Store) SendAttachment(room roomkey.Key, name, mime string, data []byte, caption string) (Message, error) {
	tr, err := s.transfers.Stage(name, mime, data, room)
	if err != nil {
		return Message{}, err
	}

	now := time.Now()
	m := &Message{
		ClientID: uuid.NewString(),
		Room:     room,
		Sender:   s.self,
		Body:     caption,
		Attachment: &Attachment{
			TransferID: tr.ID,
			Name:       name,
			Mime:       mime,
			Size:       int64(len(data)),
		},
		CreatedAt:  now,
		Status:     StatusPending,
		Optimistic: true,
		sortTime:   now,
	}

	s.mu.Lock()
	s.insertLocked(m)
	snap := m.snapshot()
	s.mu.Unlock()

	s.publish(bus.KindMessageAppended, room, m.ClientID)

	clientID := m.ClientID
	s.transfers.Begin(tr, func(err error) {
		if err != nil {
			s.markFailed(clientID, err)
			return
		}
		s.markSent(clientID)
	})
	return snap, nil
}

// OnInbound reconciles one server-delivered message into the log.
//
// Order of attempts: merge by server ID; adopt a matching optimistic entry;
// otherwise append as new. Duplicate deliveries of the same server ID are
// absorbed silently, so the log holds exactly one entry per distinct ID.
func (s *Store) OnInbound(in *wire.InboundMessage) {
	s.ingest(in, true)
}

// ImportHistory reconciles a batch of records fetched from the REST backend.
// It shares OnInbound's dedup path but never touches unread counters: the
// user has already had the chance to see fetched history.
func (s *Store) ImportHistory(records []wire.InboundMessage) {
	for i := range records {
		s.ingest(&records[i], false)
	}
}

func (s *Store) ingest(in *wire.InboundMessage, countUnread bool) {
	s.mu.Lock()

	// 1. Same server ID seen before: merge in place, no new entry.
	if in.ID != "" {
		if existing, ok := s.byID[in.ID]; ok {
			s.mergeLocked(existing, in)
			snap := existing.ClientID
			room := existing.Room
			s.mu.Unlock()
			s.publish(bus.KindMessageUpdated, room, snap)
			return
		}
	}

	// 2. A pending optimistic entry staged for this send: adopt it.
	if opt := s.matchOptimisticLocked(in); opt != nil {
		opt.ID = in.ID
		opt.Optimistic = false
		opt.Status = statusFrom(in.Status, StatusSent)
		if in.Attachment != nil && opt.Attachment != nil {
			opt.Attachment.TransferID = firstNonEmpty(in.Attachment.TransferID, opt.Attachment.TransferID)
		}
		if in.ID != "" {
			s.byID[in.ID] = opt
		}
		s.disarmReconcileTimerLocked(opt.ClientID)
		clientID := opt.ClientID
		room := opt.Room
		s.mu.Unlock()
		s.publish(bus.KindMessageUpdated, room, clientID)
		return
	}

	// 3. New message from another party.
	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	m := &Message{
		ID:        in.ID,
		Room:      in.Room,
		Sender:    in.Sender,
		Body:      in.Body,
		CreatedAt: created,
		Status:    statusFrom(in.Status, StatusDelivered),
		sortTime:  created,
	}
	if in.Attachment != nil {
		m.Attachment = &Attachment{
			TransferID: in.Attachment.TransferID,
			Name:       in.Attachment.Name,
			Mime:       in.Attachment.Mime,
			Size:       in.Attachment.Size,
		}
	}
	s.insertLocked(m)
	if in.ID != "" {
		s.byID[in.ID] = m
	}

	bumpUnread := countUnread && in.Room != s.active && in.Sender != s.self
	if bumpUnread {
		s.unread[in.Room]++
	}
	room := in.Room
	count := s.unread[room]
	s.mu.Unlock()

	s.publish(bus.KindMessageAppended, room, in.ID)
	if bumpUnread {
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageUnread,
			Timestamp: time.Now(),
			Payload:   map[string]any{"room": string(room), "count": count},
		})
	}
}

// mergeLocked folds server-side field updates into an existing entry.
// Position is untouched.
func (s *Store) mergeLocked(m *Message, in *wire.InboundMessage) {
	if st := statusFrom(in.Status, ""); st != "" {
		m.Status = st
	} else if m.Status == StatusPending {
		m.Status = StatusSent
	}
	if m.Body == "" {
		m.Body = in.Body
	}
	m.Optimistic = false
	if m.ClientID != "" {
		s.disarmReconcileTimerLocked(m.ClientID)
	}
}

// matchOptimisticLocked finds the oldest pending optimistic entry that this
// inbound message plausibly confirms: same room, same sender, and either an
// equal body or a staged attachment when the confirmation carries one.
func (s *Store) matchOptimisticLocked(in *wire.InboundMessage) *Message {
	for _, m := range s.rooms[in.Room] {
		if !m.Optimistic || (m.Status != StatusPending && m.Status != StatusSent) {
			continue
		}
		if m.Sender != in.Sender {
			continue
		}
		if in.Attachment != nil {
			if m.Attachment != nil {
				return m
			}
			continue
		}
		if m.Attachment == nil && m.Body == in.Body {
			return m
		}
	}
	return nil
}

// insertLocked places m at the position implied by its sortTime. Equal
// timestamps keep insertion order.
func (s *Store) insertLocked(m *Message) {
	s.nextSeq++
	m.seq = s.nextSeq
	log := s.rooms[m.Room]
	i := sort.Search(len(log), func(i int) bool {
		if log[i].sortTime.Equal(m.sortTime) {
			return log[i].seq > m.seq
		}
		return log[i].sortTime.After(m.sortTime)
	})
	log = append(log, nil)
	copy(log[i+1:], log[i:])
	log[i] = m
	s.rooms[m.Room] = log
}

// Messages returns a snapshot of a room's log in display order.
func (s *Store) Messages(room roomkey.Key) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.rooms[room]
	out := make([]Message, len(log))
	for i, m := range log {
		out[i] = m.snapshot()
	}
	return out
}

// SetActiveRoom marks the room the UI is viewing and clears its unread count.
func (s *Store) SetActiveRoom(room roomkey.Key) {
	s.mu.Lock()
	s.active = room
	delete(s.unread, room)
	s.mu.Unlock()
}

// Unread returns a snapshot of per-room unread counts.
func (s *Store) Unread() map[roomkey.Key]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[roomkey.Key]int, len(s.unread))
	for k, v := range s.unread {
		out[k] = v
	}
	return out
}

// markSent transitions an optimistic message to sent (attachment transfer
// completed locally; server confirmation may still merge in later).
func (s *Store) markSent(clientID string) {
	s.mu.Lock()
	m := s.byClientLocked(clientID)
	if m == nil || m.Status != StatusPending {
		s.mu.Unlock()
		return
	}
	m.Status = StatusSent
	room := m.Room
	s.mu.Unlock()
	s.publish(bus.KindMessageUpdated, room, clientID)
}

// markFailed transitions a message to failed. Failed sends are never
// retried automatically; resending is an explicit user action.
func (s *Store) markFailed(clientID string, err error) {
	s.mu.Lock()
	m := s.byClientLocked(clientID)
	if m == nil || !m.Optimistic || m.Status == StatusFailed {
		s.mu.Unlock()
		return
	}
	m.Status = StatusFailed
	s.disarmReconcileTimerLocked(clientID)
	room := m.Room
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("message failed",
			zap.String("client_id", clientID), zap.String("room", string(room)), zap.Error(err))
	}
	s.publish(bus.KindMessageFailed, room, clientID)
}

func (s *Store) byClientLocked(clientID string) *Message {
	for _, log := range s.rooms {
		for _, m := range log {
			if m.ClientID == clientID {
				return m
			}
		}
	}
	return nil
}

// armReconcileTimerLocked schedules the pending->failed transition for a
// send the server never confirms.
func (s *Store) armReconcileTimerLocked(m *Message) {
	if s.reconcileTimeout <= 0 {
		return
	}
	clientID := m.ClientID
	s.timers[clientID] = time.AfterFunc(s.reconcileTimeout, func() {
		s.markFailed(clientID, nil)
	})
}

func (s *Store) disarmReconcileTimerLocked(clientID string) {
	if t, ok := s.timers[clientID]; ok {
		t.Stop()
		delete(s.timers, clientID)
	}
}

// Close stops all outstanding reconcile timers.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Store) publish(kind string, room roomkey.Key, id string) {
	s.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   map[string]string{"room": string(room), "id": id},
	})
}

func statusFrom(s string, fallback Status) Status {
	switch Status(s) {
	case StatusSent, StatusDelivered, StatusRead:
		return Status(s)
	}
	return fallback
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
