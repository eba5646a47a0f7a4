package msglog

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hugodiniz/papo/internal/bus"
	"github.com/hugodiniz/papo/internal/config"
	"github.com/hugodiniz/papo/internal/roomkey"
	"github.com/hugodiniz/papo/internal/transfer"
	"github.com/hugodiniz/papo/internal/wire"
)

type capturePub struct {
	mu     sync.Mutex
	events []string
}

func (p *capturePub) Send(event string, _ any) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

// fakeStager either accepts or rejects staging; Begin resolves through the
// completion channel.
type fakeStager struct {
	engine   *transfer.Engine
	stageErr error
	done     func(error)
	mu       sync.Mutex
}

func (f *fakeStager) Stage(name, mime string, data []byte, room roomkey.Key) (*transfer.Transfer, error) {
	if f.stageErr != nil {
		return nil, f.stageErr
	}
	return f.engine.Stage(name, mime, data, room)
}

func (f *fakeStager) Begin(_ *transfer.Transfer, done func(error)) {
	f.mu.Lock()
	f.done = done
	f.mu.Unlock()
}

func (f *fakeStager) resolve(err error) {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	if done != nil {
		done(err)
	}
}

func newTestStore(timeout time.Duration) (*Store, *capturePub, *fakeStager) {
	pub := &capturePub{}
	stager := &fakeStager{
		engine: transfer.NewEngine(pub, bus.New(), config.TransferConfig{
			MaxBytes:     1 << 20,
			ChunkSize:    64,
			ReadyTimeout: config.Duration(time.Second),
		}, zap.NewNop()),
	}
	s := NewStore("alice", pub, stager, bus.New(), timeout, zap.NewNop())
	return s, pub, stager
}

func inbound(id string, room roomkey.Key, sender, body string, ts time.Time) *wire.InboundMessage {
	return &wire.InboundMessage{
		ID: id, Room: room, Sender: sender, Body: body, CreatedAt: ts,
	}
}

func TestSendTextStagesOptimisticPending(t *testing.T) {
	s, pub, _ := newTestStore(0)
	room := roomkey.Derive("alice", "bob")

	m := s.SendText(room, "hello")
	if m.Status != StatusPending || !m.Optimistic || m.ClientID == "" {
		t.Errorf("optimistic message = %+v", m)
	}

	log := s.Messages(room)
	if len(log) != 1 || log[0].Body != "hello" || log[0].Status != StatusPending {
		t.Errorf("log = %+v", log)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 1 || pub.events[0] != wire.EventSendMessage {
		t.Errorf("published events = %v", pub.events)
	}
}

func TestSendTextGroupRoomUsesGroupEvent(t *testing.T) {
	s, pub, _ := newTestStore(0)
	room := roomkey.DeriveGroup("7")

	s.SendText(room, "oi pessoal")

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 1 || pub.events[0] != wire.EventSendGroupMessage {
		t.Errorf("published events = %v", pub.events)
	}
}

func TestOptimisticReconciliation(t *testing.T) {
	s, _, _ := newTestStore(0)
	room := roomkey.Derive("alice", "bob")

	s.SendText(room, "hello")
	s.OnInbound(inbound("srv-1", room, "alice", "hello", time.Now()))

	log := s.Messages(room)
	if len(log) != 1 {
		t.Fatalf("log has %d entries, want 1 (reconciled in place)", len(log))
	}
	m := log[0]
	if m.ID != "srv-1" || m.Status != StatusSent || m.Optimistic {
		t.Errorf("reconciled message = %+v", m)
	}
}

func TestReconciliationPreservesPosition(t *testing.T) {
	s, _, _ := newTestStore(0)
	room := roomkey.Derive("alice", "bob")

	base := time.Now()
	s.OnInbound(inbound("srv-1", room, "bob", "first", base.Add(-2*time.Hour)))
	sent := s.SendText(room, "mine")
	s.OnInbound(inbound("srv-3", room, "bob", "later", base.Add(time.Hour)))

	// Confirmation carries a much later server timestamp; the entry must
	// not move.
	s.OnInbound(&wire.InboundMessage{
		ID: "srv-2", Room: room, Sender: "alice", Body: "mine",
		CreatedAt: base.Add(2 * time.Hour),
	})

	log := s.Messages(room)
	if len(log) != 3 {
		t.Fatalf("log has %d entries, want 3", len(log))
	}
	if log[1].ClientID != sent.ClientID || log[1].ID != "srv-2" {
		t.Errorf("middle entry = %+v, want the reconciled send", log[1])
	}
}

func TestDuplicateDeliveriesAbsorbed(t *testing.T) {
	s, _, _ := newTestStore(0)
	room := roomkey.Derive("alice", "bob")

	ts := time.Now()
	// Same id delivered repeatedly, interleaved and out of order.
	s.OnInbound(inbound("srv-1", room, "bob", "hi", ts))
	s.OnInbound(inbound("srv-2", room, "bob", "again", ts.Add(time.Second)))
	s.OnInbound(inbound("srv-1", room, "bob", "hi", ts))
	s.OnInbound(inbound("srv-1", room, "bob", "hi", ts))
	s.OnInbound(inbound("srv-2", room, "bob", "again", ts.Add(time.Second)))

	log := s.Messages(room)
	if len(log) != 2 {
		t.Fatalf("log has %d entries, want 2", len(log))
	}
	seen := map[string]int{}
	for _, m := range log {
		seen[m.ID]++
	}
	if seen["srv-1"] != 1 || seen["srv-2"] != 1 {
		t.Errorf("id counts = %v, want exactly one each", seen)
	}
}

func TestDuplicateMergesStatusUpgrade(t *testing.T) {
	s, _, _ := newTestStore(0)
	room := roomkey.Derive("alice", "bob")

	ts := time.Now()
	s.OnInbound(inbound("srv-1", room, "bob", "hi", ts))
	dup := inbound("srv-1", room, "bob", "hi", ts)
	dup.Status = "read"
	s.OnInbound(dup)

	log := s.Messages(room)
	if len(log) != 1 || log[0].Status != StatusRead {
		t.Errorf("log = %+v, want single read entry", log)
	}
}

func TestOrderingByServerTimestamp(t *testing.T) {
	s, _, _ := newTestStore(0)
	room := roomkey.Derive("alice", "bob")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.OnInbound(inbound("c", room, "bob", "third", base.Add(2*time.Second)))
	s.OnInbound(inbound("a", room, "bob", "first", base))
	s.OnInbound(inbound("b", room, "bob", "second", base.Add(time.Second)))

	log := s.Messages(room)
	got := []string{log[0].Body, log[1].Body, log[2].Body}
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestUnreadCounting(t *testing.T) {
	s, _, _ := newTestStore(0)
	active := roomkey.Derive("alice", "bob")
	other := roomkey.Derive("alice", "carol")
	s.SetActiveRoom(active)

	s.OnInbound(inbound("m1", active, "bob", "seen", time.Now()))
	s.OnInbound(inbound("m2", other, "carol", "unseen", time.Now()))
	s.OnInbound(inbound("m3", other, "carol", "unseen 2", time.Now()))

	unread := s.Unread()
	if unread[active] != 0 {
		t.Errorf("active room unread = %d, want 0", unread[active])
	}
	if unread[other] != 2 {
		t.Errorf("other room unread = %d, want 2", unread[other])
	}

	// Viewing the room clears its counter.
	s.SetActiveRoom(other)
	if got := s.Unread()[other]; got != 0 {
		t.Errorf("unread after viewing = %d, want 0", got)
	}
	// The log still holds the messages.
	if len(s.Messages(other)) != 2 {
		t.Errorf("log lost messages for unread room")
	}
}

func TestOwnEchoDoesNotCountUnread(t *testing.T) {
	s, _, _ := newTestStore(0)
	room := roomkey.Derive("alice", "bob")
	s.SetActiveRoom(roomkey.Derive("alice", "carol"))

	s.OnInbound(inbound("m1", room, "alice", "from my other device", time.Now()))
	if got := s.Unread()[room]; got != 0 {
		t.Errorf("unread for own message = %d, want 0", got)
	}
}

func TestReconcileTimeoutMarksFailed(t *testing.T) {
	s, _, _ := newTestStore(30 * time.Millisecond)
	defer s.Close()
	room := roomkey.Derive("alice", "bob")

	s.SendText(room, "lost")

	deadline := time.After(2 * time.Second)
	for {
		log := s.Messages(room)
		if len(log) == 1 && log[0].Status == StatusFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("message never failed: %+v", log)
		case <-time.After(5 * time.Millisecond):
		}
	}

	// A late confirmation for a failed message must not resurrect a
	// duplicate: the id merge path still applies.
	s.OnInbound(inbound("srv-1", room, "alice", "lost", time.Now()))
	log := s.Messages(room)
	if len(log) != 2 {
		// Failed messages are no longer optimistic-matchable; the
		// confirmation appends as its own entry.
		t.Fatalf("log = %+v", log)
	}
}

func TestConfirmationDisarmsTimeout(t *testing.T) {
	s, _, _ := newTestStore(50 * time.Millisecond)
	defer s.Close()
	room := roomkey.Derive("alice", "bob")

	s.SendText(room, "quick")
	s.OnInbound(inbound("srv-1", room, "alice", "quick", time.Now()))

	time.Sleep(100 * time.Millisecond)
	log := s.Messages(room)
	if len(log) != 1 || log[0].Status != StatusSent {
		t.Errorf("log = %+v, want single sent entry", log)
	}
}

func TestSendAttachmentLifecycle(t *testing.T) {
	s, _, stager := newTestStore(0)
	room := roomkey.Derive("alice", "bob")

	m, err := s.SendAttachment(room, "pic.png", "image/png", []byte("bytes"), "look")
	if err != nil {
		t.Fatal(err)
	}
	if m.Attachment == nil || m.Attachment.Name != "pic.png" || m.Status != StatusPending {
		t.Errorf("staged attachment message = %+v", m)
	}

	stager.resolve(nil)
	log := s.Messages(room)
	if log[0].Status != StatusSent {
		t.Errorf("status after transfer completion = %s, want sent", log[0].Status)
	}
}

func TestSendAttachmentTransferFailure(t *testing.T) {
	s, _, stager := newTestStore(0)
	room := roomkey.Derive("alice", "bob")

	_, err := s.SendAttachment(room, "pic.png", "image/png", []byte("bytes"), "")
	if err != nil {
		t.Fatal(err)
	}
	stager.resolve(errors.New("server rejected"))

	log := s.Messages(room)
	if log[0].Status != StatusFailed {
		t.Errorf("status = %s, want failed", log[0].Status)
	}
}

func TestSendAttachmentOversizeRejectedBeforeStaging(t *testing.T) {
	s, pub, stager := newTestStore(0)
	stager.stageErr = transfer.ErrPayloadTooLarge
	room := roomkey.Derive("alice", "bob")

	_, err := s.SendAttachment(room, "huge.bin", "application/octet-stream", []byte("x"), "")
	if !errors.Is(err, transfer.ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
	if len(s.Messages(room)) != 0 {
		t.Error("message staged for rejected attachment")
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 0 {
		t.Errorf("events published for rejected attachment: %v", pub.events)
	}
}

func TestAttachmentConfirmationAdoptsOptimistic(t *testing.T) {
	s, _, stager := newTestStore(0)
	room := roomkey.Derive("alice", "bob")

	s.SendAttachment(room, "pic.png", "image/png", []byte("bytes"), "")
	stager.resolve(nil)

	s.OnInbound(&wire.InboundMessage{
		ID: "srv-9", Room: room, Sender: "alice",
		Attachment: &wire.Attachment{Name: "pic.png", Mime: "image/png", Size: 5},
		CreatedAt:  time.Now(),
	})

	log := s.Messages(room)
	if len(log) != 1 {
		t.Fatalf("log has %d entries, want 1", len(log))
	}
	if log[0].ID != "srv-9" {
		t.Errorf("adopted id = %q, want srv-9", log[0].ID)
	}
}

func TestImportHistoryDedupsAndSkipsUnread(t *testing.T) {
	s, _, _ := newTestStore(0)
	room := roomkey.Derive("alice", "bob")
	s.SetActiveRoom(roomkey.Derive("alice", "carol"))

	ts := time.Now()
	s.OnInbound(inbound("m1", room, "bob", "live", ts))

	s.ImportHistory([]wire.InboundMessage{
		*inbound("m0", room, "bob", "older", ts.Add(-time.Hour)),
		*inbound("m1", room, "bob", "live", ts),
	})

	log := s.Messages(room)
	if len(log) != 2 {
		t.Fatalf("log has %d entries, want 2", len(log))
	}
	if log[0].ID != "m0" || log[1].ID != "m1" {
		t.Errorf("order = [%s %s], want [m0 m1]", log[0].ID, log[1].ID)
	}
	// Live delivery bumped unread once; history import must not.
	if got := s.Unread()[room]; got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}
}
