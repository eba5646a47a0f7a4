package presence

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hugodiniz/papo/internal/bus"
	"github.com/hugodiniz/papo/internal/config"
	"github.com/hugodiniz/papo/internal/roomkey"
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

func (p *capturePub) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func newTestTracker(cfg config.TypingConfig) (*Tracker, *capturePub, *bus.Bus) {
	pub := &capturePub{}
	b := bus.New()
	return NewTracker("alice", pub, b, cfg, zap.NewNop()), pub, b
}

func TestTypingDebounce(t *testing.T) {
	tr, pub, _ := newTestTracker(config.TypingConfig{
		Debounce: config.Duration(time.Hour),
		Idle:     config.Duration(time.Hour),
		Expiry:   config.Duration(time.Hour),
	})
	defer tr.Close()
	room := roomkey.Derive("alice", "bob")

	for i := 0; i < 10; i++ {
		tr.NotifyTyping(room)
	}

	got := pub.snapshot()
	if len(got) != 1 || got[0] != wire.EventTyping {
		t.Errorf("events = %v, want exactly one typing", got)
	}
}

func TestIdleSendsStop(t *testing.T) {
	tr, pub, _ := newTestTracker(config.TypingConfig{
		Debounce: config.Duration(time.Hour),
		Idle:     config.Duration(20 * time.Millisecond),
		Expiry:   config.Duration(time.Hour),
	})
	defer tr.Close()
	room := roomkey.Derive("alice", "bob")

	tr.NotifyTyping(room)

	deadline := time.After(2 * time.Second)
	for {
		got := pub.snapshot()
		if len(got) == 2 {
			if got[1] != wire.EventStopTyping {
				t.Fatalf("events = %v", got)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no stop event, got %v", pub.snapshot())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestKeystrokePushesIdleBack(t *testing.T) {
	tr, pub, _ := newTestTracker(config.TypingConfig{
		Debounce: config.Duration(time.Hour),
		Idle:     config.Duration(60 * time.Millisecond),
		Expiry:   config.Duration(time.Hour),
	})
	defer tr.Close()
	room := roomkey.Derive("alice", "bob")

	// Keep typing faster than the idle window; no stop should fire.
	for i := 0; i < 5; i++ {
		tr.NotifyTyping(room)
		time.Sleep(20 * time.Millisecond)
	}
	for _, e := range pub.snapshot() {
		if e == wire.EventStopTyping {
			t.Fatal("stop sent while still typing")
		}
	}
}

func TestExplicitStopIsIdempotent(t *testing.T) {
	tr, pub, _ := newTestTracker(config.TypingConfig{
		Debounce: config.Duration(time.Hour),
		Idle:     config.Duration(time.Hour),
		Expiry:   config.Duration(time.Hour),
	})
	defer tr.Close()
	room := roomkey.Derive("alice", "bob")

	tr.NotifyTyping(room)
	tr.StopTyping(room)
	tr.StopTyping(room)

	got := pub.snapshot()
	if len(got) != 2 || got[0] != wire.EventTyping || got[1] != wire.EventStopTyping {
		t.Errorf("events = %v, want [typing stop_typing]", got)
	}
}

func TestRemoteIndicatorLifecycle(t *testing.T) {
	tr, _, b := newTestTracker(config.TypingConfig{
		Debounce: config.Duration(time.Hour),
		Idle:     config.Duration(time.Hour),
		Expiry:   config.Duration(time.Hour),
	})
	defer tr.Close()
	room := roomkey.Derive("alice", "bob")
	events, cancel := b.Subscribe("presence.", 8)
	defer cancel()

	tr.OnRemoteTyping(room, "bob")
	tr.OnRemoteTyping(room, "bob") // repeat: no second started event

	if got := tr.Typing(room); len(got) != 1 || got[0] != "bob" {
		t.Errorf("Typing = %v, want [bob]", got)
	}

	tr.OnRemoteStop(room, "bob")
	if got := tr.Typing(room); len(got) != 0 {
		t.Errorf("Typing after stop = %v, want empty", got)
	}

	var kinds []string
	for len(kinds) < 2 {
		select {
		case evt := <-events:
			kinds = append(kinds, evt.Kind)
		case <-time.After(time.Second):
			t.Fatalf("bus events = %v", kinds)
		}
	}
	if kinds[0] != bus.KindTypingStarted || kinds[1] != bus.KindTypingStopped {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestRemoteIndicatorHardExpiry(t *testing.T) {
	tr, _, b := newTestTracker(config.TypingConfig{
		Debounce: config.Duration(time.Hour),
		Idle:     config.Duration(time.Hour),
		Expiry:   config.Duration(20 * time.Millisecond),
	})
	defer tr.Close()
	room := roomkey.Derive("alice", "bob")
	events, cancel := b.Subscribe("presence.", 8)
	defer cancel()

	tr.OnRemoteTyping(room, "bob")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Kind == bus.KindTypingStopped {
				if got := tr.Typing(room); len(got) != 0 {
					t.Errorf("indicator survived expiry: %v", got)
				}
				return
			}
		case <-deadline:
			t.Fatal("indicator never expired")
		}
	}
}

func TestOwnEchoIgnored(t *testing.T) {
	tr, _, _ := newTestTracker(config.TypingConfig{
		Debounce: config.Duration(time.Hour),
		Idle:     config.Duration(time.Hour),
		Expiry:   config.Duration(time.Hour),
	})
	defer tr.Close()
	room := roomkey.Derive("alice", "bob")

	tr.OnRemoteTyping(room, "alice")
	if got := tr.Typing(room); len(got) != 0 {
		t.Errorf("own typing echo recorded: %v", got)
	}
}
