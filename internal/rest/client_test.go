package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/hugodiniz/papo/internal/roomkey"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "tok-1", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestHistoryNormalizesAliases(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/messages/alice-bob" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("auth = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		// Two server generations' field spellings in one payload.
		w.Write([]byte(`[
			{"id":"m1","room":"alice-bob","sender":"bob","body":"oi","created_at":"2026-01-02T15:04:05Z"},
			{"message_id":"m2","conversation_id":"alice-bob","senderId":"bob","text":"tudo bem","timestamp":1767366245000}
		]`))
	})

	records, err := c.History(context.Background(), roomkey.Derive("alice", "bob"))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}
	if records[0].ID != "m1" || records[0].Body != "oi" {
		t.Errorf("first = %+v", records[0])
	}
	if records[1].ID != "m2" || records[1].Sender != "bob" || records[1].Body != "tudo bem" {
		t.Errorf("second = %+v", records[1])
	}
	if records[1].CreatedAt.IsZero() {
		t.Error("millisecond timestamp not parsed")
	}
}

func TestContacts(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/users/alice" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`[{"id":"bob","name":"Bob"}]`))
	})

	contacts, err := c.Contacts(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 1 || contacts[0].ID != "bob" {
		t.Errorf("contacts = %+v", contacts)
	}
}

func TestCreateGroup(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/groups" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var req Group
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
		}
		if req.Name != "time" || len(req.Members) != 2 {
			t.Errorf("req = %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"7","name":"time","members":["alice","bob"]}`))
	})

	group, err := c.CreateGroup(context.Background(), "time", []string{"alice", "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if group.ID != "7" {
		t.Errorf("group = %+v", group)
	}
	if group.Room() != roomkey.Key("group-7") {
		t.Errorf("room = %s", group.Room())
	}
}

func TestMembershipPaths(t *testing.T) {
	var sawAdd, sawRemove bool
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/groups/7/members/carol":
			sawAdd = true
		case r.Method == http.MethodDelete && r.URL.Path == "/api/groups/7/members/carol":
			sawRemove = true
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.AddMember(context.Background(), "7", "carol"); err != nil {
		t.Fatal(err)
	}
	if err := c.RemoveMember(context.Background(), "7", "carol"); err != nil {
		t.Fatal(err)
	}
	if !sawAdd || !sawRemove {
		t.Errorf("add=%v remove=%v", sawAdd, sawRemove)
	}
}

func TestNon2xxIsStatusError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such room", http.StatusNotFound)
	})

	_, err := c.History(context.Background(), roomkey.Key("alice-bob"))
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if se.Code != http.StatusNotFound || se.Body != "no such room" {
		t.Errorf("status error = %+v", se)
	}
}
