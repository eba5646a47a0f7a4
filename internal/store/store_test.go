package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestRoomUpsertAndList(t *testing.T) {
	db := testDB(t)

	room := &Room{Key: "alice-bob", LastMessageAt: 1000, LastMessagePreview: "hello"}
	if err := db.UpsertRoom(room); err != nil {
		t.Fatal(err)
	}

	room.Name = "Bob"
	if err := db.UpsertRoom(room); err != nil {
		t.Fatal(err)
	}

	rooms, err := db.ListRooms(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 1 {
		t.Fatalf("got %d rooms, want 1", len(rooms))
	}
	if rooms[0].Name != "Bob" {
		t.Errorf("name = %q, want Bob", rooms[0].Name)
	}
}

func TestListRoomsOrderedByRecency(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertRoom(&Room{Key: "alice-bob", LastMessageAt: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertRoom(&Room{Key: "alice-carol", LastMessageAt: 3000}); err != nil {
		t.Fatal(err)
	}

	rooms, err := db.ListRooms(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 || rooms[0].Key != "alice-carol" {
		t.Errorf("order = %v, want alice-carol first", rooms)
	}
}

func TestGetRoom(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertRoom(&Room{Key: "group-42", Name: "Futebol", IsGroup: true}); err != nil {
		t.Fatal(err)
	}
	r, err := db.GetRoom("group-42")
	if err != nil {
		t.Fatal(err)
	}
	if r == nil || !r.IsGroup || r.Name != "Futebol" {
		t.Errorf("got %+v", r)
	}

	// Missing room: nil, no error. Empty name falls back to the key.
	r, err = db.GetRoom("alice-bob")
	if err != nil {
		t.Fatal(err)
	}
	if r != nil {
		t.Error("expected nil for missing room")
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{RoomKey: "alice-bob", MsgID: "m1", Sender: "bob", Body: "hello", Status: "delivered", Timestamp: 1000}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	// Redelivery with upgraded status must not create a duplicate row.
	msg.Status = "read"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("alice-bob", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Status != "read" {
		t.Errorf("status = %q, want read", msgs[0].Status)
	}
}

func TestListMessagesKeysetPagination(t *testing.T) {
	db := testDB(t)

	for i, ts := range []int64{1000, 2000, 3000} {
		m := &Message{RoomKey: "alice-bob", MsgID: string(rune('a' + i)), Sender: "bob", Body: "m", Timestamp: ts}
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListMessages("alice-bob", 3000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("got %d messages before ts 3000, want 2", len(page))
	}
	if page[0].Timestamp != 2000 {
		t.Errorf("first = %d, want newest-first within page", page[0].Timestamp)
	}
}

func TestMessageAttachmentColumns(t *testing.T) {
	db := testDB(t)

	msg := &Message{
		RoomKey: "alice-bob", MsgID: "m1", Sender: "alice",
		AttachmentName: "pic.png", AttachmentMime: "image/png", AttachmentSize: 2048,
		Timestamp: 1000,
	}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("alice-bob", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].AttachmentName != "pic.png" || msgs[0].AttachmentSize != 2048 {
		t.Errorf("attachment = %+v", msgs[0])
	}
}

func TestSetUnread(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertRoom(&Room{Key: "alice-bob", UnreadCount: 3}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetUnread("alice-bob", 0); err != nil {
		t.Fatal(err)
	}
	r, err := db.GetRoom("alice-bob")
	if err != nil {
		t.Fatal(err)
	}
	if r.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", r.UnreadCount)
	}
}
