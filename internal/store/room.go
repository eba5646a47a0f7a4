package store

import (
	"database/sql"
	"time"
)

// UpsertRoom inserts or updates a room record.
func (db *DB) UpsertRoom(r *Room) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO rooms (key, name, is_group, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			is_group = excluded.is_group,
			unread_count = excluded.unread_count,
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			updated_at = excluded.updated_at`,
		r.Key, r.Name, r.IsGroup, r.UnreadCount, r.LastMessageAt, r.LastMessagePreview, now)
	return err
}

// ListRooms returns rooms sorted by last message timestamp descending.
func (db *DB) ListRooms(limit, offset int) ([]Room, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT key, COALESCE(NULLIF(name,''), key) AS display_name,
			is_group, unread_count, last_message_at, last_message_preview
		FROM rooms
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.Key, &r.Name, &r.IsGroup, &r.UnreadCount, &r.LastMessageAt, &r.LastMessagePreview); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// GetRoom returns a single room by key.
func (db *DB) GetRoom(key string) (*Room, error) {
	var r Room
	err := db.QueryRow(`
		SELECT key, COALESCE(NULLIF(name,''), key) AS display_name,
			is_group, unread_count, last_message_at, last_message_preview
		FROM rooms
		WHERE key = ?`, key).
		Scan(&r.Key, &r.Name, &r.IsGroup, &r.UnreadCount, &r.LastMessageAt, &r.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SetUnread overwrites a room's cached unread counter.
func (db *DB) SetUnread(key string, count int) error {
	_, err := db.Exec(`UPDATE rooms SET unread_count = ? WHERE key = ?`, count, key)
	return err
}
