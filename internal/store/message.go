package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on room_key + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (room_key, msg_id, sender, body, attachment_name, attachment_mime, attachment_size, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_key, msg_id) DO UPDATE SET
			body = excluded.body,
			status = excluded.status`,
		m.RoomKey, m.MsgID, m.Sender, m.Body, m.AttachmentName, m.AttachmentMime, m.AttachmentSize, m.Status, m.Timestamp, now)
	return err
}

// ListMessages returns messages for a room using keyset pagination by timestamp.
func (db *DB) ListMessages(roomKey string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, room_key, msg_id, sender, body, attachment_name, attachment_mime, attachment_size, status, timestamp
		FROM messages
		WHERE room_key = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, roomKey, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomKey, &m.MsgID, &m.Sender, &m.Body, &m.AttachmentName, &m.AttachmentMime, &m.AttachmentSize, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
