package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hugodiniz/papo/internal/roomkey"
)

// InboundEvent is the normalized form of every server-originated frame.
// Exactly one of the payload fields relevant to Name is populated.
type InboundEvent struct {
	Name string

	// Message is set for receive_message and send_file_chunk-completed
	// attachment messages.
	Message *InboundMessage

	// TransferID and Reason are set for file_upload_ready / file_upload_error.
	TransferID string
	Reason     string

	// Chunk is set for send_file_chunk frames relayed to this client.
	Chunk *FileChunk

	// FileStart is set for send_file_start frames relayed to this client.
	FileStart *FileStart

	// Room and User are set for typing / stop_typing.
	Room roomkey.Key
	User string
}

// InboundMessage is a server-confirmed message record.
type InboundMessage struct {
	ID         string
	Room       roomkey.Key
	Sender     string
	Body       string
	CreatedAt  time.Time
	Status     string
	Attachment *Attachment
}

// UnmarshalJSON accepts the same field aliases as socket frames, so REST
// history records and live deliveries normalize identically.
func (im *InboundMessage) UnmarshalJSON(raw []byte) error {
	var m rawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*im = *m.normalize()
	return nil
}

// Attachment describes a delivered file reference on a message.
type Attachment struct {
	Name       string `json:"name"`
	Mime       string `json:"mime"`
	Size       int64  `json:"size"`
	TransferID string `json:"transfer_id"`
}

// rawMessage tolerates the field aliases historical servers have used for
// the same values (sender_id/senderId/user_id, message/text/body, ...).
// Normalization happens exactly once, here.
type rawMessage struct {
	ID  string `json:"id"`
	MID string `json:"message_id"`

	Room      string `json:"room"`
	ConvID    string `json:"conversation_id"`
	GroupID   string `json:"group_id"`
	Sender    string `json:"sender"`
	SenderID  string `json:"sender_id"`
	SenderCC  string `json:"senderId"`
	UserID    string `json:"user_id"`
	Body      string `json:"body"`
	Text      string `json:"text"`
	Message   string `json:"message"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	CreatedCC string `json:"createdAt"`
	Timestamp int64  `json:"timestamp"`

	Attachment *Attachment `json:"attachment"`
	FileName   string      `json:"fileName"`
	FileType   string      `json:"fileType"`
	FileSize   int64       `json:"fileSize"`
}

type rawControl struct {
	TransferID string `json:"transfer_id"`
	TransferCC string `json:"transferId"`
	Reason     string `json:"reason"`
	Error      string `json:"error"`
	Room       string `json:"room"`
	ConvID     string `json:"conversation_id"`
	User       string `json:"user"`
	UserID     string `json:"user_id"`
}

// Decode parses one wire frame into a normalized InboundEvent.
// Unknown event names decode into an InboundEvent carrying only Name, so a
// newer server cannot break an older client.
func Decode(raw []byte) (*InboundEvent, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("decode frame: missing event name")
	}

	evt := &InboundEvent{Name: f.Event}
	switch f.Event {
	case EventReceiveMessage:
		var m rawMessage
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		evt.Message = m.normalize()

	case EventFileUploadReady, EventFileUploadError:
		var c rawControl
		if err := json.Unmarshal(f.Data, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		evt.TransferID = firstNonEmpty(c.TransferID, c.TransferCC)
		evt.Reason = firstNonEmpty(c.Reason, c.Error)

	case EventFileStart:
		var fs FileStart
		if err := json.Unmarshal(f.Data, &fs); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		evt.FileStart = &fs

	case EventFileChunk:
		var ch FileChunk
		if err := json.Unmarshal(f.Data, &ch); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		evt.Chunk = &ch

	case EventTyping, EventStopTyping:
		var c rawControl
		if err := json.Unmarshal(f.Data, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		evt.Room = roomkey.Key(firstNonEmpty(c.Room, c.ConvID))
		evt.User = firstNonEmpty(c.User, c.UserID)
	}

	return evt, nil
}

func (m *rawMessage) normalize() *InboundMessage {
	room := firstNonEmpty(m.Room, m.ConvID)
	if room == "" && m.GroupID != "" {
		room = string(roomkey.DeriveGroup(m.GroupID))
	}
	att := m.Attachment
	if att == nil && m.FileName != "" {
		att = &Attachment{Name: m.FileName, Mime: m.FileType, Size: m.FileSize}
	}
	return &InboundMessage{
		ID:         firstNonEmpty(m.ID, m.MID),
		Room:       roomkey.Key(room),
		Sender:     firstNonEmpty(m.Sender, m.SenderID, m.SenderCC, m.UserID),
		Body:       firstNonEmpty(m.Body, m.Text, m.Message),
		CreatedAt:  m.createdAt(),
		Status:     m.Status,
		Attachment: att,
	}
}

func (m *rawMessage) createdAt() time.Time {
	for _, s := range []string{m.CreatedAt, m.CreatedCC} {
		if s == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts
		}
	}
	if m.Timestamp > 0 {
		return time.UnixMilli(m.Timestamp)
	}
	return time.Time{}
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
