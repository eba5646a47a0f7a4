// Package wire defines the socket protocol spoken with the chat backend:
// event names, payload shapes, and the JSON frame codec.
//
// Every frame on the wire is {"event": <name>, "data": {...}}. Inbound
// frames are normalized once, at this boundary, into InboundEvent; the rest
// of the session layer never sees raw server payloads.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/hugodiniz/papo/internal/roomkey"
)

// Outbound event names.
const (
	EventSetIdentity = "set_identity"
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventSendMessage = "send_message"
	// EventSendGroupMessage addresses a group by id instead of a room key.
	EventSendGroupMessage = "send_group_message"
	EventFileStart        = "send_file_start"
	EventFileChunk        = "send_file_chunk"
	EventTyping           = "typing"
	EventStopTyping       = "stop_typing"
)

// Inbound event names.
const (
	EventReceiveMessage  = "receive_message"
	EventFileUploadReady = "file_upload_ready"
	EventFileUploadError = "file_upload_error"
	// typing and stop_typing arrive under the same names they are sent.
)

// Frame is the envelope for every socket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SetIdentity authenticates the connection. It must be the first frame
// after dialing.
type SetIdentity struct {
	Token string `json:"token"`
}

// RoomRef addresses a room for join/leave operations.
type RoomRef struct {
	Room roomkey.Key `json:"room"`
}

// SendMessage is the outbound text message payload.
type SendMessage struct {
	Room   roomkey.Key `json:"room"`
	Sender string      `json:"sender"`
	Body   string      `json:"body"`
}

// SendGroupMessage is the outbound group message payload.
type SendGroupMessage struct {
	GroupID string `json:"group_id"`
	Sender  string `json:"sender"`
	Body    string `json:"body"`
}

// FileStart announces an attachment transfer before its chunks.
type FileStart struct {
	TransferID  string      `json:"transfer_id"`
	Name        string      `json:"name"`
	Mime        string      `json:"mime"`
	Size        int64       `json:"size"`
	Room        roomkey.Key `json:"room"`
	TotalChunks int         `json:"total_chunks"`
}

// FileChunk carries one base64 slice of an attachment. Index is the
// zero-based position of the chunk within the transfer.
type FileChunk struct {
	TransferID string `json:"transfer_id"`
	Index      int    `json:"index"`
	Data       string `json:"data"`
}

// TypingNotice signals typing activity in a room.
type TypingNotice struct {
	Room roomkey.Key `json:"room"`
	User string      `json:"user"`
}

// Encode marshals an event and payload into a wire frame.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = b
	}
	b, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", event, err)
	}
	return b, nil
}
