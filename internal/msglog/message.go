package msglog

import (
	"time"

	"github.com/hugodiniz/papo/internal/roomkey"
)

// Status is a message's delivery state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Attachment references a file carried by a message.
type Attachment struct {
	TransferID string
	Name       string
	Mime       string
	Size       int64
}

// Message is one entry in a room's log. Messages are exclusively owned by
// the store; callers only ever see value copies.
type Message struct {
	// ID is the server-assigned identifier, empty until confirmed.
	ID string
	// ClientID is the local identifier assigned at send time. Inbound
	// messages from other clients have none.
	ClientID   string
	Room       roomkey.Key
	Sender     string
	Body       string
	Attachment *Attachment
	CreatedAt  time.Time
	Status     Status
	// Optimistic marks a locally created record not yet confirmed by
	// the server.
	Optimistic bool

	// sortTime fixes the message's position in the room log. It is set
	// once at insertion and never changes, so reconciliation preserves
	// position.
	sortTime time.Time
	seq      uint64
}

func (m *Message) snapshot() Message {
	cp := *m
	if m.Attachment != nil {
		att := *m.Attachment
		cp.Attachment = &att
	}
	return cp
}
