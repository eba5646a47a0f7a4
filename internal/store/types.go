package store

// Room is a cached conversation.
type Room struct {
	Key                string
	Name               string
	IsGroup            bool
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is a cached server-confirmed message.
type Message struct {
	ID             int64
	RoomKey        string
	MsgID          string
	Sender         string
	Body           string
	AttachmentName string
	AttachmentMime string
	AttachmentSize int64
	Status         string
	Timestamp      int64
}
