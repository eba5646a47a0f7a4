package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the session layer. Subscribers filter by
// namespace prefix, e.g. "message." receives every message event.
const (
	KindConnStateChanged = "conn.state_changed"
	KindConnReady        = "conn.ready"
	KindConnQueueDrop    = "conn.queue_drop"

	KindMessageAppended = "message.appended"
	KindMessageUpdated  = "message.updated"
	KindMessageFailed   = "message.failed"
	KindMessageUnread   = "message.unread"

	KindTransferCompleted = "transfer.completed"
	KindTransferFailed    = "transfer.failed"
	KindTransferReceived  = "transfer.received"

	KindTypingStarted = "presence.typing"
	KindTypingStopped = "presence.stopped"
)
