package transfer

import (
	"sync"

	"github.com/hugodiniz/papo/internal/roomkey"
)

// Status is the lifecycle state of one attachment transfer.
type Status string

const (
	StatusStaging      Status = "staging"
	StatusTransmitting Status = "transmitting"
	StatusCompleted    Status = "completed"
	StatusAborted      Status = "aborted"
	StatusFailed       Status = "failed"
)

// Transfer tracks one outbound attachment through its chunked delivery.
type Transfer struct {
	ID          string
	Name        string
	Mime        string
	Size        int64
	Room        roomkey.Key
	TotalChunks int

	// encoded is the base64 form of the payload; chunks are slices of it.
	encoded string

	ready  chan struct{}
	errc   chan error
	cancel chan struct{}

	mu         sync.Mutex
	status     Status
	sentChunks int
	cancelOnce sync.Once
}

// Status returns the transfer's current lifecycle state.
func (t *Transfer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SentChunks returns how many chunks have been emitted so far.
func (t *Transfer) SentChunks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sentChunks
}

func (t *Transfer) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// chunk returns the base64 slice for the given index.
func (t *Transfer) chunk(index, chunkSize int) string {
	start := index * chunkSize
	end := start + chunkSize
	if end > len(t.encoded) {
		end = len(t.encoded)
	}
	return t.encoded[start:end]
}
