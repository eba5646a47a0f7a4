// Package transfer implements chunked attachment delivery over the
// message-oriented socket transport.
//
// An outbound transfer announces itself with send_file_start, waits for the
// server's file_upload_ready ack, then emits base64 chunks strictly in index
// order. There is no per-chunk acknowledgment; the size ceiling bounds the
// blast radius of a lost chunk. Inbound transfers are reassembled by index
// and validated against the declared byte size.
package transfer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hugodiniz/papo/internal/bus"
	"github.com/hugodiniz/papo/internal/config"
	"github.com/hugodiniz/papo/internal/roomkey"
	"github.com/hugodiniz/papo/internal/wire"
)

// ErrPayloadTooLarge is returned by Stage for files over the configured
// ceiling. The transfer never begins transmission.
var ErrPayloadTooLarge = errors.New("attachment exceeds maximum size")

// ErrTransferTimeout is returned when the server never acknowledged
// readiness for a staged transfer.
var ErrTransferTimeout = errors.New("timed out waiting for upload ready")

// ErrAborted is returned when a transfer was cancelled before its final
// chunk was emitted.
var ErrAborted = errors.New("transfer aborted")

// Publisher is the outbound side of the socket connection.
type Publisher interface {
	Send(event string, payload any)
}

// Received is a fully reassembled inbound attachment.
type Received struct {
	TransferID string
	Name       string
	Mime       string
	Room       roomkey.Key
	Data       []byte
}

// Engine runs outbound transfers and reassembles inbound ones.
type Engine struct {
	pub    Publisher
	bus    *bus.Bus
	logger *zap.Logger
	cfg    config.TransferConfig

	mu       sync.Mutex
	outgoing map[string]*Transfer
	incoming map[string]*assembly

	onReceived func(*Received)
}

// NewEngine creates a transfer engine publishing through pub.
func NewEngine(pub Publisher, b *bus.Bus, cfg config.TransferConfig, logger *zap.Logger) *Engine {
	return &Engine{
		pub:      pub,
		bus:      b,
		logger:   logger,
		cfg:      cfg,
		outgoing: make(map[string]*Transfer),
		incoming: make(map[string]*assembly),
	}
}

// OnReceived registers the callback invoked for each reassembled inbound
// attachment. Must be set before the engine starts handling inbound frames.
func (e *Engine) OnReceived(fn func(*Received)) {
	e.onReceived = fn
}

// Stage validates and prepares an outbound transfer. Files over the
// configured ceiling are rejected with ErrPayloadTooLarge before any
// transmission begins.
func (e *Engine) Stage(name, mime string, data []byte, room roomkey.Key) (*Transfer, error) {
	if int64(len(data)) > e.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes over %d ceiling", ErrPayloadTooLarge, len(data), e.cfg.MaxBytes)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	total := (len(encoded) + e.cfg.ChunkSize - 1) / e.cfg.ChunkSize
	if total == 0 {
		total = 1 // empty file still announces one (empty) chunk
	}

	t := &Transfer{
		ID:          uuid.NewString(),
		Name:        name,
		Mime:        mime,
		Size:        int64(len(data)),
		Room:        room,
		TotalChunks: total,
		encoded:     encoded,
		ready:       make(chan struct{}),
		errc:        make(chan error, 1),
		cancel:      make(chan struct{}),
		status:      StatusStaging,
	}

	e.mu.Lock()
	e.outgoing[t.ID] = t
	e.mu.Unlock()

	e.logger.Info("transfer staged",
		zap.String("transfer_id", t.ID),
		zap.String("name", name),
		zap.Int64("size", t.Size),
		zap.Int("chunks", total))
	return t, nil
}

// Begin announces the transfer, waits for the server's ready ack, then
// streams chunks in index order. done is called exactly once with nil on
// success or the terminal error. Begin returns immediately; the transfer
// runs on its own goroutine so no room's traffic blocks another's.
func (e *Engine) Begin(t *Transfer, done func(error)) {
	go e.transmit(t, done)
}

func (e *Engine) transmit(t *Transfer, done func(error)) {
	defer func() {
		e.mu.Lock()
		delete(e.outgoing, t.ID)
		e.mu.Unlock()
	}()

	e.pub.Send(wire.EventFileStart, wire.FileStart{
		TransferID:  t.ID,
		Name:        t.Name,
		Mime:        t.Mime,
		Size:        t.Size,
		Room:        t.Room,
		TotalChunks: t.TotalChunks,
	})

	timer := time.NewTimer(e.cfg.ReadyTimeout.Std())
	defer timer.Stop()
	select {
	case <-t.ready:
	case err := <-t.errc:
		e.fail(t, done, err)
		return
	case <-t.cancel:
		e.abort(t, done)
		return
	case <-timer.C:
		e.fail(t, done, ErrTransferTimeout)
		return
	}

	t.setStatus(StatusTransmitting)

	for i := 0; i < t.TotalChunks; i++ {
		select {
		case err := <-t.errc:
			e.fail(t, done, err)
			return
		case <-t.cancel:
			e.abort(t, done)
			return
		default:
		}

		e.pub.Send(wire.EventFileChunk, wire.FileChunk{
			TransferID: t.ID,
			Index:      i,
			Data:       t.chunk(i, e.cfg.ChunkSize),
		})
		t.mu.Lock()
		t.sentChunks = i + 1
		t.mu.Unlock()
	}

	t.setStatus(StatusCompleted)
	e.bus.Publish(bus.Event{Kind: bus.KindTransferCompleted, Timestamp: time.Now(), Payload: t.ID})
	e.logger.Info("transfer completed", zap.String("transfer_id", t.ID))
	done(nil)
}

// Cancel requests cancellation of an in-flight transfer. Cancellation after
// the final chunk has been emitted is a no-op: the server already holds the
// complete payload.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	t, ok := e.outgoing[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	fullySent := t.sentChunks == t.TotalChunks
	t.mu.Unlock()
	if fullySent {
		return
	}
	t.cancelOnce.Do(func() { close(t.cancel) })
}

// HandleReady processes a file_upload_ready ack from the server.
func (e *Engine) HandleReady(transferID string) {
	e.mu.Lock()
	t, ok := e.outgoing[transferID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-t.ready:
	default:
		close(t.ready)
	}
}

// HandleUploadError processes a file_upload_error from the server.
func (e *Engine) HandleUploadError(transferID, reason string) {
	e.mu.Lock()
	t, ok := e.outgoing[transferID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case t.errc <- fmt.Errorf("upload rejected: %s", reason):
	default:
	}
}

func (e *Engine) fail(t *Transfer, done func(error), err error) {
	t.setStatus(StatusFailed)
	e.bus.Publish(bus.Event{Kind: bus.KindTransferFailed, Timestamp: time.Now(), Payload: t.ID})
	e.logger.Warn("transfer failed", zap.String("transfer_id", t.ID), zap.Error(err))
	done(err)
}

func (e *Engine) abort(t *Transfer, done func(error)) {
	t.setStatus(StatusAborted)
	e.logger.Info("transfer aborted", zap.String("transfer_id", t.ID))
	done(ErrAborted)
}

// assembly collects the chunks of one inbound transfer.
type assembly struct {
	meta   wire.FileStart
	chunks []string
	filled []bool
	have   int
}

// HandleInboundStart registers an announced inbound transfer.
func (e *Engine) HandleInboundStart(fs *wire.FileStart) {
	if fs.TotalChunks <= 0 {
		return
	}
	e.mu.Lock()
	e.incoming[fs.TransferID] = &assembly{
		meta:   *fs,
		chunks: make([]string, fs.TotalChunks),
		filled: make([]bool, fs.TotalChunks),
	}
	e.mu.Unlock()
}

// HandleInboundChunk applies one chunk to its assembly. Chunks may arrive
// out of order; they are slotted by index and the payload is reassembled in
// index order once every slot is filled. The reassembled byte length must
// equal the declared size or the transfer is discarded.
func (e *Engine) HandleInboundChunk(c *wire.FileChunk) {
	e.mu.Lock()
	a, ok := e.incoming[c.TransferID]
	if !ok || c.Index < 0 || c.Index >= len(a.chunks) {
		e.mu.Unlock()
		return
	}
	if !a.filled[c.Index] {
		a.chunks[c.Index] = c.Data
		a.filled[c.Index] = true
		a.have++
	}
	complete := a.have == len(a.chunks)
	if complete {
		delete(e.incoming, c.TransferID)
	}
	e.mu.Unlock()

	if !complete {
		return
	}

	data, err := base64.StdEncoding.DecodeString(strings.Join(a.chunks, ""))
	if err != nil {
		e.logger.Warn("inbound transfer undecodable", zap.String("transfer_id", c.TransferID), zap.Error(err))
		return
	}
	if int64(len(data)) != a.meta.Size {
		e.logger.Warn("inbound transfer size mismatch",
			zap.String("transfer_id", c.TransferID),
			zap.Int64("declared", a.meta.Size),
			zap.Int("got", len(data)))
		return
	}

	e.bus.Publish(bus.Event{Kind: bus.KindTransferReceived, Timestamp: time.Now(), Payload: c.TransferID})
	if e.onReceived != nil {
		e.onReceived(&Received{
			TransferID: c.TransferID,
			Name:       a.meta.Name,
			Mime:       a.meta.Mime,
			Room:       a.meta.Room,
			Data:       data,
		})
	}
}
