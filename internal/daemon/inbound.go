package daemon

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hugodiniz/papo/internal/conn"
	"github.com/hugodiniz/papo/internal/msglog"
	"github.com/hugodiniz/papo/internal/presence"
	"github.com/hugodiniz/papo/internal/roomkey"
	"github.com/hugodiniz/papo/internal/store"
	"github.com/hugodiniz/papo/internal/transfer"
	"github.com/hugodiniz/papo/internal/wire"
)

// inboundRouter fans server events out to the daemon components and mirrors
// confirmed messages into the cache.
type inboundRouter struct {
	manager *conn.Manager
	engine  *transfer.Engine
	log     *msglog.Store
	tracker *presence.Tracker
	cache   *store.DB
	logger  *zap.Logger

	unsubs []func()
}

func newInboundRouter(manager *conn.Manager, engine *transfer.Engine, log *msglog.Store, tracker *presence.Tracker, cache *store.DB, logger *zap.Logger) *inboundRouter {
	return &inboundRouter{
		manager: manager,
		engine:  engine,
		log:     log,
		tracker: tracker,
		cache:   cache,
		logger:  logger,
	}
}

func (r *inboundRouter) register() {
	sub := func(event string, h conn.Handler) {
		r.unsubs = append(r.unsubs, r.manager.Subscribe(event, h))
	}

	sub(wire.EventReceiveMessage, func(evt *wire.InboundEvent) {
		if evt.Message == nil {
			return
		}
		r.log.OnInbound(evt.Message)
		r.persist(evt.Message)
	})
	sub(wire.EventFileUploadReady, func(evt *wire.InboundEvent) {
		r.engine.HandleReady(evt.TransferID)
	})
	sub(wire.EventFileUploadError, func(evt *wire.InboundEvent) {
		r.engine.HandleUploadError(evt.TransferID, evt.Reason)
	})
	sub(wire.EventFileStart, func(evt *wire.InboundEvent) {
		if evt.FileStart != nil {
			r.engine.HandleInboundStart(evt.FileStart)
		}
	})
	sub(wire.EventFileChunk, func(evt *wire.InboundEvent) {
		if evt.Chunk != nil {
			r.engine.HandleInboundChunk(evt.Chunk)
		}
	})
	sub(wire.EventTyping, func(evt *wire.InboundEvent) {
		r.tracker.OnRemoteTyping(evt.Room, evt.User)
	})
	sub(wire.EventStopTyping, func(evt *wire.InboundEvent) {
		r.tracker.OnRemoteStop(evt.Room, evt.User)
	})
}

func (r *inboundRouter) unregister() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}

// persist mirrors a confirmed message into the local cache. Cache failures
// are logged and swallowed; the in-memory log stays authoritative.
func (r *inboundRouter) persist(in *wire.InboundMessage) {
	if in.ID == "" {
		return
	}
	m := &store.Message{
		RoomKey:   string(in.Room),
		MsgID:     in.ID,
		Sender:    in.Sender,
		Body:      in.Body,
		Status:    in.Status,
		Timestamp: in.CreatedAt.UnixMilli(),
	}
	if in.Attachment != nil {
		m.AttachmentName = in.Attachment.Name
		m.AttachmentMime = in.Attachment.Mime
		m.AttachmentSize = in.Attachment.Size
	}
	if err := r.cache.UpsertMessage(m); err != nil {
		r.logger.Warn("cache message upsert failed", zap.Error(err))
		return
	}

	room := &store.Room{
		Key:                string(in.Room),
		IsGroup:            roomkey.IsGroup(in.Room),
		LastMessageAt:      in.CreatedAt.UnixMilli(),
		LastMessagePreview: preview(in),
		UnreadCount:        r.log.Unread()[in.Room],
	}
	if err := r.cache.UpsertRoom(room); err != nil {
		r.logger.Warn("cache room upsert failed", zap.Error(err))
	}
}

func preview(in *wire.InboundMessage) string {
	if in.Body != "" {
		return in.Body
	}
	if in.Attachment != nil {
		return in.Attachment.Name
	}
	return ""
}

// saveReceived writes a completed inbound transfer under the session's
// downloads directory.
func saveReceived(dir string, logger *zap.Logger) func(*transfer.Received) {
	return func(rc *transfer.Received) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("create downloads dir", zap.Error(err))
			return
		}
		path := filepath.Join(dir, filepath.Base(rc.Name))
		if err := os.WriteFile(path, rc.Data, 0o644); err != nil {
			logger.Error("write received file",
				zap.String("path", path), zap.Error(err))
			return
		}
		logger.Info("file received",
			zap.String("path", path),
			zap.String("room", string(rc.Room)),
			zap.Int("bytes", len(rc.Data)))
	}
}
