package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hugodiniz/papo/internal/bus"
	"github.com/hugodiniz/papo/internal/conn"
	"github.com/hugodiniz/papo/internal/msglog"
	"github.com/hugodiniz/papo/internal/presence"
	"github.com/hugodiniz/papo/internal/rest"
	"github.com/hugodiniz/papo/internal/roomkey"
	"github.com/hugodiniz/papo/internal/status"
	"github.com/hugodiniz/papo/internal/store"
	"github.com/hugodiniz/papo/internal/transfer"
)

// Handler carries the daemon components the API surfaces.
type Handler struct {
	Machine   *status.Machine
	Conn      *conn.Manager
	Log       *msglog.Store
	Transfers *transfer.Engine
	Presence  *presence.Tracker
	Rest      *rest.Client
	Cache     *store.DB
	Bus       *bus.Bus
	Self      string
	Logger    *zap.Logger
}

// Routes builds the full router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.getStatus)
		r.Post("/login", h.postLogin)
		r.Post("/logout", h.postLogout)

		r.Get("/rooms", h.listRooms)
		r.Post("/rooms", h.joinRoom)
		r.Route("/rooms/{room}", func(r chi.Router) {
			r.Delete("/", h.leaveRoom)
			r.Post("/active", h.setActive)
			r.Get("/messages", h.listMessages)
			r.Post("/messages", h.sendMessage)
			r.Post("/attachments", h.sendAttachment)
			r.Get("/typing", h.getTyping)
			r.Post("/typing", h.postTyping)
			r.Delete("/typing", h.deleteTyping)
		})

		r.Post("/transfers/{id}/cancel", h.cancelTransfer)

		r.Get("/unread", h.getUnread)
		r.Get("/contacts", h.getContacts)

		r.Post("/groups", h.createGroup)
		r.Post("/groups/{id}/members/{uid}", h.addMember)
		r.Delete("/groups/{id}/members/{uid}", h.removeMember)

		r.Get("/events", h.streamEvents)
	})
	return r
}

type statusResponse struct {
	State    string   `json:"state"`
	Identity string   `json:"identity,omitempty"`
	Rooms    []string `json:"rooms"`
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	rooms := []string{}
	for _, k := range h.Conn.JoinedRooms() {
		rooms = append(rooms, string(k))
	}
	writeJSON(w, http.StatusOK, statusResponse{
		State:    string(h.Machine.Current()),
		Identity: h.Conn.Identity(),
		Rooms:    rooms,
	})
}

type loginRequest struct {
	Token string `json:"token"`
}

func (h *Handler) postLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, errors.New("token is required"))
		return
	}
	h.Rest.SetToken(req.Token)
	h.Conn.Connect(req.Token)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) postLogout(w http.ResponseWriter, r *http.Request) {
	h.Conn.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

type roomRecord struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	IsGroup bool   `json:"is_group"`
	Unread  int    `json:"unread"`
}

func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	cached, err := h.Cache.ListRooms(200, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	unread := h.Log.Unread()
	out := []roomRecord{}
	for _, c := range cached {
		out = append(out, roomRecord{
			Key:     c.Key,
			Name:    c.Name,
			IsGroup: c.IsGroup,
			Unread:  unread[roomkey.Key(c.Key)],
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type joinRequest struct {
	Peer    string `json:"peer,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

func (h *Handler) joinRoom(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var key roomkey.Key
	switch {
	case req.GroupID != "":
		key = roomkey.DeriveGroup(req.GroupID)
	case req.Peer != "":
		key = roomkey.Derive(h.Self, req.Peer)
	default:
		writeError(w, http.StatusBadRequest, errors.New("peer or group_id is required"))
		return
	}

	h.Conn.JoinRoom(key)
	writeJSON(w, http.StatusOK, map[string]string{"key": string(key)})
}

func (h *Handler) leaveRoom(w http.ResponseWriter, r *http.Request) {
	h.Conn.LeaveRoom(roomParam(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request) {
	h.Log.SetActiveRoom(roomParam(r))
	w.WriteHeader(http.StatusNoContent)
}

type messageRecord struct {
	ID         string            `json:"id,omitempty"`
	ClientID   string            `json:"client_id,omitempty"`
	Room       string            `json:"room"`
	Sender     string            `json:"sender"`
	Body       string            `json:"body,omitempty"`
	Attachment *attachmentRecord `json:"attachment,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Status     string            `json:"status"`
	Optimistic bool              `json:"optimistic,omitempty"`
}

type attachmentRecord struct {
	TransferID string `json:"transfer_id,omitempty"`
	Name       string `json:"name"`
	Mime       string `json:"mime"`
	Size       int64  `json:"size"`
}

func toRecord(m msglog.Message) messageRecord {
	rec := messageRecord{
		ID:         m.ID,
		ClientID:   m.ClientID,
		Room:       string(m.Room),
		Sender:     m.Sender,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
		Status:     string(m.Status),
		Optimistic: m.Optimistic,
	}
	if m.Attachment != nil {
		rec.Attachment = &attachmentRecord{
			TransferID: m.Attachment.TransferID,
			Name:       m.Attachment.Name,
			Mime:       m.Attachment.Mime,
			Size:       m.Attachment.Size,
		}
	}
	return rec
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	room := roomParam(r)

	// ?backfill=1 pulls stored history from the backend first; records
	// already in the log are absorbed by the dedup path.
	if r.URL.Query().Get("backfill") != "" {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		records, err := h.Rest.History(ctx, room)
		if err != nil {
			h.Logger.Warn("history backfill failed",
				zap.String("room", string(room)), zap.Error(err))
		} else {
			h.Log.ImportHistory(records)
		}
	}

	out := []messageRecord{}
	for _, m := range h.Log.Messages(room) {
		out = append(out, toRecord(m))
	}
	writeJSON(w, http.StatusOK, out)
}

type sendRequest struct {
	Body string `json:"body"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Body == "" {
		writeError(w, http.StatusBadRequest, errors.New("body is required"))
		return
	}
	room := roomParam(r)
	h.Presence.StopTyping(room)
	m := h.Log.SendText(room, req.Body)
	writeJSON(w, http.StatusAccepted, toRecord(m))
}

type attachmentRequest struct {
	Name    string `json:"name"`
	Mime    string `json:"mime"`
	Data    string `json:"data"` // base64
	Caption string `json:"caption,omitempty"`
}

func (h *Handler) sendAttachment(w http.ResponseWriter, r *http.Request) {
	var req attachmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("data is not valid base64"))
		return
	}

	m, err := h.Log.SendAttachment(roomParam(r), req.Name, req.Mime, data, req.Caption)
	if errors.Is(err, transfer.ErrPayloadTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toRecord(m))
}

func (h *Handler) cancelTransfer(w http.ResponseWriter, r *http.Request) {
	h.Transfers.Cancel(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getTyping(w http.ResponseWriter, r *http.Request) {
	users := h.Presence.Typing(roomParam(r))
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) postTyping(w http.ResponseWriter, r *http.Request) {
	h.Presence.NotifyTyping(roomParam(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteTyping(w http.ResponseWriter, r *http.Request) {
	h.Presence.StopTyping(roomParam(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getUnread(w http.ResponseWriter, r *http.Request) {
	out := map[string]int{}
	for k, v := range h.Log.Unread() {
		out[string(k)] = v
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.Rest.Contacts(r.Context(), h.Self)
	if err != nil {
		writeRestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

type createGroupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}

	group, err := h.Rest.CreateGroup(r.Context(), req.Name, req.Members)
	if err != nil {
		writeRestError(w, err)
		return
	}
	h.Conn.JoinRoom(group.Room())
	writeJSON(w, http.StatusCreated, group)
}

func (h *Handler) addMember(w http.ResponseWriter, r *http.Request) {
	err := h.Rest.AddMember(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "uid"))
	if err != nil {
		writeRestError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeMember(w http.ResponseWriter, r *http.Request) {
	err := h.Rest.RemoveMember(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "uid"))
	if err != nil {
		writeRestError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func roomParam(r *http.Request) roomkey.Key {
	return roomkey.Key(chi.URLParam(r, "room"))
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 32<<20))
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// writeRestError maps backend failures onto the local API: backend status
// codes pass through, transport errors become 502.
func writeRestError(w http.ResponseWriter, err error) {
	var se *rest.StatusError
	if errors.As(err, &se) {
		writeError(w, se.Code, err)
		return
	}
	writeError(w, http.StatusBadGateway, err)
}
