package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/auditmarket/chat/internal/logger"
	"github.com/auditmarket/chat/internal/middleware"
	"github.com/auditmarket/chat/internal/model"
	"github.com/auditmarket/chat/internal/repository"
)

type RoomRepo interface {
	Create(ctx context.Context, room *model.ChatRoom) error
	GetByID(ctx context.Context, id string) (*model.ChatRoom, error)
	ListForUser(ctx context.Context, userID string, includeArchived bool) ([]model.ChatRoom, error)
	SetArchived(ctx context.Context, roomID string, archived bool) error
	IsParticipant(ctx context.Context, roomID, userID string) (bool, error)
	MarkRead(ctx context.Context, roomID, userID string, at time.Time) error
}

type MessageRepo interface {
	ListByRoom(ctx context.Context, roomID string, limit int, before time.Time) ([]model.ChatMessage, error)
	Last(ctx context.Context, roomID string) (*model.ChatMessage, error)
}

type RoomHandler struct {
	rooms RoomRepo
	msgs  MessageRepo
}

func NewRoomHandler(rooms RoomRepo, msgs MessageRepo) *RoomHandler {
	return &RoomHandler{rooms: rooms, msgs: msgs}
}

type CreateRoomRequest struct {
	Name         string         `json:"name"`
	Type         model.RoomType `json:"type"`
	Participants []string       `json:"participants"`
}

// List returns the caller's rooms, most recently active first. ?archived=true includes archived rooms.
func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	rooms, err := h.rooms.ListForUser(r.Context(), userID, r.URL.Query().Get("archived") == "true")
	if err != nil {
		logger.Errorf("list rooms user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}
	for i := range rooms {
		if err := h.attachLast(r.Context(), &rooms[i]); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list rooms")
			return
		}
	}
	if rooms == nil {
		rooms = []model.ChatRoom{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (h *RoomHandler) attachLast(ctx context.Context, room *model.ChatRoom) error {
	last, err := h.msgs.Last(ctx, room.ID)
	if err != nil {
		logger.Errorf("last message room=%s: %v", room.ID, err)
		return err
	}
	room.LastMessage = last
	return nil
}

func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID := middleware.GetUserID(r.Context())
	if req.Type == "" {
		req.Type = model.RoomTypeGroup
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, "type must be direct, group or audit")
		return
	}
	participants := lo.Uniq(append([]string{userID}, lo.Compact(lo.Map(req.Participants, func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))...))
	if req.Type == model.RoomTypeDirect && len(participants) != 2 {
		writeError(w, http.StatusBadRequest, "direct room needs exactly one other participant")
		return
	}
	if len(participants) < 2 {
		writeError(w, http.StatusBadRequest, "at least one other participant is required")
		return
	}

	room := &model.ChatRoom{
		ID:           uuid.New().String(),
		Name:         strings.TrimSpace(req.Name),
		Type:         req.Type,
		Participants: participants,
		CreatedBy:    userID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.rooms.Create(r.Context(), room); err != nil {
		logger.Errorf("create room user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to create room")
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if !h.requireParticipant(w, r, roomID) {
		return
	}
	room, err := h.rooms.GetByID(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get room")
		return
	}
	if err := h.attachLast(r.Context(), room); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get room")
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// Archive sets the archived flag. The body {"archived": false} unarchives; an empty body archives.
func (h *RoomHandler) Archive(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if !h.requireParticipant(w, r, roomID) {
		return
	}
	req := struct {
		Archived *bool `json:"archived"`
	}{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	archived := req.Archived == nil || *req.Archived
	if err := h.rooms.SetArchived(r.Context(), roomID, archived); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to archive room")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"archived": archived})
}

// Messages returns history oldest first. ?before=<RFC3339> pages backwards, ?limit caps at 100.
// Reading history marks the room read.
func (h *RoomHandler) Messages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())
	if !h.requireParticipant(w, r, roomID) {
		return
	}

	limit := queryLimit(r, "limit", 50, 100)
	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be RFC3339")
			return
		}
		before = t
	}

	msgs, err := h.msgs.ListByRoom(r.Context(), roomID, limit, before)
	if err != nil {
		logger.Errorf("list messages room=%s: %v", roomID, err)
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	msgs = lo.Reverse(msgs)
	for i := range msgs {
		if msgs[i].Reactions == nil {
			msgs[i].Reactions = []model.ChatReaction{}
		}
	}
	if before.IsZero() {
		if err := h.rooms.MarkRead(r.Context(), roomID, userID, time.Now().UTC()); err != nil {
			logger.Errorf("mark read room=%s user=%s: %v", roomID, userID, err)
		}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// MarkRead resets the caller's unread count for the room.
func (h *RoomHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if !h.requireParticipant(w, r, roomID) {
		return
	}
	if err := h.rooms.MarkRead(r.Context(), roomID, middleware.GetUserID(r.Context()), time.Now().UTC()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mark as read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *RoomHandler) requireParticipant(w http.ResponseWriter, r *http.Request, roomID string) bool {
	ok, err := h.rooms.IsParticipant(r.Context(), roomID, middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant")
		return false
	}
	return true
}
