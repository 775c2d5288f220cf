package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/auditmarket/chat/internal/middleware"
	"github.com/auditmarket/chat/internal/model"
	"github.com/auditmarket/chat/internal/repository"
)

type ReactionRepo interface {
	Grouped(ctx context.Context, messageID string) ([]model.ReactionGroup, error)
}

type messageGetter interface {
	GetByID(ctx context.Context, id string) (*model.ChatMessage, error)
}

type MessageHandler struct {
	msgs      messageGetter
	rooms     RoomRepo
	reactions ReactionRepo
}

func NewMessageHandler(msgs messageGetter, rooms RoomRepo, reactions ReactionRepo) *MessageHandler {
	return &MessageHandler{msgs: msgs, rooms: rooms, reactions: reactions}
}

// GetReactions returns per-emoji counts for a message in a room the caller belongs to.
func (h *MessageHandler) GetReactions(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	msg, err := h.msgs.GetByID(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get message")
		return
	}
	ok, err := h.rooms.IsParticipant(r.Context(), msg.RoomID, middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}
	groups, err := h.reactions.Grouped(r.Context(), messageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get reactions")
		return
	}
	if groups == nil {
		groups = []model.ReactionGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}
