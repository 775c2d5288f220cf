package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/auditmarket/chat/internal/logger"
	"github.com/auditmarket/chat/internal/middleware"
	"github.com/auditmarket/chat/internal/model"
)

type SubscriptionStore interface {
	AddSubscription(ctx context.Context, userID string, sub model.PushSubscription) error
	RemoveSubscription(ctx context.Context, userID, endpoint string) error
}

type PushHandler struct {
	store SubscriptionStore
}

func NewPushHandler(store SubscriptionStore) *PushHandler {
	return &PushHandler{store: store}
}

// SubscribeRequest wraps what PushManager.subscribe() returned in the browser.
type SubscribeRequest struct {
	Subscription model.PushSubscription `json:"subscription"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !req.Subscription.Valid() {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	if err := h.store.AddSubscription(r.Context(), userID, req.Subscription); err != nil {
		logger.Errorf("push subscribe user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.store.RemoveSubscription(r.Context(), userID, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
