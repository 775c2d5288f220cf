package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/auditmarket/chat/internal/logger"
	"github.com/auditmarket/chat/internal/model"
)

type TokenIssuer interface {
	Issue(p model.Profile) (string, error)
}

// TokenHandler lets the marketplace backend obtain chat tokens for its users.
// It is mounted behind middleware.InternalOnly.
type TokenHandler struct {
	issuer TokenIssuer
}

func NewTokenHandler(issuer TokenIssuer) *TokenHandler {
	return &TokenHandler{issuer: issuer}
}

type MintRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

func (h *TokenHandler) Mint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	token, err := h.issuer.Issue(model.Profile{ID: req.UserID, DisplayName: strings.TrimSpace(req.DisplayName)})
	if err != nil {
		logger.Errorf("mint token user=%s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
