package handler

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/auditmarket/chat/internal/fileserver"
	"github.com/auditmarket/chat/internal/logger"
	"github.com/auditmarket/chat/internal/middleware"
)

type participantChecker interface {
	IsParticipant(ctx context.Context, roomID, userID string) (bool, error)
}

type FileHandler struct {
	files   *fileserver.Service
	rooms   participantChecker
	maxSize int64
}

func NewFileHandler(files *fileserver.Service, rooms participantChecker, maxSize int64) *FileHandler {
	if maxSize <= 0 {
		maxSize = 20 << 20
	}
	return &FileHandler{files: files, rooms: rooms, maxSize: maxSize}
}

type FileUploadResponse struct {
	URL         string `json:"url"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	ContentType string `json:"contentType"`
}

// Upload takes multipart fields file and roomId. The caller must be a participant of roomId.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxSize)
	if err := r.ParseMultipartForm(h.maxSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || r.ContentLength > h.maxSize {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	roomID := r.FormValue("roomId")
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "roomId is required")
		return
	}
	userID := middleware.GetUserID(r.Context())
	ok, err := h.rooms.IsParticipant(r.Context(), roomID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	stored, err := h.files.Save(r.Context(), header.Filename, file)
	switch {
	case errors.Is(err, fileserver.ErrBlockedType), errors.Is(err, fileserver.ErrContentMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		if r.Context().Err() != nil {
			return
		}
		logger.Errorf("upload room=%s user=%s: %v", roomID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}

	writeJSON(w, http.StatusOK, FileUploadResponse{
		URL:         "/api/chat/files/" + stored.Name,
		FileName:    stored.DisplayName,
		FileSize:    stored.Size,
		ContentType: stored.ContentType,
	})
}

func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	h.files.Serve(w, r, filepath.Base(chi.URLParam(r, "filename")))
}
