package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/auditmarket/chat/internal/logger"
	"github.com/auditmarket/chat/internal/ws"
)

// errorResponse is the body of every failed API call. Code uses the same
// vocabulary as socket error frames so clients can share one switch.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode status=%d: %v", status, err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: errorCode(status)})
}

func errorCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return ws.CodeForbidden
	case http.StatusNotFound:
		return ws.CodeNotFound
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	}
	if status >= 500 {
		return ws.CodeInternal
	}
	return ws.CodeBadPayload
}

// queryLimit reads a page size, falling back to def when absent or
// unparsable and clamping to max.
func queryLimit(r *http.Request, key string, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
