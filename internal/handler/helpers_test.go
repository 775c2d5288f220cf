package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteError_CarriesCode(t *testing.T) {
	cases := []struct {
		status int
		body   string
	}{
		{http.StatusBadRequest, `{"error":"bad","code":"bad_payload"}`},
		{http.StatusUnauthorized, `{"error":"bad","code":"unauthorized"}`},
		{http.StatusForbidden, `{"error":"bad","code":"forbidden"}`},
		{http.StatusNotFound, `{"error":"bad","code":"not_found"}`},
		{http.StatusRequestEntityTooLarge, `{"error":"bad","code":"too_large"}`},
		{http.StatusInternalServerError, `{"error":"bad","code":"internal"}`},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, tc.status, "bad")
		assert.Equal(t, tc.status, rec.Code)
		assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.JSONEq(t, tc.body, rec.Body.String(), "status %d", tc.status)
	}
}

func TestQueryLimit(t *testing.T) {
	cases := map[string]int{
		"":           50,
		"?limit=20":  20,
		"?limit=0":   50,
		"?limit=-3":  50,
		"?limit=abc": 50,
		"?limit=500": 100,
	}
	for q, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/api/chat/rooms/r1/messages"+q, nil)
		assert.Equal(t, want, queryLimit(r, "limit", 50, 100), q)
	}
}
