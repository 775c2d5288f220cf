package middleware

import (
	"net/http"
	"strings"

	"github.com/auditmarket/chat/internal/logger"
	"github.com/auditmarket/chat/internal/model"
)

// Verifier checks a bearer token. *auth.Issuer implements it.
type Verifier interface {
	Verify(token string) (model.Profile, error)
}

// TokenAuth accepts "Authorization: Bearer <jwt>" or ?token= (browsers cannot
// set headers on a WebSocket handshake). If ?userId= is present it must match
// the token subject.
func TokenAuth(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			p, err := v.Verify(token)
			if err != nil {
				logger.Debugf("token auth rejected token=%s: %v", MaskToken(token), err)
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if uid := r.URL.Query().Get("userId"); uid != "" && uid != p.ID {
				http.Error(w, `{"error":"user mismatch"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), p.ID, p.DisplayName)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
