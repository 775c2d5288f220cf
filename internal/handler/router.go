package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/auditmarket/chat/internal/middleware"
)

// RouterDeps is everything the relay routes need.
type RouterDeps struct {
	Verifier       middleware.Verifier
	AllowedOrigins string
	InternalSecret string
	RateByIP       middleware.RateConfig
	RateByUser     middleware.RateConfig

	Rooms    *RoomHandler
	Messages *MessageHandler
	Files    *FileHandler
	Push     *PushHandler
	Config   *ConfigHandler
	Tokens   *TokenHandler
	WS       *WSHandler
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(d.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/chat/config", d.Config.Get)
	// file names are random UUIDs
	r.Get("/api/chat/files/{filename}", d.Files.Serve)

	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalOnly(d.InternalSecret))
		r.Post("/internal/tokens", d.Tokens.Mint)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.TokenAuth(d.Verifier))
		r.Get("/ws/chat", d.WS.ServeWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(d.RateByIP, d.RateByUser))
			r.Get("/api/rooms", d.Rooms.List)
			r.Post("/api/rooms", d.Rooms.Create)
			r.Get("/api/rooms/{id}", d.Rooms.Get)
			r.Post("/api/rooms/{id}/archive", d.Rooms.Archive)
			r.Post("/api/rooms/{id}/read", d.Rooms.MarkRead)
			r.Get("/api/rooms/{id}/messages", d.Rooms.Messages)
			r.Get("/api/messages/{messageId}/reactions", d.Messages.GetReactions)
			r.Post("/api/chat/upload", d.Files.Upload)
			r.Post("/api/push/subscribe", d.Push.Subscribe)
			r.Delete("/api/push/subscribe", d.Push.Unsubscribe)
		})
	})
	return r
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
