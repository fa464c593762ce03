package handler

import (
	"net/http"
	"strings"

	"github.com/chatsync/internal/blob"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/service"
	"github.com/chatsync/internal/ws"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps собирает всё, что нужно маршрутам API.
type Deps struct {
	Service *service.Service
	Blobs   *blob.Store
	Hub     *ws.Hub
	WS      ws.Options

	// Identity кладёт пользователя в контекст (AuthServiceValidate, JWTIdentity или DevHeaderIdentity).
	Identity func(http.Handler) http.Handler
	// Limiter == nil отключает ограничение частоты.
	Limiter        *middleware.Limiter
	InternalSecret string
	AllowedOrigins string
	Client         ClientConfig
}

func NewRouter(d Deps) http.Handler {
	chatH := NewChatHandler(d.Service)
	msgH := NewMessageHandler(d.Service)
	userH := NewUserHandler(d.Service)
	fileH := NewFileHandler(d.Service, d.Blobs)
	wsH := NewWSHandler(d.Hub, d.AllowedOrigins, d.WS)
	configH := NewConfigHandler(d.Client)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(d.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Id", "X-Session-Id", "X-Timestamp", "X-Signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/config", configH.GetClientConfig)
	r.Get("/api/files/{filename}", fileH.Serve)

	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalOnly(d.InternalSecret))
		r.Post("/internal/users", userH.EnsureUser)
	})

	r.Group(func(r chi.Router) {
		r.Use(d.Identity)
		if d.Limiter != nil {
			r.Use(middleware.RateLimit(d.Limiter))
		}
		r.Get("/api/users/me", userH.GetProfile)
		r.Get("/api/users/search", userH.SearchUsers)
		r.Get("/api/users/online", userH.OnlineUsers)
		r.Get("/api/friends", userH.ListFriends)
		r.Post("/api/friends/{userId}", userH.AddFriend)
		r.Get("/api/friends/{userId}", userH.IsFriend)
		r.Get("/api/chats", chatH.ListChats)
		r.Post("/api/chats", chatH.CreateChat)
		r.Get("/api/chats/{chatId}", chatH.GetChat)
		r.Post("/api/chats/{chatId}/select", chatH.SelectChat)
		r.Post("/api/chats/{chatId}/typing", chatH.Typing)
		r.Get("/api/chats/{chatId}/messages", msgH.GetMessages)
		r.Post("/api/chats/{chatId}/messages", msgH.SendMessage)
		r.Post("/api/chats/{chatId}/files", fileH.Upload)
		r.Get("/ws", wsH.ServeWS)
	})
	return r
}

func splitOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
