package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/service"
	"github.com/go-chi/chi/v5"
)

type UserHandler struct {
	svc *service.Service
}

func NewUserHandler(svc *service.Service) *UserHandler {
	return &UserHandler{svc: svc}
}

func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.Me(r.Context())
	if err != nil {
		writeServiceError(w, "user.Me", err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// SearchUsers: ?q= по имени или email; короче двух символов — пустой список.
func (h *UserHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.SearchUsers(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeServiceError(w, "user.Search", err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.OnlineUsers(r.Context())
	if err != nil {
		writeServiceError(w, "user.Online", err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) ListFriends(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.ListFriends(r.Context())
	if err != nil {
		writeServiceError(w, "user.ListFriends", err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) AddFriend(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.AddFriend(r.Context(), chi.URLParam(r, "userId")); err != nil {
		writeServiceError(w, "user.AddFriend", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *UserHandler) IsFriend(w http.ResponseWriter, r *http.Request) {
	ok, err := h.svc.IsFriend(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeServiceError(w, "user.IsFriend", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"is_friend": ok})
}

type EnsureUserRequest struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	AvatarRef string `json:"avatar"`
}

// EnsureUser регистрирует пользователя провайдера идентичности (внутренний вызов).
func (h *UserHandler) EnsureUser(w http.ResponseWriter, r *http.Request) {
	var req EnsureUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	u, err := h.svc.EnsureUser(r.Context(), &model.User{
		ID:        req.ID,
		Username:  req.Username,
		Email:     req.Email,
		AvatarRef: req.AvatarRef,
	})
	if err != nil {
		writeServiceError(w, "user.Ensure", err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
