package handler

import (
	"encoding/json"
	"net/http"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/service"
	"github.com/go-chi/chi/v5"
)

type ChatHandler struct {
	svc *service.Service
}

func NewChatHandler(svc *service.Service) *ChatHandler {
	return &ChatHandler{svc: svc}
}

type CreateChatRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	IsGroup        bool     `json:"is_group"`
	Name           string   `json:"name"`
}

// ListChats — все чаты пользователя, последние активные первыми.
func (h *ChatHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.svc.ListChats(r.Context())
	if err != nil {
		writeServiceError(w, "chat.List", err)
		return
	}
	if chats == nil {
		chats = []model.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	chat, err := h.svc.CreateChat(r.Context(), req.ParticipantIDs, req.IsGroup, req.Name)
	if err != nil {
		writeServiceError(w, "chat.Create", err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := h.svc.GetChat(r.Context(), chi.URLParam(r, "chatId"))
	if err != nil {
		writeServiceError(w, "chat.Get", err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// SelectChat помечает чат открытым: сбрасывает непрочитанные и возвращает весь лог.
func (h *ChatHandler) SelectChat(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.SelectChat(r.Context(), chi.URLParam(r, "chatId"))
	if err != nil {
		writeServiceError(w, "chat.Select", err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *ChatHandler) Typing(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Typing(r.Context(), chi.URLParam(r, "chatId")); err != nil {
		writeServiceError(w, "chat.Typing", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
