package handler

import (
	"encoding/json"
	"net/http"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/service"
	"github.com/go-chi/chi/v5"
)

const maxPageSize = 100

type MessageHandler struct {
	svc *service.Service
}

func NewMessageHandler(svc *service.Service) *MessageHandler {
	return &MessageHandler{svc: svc}
}

type SendMessageRequest struct {
	Content string     `json:"content"`
	Kind    model.Kind `json:"kind"`
}

// GetMessages: ?after_seq= — курсор (seq последнего полученного), ?limit= — размер страницы.
// Без limit (или limit <= 0) возвращается весь остаток лога; явный limit ограничен maxPageSize.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	if limit < 0 {
		limit = 0
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	afterSeq := queryInt64(r, "after_seq", 0)

	msgs, err := h.svc.ListMessages(r.Context(), chi.URLParam(r, "chatId"), afterSeq, limit)
	if err != nil {
		writeServiceError(w, "message.List", err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	msg, err := h.svc.SendMessage(r.Context(), chi.URLParam(r, "chatId"), req.Content, req.Kind)
	if err != nil {
		writeServiceError(w, "message.Send", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
