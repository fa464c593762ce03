package handler

import (
	"net/http"
)

// ClientConfig — публичные параметры, которые нужны клиенту до авторизации.
type ClientConfig struct {
	MaxUploadSize   int64  `json:"max_upload_size"`
	ResponderUserID string `json:"responder_user_id,omitempty"`
	WSPath          string `json:"ws_path"`
}

// ConfigHandler отдаёт публичные параметры конфигурации.
type ConfigHandler struct {
	cfg ClientConfig
}

func NewConfigHandler(cfg ClientConfig) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

func (h *ConfigHandler) GetClientConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg)
}
