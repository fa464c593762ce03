package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/service"
)

// AuthServiceValidate вызывает микросервис авторизации для проверки сессии (X-Session-Id, X-Timestamp, X-Signature)
// и кладёт найденного пользователя в контекст запроса.
func AuthServiceValidate(authServiceURL string, client *http.Client, users UserLoader) func(http.Handler) http.Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	authServiceURL = strings.TrimRight(authServiceURL, "/")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := headerOrQuery(r, "X-Session-Id", "session_id")
			timestamp := headerOrQuery(r, "X-Timestamp", "timestamp")
			signature := headerOrQuery(r, "X-Signature", "signature")
			if sessionID == "" || timestamp == "" || signature == "" {
				unauthorized(w)
				return
			}
			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(r.Body)
				if err != nil {
					writeJSONError(w, http.StatusBadRequest, "bad request")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
			bodyForSignature := string(body)
			// Клиент подписывает FormData/multipart запросы с пустым телом — при проверке используем пустое тело.
			if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
				bodyForSignature = ""
			}
			reqBody := map[string]string{
				"session_id": sessionID,
				"timestamp":  timestamp,
				"signature":  signature,
				"method":     r.Method,
				"path":       r.URL.Path,
				"body":       bodyForSignature,
			}
			jsonBody, _ := json.Marshal(reqBody)
			req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, authServiceURL+"/internal/validate", bytes.NewReader(jsonBody))
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "internal")
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				logger.Errorf("auth validate session=%s: %v", maskSessionID(sessionID), err)
				unauthorized(w)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				unauthorized(w)
				return
			}
			var result struct {
				UserID string `json:"user_id"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.UserID == "" {
				unauthorized(w)
				return
			}
			serveAs(w, r, next, users, result.UserID)
		})
	}
}

// serveAs loads userID and continues the chain with the user bound to the context.
func serveAs(w http.ResponseWriter, r *http.Request, next http.Handler, users UserLoader, userID string) {
	u, err := users.GetUser(r.Context(), userID)
	if err != nil {
		if !errors.Is(err, model.ErrUserNotFound) {
			logger.Errorf("auth load user=%s: %v", userID, err)
		}
		unauthorized(w)
		return
	}
	noteCaller(r.Context(), u.ID)
	next.ServeHTTP(w, r.WithContext(service.WithUser(r.Context(), u)))
}

func headerOrQuery(r *http.Request, header, query string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(query)
}

func unauthorized(w http.ResponseWriter) {
	writeJSONError(w, http.StatusUnauthorized, "unauthorized")
}

// maskSessionID оставляет в логах только префикс session_id.
func maskSessionID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
