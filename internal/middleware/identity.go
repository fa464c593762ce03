package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTIdentity принимает HS256 токен (Authorization: Bearer или ?token= для WebSocket); sub — id пользователя.
func JWTIdentity(secret string, users UserLoader) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				unauthorized(w)
				return
			}
			userID, err := ParseToken(raw, key)
			if err != nil {
				unauthorized(w)
				return
			}
			serveAs(w, r, next, users, userID)
		})
	}
}

// ParseToken проверяет подпись и срок действия и возвращает subject.
func ParseToken(raw string, key []byte) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Subject == "" {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

// SignToken выдаёт токен для userID (dev-режим и тесты).
func SignToken(userID string, key []byte, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = userID
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// DevHeaderIdentity доверяет заголовку X-User-Id (или ?user_id=). Только для dev/memory режима.
func DevHeaderIdentity(users UserLoader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(headerOrQuery(r, "X-User-Id", "user_id"))
			if userID == "" {
				unauthorized(w)
				return
			}
			serveAs(w, r, next, users, userID)
		})
	}
}
