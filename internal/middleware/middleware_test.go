package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chatsync/internal/metrics"
	"github.com/chatsync/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type users map[string]*model.User

func (u users) GetUser(_ context.Context, id string) (*model.User, error) {
	if v, ok := u[id]; ok {
		return v, nil
	}
	return nil, model.ErrUserNotFound
}

var testUsers = users{"u1": {ID: "u1", Username: "alice"}}

// echo отвечает id пользователя из контекста.
var echo = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(GetUserID(r.Context())))
})

func TestDevHeaderIdentity(t *testing.T) {
	h := DevHeaderIdentity(testUsers)(echo)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-Id", "u1")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?user_id=u1", nil))
	assert.Equal(t, "u1", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-Id", "ghost")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTIdentity(t *testing.T) {
	key := []byte("secret")
	h := JWTIdentity("secret", testUsers)(echo)

	valid, err := SignToken("u1", key, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	require.NoError(t, err)
	expired, err := SignToken("u1", key, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))})
	require.NoError(t, err)
	foreign, err := SignToken("u1", []byte("other"), jwt.RegisteredClaims{})
	require.NoError(t, err)

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		target string
		status int
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+valid) }, "/", http.StatusOK},
		{"query", func(*http.Request) {}, "/?token=" + valid, http.StatusOK},
		{"missing", func(*http.Request) {}, "/", http.StatusUnauthorized},
		{"expired", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) }, "/", http.StatusUnauthorized},
		{"wrong key", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+foreign) }, "/", http.StatusUnauthorized},
		{"not bearer", func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }, "/", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, "u1", rec.Body.String())
			}
		})
	}
}

func TestAuthServiceValidate(t *testing.T) {
	var got map[string]string
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/validate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got["session_id"] != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"user_id": "u1"})
	}))
	defer auth.Close()

	h := AuthServiceValidate(auth.URL, auth.Client(), testUsers)(echo)

	req := httptest.NewRequest(http.MethodPost, "/api/chats", strings.NewReader(`{"a":1}`))
	req.Header.Set("X-Session-Id", "good")
	req.Header.Set("X-Timestamp", "1")
	req.Header.Set("X-Signature", "sig")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", rec.Body.String())
	assert.Equal(t, "/api/chats", got["path"])
	assert.Equal(t, `{"a":1}`, got["body"])

	req = httptest.NewRequest(http.MethodGet, "/api/chats?session_id=bad&timestamp=1&signature=s", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimit(t *testing.T) {
	l := NewLimiter(0.001, 2)
	h := RateLimit(l)(echo)

	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Real-Ip", ip)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2"))

	l.sweep(time.Now().Add(2 * limiterTTL))
	assert.Equal(t, 0, l.Len())
}

func TestInternalOnly(t *testing.T) {
	h := InternalOnly("s3cret")(echo)

	do := func(remote, secret string) int {
		req := httptest.NewRequest(http.MethodPost, "/internal/users", nil)
		req.RemoteAddr = remote
		if secret != "" {
			req.Header.Set("X-Internal-Secret", secret)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, do("127.0.0.1:5000", ""))
	assert.Equal(t, http.StatusOK, do("10.1.2.3:5000", ""))
	assert.Equal(t, http.StatusForbidden, do("8.8.8.8:5000", ""))
	assert.Equal(t, http.StatusOK, do("8.8.8.8:5000", "s3cret"))
}

func TestRecoverJSON(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestRecoverJSON_AfterWriteKeepsResponse(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("partial"))
		panic("boom")
	}))
	before := testutil.ToFloat64(metrics.HTTPPanics)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.HTTPPanics))
}

func TestRecoverJSON_AbortHandlerPropagates(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic(http.ErrAbortHandler) }))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestRequestLog_CallerStatusAndRoute(t *testing.T) {
	var seen string
	r := chi.NewRouter()
	r.Use(RecoverJSON)
	r.Use(RequestLog)
	r.With(DevHeaderIdentity(testUsers)).Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
			seen = info.userID
		}
		w.WriteHeader(http.StatusTeapot)
	})

	counter := metrics.HTTPRequests.WithLabelValues(http.MethodGet, "/items/{id}", "418")
	before := testutil.ToFloat64(counter)

	req := httptest.NewRequest(http.MethodGet, "/items/42", nil)
	req.Header.Set("X-User-Id", "u1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "u1", seen)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))

	unauth := metrics.HTTPRequests.WithLabelValues(http.MethodGet, "/items/{id}", "401")
	before = testutil.ToFloat64(unauth)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/42", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
	assert.Equal(t, before+1, testutil.ToFloat64(unauth))
}

func TestMaskSessionID(t *testing.T) {
	assert.Equal(t, "****", maskSessionID(" abc "))
	assert.Equal(t, "abcd***", maskSessionID("abcdef123"))
}
