package middleware

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
	"github.com/go-chi/chi/v5"
)

// requestInfo заполняется ниже по цепочке: identity-middleware кладут сюда id вызывающего,
// потому что их контекст до RequestLog не доходит.
type requestInfo struct {
	userID string
}

type requestInfoKey struct{}

// noteCaller сообщает RequestLog, от чьего имени выполнен запрос.
func noteCaller(ctx context.Context, userID string) {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		info.userID = userID
	}
}

// responseWriter запоминает статус ответа и был ли он уже начат.
// Реализует http.Hijacker для поддержки WebSocket upgrade.
type responseWriter struct {
	http.ResponseWriter
	status   int
	wrote    bool
	hijacked bool
}

func wrapWriter(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wrote {
		return
	}
	w.status = code
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		w.hijacked = true
		w.wrote = true
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// RequestLog пишет method, path, статус, вызывающего и длительность (медленные и 5xx — всегда)
// и считает запросы по шаблону маршрута chi.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		info := &requestInfo{}
		ww := wrapWriter(w)
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))

		caller := info.userID
		if caller == "" {
			caller = "-"
		}
		line := fmt.Sprintf("http %s %s status=%d user=%s", r.Method, r.URL.Path, ww.status, caller)
		if ww.status >= http.StatusInternalServerError {
			logger.Errorf("%s duration_ms=%d", line, time.Since(start).Milliseconds())
		} else {
			logger.LogDuration(line, start)
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(ww.status)).Inc()
	})
}

// routePattern — шаблон маршрута ("/api/chats/{chatId}"), чтобы id не раздували кардинальность метрик.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
