package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
)

// writeJSONError отдаёт {"error": msg} с нужным статусом.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// RecoverJSON при панике в handler логирует её со стеком и отдаёт клиенту JSON 500,
// если ответ ещё не начат. http.ErrAbortHandler пробрасывается дальше: им net/http обрывает соединение.
func RecoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := wrapWriter(w)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			metrics.HTTPPanics.Inc()
			logger.Errorf("panic recovered: %s %s: %v", r.Method, r.URL.Path, rec)
			logger.Debugf("panic stack: %s", debug.Stack())
			if !ww.wrote && !ww.hijacked {
				writeJSONError(ww, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(ww, r)
	})
}
