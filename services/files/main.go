// Отдельный процесс раздачи вложений: читает тот же UPLOAD_DIR, что и API, только на чтение.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/chatsync/internal/blob"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/middleware"
)

func main() {
	logger.SetPrefix("files")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	addr := os.Getenv("FILES_ADDR")
	if addr == "" {
		addr = ":8083"
	}
	logger.Infof("starting files service: upload_dir=%s", cfg.UploadDir)

	store := blob.New(cfg.UploadDir, cfg.MaxUploadSize)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get(blob.RefPrefix+"{filename}", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Serve(w, r, chi.URLParam(r, "filename")); err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				http.Error(w, `{"error":"file not found"}`, http.StatusNotFound)
				return
			}
			logger.Errorf("files serve: %v", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadTimeout: 15 * time.Second, WriteTimeout: 30 * time.Second}
	go func() {
		logger.Infof("fileserver listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("fileserver: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("fileserver shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("fileserver shutdown: %v", err)
	}
	logger.Info("fileserver stopped")
}
