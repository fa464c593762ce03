package handler

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"

	"github.com/chatsync/internal/blob"
	"github.com/chatsync/internal/service"
	"github.com/go-chi/chi/v5"
)

// multipartOverhead — запас на заголовки multipart сверх лимита файла.
const multipartOverhead = 1 << 20

type FileHandler struct {
	svc     *service.Service
	blobs   *blob.Store
	maxSize int64
}

func NewFileHandler(svc *service.Service, blobs *blob.Store) *FileHandler {
	return &FileHandler{svc: svc, blobs: blobs, maxSize: blobs.MaxSize}
}

// Upload принимает multipart с полем file и отправляет его в чат сообщением image|file.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxSize+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart body expected")
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, "file is required")
			return
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "file too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}
		msg, err := h.svc.SendFileMessage(r.Context(), chi.URLParam(r, "chatId"), part.FileName(), part)
		part.Close()
		if err != nil {
			if errors.Is(err, blob.ErrTooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "file too large")
				return
			}
			writeServiceError(w, "file.Upload", err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
		return
	}
}

func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(chi.URLParam(r, "filename"))
	if err := h.blobs.Serve(w, r, filename); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		writeServiceError(w, "file.Serve", err)
	}
}
