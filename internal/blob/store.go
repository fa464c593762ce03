// Package blob хранит вложения на диске и отдаёт по ним непрозрачную ссылку.
// В сообщение попадает только ссылка, сами байты в лог сообщений не пишутся.
package blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/google/uuid"
)

// RefPrefix — префикс ссылки, по которой вложение раздаётся через Serve.
const RefPrefix = "/api/files/"

// Блокируем только опасные расширения (исполняемые/скрипты). Остальные — разрешены.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
}

var imageExt = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".heic": true,
}

var (
	ErrTooLarge   = fmt.Errorf("%w: file too large", model.ErrInvalidMessage)
	ErrBlocked    = fmt.Errorf("%w: file type not allowed", model.ErrInvalidMessage)
	ErrBadContent = fmt.Errorf("%w: file content does not match type", model.ErrInvalidMessage)
	ErrNotFound   = errors.New("file not found")
)

// Store — каталог с загруженными файлами (gzip на диске).
type Store struct {
	Dir     string
	MaxSize int64
}

// New создаёт хранилище с заданным каталогом и лимитом размера (в байтах).
func New(dir string, maxSize int64) *Store {
	return &Store{Dir: dir, MaxSize: maxSize}
}

// Save сохраняет содержимое r и возвращает ссылку и вид сообщения (image или file).
func (s *Store) Save(ctx context.Context, fileName string, r io.Reader) (string, model.Kind, error) {
	// В ряде клиентов/прокси пробел в имени кодируется как "+"; нормализуем для расширения.
	rawName := strings.ReplaceAll(fileName, "+", " ")
	ext := strings.ToLower(filepath.Ext(rawName))
	if BlockedExt[ext] {
		return "", "", ErrBlocked
	}

	// читаем на байт больше лимита, чтобы отличить "ровно лимит" от "больше"
	limited := io.LimitReader(r, s.MaxSize+1)
	head := make([]byte, 512)
	n, err := io.ReadAtLeast(limited, head, len(head))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", "", fmt.Errorf("blob.Save read: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return "", "", fmt.Errorf("%w: empty file", model.ErrInvalidMessage)
	}
	if !matchMagic(ext, head) {
		return "", "", ErrBadContent
	}

	newName := uuid.New().String() + ext
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", "", fmt.Errorf("blob.Save mkdir: %w", err)
	}

	// Сохраняем в сжатом виде (.gz) для экономии места
	dstPath := filepath.Join(s.Dir, newName+".gz")
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", "", fmt.Errorf("blob.Save create: %w", err)
	}
	cw := &countingWriter{}
	gz := gzip.NewWriter(io.MultiWriter(dst, cw))
	fail := func(err error) (string, model.Kind, error) {
		gz.Close()
		dst.Close()
		os.Remove(dstPath)
		return "", "", err
	}
	written, err := gz.Write(head)
	if err != nil {
		return fail(fmt.Errorf("blob.Save write: %w", err))
	}
	copied, err := copyWithContext(ctx, gz, limited)
	if err != nil {
		return fail(err)
	}
	if int64(written)+copied > s.MaxSize {
		return fail(ErrTooLarge)
	}
	if err := gz.Close(); err != nil {
		return fail(fmt.Errorf("blob.Save gzip: %w", err))
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return "", "", fmt.Errorf("blob.Save close: %w", err)
	}
	logger.Debugf("blob saved name=%s size=%d stored=%d", newName, int64(written)+copied, cw.n)

	return RefPrefix + newName, kindOf(ext, head), nil
}

// kindOf: изображение по расширению или по сигнатуре, иначе файл.
func kindOf(ext string, head []byte) model.Kind {
	if imageExt[ext] {
		return model.KindImage
	}
	if strings.HasPrefix(http.DetectContentType(head), "image/") {
		return model.KindImage
	}
	return model.KindFile
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".pdf":
		return len(head) >= 5 && bytes.Equal(head[:5], []byte("%PDF-"))
	case ".docx":
		return len(head) >= 4 && head[0] == 0x50 && head[1] == 0x4B && (head[2] == 0x03 || head[2] == 0x05) && head[3] == 0x04
	}
	return true
}

// Serve отдаёт файл по имени (разархивирует при отдаче); query name= — оригинальное имя для Content-Disposition.
func (s *Store) Serve(w http.ResponseWriter, r *http.Request, filename string) error {
	filename = filepath.Base(filename)
	f, err := os.Open(filepath.Join(s.Dir, filename+".gz"))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("blob.Serve open: %w", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("blob.Serve gzip: %w", err)
	}
	defer gz.Close()

	if ct := contentTypeByExt(filepath.Ext(filename)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if origName := r.URL.Query().Get("name"); origName != "" {
		origName = strings.TrimSpace(strings.ReplaceAll(origName, "+", " "))
		if safe := SafeFilename(origName); safe != "" {
			w.Header().Set("Content-Disposition", "attachment; filename*=UTF-8''"+url.QueryEscape(safe))
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, gz); err != nil {
		logger.Errorf("blob serve %s: %v", filename, err)
	}
	return nil
}

func contentTypeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	}
	return ""
}

// SafeFilename оставляет имя файла безопасным для Content-Disposition (без управляющих символов и кавычек).
// Поддерживается UTF-8, чтобы сохранять кириллицу и другие языки.
func SafeFilename(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, fmt.Errorf("upload cancelled: %w", ctx.Err())
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("write: %w", err)
			}
			total += int64(n)
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("read: %w", readErr)
		}
	}
}
