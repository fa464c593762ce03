package blob

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chatsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func TestSave_ImageRoundTrip(t *testing.T) {
	s := New(t.TempDir(), 1024)
	payload := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, 100)...)

	ref, kind, err := s.Save(context.Background(), "photo.png", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, model.KindImage, kind)
	require.True(t, strings.HasPrefix(ref, RefPrefix))
	assert.True(t, strings.HasSuffix(ref, ".png"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", ref+"?name=photo.png", nil)
	require.NoError(t, s.Serve(rec, req, strings.TrimPrefix(ref, RefPrefix)))
	assert.Equal(t, payload, rec.Body.Bytes())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "photo.png")
}

func TestSave_PlainFile(t *testing.T) {
	s := New(t.TempDir(), 1024)
	_, kind, err := s.Save(context.Background(), "notes.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, model.KindFile, kind)
}

func TestSave_Rejects(t *testing.T) {
	s := New(t.TempDir(), 16)
	ctx := context.Background()

	_, _, err := s.Save(ctx, "run.sh", strings.NewReader("echo"))
	assert.ErrorIs(t, err, ErrBlocked)
	assert.ErrorIs(t, err, model.ErrInvalidMessage)

	_, _, err = s.Save(ctx, "big.txt", strings.NewReader(strings.Repeat("x", 17)))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, _, err = s.Save(ctx, "fake.png", strings.NewReader("not a png"))
	assert.ErrorIs(t, err, ErrBadContent)

	_, _, err = s.Save(ctx, "empty.txt", strings.NewReader(""))
	assert.ErrorIs(t, err, model.ErrInvalidMessage)

	// ровно лимит — допустимо
	_, _, err = s.Save(ctx, "exact.txt", strings.NewReader(strings.Repeat("x", 16)))
	assert.NoError(t, err)
}

func TestServe_NotFound(t *testing.T) {
	s := New(t.TempDir(), 16)
	err := s.Serve(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil), "../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSafeFilename(t *testing.T) {
	assert.Equal(t, "отчёт.pdf", SafeFilename(" отчёт.pdf "))
	assert.Equal(t, "ab.txt", SafeFilename("a\"/b.txt"))
	assert.Empty(t, SafeFilename("\n"))
}
