package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMirror struct {
	mu      sync.Mutex
	online  map[string]bool
	failing bool
}

func (m *fakeMirror) SetOnline(_ context.Context, userID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("mirror down")
	}
	m.online[userID] = true
	return nil
}

func (m *fakeMirror) SetOffline(_ context.Context, userID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("mirror down")
	}
	delete(m.online, userID)
	return nil
}

func (m *fakeMirror) Close() error { return nil }

func (m *fakeMirror) isOnline(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[id]
}

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) handle(ev bus.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []bus.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func setup(t *testing.T) (*Registry, *memory.Client, *fakeMirror, *recorder) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	for _, id := range []string{"u1", "u2"} {
		require.NoError(t, store.UpsertUser(ctx, &model.User{ID: id, Username: id}))
	}
	b := bus.New(1024)
	t.Cleanup(b.Close)
	rec := &recorder{}
	b.Subscribe("observer", rec.handle)
	mirror := &fakeMirror{online: make(map[string]bool)}
	return New(store, b, mirror), store, mirror, rec
}

func TestMarkOnline_OneEventPerUser(t *testing.T) {
	r, _, mirror, rec := setup(t)
	ctx := context.Background()

	first, err := r.MarkOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, first)
	second, err := r.MarkOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, second)

	assert.True(t, r.IsOnline("u1"))
	assert.Equal(t, 2, r.Connections("u1"))
	assert.True(t, mirror.isOnline("u1"))

	require.Eventually(t, func() bool { return len(rec.types()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []bus.EventType{bus.EventUserOnline}, rec.types())
}

func TestMarkOffline_OnlyOnLastConnection(t *testing.T) {
	r, store, mirror, rec := setup(t)
	ctx := context.Background()
	_, _ = r.MarkOnline(ctx, "u1")
	_, _ = r.MarkOnline(ctx, "u1")

	last, err := r.MarkOffline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, last)
	assert.True(t, r.IsOnline("u1"))

	last, err = r.MarkOffline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, last)
	assert.False(t, r.IsOnline("u1"))
	assert.False(t, mirror.isOnline("u1"))

	// лишний MarkOffline не публикует второе offline
	last, err = r.MarkOffline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, last)

	require.Eventually(t, func() bool { return len(rec.types()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []bus.EventType{bus.EventUserOnline, bus.EventUserOffline}, rec.types())

	u, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, u.LastSeenAt)
	seen, ok := r.LastSeen("u1")
	assert.True(t, ok)
	assert.True(t, seen.Equal(*u.LastSeenAt))
}

func TestMarkOnline_UnknownUser(t *testing.T) {
	r, _, _, _ := setup(t)
	_, err := r.MarkOnline(context.Background(), "ghost")
	assert.ErrorIs(t, err, model.ErrUserNotFound)
	assert.False(t, r.IsOnline("ghost"))
}

func TestMirrorFailureIsNotFatal(t *testing.T) {
	r, _, mirror, _ := setup(t)
	mirror.failing = true
	ctx := context.Background()

	online, err := r.MarkOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)
	offline, err := r.MarkOffline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, offline)
}

func TestOnlineUsers(t *testing.T) {
	r, _, _, _ := setup(t)
	ctx := context.Background()
	_, _ = r.MarkOnline(ctx, "u2")
	_, _ = r.MarkOnline(ctx, "u1")

	users, err := r.OnlineUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u1", users[0].ID)
	assert.Equal(t, "u2", users[1].ID)
	for _, u := range users {
		assert.True(t, u.IsOnline)
	}
	assert.Equal(t, []string{"u1", "u2"}, r.OnlineIDs())
}

func TestConcurrentConnections(t *testing.T) {
	r, _, _, rec := setup(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.MarkOnline(ctx, "u1")
			_, _ = r.MarkOffline(ctx, "u1")
		}()
	}
	wg.Wait()
	assert.False(t, r.IsOnline("u1"))

	time.Sleep(50 * time.Millisecond)
	// события чередуются: online, offline, online, ...
	types := rec.types()
	require.NotEmpty(t, types)
	for i, tp := range types {
		if i%2 == 0 {
			assert.Equal(t, bus.EventUserOnline, tp)
		} else {
			assert.Equal(t, bus.EventUserOffline, tp)
		}
	}
	assert.Equal(t, bus.EventUserOffline, types[len(types)-1])
}
