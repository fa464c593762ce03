// Package presence tracks which users have at least one live connection.
//
// Connections are counted per user. Only the 0->1 and 1->0 transitions are
// observable: they publish user_online / user_offline on the bus, so a user
// with several devices produces one online event, not one per device.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/keylock"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
)

const mirrorTimeout = 2 * time.Second

type Registry struct {
	users  storage.Users
	bus    *bus.Bus
	mirror storage.PresenceMirror
	locks  *keylock.Map
	now    func() time.Time

	mu       sync.RWMutex
	conns    map[string]int
	lastSeen map[string]time.Time
}

// New creates a registry. mirror may be nil.
func New(users storage.Users, b *bus.Bus, mirror storage.PresenceMirror) *Registry {
	return &Registry{
		users:    users,
		bus:      b,
		mirror:   mirror,
		locks:    keylock.New(),
		now:      func() time.Time { return time.Now().UTC() },
		conns:    make(map[string]int),
		lastSeen: make(map[string]time.Time),
	}
}

// MarkOnline registers one more connection for userID and reports whether the
// user just came online.
func (r *Registry) MarkOnline(ctx context.Context, userID string) (bool, error) {
	defer logger.DeferLogDuration("presence.MarkOnline", time.Now())()
	unlock, err := r.locks.Lock(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("presence.MarkOnline: %w", err)
	}
	defer unlock()

	r.mu.RLock()
	n := r.conns[userID]
	r.mu.RUnlock()
	if n > 0 {
		r.mu.Lock()
		r.conns[userID]++
		r.mu.Unlock()
		return false, nil
	}

	u, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("presence.MarkOnline: %w", err)
	}
	at := r.now()
	r.mu.Lock()
	r.conns[userID] = 1
	r.mu.Unlock()
	metrics.OnlineUsers.Inc()

	if r.mirror != nil {
		mctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		if err := r.mirror.SetOnline(mctx, userID, at); err != nil {
			logger.Errorf("presence mirror online user=%s: %v", userID, err)
		}
		cancel()
	}

	online := u.WithPresence(true, nil)
	r.bus.Publish(bus.UserOnline(&online))
	return true, nil
}

// MarkOffline releases one connection and reports whether it was the user's last one.
// Releasing a user with no connections is a no-op.
func (r *Registry) MarkOffline(ctx context.Context, userID string) (bool, error) {
	defer logger.DeferLogDuration("presence.MarkOffline", time.Now())()
	unlock, err := r.locks.Lock(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("presence.MarkOffline: %w", err)
	}
	defer unlock()

	at := r.now()
	r.mu.Lock()
	n := r.conns[userID]
	switch {
	case n == 0:
		r.mu.Unlock()
		return false, nil
	case n > 1:
		r.conns[userID] = n - 1
		r.mu.Unlock()
		return false, nil
	}
	delete(r.conns, userID)
	r.lastSeen[userID] = at
	r.mu.Unlock()
	metrics.OnlineUsers.Dec()

	// last_seen и зеркало — best effort: событие offline публикуется в любом случае
	sctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.users.SetLastSeen(sctx, userID, at); err != nil {
		logger.Errorf("presence set last seen user=%s: %v", userID, err)
	}
	if r.mirror != nil {
		if err := r.mirror.SetOffline(sctx, userID, at); err != nil {
			logger.Errorf("presence mirror offline user=%s: %v", userID, err)
		}
	}

	r.bus.Publish(bus.UserOffline(userID))
	return true, nil
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[userID] > 0
}

// Connections returns the number of live connections of userID.
func (r *Registry) Connections(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[userID]
}

// LastSeen returns when userID last went offline during this process lifetime.
func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastSeen[userID]
	return t, ok
}

// OnlineIDs returns the ids of online users, sorted.
func (r *Registry) OnlineIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// OnlineUsers loads every online user with presence filled in, ordered by id.
func (r *Registry) OnlineUsers(ctx context.Context) ([]model.User, error) {
	defer logger.DeferLogDuration("presence.OnlineUsers", time.Now())()
	ids := r.OnlineIDs()
	if len(ids) == 0 {
		return []model.User{}, nil
	}
	out := make([]model.User, 0, len(ids))
	for _, id := range ids {
		u, err := r.users.GetUser(ctx, id)
		if err != nil {
			// пользователь мог уйти в offline между снимком и загрузкой
			logger.Debugf("presence load user=%s: %v", id, err)
			continue
		}
		out = append(out, r.Apply(*u))
	}
	return out, nil
}

// Apply fills u's presence fields from the registry.
func (r *Registry) Apply(u model.User) model.User {
	r.mu.RLock()
	online := r.conns[u.ID] > 0
	seen, ok := r.lastSeen[u.ID]
	r.mu.RUnlock()
	if ok && (u.LastSeenAt == nil || seen.After(*u.LastSeenAt)) {
		return u.WithPresence(online, &seen)
	}
	return u.WithPresence(online, nil)
}
