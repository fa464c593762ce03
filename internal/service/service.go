// Package service is the command surface of the chat core: the message append
// path and the chat directory over a storage.Store, publishing every successful
// mutation on the bus.
//
// All mutations of one chat are serialized by a per-chat lock, and the event for
// a mutation is published while that lock is held, so subscribers observe the
// events of one chat in the order the mutations were applied.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/keylock"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/presence"
	"github.com/chatsync/internal/storage"
)

const (
	DefaultSendTimeout = 5 * time.Second
	DefaultSearchLimit = 20
	minQueryLen        = 2
)

// BlobStore keeps uploaded payloads outside the message log and hands back an
// opaque reference plus the message kind (image or file).
type BlobStore interface {
	Save(ctx context.Context, fileName string, r io.Reader) (ref string, kind model.Kind, err error)
}

type Config struct {
	SendTimeout time.Duration
	SearchLimit int
}

type Service struct {
	store    storage.Store
	bus      *bus.Bus
	presence *presence.Registry
	identity IdentityProvider
	blobs    BlobStore

	locks *keylock.Map
	now   func() time.Time
	cfg   Config

	selMu    sync.RWMutex
	selected map[string]string // userID -> chatID
}

// New wires the service. blobs may be nil, then SendFileMessage is unavailable.
func New(store storage.Store, b *bus.Bus, reg *presence.Registry, id IdentityProvider, blobs BlobStore, cfg Config) *Service {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = DefaultSearchLimit
	}
	if id == nil {
		id = ContextIdentity{}
	}
	return &Service{
		store:    store,
		bus:      b,
		presence: reg,
		identity: id,
		blobs:    blobs,
		locks:    keylock.New(),
		now:      func() time.Time { return time.Now().UTC() },
		cfg:      cfg,
		selected: make(map[string]string),
	}
}

func (s *Service) caller(ctx context.Context) (*model.User, error) {
	u, ok := s.identity.CurrentUser(ctx)
	if !ok {
		return nil, model.ErrNotAuthenticated
	}
	return u, nil
}

// memberChat loads chatID and checks that userID takes part in it.
func (s *Service) memberChat(ctx context.Context, chatID, userID string) (*model.ChatRecord, error) {
	rec, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !contains(rec.ParticipantIDs, userID) {
		return nil, model.ErrNotParticipant
	}
	return rec, nil
}

// SelectedChat returns the chat userID currently has open, or "".
func (s *Service) SelectedChat(userID string) string {
	s.selMu.RLock()
	defer s.selMu.RUnlock()
	return s.selected[userID]
}

// ClearSelection forgets the open chat of userID, so unread accounting resumes
// for every chat. Called when the user's last connection closes.
func (s *Service) ClearSelection(userID string) {
	s.selMu.Lock()
	delete(s.selected, userID)
	s.selMu.Unlock()
}

func (s *Service) setSelected(userID, chatID string) {
	s.selMu.Lock()
	s.selected[userID] = chatID
	s.selMu.Unlock()
}

// withPresence fills presence for a list of users.
func (s *Service) withPresence(users []model.User) []model.User {
	if s.presence == nil {
		return users
	}
	for i := range users {
		users[i] = s.presence.Apply(users[i])
	}
	return users
}

// transportErr reports a write that did not complete in time as ErrTransportFailure.
// The store applies a message all-or-nothing, so the caller may retry.
func transportErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, storage.ErrSeqConflict):
		return fmt.Errorf("%w: %v", model.ErrTransportFailure, err)
	}
	return err
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
