// Package responder runs an automated participant. It mirrors its chats through
// a syncer and answers each new message in a direct chat with a canned reply,
// sent through the ordinary send path.
package responder

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/syncer"
)

var DefaultReplies = []string{
	"I understand! Let me help you with that.",
	"That's a great question! Here's what I think...",
	"I'm here to assist you. Would you like me to elaborate?",
	"Thanks for sharing that with me. Is there anything specific you'd like to know?",
	"I'm always happy to help! What else can I do for you today?",
}

// Sender is the send path the bot uses; its messages are ordinary messages.
type Sender interface {
	SendMessage(ctx context.Context, chatID, content string, kind model.Kind) (*model.Message, error)
}

type Config struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	Replies  []string
}

type Responder struct {
	userID string
	send   Sender
	cfg    Config
	sync   *syncer.Synchronizer

	// mu охраняет ctx, stopped и wg.Add: после Stop новые ответы не планируются
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

func New(userID string, src syncer.Source, b *bus.Bus, send Sender, cfg Config) *Responder {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if len(cfg.Replies) == 0 {
		cfg.Replies = DefaultReplies
	}
	r := &Responder{userID: userID, send: send, cfg: cfg}
	r.sync = syncer.New(src, b, userID, syncer.OnMessage(r.onMessage))
	return r
}

// Start begins answering. ctx must carry the bot's identity.
func (r *Responder) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.ctx, r.cancel = ctx, cancel
	r.mu.Unlock()
	if err := r.sync.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("responder.Start: %w", err)
	}
	logger.Infof("responder started user=%s", r.userID)
	return nil
}

// Stop cancels pending replies and waits for in-flight sends.
func (r *Responder) Stop() {
	r.mu.Lock()
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.sync.Stop()
	r.wg.Wait()
}

func (r *Responder) onMessage(m *model.Message) {
	if m.SenderID == r.userID || m.Kind == model.KindSystem {
		return
	}
	// отвечаем только в личных чатах с ботом
	chat, ok := r.sync.Chat(m.ChatID)
	if !ok || chat.IsGroup {
		return
	}

	delay := r.cfg.MinDelay
	if span := r.cfg.MaxDelay - r.cfg.MinDelay; span > 0 {
		delay += time.Duration(rand.Int63n(int64(span)))
	}
	reply := r.cfg.Replies[rand.Intn(len(r.cfg.Replies))]

	r.mu.Lock()
	ctx := r.ctx
	if r.stopped || ctx == nil || ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	go func() {
		defer r.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if _, err := r.send.SendMessage(ctx, m.ChatID, reply, model.KindText); err != nil {
			logger.Errorf("responder reply chat=%s: %v", m.ChatID, err)
		}
	}()
}
