package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/presence"
	"github.com/chatsync/internal/service"
)

const commandTimeout = 10 * time.Second

// Commands is the part of the service a connection can drive.
type Commands interface {
	SendMessage(ctx context.Context, chatID, content string, kind model.Kind) (*model.Message, error)
	Typing(ctx context.Context, chatID string) error
	SelectChat(ctx context.Context, chatID string) ([]model.Message, error)
	ClearSelection(userID string)
}

// Hub tracks live connections. Every connection owns one bus subscription;
// presence follows the connection count of each user.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	bus      *bus.Bus
	presence *presence.Registry
	cmds     Commands

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(b *bus.Bus, reg *presence.Registry, cmds Commands, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		bus:        b,
		presence:   reg,
		cmds:       cmds,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		h.detach(c)
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	// соединение могло закрыться раньше, чем hub обработал регистрацию
	select {
	case <-c.done:
		return
	default:
	}
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.user.ID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.user.ID]; !ok {
		h.clients[c.user.ID] = make(map[*Client]struct{})
	}
	h.clients[c.user.ID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	metrics.WSConnections.Inc()

	// подписка раньше online: клиент видит и своё событие присутствия
	c.sub = h.bus.Subscribe(c.user.ID, c.deliver)
	go c.watch()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.presence.MarkOnline(ctx, c.user.ID); err != nil {
		logger.Errorf("ws mark online user=%s: %v", c.user.ID, err)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.user.ID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.user.ID)
	}
	h.mu.Unlock()

	h.detach(c)
}

// detach closes the connection, drops its subscription and releases presence.
func (h *Hub) detach(c *Client) {
	c.Close()
	if c.sub != nil {
		h.bus.Unsubscribe(c.sub)
	}
	metrics.WSConnections.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	last, err := h.presence.MarkOffline(ctx, c.user.ID)
	if err != nil {
		logger.Errorf("ws mark offline user=%s: %v", c.user.ID, err)
		return
	}
	if last {
		h.cmds.ClearSelection(c.user.ID)
	}
}

// Connections returns the number of live connections of userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// HandleMessage dispatches incoming WebSocket commands.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	ctx, cancel := context.WithTimeout(service.WithUser(ctx, c.user), commandTimeout)
	defer cancel()

	switch msg.Type {
	case CmdMessage:
		defer logger.DeferLogDuration("ws.handleMessage", time.Now())()
		// отправитель получит сообщение обычным событием message, как и остальные участники
		if _, err := h.cmds.SendMessage(ctx, msg.ChatID, msg.Content, msg.Kind); err != nil {
			c.reply(commandError(msg, err))
		}
	case CmdTyping:
		if msg.ChatID == "" {
			return
		}
		if err := h.cmds.Typing(ctx, msg.ChatID); err != nil {
			c.reply(commandError(msg, err))
		}
	case CmdSelect:
		msgs, err := h.cmds.SelectChat(ctx, msg.ChatID)
		if err != nil {
			c.reply(commandError(msg, err))
			return
		}
		c.reply(OutgoingMessage{Type: EventSelected, Data: SelectedPayload{ChatID: msg.ChatID, Messages: msgs}})
	default:
		c.reply(OutgoingMessage{Type: EventError, Data: ErrorPayload{Error: "unknown event type", Cmd: msg.Type}})
	}
}

func commandError(msg IncomingMessage, err error) OutgoingMessage {
	text := "internal error"
	switch {
	case errors.Is(err, model.ErrChatNotFound):
		text = "chat not found"
	case errors.Is(err, model.ErrNotParticipant):
		text = "not a member"
	case errors.Is(err, model.ErrInvalidMessage):
		text = "invalid message"
	case errors.Is(err, model.ErrTransportFailure):
		text = "send timed out"
	case errors.Is(err, model.ErrNotAuthenticated):
		text = "unauthorized"
	default:
		logger.Errorf("ws command %s chat=%s: %v", msg.Type, msg.ChatID, err)
	}
	return OutgoingMessage{Type: EventError, Data: ErrorPayload{Error: text, Cmd: msg.Type, ChatID: msg.ChatID}}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
