package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chatsync/internal/blob"
	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/presence"
	"github.com/chatsync/internal/service"
	"github.com/chatsync/internal/storage/memory"
	"github.com/chatsync/internal/ws"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv   *httptest.Server
	svc   *service.Service
	store *memory.Client
	reg   *presence.Registry
	hub   *ws.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	for _, u := range []model.User{
		{ID: "u1", Username: "alice", Email: "alice@example.com"},
		{ID: "u2", Username: "bob", Email: "bob@example.com"},
		{ID: "u3", Username: "carol", Email: "carol@example.com"},
	} {
		u := u
		require.NoError(t, store.UpsertUser(context.Background(), &u))
	}
	b := bus.New(256)
	reg := presence.New(store, b, nil)
	blobs := blob.New(t.TempDir(), 1024)
	svc := service.New(store, b, reg, nil, blobs, service.Config{})
	hub := ws.NewHub(b, reg, svc, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	srv := httptest.NewServer(NewRouter(Deps{
		Service:  svc,
		Blobs:    blobs,
		Hub:      hub,
		Identity: middleware.DevHeaderIdentity(store),
		Client:   ClientConfig{MaxUploadSize: 1024, WSPath: "/ws"},
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		b.Close()
	})
	return &testEnv{srv: srv, svc: svc, store: store, reg: reg, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) createChat(t *testing.T, userID string, others ...string) model.Chat {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/chats", userID, CreateChatRequest{ParticipantIDs: others})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[model.Chat](t, resp)
}

func TestHealthAndConfig(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/config", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg := decode[ClientConfig](t, resp)
	assert.Equal(t, int64(1024), cfg.MaxUploadSize)
}

func TestUnauthenticated(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/api/chats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatsAndMessagesFlow(t *testing.T) {
	e := newTestEnv(t)
	chat := e.createChat(t, "u1", "u2")
	assert.False(t, chat.IsGroup)
	assert.Len(t, chat.Participants, 2)

	resp := e.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", "u1", SendMessageRequest{Content: "hi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decode[model.Message](t, resp)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, model.KindText, msg.Kind)

	resp = e.do(t, http.MethodGet, "/api/chats", "u2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chats := decode[[]model.Chat](t, resp)
	require.Len(t, chats, 1)
	assert.Equal(t, 1, chats[0].UnreadCount)
	require.NotNil(t, chats[0].LastMessage)
	assert.Equal(t, "hi", chats[0].LastMessage.Content)

	resp = e.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/select", "u2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decode[[]model.Message](t, resp)
	require.Len(t, msgs, 1)

	resp = e.do(t, http.MethodGet, "/api/chats/"+chat.ID, "u2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[model.Chat](t, resp).UnreadCount)

	resp = e.do(t, http.MethodGet, "/api/chats/"+chat.ID+"/messages?after_seq=1", "u2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]model.Message](t, resp))
}

func TestGetMessages_WholeLogAndExplicitLimit(t *testing.T) {
	e := newTestEnv(t)
	chat := e.createChat(t, "u1", "u2")
	u1, err := e.store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	ctx := service.WithUser(context.Background(), u1)
	const total = 120
	for i := 0; i < total; i++ {
		_, err := e.svc.SendMessage(ctx, chat.ID, "m", model.KindText)
		require.NoError(t, err)
	}
	resp := e.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", "u1", SendMessageRequest{Content: "a<b & c>d"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/chats/"+chat.ID+"/messages", "u2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decode[[]model.Message](t, resp)
	require.Len(t, msgs, total+1)
	assert.Equal(t, int64(total+1), msgs[total].Seq)
	assert.Equal(t, "a<b & c>d", msgs[total].Content)

	resp = e.do(t, http.MethodGet, "/api/chats/"+chat.ID+"/messages?limit=500", "u2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.Message](t, resp), maxPageSize)

	resp = e.do(t, http.MethodGet, "/api/chats/"+chat.ID+"/messages?after_seq=110&limit=5", "u2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[[]model.Message](t, resp)
	require.Len(t, page, 5)
	assert.Equal(t, int64(111), page[0].Seq)
}

func TestErrorMapping(t *testing.T) {
	e := newTestEnv(t)
	chat := e.createChat(t, "u1", "u2")

	cases := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		status int
	}{
		{"unknown chat", http.MethodGet, "/api/chats/missing", "u1", nil, http.StatusNotFound},
		{"not a member", http.MethodPost, "/api/chats/" + chat.ID + "/messages", "u3", SendMessageRequest{Content: "x"}, http.StatusForbidden},
		{"empty message", http.MethodPost, "/api/chats/" + chat.ID + "/messages", "u1", SendMessageRequest{Content: "   "}, http.StatusBadRequest},
		{"system kind", http.MethodPost, "/api/chats/" + chat.ID + "/messages", "u1", SendMessageRequest{Content: "x", Kind: model.KindSystem}, http.StatusBadRequest},
		{"alone", http.MethodPost, "/api/chats", "u1", CreateChatRequest{}, http.StatusBadRequest},
		{"unknown participant", http.MethodPost, "/api/chats", "u1", CreateChatRequest{ParticipantIDs: []string{"ghost"}}, http.StatusNotFound},
		{"unknown user header", http.MethodGet, "/api/chats", "ghost", nil, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := e.do(t, tc.method, tc.path, tc.user, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestInvalidBody(t *testing.T) {
	e := newTestEnv(t)
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/chats", strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "u1")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUsersAndFriends(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/api/users/me", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", decode[model.User](t, resp).Username)

	resp = e.do(t, http.MethodGet, "/api/users/search?q=bo", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	found := decode[[]model.User](t, resp)
	require.Len(t, found, 1)
	assert.Equal(t, "u2", found[0].ID)

	resp = e.do(t, http.MethodGet, "/api/users/search?q=b", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]model.User](t, resp))

	resp = e.do(t, http.MethodPost, "/api/friends/u2", "u1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/api/friends/u2", "u1", nil)
	assert.True(t, decode[map[string]bool](t, resp)["is_friend"])
	resp = e.do(t, http.MethodGet, "/api/friends", "u1", nil)
	assert.Len(t, decode[[]model.User](t, resp), 1)

	resp = e.do(t, http.MethodPost, "/api/friends/u1", "u1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEnsureUserInternal(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodPost, "/internal/users", "", EnsureUserRequest{ID: "u9", Email: "Dave@Example.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	u := decode[model.User](t, resp)
	assert.Equal(t, "u9", u.ID)
	assert.Equal(t, "dave@example.com", u.Email)
	assert.NotEmpty(t, u.Username)

	resp = e.do(t, http.MethodPost, "/internal/users", "", EnsureUserRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func upload(t *testing.T, e *testEnv, chatID, userID, name string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/chats/"+chatID+"/files", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-Id", userID)
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestFileUploadAndServe(t *testing.T) {
	e := newTestEnv(t)
	chat := e.createChat(t, "u1", "u2")

	resp := upload(t, e, chat.ID, "u1", "notes.txt", []byte("hello file"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decode[model.Message](t, resp)
	assert.Equal(t, model.KindFile, msg.Kind)
	assert.Equal(t, "notes.txt", msg.FileName)
	require.True(t, strings.HasPrefix(msg.Content, blob.RefPrefix))

	resp = e.do(t, http.MethodGet, msg.Content, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello file", string(body))

	resp = upload(t, e, chat.ID, "u1", "big.txt", bytes.Repeat([]byte("a"), 2048))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp = upload(t, e, chat.ID, "u1", "run.sh", []byte("echo"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = upload(t, e, chat.ID, "u3", "notes.txt", []byte("x"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/files/missing.txt", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func dialWS(t *testing.T, e *testEnv, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?user_id=" + userID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// readUntil читает события, пока не встретит нужный тип.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev wireEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == typ {
			return ev
		}
	}
}

func TestWebSocket_ReceivesMessagesAndPresence(t *testing.T) {
	e := newTestEnv(t)
	chat := e.createChat(t, "u1", "u2")

	bob := dialWS(t, e, "u2")
	readUntil(t, bob, string(bus.EventUserOnline))
	assert.True(t, e.reg.IsOnline("u2"))

	resp := e.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", "u1", SendMessageRequest{Content: "over the wire"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ev := readUntil(t, bob, string(bus.EventMessage))
	var msg model.Message
	require.NoError(t, json.Unmarshal(ev.Data, &msg))
	assert.Equal(t, "over the wire", msg.Content)
	assert.Equal(t, chat.ID, msg.ChatID)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return !e.reg.IsOnline("u2") }, 3*time.Second, 10*time.Millisecond)
}

func TestWebSocket_Commands(t *testing.T) {
	e := newTestEnv(t)
	chat := e.createChat(t, "u1", "u2")

	alice := dialWS(t, e, "u1")
	bob := dialWS(t, e, "u2")
	readUntil(t, bob, string(bus.EventUserOnline))

	require.NoError(t, alice.WriteJSON(ws.IncomingMessage{Type: ws.CmdMessage, ChatID: chat.ID, Content: "from ws"}))
	ev := readUntil(t, bob, string(bus.EventMessage))
	var msg model.Message
	require.NoError(t, json.Unmarshal(ev.Data, &msg))
	assert.Equal(t, "from ws", msg.Content)
	// отправитель получает своё сообщение тем же событием
	readUntil(t, alice, string(bus.EventMessage))

	require.NoError(t, alice.WriteJSON(ws.IncomingMessage{Type: ws.CmdTyping, ChatID: chat.ID}))
	ev = readUntil(t, bob, string(bus.EventTyping))
	var typing bus.TypingPayload
	require.NoError(t, json.Unmarshal(ev.Data, &typing))
	assert.Equal(t, "u1", typing.UserID)

	require.NoError(t, bob.WriteJSON(ws.IncomingMessage{Type: ws.CmdSelect, ChatID: chat.ID}))
	ev = readUntil(t, bob, string(ws.EventSelected))
	var sel ws.SelectedPayload
	require.NoError(t, json.Unmarshal(ev.Data, &sel))
	assert.Len(t, sel.Messages, 1)

	require.NoError(t, alice.WriteJSON(ws.IncomingMessage{Type: ws.CmdMessage, ChatID: "missing", Content: "x"}))
	ev = readUntil(t, alice, string(ws.EventError))
	var perr ws.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Data, &perr))
	assert.Equal(t, "chat not found", perr.Error)
}

func TestWebSocket_LastConnectionClearsSelection(t *testing.T) {
	e := newTestEnv(t)
	chat := e.createChat(t, "u1", "u2")

	bob := dialWS(t, e, "u2")
	readUntil(t, bob, string(bus.EventUserOnline))
	require.NoError(t, bob.WriteJSON(ws.IncomingMessage{Type: ws.CmdSelect, ChatID: chat.ID}))
	readUntil(t, bob, string(ws.EventSelected))
	assert.Equal(t, chat.ID, e.svc.SelectedChat("u2"))

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return e.svc.SelectedChat("u2") == "" }, 3*time.Second, 10*time.Millisecond)

	// выбор сброшен: новое сообщение снова непрочитанное
	resp := e.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", "u1", SendMessageRequest{Content: "later"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/api/chats/"+chat.ID, "u2", nil)
	assert.Equal(t, 1, decode[model.Chat](t, resp).UnreadCount)
}
