package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEvent_WireShape(t *testing.T) {
	m := &model.Message{ID: "m1", ChatID: "c1", Seq: 1, SenderID: "u1", Content: "hi", Kind: model.KindText}
	raw, err := json.Marshal(fromEvent(bus.NewMessage(m, []string{"u2"})))
	require.NoError(t, err)

	var got struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "message", got.Type)
	assert.Equal(t, "m1", got.Data["id"])
	assert.Equal(t, "text", got.Data["type"])

	raw, err = json.Marshal(fromEvent(bus.UserOffline("u3")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user_offline","data":{"user_id":"u3"}}`, string(raw))
}

func TestCommandError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{model.ErrChatNotFound, "chat not found"},
		{fmt.Errorf("svc: %w", model.ErrNotParticipant), "not a member"},
		{model.ErrInvalidMessage, "invalid message"},
		{model.ErrTransportFailure, "send timed out"},
		{model.ErrNotAuthenticated, "unauthorized"},
		{errors.New("boom"), "internal error"},
	}
	for _, tc := range cases {
		out := commandError(IncomingMessage{Type: CmdMessage, ChatID: "c1"}, tc.err)
		assert.Equal(t, EventError, out.Type)
		p, ok := out.Data.(ErrorPayload)
		require.True(t, ok)
		assert.Equal(t, tc.want, p.Error)
		assert.Equal(t, "c1", p.ChatID)
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, defaultWriteWait, o.WriteWait)
	assert.Equal(t, defaultPongWait, o.PongWait)
	assert.Equal(t, int64(defaultMaxMessageSize), o.MaxMessageSize)
}
