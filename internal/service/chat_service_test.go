package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
	"github.com/cwrk-planet/guzosync-realtime/internal/memory"
	"github.com/cwrk-planet/guzosync-realtime/internal/realtime"
	"github.com/cwrk-planet/guzosync-realtime/internal/realtime/realtimetest"
	"github.com/cwrk-planet/guzosync-realtime/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatEnv struct {
	hub   *realtimetest.Hub
	store *memory.Store
	chat  *service.ChatService
}

func newChatEnv(t *testing.T) *chatEnv {
	t.Helper()
	hub := realtimetest.NewHub(realtime.DispatcherConfig{SendTimeout: 100 * time.Millisecond, Concurrency: 4})
	store := memory.NewStore()
	return &chatEnv{
		hub:   hub,
		store: store,
		chat:  service.NewChatService(store, hub.Rooms, hub.Dispatcher, time.Second, discard),
	}
}

func (e *chatEnv) member(t *testing.T, userID, conv string) *realtimetest.Recorder {
	t.Helper()
	rec, _ := e.hub.Connect(userID)
	require.NoError(t, e.hub.Rooms.Join(userID, realtime.ConversationRoom(conv)))
	return rec
}

func TestChat_SendEchoesToSender(t *testing.T) {
	e := newChatEnv(t)
	a := e.member(t, "A", "c1")
	b := e.member(t, "B", "c1")

	msg, err := e.chat.Send(context.Background(), "A", "c1", "  hello  ")
	require.NoError(t, err)

	assert.Equal(t, "hello", msg.Content)
	assert.NotEmpty(t, msg.MessageID)
	assert.Equal(t, []realtime.Event{msg}, a.OfType(realtime.TypeNewMessage))
	assert.Equal(t, []realtime.Event{msg}, b.OfType(realtime.TypeNewMessage))

	stored := e.store.Messages("c1")
	require.Len(t, stored, 1)
	assert.Equal(t, msg.MessageID, stored[0].ID)
}

func TestChat_SendValidation(t *testing.T) {
	e := newChatEnv(t)
	e.member(t, "A", "c1")
	e.hub.Connect("outsider")

	_, err := e.chat.Send(context.Background(), "A", "c1", "   ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = e.chat.Send(context.Background(), "A", "c1", strings.Repeat("я", 4001))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = e.chat.Send(context.Background(), "outsider", "c1", "hi")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	assert.Empty(t, e.store.Messages("c1"))
}

func TestChat_SendSurvivesStoreFailure(t *testing.T) {
	e := newChatEnv(t)
	b := e.member(t, "B", "c1")
	e.member(t, "A", "c1")
	e.store.FailWith = errUpstream

	msg, err := e.chat.Send(context.Background(), "A", "c1", "hi")
	require.NoError(t, err)

	assert.NotEmpty(t, msg.MessageID)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Len(t, b.OfType(realtime.TypeNewMessage), 1)
}

func TestChat_TypingExcludesAuthor(t *testing.T) {
	e := newChatEnv(t)
	a := e.member(t, "A", "c1")
	b := e.member(t, "B", "c1")

	n := e.chat.Typing(context.Background(), "A", "c1", true)

	assert.Equal(t, 1, n)
	assert.Empty(t, a.Received())
	require.Len(t, b.OfType(realtime.TypeTypingStatus), 1)
	st := b.OfType(realtime.TypeTypingStatus)[0].(realtime.TypingStatus)
	assert.True(t, st.IsTyping)
	assert.Equal(t, "A", st.UserID)
}

func TestChat_MarkRead(t *testing.T) {
	e := newChatEnv(t)
	a := e.member(t, "A", "c1")
	b := e.member(t, "B", "c1")

	_, err := e.chat.MarkRead(context.Background(), "A", "c1", " ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	n, err := e.chat.MarkRead(context.Background(), "A", "c1", "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, a.Received())
	assert.Equal(t, []realtime.Event{realtime.MessageRead{ConversationID: "c1", MessageID: "m1", UserID: "A"}},
		b.OfType(realtime.TypeMessageRead))
}
