package realtime_test

import (
	"context"
	"testing"

	"github.com/cwrk-planet/guzosync-realtime/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ConnectDisconnect(t *testing.T) {
	h := newTestHub(t)

	_, conn := h.Connect("u1")
	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, "u1", conn.UserID)
	assert.False(t, conn.EstablishedAt.IsZero())
	assert.True(t, h.Registry.IsConnected("u1"))
	assert.Equal(t, 1, h.Registry.ConnectionCount())

	h.Registry.Disconnect("u1")
	assert.False(t, h.Registry.IsConnected("u1"))
	assert.Equal(t, 0, h.Registry.ConnectionCount())
}

func TestRegistry_DisconnectUnknownIsNoop(t *testing.T) {
	h := newTestHub(t)
	calls := 0
	h.Registry.OnDisconnect(func(string) { calls++ })

	h.Registry.Disconnect("ghost")
	h.Registry.Disconnect("ghost")

	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, h.Registry.ConnectionCount())
}

func TestRegistry_DisconnectClosesChannelAndRunsHooks(t *testing.T) {
	h := newTestHub(t)
	var seen []string
	h.Registry.OnDisconnect(func(u string) { seen = append(seen, u) })

	ch, _ := h.Connect("u1")
	h.Registry.Disconnect("u1")
	h.Registry.Disconnect("u1")

	closed, code := ch.Closed()
	assert.True(t, closed)
	assert.Equal(t, realtime.CloseNormal, code)
	assert.Equal(t, []string{"u1"}, seen)
}

func TestRegistry_ReconnectEvictsOldSession(t *testing.T) {
	h := newTestHub(t)

	s1, c1 := h.Connect("U")
	s2, c2 := h.Connect("U")
	require.NotEqual(t, c1.ID, c2.ID)
	assert.Equal(t, 1, h.Registry.ConnectionCount())

	closed, code := s1.Closed()
	assert.True(t, closed, "superseded session must be closed")
	assert.Equal(t, realtime.CloseSuperseded, code)

	ok := h.Dispatcher.SendPersonal(context.Background(), "U", realtime.Pong{Timestamp: 1})
	require.True(t, ok)
	assert.Empty(t, s1.Received())
	assert.Equal(t, []realtime.Event{realtime.Pong{Timestamp: 1}}, s2.Received())
}

func TestRegistry_ReleaseIgnoresStaleConnection(t *testing.T) {
	h := newTestHub(t)

	_, c1 := h.Connect("U")
	_, c2 := h.Connect("U")
	require.NoError(t, h.Rooms.Join("U", "bus_tracking:7"))

	assert.False(t, h.Registry.Release("U", c1.ID), "old session must not evict the new one")
	assert.True(t, h.Registry.IsConnected("U"))
	assert.True(t, h.Rooms.IsMember("U", "bus_tracking:7"))

	assert.True(t, h.Registry.Release("U", c2.ID))
	assert.False(t, h.Registry.IsConnected("U"))
	assert.Empty(t, h.Rooms.RoomsOf("U"))
}

func TestRegistry_CloseAll(t *testing.T) {
	h := newTestHub(t)
	a, _ := h.Connect("a")
	b, _ := h.Connect("b")
	require.NoError(t, h.Rooms.Join("a", "r"))

	h.Registry.CloseAll(realtime.CloseNormal, "shutdown")

	assert.Equal(t, 0, h.Registry.ConnectionCount())
	assert.Equal(t, 0, h.Rooms.RoomCount())
	for _, ch := range []*recorder{a, b} {
		closed, _ := ch.Closed()
		assert.True(t, closed)
	}
}
