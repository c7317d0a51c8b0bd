package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
	"github.com/cwrk-planet/guzosync-realtime/internal/memory"
	"github.com/cwrk-planet/guzosync-realtime/internal/realtime"
	"github.com/cwrk-planet/guzosync-realtime/internal/service"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeVerifier map[string]domain.Identity

func (f fakeVerifier) Verify(token string) (domain.Identity, error) {
	id, ok := f[token]
	if !ok {
		return domain.Identity{}, fmt.Errorf("%w: unknown token", domain.ErrAuthentication)
	}
	return id, nil
}

type testEnv struct {
	srv      *httptest.Server
	registry *realtime.Registry
	rooms    *realtime.Rooms
	store    *memory.Store
	tracking *service.TrackingService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	registry := realtime.NewRegistry(discard)
	rooms := realtime.NewRooms(registry, discard)
	dispatcher := realtime.NewDispatcher(registry, rooms, realtime.DispatcherConfig{SendTimeout: time.Second, Concurrency: 4}, discard)
	store := memory.NewStore()
	eta := service.NewETAService(service.DefaultETAConfig(), nil, discard)
	tracking := service.NewTrackingService(service.DefaultTrackingConfig(), store, store, rooms, registry, dispatcher, eta, discard)
	chat := service.NewChatService(store, rooms, dispatcher, time.Second, discard)
	registry.OnDisconnect(rooms.ForgetOffline)
	registry.OnDisconnect(tracking.ClearPreferences)

	verifier := fakeVerifier{
		"passenger-a": {UserID: "A", Role: domain.RolePassenger},
		"passenger-b": {UserID: "B", Role: domain.RolePassenger},
		"driver":      {UserID: "D", Role: domain.RoleDriver},
	}
	server := NewServer(Config{PingInterval: time.Second, WriteTimeout: time.Second}, Deps{
		Verifier: verifier,
		Registry: registry,
		Rooms:    rooms,
		Replier:  dispatcher,
		Tracking: tracking,
		Chat:     chat,
	}, discard)

	srv := httptest.NewServer(http.HandlerFunc(server.HandleWS))
	t.Cleanup(func() {
		registry.CloseAll(realtime.CloseNormal, "test done")
		srv.Close()
		tracking.Flush()
	})
	return &testEnv{srv: srv, registry: registry, rooms: rooms, store: store, tracking: tracking}
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=" + token
	c, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func send(t *testing.T, c *websocket.Conn, typ string, payload any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(map[string]any{"type": typ, "payload": payload}))
}

func read(t *testing.T, c *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, c.ReadJSON(&f))
	return f
}

func readType(t *testing.T, c *websocket.Conn, typ string) frame {
	t.Helper()
	for range 10 {
		if f := read(t, c); f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %s frame", typ)
	return frame{}
}

func closeCode(t *testing.T, c *websocket.Conn) int {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		return ce.Code
	}
}

func TestHandleWS_AuthFailureCloses4401(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t, "bogus")

	assert.Equal(t, realtime.CloseAuthFailed, closeCode(t, c))
	assert.Zero(t, e.registry.ConnectionCount())
}

func TestHandleWS_BearerHeader(t *testing.T) {
	e := newTestEnv(t)
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	c, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Authorization": {"Bearer passenger-a"}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer c.Close()

	send(t, c, InPing, nil)
	assert.Equal(t, realtime.TypePong, read(t, c).Type)
	assert.True(t, e.registry.IsConnected("A"))
}

func TestHandleWS_PingPong(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t, "passenger-a")

	send(t, c, InPing, nil)
	f := read(t, c)
	assert.Equal(t, realtime.TypePong, f.Type)

	var p realtime.Pong
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.InDelta(t, time.Now().Unix(), p.Timestamp, 5)
}

func TestHandleWS_MalformedAndUnknownFrames(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t, "passenger-a")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, realtime.TypeError, read(t, c).Type)

	send(t, c, "teleport", nil)
	f := read(t, c)
	assert.Equal(t, realtime.TypeError, f.Type)
	assert.Contains(t, string(f.Payload), "teleport")

	send(t, c, InJoinRoom, map[string]any{"room_id": ""})
	assert.Equal(t, realtime.TypeError, read(t, c).Type)

	// соединение живо после ошибок
	send(t, c, InPing, nil)
	assert.Equal(t, realtime.TypePong, read(t, c).Type)
}

func TestHandleWS_JoinAndLeaveRoom(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t, "passenger-a")

	send(t, c, InJoinRoom, roomPayload{RoomID: "all_buses"})
	assert.Equal(t, realtime.TypeRoomJoined, read(t, c).Type)
	assert.True(t, e.rooms.IsMember("A", "all_buses"))

	send(t, c, InLeaveRoom, roomPayload{RoomID: "all_buses"})
	assert.Equal(t, realtime.TypeRoomLeft, read(t, c).Type)
	assert.False(t, e.rooms.IsMember("A", "all_buses"))
}

func TestHandleWS_DriverLocationReachesSubscriber(t *testing.T) {
	e := newTestEnv(t)
	passenger := e.dial(t, "passenger-a")
	driver := e.dial(t, "driver")

	send(t, passenger, InSubscribeBus, busPayload{BusID: "B1"})
	assert.Equal(t, realtime.TypeBusTrackingSubscribed, read(t, passenger).Type)

	send(t, driver, InLocationUpdate, map[string]any{
		"bus_id": "B1", "latitude": 9.0317, "longitude": 38.7468, "speed": 30,
	})

	f := readType(t, passenger, realtime.TypeBusLocationUpdate)
	var upd realtime.BusLocationUpdate
	require.NoError(t, json.Unmarshal(f.Payload, &upd))
	assert.Equal(t, "B1", upd.BusID)
	assert.Equal(t, 9.0317, upd.Location.Lat)

	// новый подписчик сразу получает последнюю позицию
	other := e.dial(t, "passenger-b")
	send(t, other, InSubscribeBus, busPayload{BusID: "B1"})
	assert.Equal(t, realtime.TypeBusTrackingSubscribed, read(t, other).Type)
	assert.Equal(t, realtime.TypeBusLocationUpdate, read(t, other).Type)
}

func TestHandleWS_PassengerCannotPublishLocation(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t, "passenger-a")

	send(t, c, InLocationUpdate, map[string]any{"bus_id": "B1", "latitude": 9.0, "longitude": 38.7})
	f := read(t, c)
	assert.Equal(t, realtime.TypeError, f.Type)
	assert.Contains(t, string(f.Payload), "forbidden")

	_, ok := e.tracking.Snapshot("B1")
	assert.False(t, ok)
}

func TestHandleWS_ProximityAlert(t *testing.T) {
	e := newTestEnv(t)
	e.store.PutStop(domain.Stop{ID: "stop-1", Latitude: 9.0200, Longitude: 38.7530})
	passenger := e.dial(t, "passenger-a")
	driver := e.dial(t, "driver")

	send(t, passenger, InSubscribeProximity, proximityPayload{TargetID: "stop-1", RadiusMeters: 1468})
	assert.Equal(t, realtime.TypeProximitySubscribed, read(t, passenger).Type)

	send(t, driver, InLocationUpdate, map[string]any{"bus_id": "B1", "latitude": 9.0317, "longitude": 38.7468})

	f := readType(t, passenger, realtime.TypeProximityAlert)
	var alert realtime.ProximityAlert
	require.NoError(t, json.Unmarshal(f.Payload, &alert))
	assert.Equal(t, "B1", alert.BusID)
	assert.Equal(t, 1468.0, alert.DistanceMeters)

	send(t, passenger, InSubscribeProximity, proximityPayload{TargetID: "stop-1", RadiusMeters: 50000})
	assert.Equal(t, realtime.TypeError, read(t, passenger).Type)
}

func TestHandleWS_ChatEchoAndTyping(t *testing.T) {
	e := newTestEnv(t)
	a := e.dial(t, "passenger-a")
	b := e.dial(t, "passenger-b")

	for _, c := range []*websocket.Conn{a, b} {
		send(t, c, InJoinRoom, roomPayload{RoomID: realtime.ConversationRoom("c1")})
		assert.Equal(t, realtime.TypeRoomJoined, read(t, c).Type)
	}

	send(t, a, InSendMessage, sendMessagePayload{ConversationID: "c1", Content: "selam"})
	for _, c := range []*websocket.Conn{a, b} {
		f := read(t, c)
		require.Equal(t, realtime.TypeNewMessage, f.Type)
		var msg realtime.NewMessage
		require.NoError(t, json.Unmarshal(f.Payload, &msg))
		assert.Equal(t, "selam", msg.Content)
		assert.Equal(t, "A", msg.SenderID)
	}

	send(t, a, InTyping, typingPayload{ConversationID: "c1", IsTyping: true})
	send(t, a, InPing, nil)
	assert.Equal(t, realtime.TypePong, read(t, a).Type) // себе typing не приходит
	assert.Equal(t, realtime.TypeTypingStatus, read(t, b).Type)
}

func TestHandleWS_ReconnectSupersedesOldSession(t *testing.T) {
	e := newTestEnv(t)
	first := e.dial(t, "passenger-a")
	send(t, first, InJoinRoom, roomPayload{RoomID: "R"})
	assert.Equal(t, realtime.TypeRoomJoined, read(t, first).Type)

	second := e.dial(t, "passenger-a")
	assert.Equal(t, realtime.CloseSuperseded, closeCode(t, first))

	send(t, second, InPing, nil)
	assert.Equal(t, realtime.TypePong, read(t, second).Type)
	assert.True(t, e.registry.IsConnected("A"))
	// членство привязано к пользователю и переживает переподключение
	assert.Equal(t, []string{"R"}, e.rooms.RoomsOf("A"))
}

func TestHandleWS_DisconnectCleansUp(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t, "passenger-a")
	send(t, c, InSubscribeBus, busPayload{BusID: "B1"})
	assert.Equal(t, realtime.TypeBusTrackingSubscribed, read(t, c).Type)

	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = c.Close()

	assert.Eventually(t, func() bool {
		return !e.registry.IsConnected("A") && len(e.rooms.RoomsOf("A")) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	s := NewServer(Config{AllowedOrigins: []string{"https://app.guzosync.et", "localhost:4200"}}, Deps{}, discard)
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, s.checkOrigin(req("")))
	assert.True(t, s.checkOrigin(req("https://app.guzosync.et")))
	assert.True(t, s.checkOrigin(req("http://localhost:4200")))
	assert.False(t, s.checkOrigin(req("https://evil.example")))

	open := NewServer(Config{}, Deps{}, discard)
	assert.True(t, open.checkOrigin(req("https://anything.example")))
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?access_token=abc", nil)
	assert.Equal(t, "abc", tokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, "xyz", tokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Empty(t, tokenFromRequest(r))
}

func TestWsConnSendRespectsContext(t *testing.T) {
	c := newWsConn(nil, time.Second)
	c.sendMu <- struct{}{} // очередь занята

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Send(ctx, realtime.Pong{}), context.DeadlineExceeded)
}
