package service

import (
	"context"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
	"github.com/cwrk-planet/guzosync-realtime/internal/geo"
	"github.com/cwrk-planet/guzosync-realtime/internal/realtime"
)

type LocationStore interface {
	Upsert(ctx context.Context, snap domain.BusLocationSnapshot) error
}

// Catalog: чтение справочников по id. ErrNotFound, если записи нет.
type Catalog interface {
	GetBus(ctx context.Context, id string) (*domain.Bus, error)
	GetRoute(ctx context.Context, id string) (*domain.Route, error)
	GetStop(ctx context.Context, id string) (*domain.Stop, error)
}

type ChatStore interface {
	Save(ctx context.Context, conversationID, senderID, content string) (*domain.ChatMessage, error)
	MarkRead(ctx context.Context, conversationID, messageID, userID string) error
}

type Directions interface {
	Route(ctx context.Context, waypoints []geo.Point) (*domain.DirectionsRoute, error)
}

type Dispatcher interface {
	SendPersonal(ctx context.Context, userID string, ev realtime.Event) bool
	SendRoom(ctx context.Context, roomID string, ev realtime.Event, exclude ...string) int
	BroadcastAll(ctx context.Context, ev realtime.Event) int
	SendEach(ctx context.Context, batch []realtime.Personal) int
}

type RoomDirectory interface {
	Join(userID, roomID string) error
	Leave(userID, roomID string) bool
	IsMember(userID, roomID string) bool
	Members(roomID string) []string
	RoomsWithPrefix(prefix string) []string
}

type Presence interface {
	IsConnected(userID string) bool
}
