package realtime

import (
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/geo"
)

// Типы исходящих событий.
const (
	TypeBusLocationUpdate       = "bus_location_update"
	TypeBusTrackingSubscribed   = "bus_tracking_subscribed"
	TypeRouteTrackingSubscribed = "route_tracking_subscribed"
	TypeProximitySubscribed     = "proximity_subscribed"
	TypeProximityAlert          = "proximity_alert"
	TypeNewMessage              = "new_message"
	TypeTypingStatus            = "typing_status"
	TypeMessageRead             = "message_read"
	TypeNotification            = "notification"
	TypeFleetSnapshot           = "fleet_snapshot"
	TypeBusETAUpdate            = "bus_eta_update"
	TypeRoomJoined              = "room_joined"
	TypeRoomLeft                = "room_left"
	TypePong                    = "pong"
	TypeError                   = "error"
)

// Event: закрытое множество исходящих событий. Реализации только в этом пакете.
type Event interface {
	Type() string
	sealed()
}

// Frame уходит в канал как {"type": ..., "payload": {...}}.
type Frame struct {
	Type    string `json:"type"`
	Payload Event  `json:"payload"`
}

func Encode(ev Event) Frame {
	return Frame{Type: ev.Type(), Payload: ev}
}

type BusLocationUpdate struct {
	BusID     string    `json:"bus_id"`
	RouteID   string    `json:"route_id,omitempty"`
	Location  geo.Point `json:"location"`
	Heading   *float64  `json:"heading"`
	Speed     *float64  `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}

func (BusLocationUpdate) Type() string { return TypeBusLocationUpdate }

// Subscription подтверждает подписку на трекинг; Kind определяет тип события.
type Subscription struct {
	Kind     string `json:"-"`
	TargetID string `json:"target_id"`
	RoomID   string `json:"room_id"`
}

func (s Subscription) Type() string { return s.Kind }

type ProximityAlert struct {
	BusID                   string  `json:"bus_id"`
	TargetID                string  `json:"target_id"`
	DistanceMeters          float64 `json:"distance_meters"`
	EstimatedArrivalMinutes int     `json:"estimated_arrival_minutes"`
}

func (ProximityAlert) Type() string { return TypeProximityAlert }

type NewMessage struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

func (NewMessage) Type() string { return TypeNewMessage }

type TypingStatus struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

func (TypingStatus) Type() string { return TypeTypingStatus }

type MessageRead struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id"`
}

func (MessageRead) Type() string { return TypeMessageRead }

type Notification struct {
	Title            string `json:"title"`
	Message          string `json:"message"`
	NotificationType string `json:"notification_type"`
	RelatedEntity    string `json:"related_entity,omitempty"`
}

func (Notification) Type() string { return TypeNotification }

type FleetBus struct {
	BusID     string    `json:"bus_id"`
	RouteID   string    `json:"route_id,omitempty"`
	Location  geo.Point `json:"location"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type FleetSnapshot struct {
	Buses     []FleetBus `json:"buses"`
	Timestamp time.Time  `json:"timestamp"`
}

func (FleetSnapshot) Type() string { return TypeFleetSnapshot }

type StopETA struct {
	StopID     string  `json:"stop_id"`
	DistanceKm float64 `json:"distance_km"`
	ETAMinutes int     `json:"eta_minutes"`
}

type BusETAUpdate struct {
	BusID     string    `json:"bus_id"`
	RouteID   string    `json:"route_id"`
	Stops     []StopETA `json:"stops"`
	Timestamp time.Time `json:"timestamp"`
}

func (BusETAUpdate) Type() string { return TypeBusETAUpdate }

// RoomMembership: ответ на join_room/leave_room.
type RoomMembership struct {
	Joined bool   `json:"-"`
	RoomID string `json:"room_id"`
}

func (r RoomMembership) Type() string {
	if r.Joined {
		return TypeRoomJoined
	}
	return TypeRoomLeft
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

func (Pong) Type() string { return TypePong }

type ErrorEvent struct {
	Message string `json:"message"`
}

func (ErrorEvent) Type() string { return TypeError }

func (BusLocationUpdate) sealed() {}
func (Subscription) sealed()      {}
func (ProximityAlert) sealed()    {}
func (NewMessage) sealed()        {}
func (TypingStatus) sealed()      {}
func (MessageRead) sealed()       {}
func (Notification) sealed()      {}
func (FleetSnapshot) sealed()     {}
func (BusETAUpdate) sealed()      {}
func (RoomMembership) sealed()    {}
func (Pong) sealed()              {}
func (ErrorEvent) sealed()        {}
