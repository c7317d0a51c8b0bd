package ws

import (
	"encoding/json"
	"fmt"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
)

// Типы входящих кадров
const (
	InJoinRoom             = "join_room"
	InLeaveRoom            = "leave_room"
	InPing                 = "ping"
	InSubscribeBus         = "subscribe_bus"
	InUnsubscribeBus       = "unsubscribe_bus"
	InSubscribeRoute       = "subscribe_route"
	InUnsubscribeRoute     = "unsubscribe_route"
	InSubscribeProximity   = "subscribe_proximity"
	InUnsubscribeProximity = "unsubscribe_proximity"
	InSendMessage          = "send_message"
	InTyping               = "typing"
	InMarkRead             = "mark_read"
	InLocationUpdate       = "location_update"
)

type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type roomPayload struct {
	RoomID string `json:"room_id"`
}

type busPayload struct {
	BusID string `json:"bus_id"`
}

type routePayload struct {
	RouteID string `json:"route_id"`
}

type proximityPayload struct {
	TargetID     string  `json:"target_id"`
	RadiusMeters float64 `json:"radius_meters"`
}

type sendMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

type typingPayload struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

type markReadPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type locationPayload struct {
	BusID     string   `json:"bus_id"`
	RouteID   string   `json:"route_id"` // только для автобуса без назначенного маршрута
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Heading   *float64 `json:"heading"`
	Speed     *float64 `json:"speed"`
}

func parseFrame(data []byte) (inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("malformed frame: %w", domain.ErrInvalidInput)
	}
	if f.Type == "" {
		return f, fmt.Errorf("frame without type: %w", domain.ErrInvalidInput)
	}
	return f, nil
}

// decode разбирает payload; отсутствующий payload читается как пустой объект.
func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("malformed payload: %w", domain.ErrInvalidInput)
	}
	return nil
}

func required(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required: %w", field, domain.ErrInvalidInput)
	}
	return nil
}
