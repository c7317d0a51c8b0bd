package ws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
	"github.com/cwrk-planet/guzosync-realtime/internal/geo"
	"github.com/cwrk-planet/guzosync-realtime/internal/realtime"
	"github.com/cwrk-planet/guzosync-realtime/internal/service"
)

// handle обрабатывает один входящий кадр и возвращает ответы отправителю.
func (s *Server) handle(ctx context.Context, sess *session, f inboundFrame) []realtime.Event {
	userID := sess.identity.UserID
	var err error

	switch f.Type {
	case InPing:
		return one(realtime.Pong{Timestamp: s.now().Unix()})

	case InJoinRoom, InLeaveRoom:
		var p roomPayload
		if err = decode(f.Payload, &p); err == nil {
			err = required("room_id", strings.TrimSpace(p.RoomID))
		}
		if err != nil {
			break
		}
		if f.Type == InLeaveRoom {
			s.deps.Rooms.Leave(userID, p.RoomID)
			return one(realtime.RoomMembership{Joined: false, RoomID: p.RoomID})
		}
		if err = s.deps.Rooms.Join(userID, p.RoomID); err != nil {
			break
		}
		return one(realtime.RoomMembership{Joined: true, RoomID: p.RoomID})

	case InSubscribeBus, InUnsubscribeBus:
		var p busPayload
		if err = decode(f.Payload, &p); err == nil {
			err = required("bus_id", strings.TrimSpace(p.BusID))
		}
		if err != nil {
			break
		}
		room := realtime.BusRoom(p.BusID)
		if f.Type == InUnsubscribeBus {
			s.deps.Rooms.Leave(userID, room)
			return one(realtime.RoomMembership{Joined: false, RoomID: room})
		}
		if err = s.deps.Rooms.Join(userID, room); err != nil {
			break
		}
		out := one(realtime.Subscription{Kind: realtime.TypeBusTrackingSubscribed, TargetID: p.BusID, RoomID: room})
		// сразу отдаём последнюю известную позицию
		if snap, ok := s.deps.Tracking.Snapshot(p.BusID); ok {
			out = append(out, locationEvent(snap))
		}
		return out

	case InSubscribeRoute, InUnsubscribeRoute:
		var p routePayload
		if err = decode(f.Payload, &p); err == nil {
			err = required("route_id", strings.TrimSpace(p.RouteID))
		}
		if err != nil {
			break
		}
		room := realtime.RouteRoom(p.RouteID)
		if f.Type == InUnsubscribeRoute {
			s.deps.Rooms.Leave(userID, room)
			return one(realtime.RoomMembership{Joined: false, RoomID: room})
		}
		if err = s.deps.Rooms.Join(userID, room); err != nil {
			break
		}
		return one(realtime.Subscription{Kind: realtime.TypeRouteTrackingSubscribed, TargetID: p.RouteID, RoomID: room})

	case InSubscribeProximity, InUnsubscribeProximity:
		var p proximityPayload
		if err = decode(f.Payload, &p); err == nil {
			err = required("target_id", strings.TrimSpace(p.TargetID))
		}
		if err != nil {
			break
		}
		room := realtime.ProximityRoom(p.TargetID)
		if f.Type == InUnsubscribeProximity {
			s.deps.Tracking.UnsubscribeProximity(userID, p.TargetID)
			return one(realtime.RoomMembership{Joined: false, RoomID: room})
		}
		if _, err = s.deps.Tracking.SubscribeProximity(userID, p.TargetID, p.RadiusMeters); err != nil {
			break
		}
		return one(realtime.Subscription{Kind: realtime.TypeProximitySubscribed, TargetID: p.TargetID, RoomID: room})

	case InSendMessage:
		var p sendMessagePayload
		if err = decode(f.Payload, &p); err == nil {
			err = required("conversation_id", p.ConversationID)
		}
		if err != nil {
			break
		}
		// эхо отправителю приходит через рассылку в комнату
		_, err = s.deps.Chat.Send(ctx, userID, p.ConversationID, p.Content)

	case InTyping:
		var p typingPayload
		if err = decode(f.Payload, &p); err == nil {
			err = required("conversation_id", p.ConversationID)
		}
		if err != nil {
			break
		}
		s.deps.Chat.Typing(ctx, userID, p.ConversationID, p.IsTyping)

	case InMarkRead:
		var p markReadPayload
		if err = decode(f.Payload, &p); err == nil {
			err = required("conversation_id", p.ConversationID)
		}
		if err != nil {
			break
		}
		_, err = s.deps.Chat.MarkRead(ctx, userID, p.ConversationID, p.MessageID)

	case InLocationUpdate:
		if !sess.identity.CanPublishLocation() {
			err = fmt.Errorf("role %s cannot publish locations: %w", sess.identity.Role, domain.ErrForbidden)
			break
		}
		var p locationPayload
		if err = decode(f.Payload, &p); err == nil {
			err = required("bus_id", strings.TrimSpace(p.BusID))
		}
		if err == nil && (p.Latitude == nil || p.Longitude == nil) {
			err = fmt.Errorf("latitude and longitude are required: %w", domain.ErrInvalidInput)
		}
		if err != nil {
			break
		}
		_, err = s.deps.Tracking.UpdateLocation(ctx, service.LocationUpdate{
			BusID:    p.BusID,
			RouteID:  p.RouteID,
			Point:    geo.Point{Lat: *p.Latitude, Lon: *p.Longitude},
			Heading:  p.Heading,
			SpeedKmh: p.Speed,
		})

	default:
		err = fmt.Errorf("unknown message type %q: %w", f.Type, domain.ErrInvalidInput)
	}

	if err != nil {
		sess.log.Debug("ws frame rejected", "type", f.Type, "err", err)
		return one(errorEvent(err))
	}
	return nil
}

func one(ev realtime.Event) []realtime.Event { return []realtime.Event{ev} }

func locationEvent(snap domain.BusLocationSnapshot) realtime.BusLocationUpdate {
	return realtime.BusLocationUpdate{
		BusID:     snap.BusID,
		RouteID:   snap.RouteID,
		Location:  geo.Point{Lat: snap.Latitude, Lon: snap.Longitude},
		Heading:   snap.Heading,
		Speed:     snap.Speed,
		Timestamp: snap.UpdatedAt,
	}
}

// errorEvent показывает клиенту ошибки валидации и доступа, остальное скрывает.
func errorEvent(err error) realtime.ErrorEvent {
	switch {
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrForbidden),
		errors.Is(err, domain.ErrNotConnected),
		errors.Is(err, domain.ErrNotFound):
		return realtime.ErrorEvent{Message: err.Error()}
	default:
		return realtime.ErrorEvent{Message: "internal error"}
	}
}
