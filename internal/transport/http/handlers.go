package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
	"github.com/cwrk-planet/guzosync-realtime/internal/geo"
	"github.com/cwrk-planet/guzosync-realtime/internal/realtime"
	"github.com/cwrk-planet/guzosync-realtime/internal/service"

	"github.com/go-chi/chi/v5"
)

type TrackingSvc interface {
	UpdateLocation(ctx context.Context, upd service.LocationUpdate) (service.UpdateResult, error)
	Snapshot(busID string) (domain.BusLocationSnapshot, bool)
	UpcomingStops(ctx context.Context, snap domain.BusLocationSnapshot, limit int) ([]domain.Stop, error)
	Preferences(userID string) []domain.ProximityPreference
}

type Estimator interface {
	Estimate(ctx context.Context, origin, dest geo.Point, speedKmh *float64) service.Estimate
}

type StopCatalog interface {
	GetStop(ctx context.Context, id string) (*domain.Stop, error)
}

type Notifier interface {
	SendPersonal(ctx context.Context, userID string, ev realtime.Event) bool
	BroadcastAll(ctx context.Context, ev realtime.Event) int
}

type Stats interface {
	ConnectionCount() int
}

type RoomStats interface {
	RoomCount() int
}

type Handler struct {
	tracking TrackingSvc
	eta      Estimator
	stops    StopCatalog
	notifier Notifier
	conns    Stats
	rooms    RoomStats
}

type locationRequest struct {
	RouteID   string   `json:"route_id"` // только для автобуса без назначенного маршрута
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Heading   *float64 `json:"heading"`
	Speed     *float64 `json:"speed"`
}

type locationResponse struct {
	Snapshot  snapshotDTO `json:"snapshot"`
	Delivered int         `json:"delivered"`
	Alerts    int         `json:"alerts"`
}

type snapshotDTO struct {
	BusID     string    `json:"bus_id"`
	RouteID   string    `json:"route_id,omitempty"`
	Location  geo.Point `json:"location"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toSnapshotDTO(s domain.BusLocationSnapshot) snapshotDTO {
	return snapshotDTO{
		BusID:     s.BusID,
		RouteID:   s.RouteID,
		Location:  geo.Point{Lat: s.Latitude, Lon: s.Longitude},
		Heading:   s.Heading,
		Speed:     s.Speed,
		UpdatedAt: s.UpdatedAt.UTC(),
	}
}

// PostLocation: POST /buses/{id}/location, для водительских устройств без ws.
func (h *Handler) PostLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		failErr(w, err)
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		fail(w, http.StatusBadRequest, "latitude and longitude are required")
		return
	}

	res, err := h.tracking.UpdateLocation(r.Context(), service.LocationUpdate{
		BusID:    chi.URLParam(r, "id"),
		RouteID:  req.RouteID,
		Point:    geo.Point{Lat: *req.Latitude, Lon: *req.Longitude},
		Heading:  req.Heading,
		SpeedKmh: req.Speed,
	})
	if err != nil {
		failErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, envelope{"data": locationResponse{
		Snapshot:  toSnapshotDTO(res.Snapshot),
		Delivered: res.Delivered,
		Alerts:    res.Alerts,
	}})
}

// GetBus: GET /buses/{id}: последняя известная позиция.
func (h *Handler) GetBus(w http.ResponseWriter, r *http.Request) {
	snap, found := h.tracking.Snapshot(chi.URLParam(r, "id"))
	if !found {
		fail(w, http.StatusNotFound, "no live location for bus")
		return
	}
	ok(w, toSnapshotDTO(snap))
}

type stopETADTO struct {
	StopID string `json:"stop_id"`
	service.Estimate
}

// GetETA: GET /buses/{id}/eta?stop_id=...; без stop_id: ближайшие остановки маршрута.
func (h *Handler) GetETA(w http.ResponseWriter, r *http.Request) {
	snap, found := h.tracking.Snapshot(chi.URLParam(r, "id"))
	if !found {
		fail(w, http.StatusNotFound, "no live location for bus")
		return
	}
	origin := geo.Point{Lat: snap.Latitude, Lon: snap.Longitude}

	var stops []domain.Stop
	if stopID := strings.TrimSpace(r.URL.Query().Get("stop_id")); stopID != "" {
		st, err := h.stops.GetStop(r.Context(), stopID)
		if err != nil {
			failErr(w, err)
			return
		}
		stops = []domain.Stop{*st}
	} else {
		var err error
		if stops, err = h.tracking.UpcomingStops(r.Context(), snap, 3); err != nil {
			failErr(w, err)
			return
		}
	}

	out := make([]stopETADTO, 0, len(stops))
	for _, st := range stops {
		est := h.eta.Estimate(r.Context(), origin, geo.Point{Lat: st.Latitude, Lon: st.Longitude}, snap.Speed)
		out = append(out, stopETADTO{StopID: st.ID, Estimate: est})
	}
	ok(w, envelope{"bus_id": snap.BusID, "stops": out})
}

type proximityDTO struct {
	TargetID     string    `json:"target_id"`
	RadiusMeters float64   `json:"radius_meters"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

// GetMyProximity: GET /me/proximity: активные подписки вызывающего на близость.
// Подписки живут, пока у пользователя открыт ws.
func (h *Handler) GetMyProximity(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	prefs := h.tracking.Preferences(id.UserID)
	out := make([]proximityDTO, 0, len(prefs))
	for _, p := range prefs {
		out = append(out, proximityDTO{TargetID: p.TargetID, RadiusMeters: p.RadiusMeters, SubscribedAt: p.SubscribedAt.UTC()})
	}
	ok(w, envelope{"user_id": id.UserID, "subscriptions": out})
}

type notificationRequest struct {
	UserID           string `json:"user_id"` // пусто: всем подключённым
	Title            string `json:"title"`
	Message          string `json:"message"`
	NotificationType string `json:"notification_type"`
	RelatedEntity    string `json:"related_entity"`
}

// PostNotification: POST /notifications (admin).
func (h *Handler) PostNotification(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		failErr(w, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Message) == "" {
		failErr(w, fmt.Errorf("title and message are required: %w", domain.ErrInvalidInput))
		return
	}
	if req.NotificationType == "" {
		req.NotificationType = "GENERAL"
	}

	ev := realtime.Notification{
		Title:            req.Title,
		Message:          req.Message,
		NotificationType: req.NotificationType,
		RelatedEntity:    req.RelatedEntity,
	}
	delivered := 0
	if req.UserID != "" {
		if h.notifier.SendPersonal(r.Context(), req.UserID, ev) {
			delivered = 1
		}
	} else {
		delivered = h.notifier.BroadcastAll(r.Context(), ev)
	}
	writeJSON(w, http.StatusAccepted, envelope{"data": envelope{"delivered": delivered}})
}

// GetStats: GET /stats.
func (h *Handler) GetStats(w http.ResponseWriter, _ *http.Request) {
	ok(w, envelope{
		"connections": h.conns.ConnectionCount(),
		"rooms":       h.rooms.RoomCount(),
	})
}
