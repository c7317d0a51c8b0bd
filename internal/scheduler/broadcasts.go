package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
	"github.com/cwrk-planet/guzosync-realtime/internal/geo"
	"github.com/cwrk-planet/guzosync-realtime/internal/realtime"
	"github.com/cwrk-planet/guzosync-realtime/internal/service"

	"github.com/samber/lo"
)

type Fleet interface {
	Fleet() []domain.BusLocationSnapshot
	ActiveBuses() []domain.BusLocationSnapshot
	UpcomingStops(ctx context.Context, snap domain.BusLocationSnapshot, limit int) ([]domain.Stop, error)
}

type Estimator interface {
	Estimate(ctx context.Context, origin, dest geo.Point, speedKmh *float64) service.Estimate
}

type Dispatcher interface {
	SendRoom(ctx context.Context, roomID string, ev realtime.Event, exclude ...string) int
}

type Rooms interface {
	Members(roomID string) []string
}

// FleetBroadcast шлёт в all_buses снапшот всего парка, включая давно молчащие автобусы.
type FleetBroadcast struct {
	fleet Fleet
	rooms Rooms
	out   Dispatcher
	now   func() time.Time
}

func NewFleetBroadcast(fleet Fleet, rooms Rooms, out Dispatcher) *FleetBroadcast {
	return &FleetBroadcast{fleet: fleet, rooms: rooms, out: out, now: time.Now}
}

func (b *FleetBroadcast) Run(ctx context.Context) error {
	if len(b.rooms.Members(realtime.RoomAllBuses)) == 0 {
		return nil
	}
	buses := lo.Map(b.fleet.Fleet(), func(s domain.BusLocationSnapshot, _ int) realtime.FleetBus {
		return realtime.FleetBus{
			BusID:     s.BusID,
			RouteID:   s.RouteID,
			Location:  geo.Point{Lat: s.Latitude, Lon: s.Longitude},
			Heading:   s.Heading,
			Speed:     s.Speed,
			UpdatedAt: s.UpdatedAt,
		}
	})
	b.out.SendRoom(ctx, realtime.RoomAllBuses, realtime.FleetSnapshot{
		Buses:     buses,
		Timestamp: b.now().UTC(),
	})
	return nil
}

type ETAConfig struct {
	BatchSize  int // автобусов за цикл
	StopsAhead int // остановок в одном обновлении
}

// ETABroadcast пересчитывает ETA до ближайших остановок для ограниченной
// порции автобусов за цикл; порции идут по кругу.
type ETABroadcast struct {
	cfg    ETAConfig
	fleet  Fleet
	eta    Estimator
	rooms  Rooms
	out    Dispatcher
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cursor int
}

func NewETABroadcast(cfg ETAConfig, fleet Fleet, eta Estimator, rooms Rooms, out Dispatcher, logger *slog.Logger) *ETABroadcast {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.StopsAhead <= 0 {
		cfg.StopsAhead = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ETABroadcast{
		cfg:    cfg,
		fleet:  fleet,
		eta:    eta,
		rooms:  rooms,
		out:    out,
		logger: logger.With("component", "eta_broadcast"),
		now:    time.Now,
	}
}

func (b *ETABroadcast) Run(ctx context.Context) error {
	for _, snap := range b.nextBatch(b.fleet.ActiveBuses()) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.broadcastBus(ctx, snap)
	}
	return nil
}

// nextBatch берёт BatchSize автобусов начиная с курсора, с переходом через конец.
func (b *ETABroadcast) nextBatch(active []domain.BusLocationSnapshot) []domain.BusLocationSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(active)
	if n <= b.cfg.BatchSize {
		b.cursor = 0
		return active
	}
	start := b.cursor % n
	out := make([]domain.BusLocationSnapshot, 0, b.cfg.BatchSize)
	for i := range b.cfg.BatchSize {
		out = append(out, active[(start+i)%n])
	}
	b.cursor = (start + b.cfg.BatchSize) % n
	return out
}

func (b *ETABroadcast) broadcastBus(ctx context.Context, snap domain.BusLocationSnapshot) {
	busRoom := realtime.BusRoom(snap.BusID)
	routeRoom := realtime.RouteRoom(snap.RouteID)
	if snap.RouteID == "" ||
		len(b.rooms.Members(busRoom))+len(b.rooms.Members(routeRoom)) == 0 {
		return
	}

	stops, err := b.fleet.UpcomingStops(ctx, snap, b.cfg.StopsAhead)
	if err != nil {
		b.logger.Warn("upcoming stops failed", "bus", snap.BusID, "err", err)
		return
	}
	if len(stops) == 0 {
		return
	}

	origin := geo.Point{Lat: snap.Latitude, Lon: snap.Longitude}
	etas := make([]realtime.StopETA, 0, len(stops))
	for _, st := range stops {
		est := b.eta.Estimate(ctx, origin, geo.Point{Lat: st.Latitude, Lon: st.Longitude}, snap.Speed)
		etas = append(etas, realtime.StopETA{
			StopID:     st.ID,
			DistanceKm: est.DistanceKm,
			ETAMinutes: est.ETAMinutes,
		})
	}

	ev := realtime.BusETAUpdate{
		BusID:     snap.BusID,
		RouteID:   snap.RouteID,
		Stops:     etas,
		Timestamp: b.now().UTC(),
	}
	b.out.SendRoom(ctx, busRoom, ev)
	b.out.SendRoom(ctx, routeRoom, ev)
}
