package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
	"github.com/cwrk-planet/guzosync-realtime/internal/geo"
	"github.com/cwrk-planet/guzosync-realtime/internal/memory"
	"github.com/cwrk-planet/guzosync-realtime/internal/realtime"
	"github.com/cwrk-planet/guzosync-realtime/internal/realtime/realtimetest"
	"github.com/cwrk-planet/guzosync-realtime/internal/service"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// точки из эталонного замера: 1468.38 м между автобусом и остановкой
var (
	fixtureBus  = geo.Point{Lat: 9.0317, Lon: 38.7468}
	fixtureStop = domain.Stop{ID: "stop-1", Name: "Meskel Square", Latitude: 9.0200, Longitude: 38.7530}
)

type env struct {
	hub      *realtimetest.Hub
	store    *memory.Store
	eta      *service.ETAService
	tracking *service.TrackingService
}

func newEnv(t *testing.T, cfg service.TrackingConfig, directions service.Directions) *env {
	t.Helper()
	hub := realtimetest.NewHub(realtime.DispatcherConfig{SendTimeout: 100 * time.Millisecond, Concurrency: 4})
	store := memory.NewStore()
	store.PutStop(fixtureStop)

	eta := service.NewETAService(service.DefaultETAConfig(), directions, discard)
	tracking := service.NewTrackingService(cfg, store, store, hub.Rooms, hub.Registry, hub.Dispatcher, eta, discard)
	hub.Registry.OnDisconnect(tracking.ClearPreferences)
	t.Cleanup(tracking.Flush)

	return &env{hub: hub, store: store, eta: eta, tracking: tracking}
}

type fakeDirections struct {
	route *domain.DirectionsRoute
	err   error
	calls atomic.Int32
}

func (f *fakeDirections) Route(ctx context.Context, _ []geo.Point) (*domain.DirectionsRoute, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.route, ctx.Err()
}

var errUpstream = errors.New("upstream down")

func ptr(v float64) *float64 { return &v }
