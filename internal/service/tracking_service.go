package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
	"github.com/cwrk-planet/guzosync-realtime/internal/geo"
	"github.com/cwrk-planet/guzosync-realtime/internal/realtime"
)

type TrackingConfig struct {
	DefaultRadiusMeters float64
	MaxRadiusMeters     float64
	// AlertCooldown: пауза между алертами для (user, target, bus). При 0 алерт на каждое обновление.
	AlertCooldown  time.Duration
	PersistTimeout time.Duration
	LookupTimeout  time.Duration
	RouteCacheTTL  time.Duration
	// MissingStopTTL: сколько помнить, что остановки нет в справочнике.
	MissingStopTTL time.Duration
	ActiveWindow   time.Duration // сколько автобус считается активным после последнего обновления
}

func DefaultTrackingConfig() TrackingConfig {
	return TrackingConfig{
		DefaultRadiusMeters: 500,
		MaxRadiusMeters:     10000,
		PersistTimeout:      3 * time.Second,
		LookupTimeout:       2 * time.Second,
		RouteCacheTTL:       5 * time.Minute,
		MissingStopTTL:      30 * time.Second,
		ActiveWindow:        5 * time.Minute,
	}
}

type LocationUpdate struct {
	BusID    string
	RouteID  string // учитывается, только если у автобуса нет назначенного маршрута
	Point    geo.Point
	Heading  *float64
	SpeedKmh *float64
}

type UpdateResult struct {
	Snapshot  domain.BusLocationSnapshot
	Delivered int // получателей bus/route комнат
	Alerts    int
	// Stale: в кеше уже более свежая позиция; обновление отброшено без рассылки.
	Stale bool
}

type alertKey struct {
	userID, targetID, busID string
}

type cachedRoute struct {
	routeID   string
	fetchedAt time.Time
}

// TrackingService: живые позиции автобусов, подписки на близость и алерты.
type TrackingService struct {
	cfg      TrackingConfig
	catalog  Catalog
	store    LocationStore
	rooms    RoomDirectory
	presence Presence
	out      Dispatcher
	eta      *ETAService
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	snapshots map[string]domain.BusLocationSnapshot

	prefMu    sync.Mutex
	prefs     map[string]map[string]domain.ProximityPreference // user -> target
	lastAlert map[alertKey]time.Time

	cacheMu      sync.Mutex
	stops        map[string]domain.Stop
	missingStops map[string]time.Time
	busRoutes    map[string]cachedRoute
	knownRoutes  map[string]time.Time
	persistWait  sync.WaitGroup
}

func NewTrackingService(
	cfg TrackingConfig,
	catalog Catalog,
	store LocationStore,
	rooms RoomDirectory,
	presence Presence,
	out Dispatcher,
	eta *ETAService,
	logger *slog.Logger,
) *TrackingService {
	def := DefaultTrackingConfig()
	if cfg.DefaultRadiusMeters <= 0 {
		cfg.DefaultRadiusMeters = def.DefaultRadiusMeters
	}
	if cfg.MaxRadiusMeters <= 0 {
		cfg.MaxRadiusMeters = def.MaxRadiusMeters
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if cfg.RouteCacheTTL <= 0 {
		cfg.RouteCacheTTL = def.RouteCacheTTL
	}
	if cfg.MissingStopTTL <= 0 {
		cfg.MissingStopTTL = def.MissingStopTTL
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = def.ActiveWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TrackingService{
		cfg:          cfg,
		catalog:      catalog,
		store:        store,
		rooms:        rooms,
		presence:     presence,
		out:          out,
		eta:          eta,
		logger:       logger.With("component", "tracking"),
		now:          time.Now,
		snapshots:    make(map[string]domain.BusLocationSnapshot),
		prefs:        make(map[string]map[string]domain.ProximityPreference),
		lastAlert:    make(map[alertKey]time.Time),
		stops:        make(map[string]domain.Stop),
		missingStops: make(map[string]time.Time),
		busRoutes:    make(map[string]cachedRoute),
		knownRoutes:  make(map[string]time.Time),
	}
}

// UpdateLocation записывает позицию, сохраняет её в фоне, рассылает подписчикам
// автобуса и маршрута и проверяет подписки на близость.
func (s *TrackingService) UpdateLocation(ctx context.Context, upd LocationUpdate) (UpdateResult, error) {
	upd.BusID = strings.TrimSpace(upd.BusID)
	if upd.BusID == "" {
		return UpdateResult{}, fmt.Errorf("empty bus id: %w", domain.ErrInvalidInput)
	}
	if !upd.Point.Valid() {
		return UpdateResult{}, fmt.Errorf("coordinates out of range: %w", domain.ErrInvalidInput)
	}

	snap := domain.BusLocationSnapshot{
		BusID:     upd.BusID,
		RouteID:   s.resolveRoute(ctx, upd.BusID, strings.TrimSpace(upd.RouteID)),
		Latitude:  upd.Point.Lat,
		Longitude: upd.Point.Lon,
		Heading:   upd.Heading,
		Speed:     upd.SpeedKmh,
	}

	// метка ставится под локом: в кеше метки одного автобуса только растут
	s.mu.Lock()
	snap.UpdatedAt = s.now().UTC()
	if cur, ok := s.snapshots[snap.BusID]; ok && cur.UpdatedAt.After(snap.UpdatedAt) {
		s.mu.Unlock()
		s.logger.Debug("stale location dropped", "bus", snap.BusID,
			"cached_at", cur.UpdatedAt, "update_at", snap.UpdatedAt)
		return UpdateResult{Snapshot: cur, Stale: true}, nil
	}
	s.snapshots[snap.BusID] = snap
	s.mu.Unlock()

	s.persist(ctx, snap)

	ev := realtime.BusLocationUpdate{
		BusID:     snap.BusID,
		RouteID:   snap.RouteID,
		Location:  upd.Point,
		Heading:   snap.Heading,
		Speed:     snap.Speed,
		Timestamp: snap.UpdatedAt,
	}
	res := UpdateResult{Snapshot: snap}
	res.Delivered = s.out.SendRoom(ctx, realtime.BusRoom(snap.BusID), ev)
	if snap.RouteID != "" {
		res.Delivered += s.out.SendRoom(ctx, realtime.RouteRoom(snap.RouteID), ev)
	}
	res.Alerts = s.checkProximity(ctx, snap)

	return res, nil
}

// persist пишет снапшот в хранилище, не блокируя рассылку. Ошибка только логируется.
func (s *TrackingService) persist(ctx context.Context, snap domain.BusLocationSnapshot) {
	if s.store == nil {
		return
	}
	s.persistWait.Add(1)
	go func() {
		defer s.persistWait.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
		defer cancel()

		if err := s.store.Upsert(pctx, snap); err != nil {
			s.logger.Warn("persist location failed",
				"bus", snap.BusID, "err", fmt.Errorf("%w: %v", domain.ErrPersistence, err))
		}
	}()
}

// Flush ждёт завершения фоновых записей (shutdown, тесты).
func (s *TrackingService) Flush() {
	s.persistWait.Wait()
}

func (s *TrackingService) checkProximity(ctx context.Context, snap domain.BusLocationSnapshot) int {
	busPoint := geo.Point{Lat: snap.Latitude, Lon: snap.Longitude}
	var batch []realtime.Personal

	for _, roomID := range s.rooms.RoomsWithPrefix(realtime.PrefixProximity) {
		members := s.rooms.Members(roomID)
		if len(members) == 0 {
			continue
		}
		targetID := strings.TrimPrefix(roomID, realtime.PrefixProximity)

		stop, err := s.stop(ctx, targetID)
		if err != nil {
			s.logger.Debug("proximity target lookup failed", "target", targetID, "err", err)
			continue
		}
		stopPoint := geo.Point{Lat: stop.Latitude, Lon: stop.Longitude}

		// сравнение в целых метрах: именно это значение уходит клиенту
		distance := math.Round(geo.Distance(busPoint, stopPoint))
		var estimate *Estimate

		for _, userID := range members {
			radius := s.radiusFor(userID, targetID)
			if distance > radius {
				continue
			}
			if !s.allowAlert(userID, targetID, snap.BusID) {
				continue
			}
			if estimate == nil {
				e := s.eta.StraightLine(busPoint, stopPoint, snap.Speed)
				estimate = &e
			}
			batch = append(batch, realtime.Personal{UserID: userID, Event: realtime.ProximityAlert{
				BusID:                   snap.BusID,
				TargetID:                targetID,
				DistanceMeters:          distance,
				EstimatedArrivalMinutes: estimate.ETAMinutes,
			}})
		}
	}
	if len(batch) == 0 {
		return 0
	}
	// зависший подписчик не задерживает алерты остальных
	return s.out.SendEach(ctx, batch)
}

func (s *TrackingService) radiusFor(userID, targetID string) float64 {
	s.prefMu.Lock()
	defer s.prefMu.Unlock()
	if p, ok := s.prefs[userID][targetID]; ok {
		return p.RadiusMeters
	}
	return s.cfg.DefaultRadiusMeters
}

func (s *TrackingService) allowAlert(userID, targetID, busID string) bool {
	if s.cfg.AlertCooldown <= 0 {
		return true
	}
	key := alertKey{userID: userID, targetID: targetID, busID: busID}
	now := s.now()

	s.prefMu.Lock()
	defer s.prefMu.Unlock()
	if last, ok := s.lastAlert[key]; ok && now.Sub(last) < s.cfg.AlertCooldown {
		return false
	}
	s.lastAlert[key] = now
	return true
}

// SubscribeProximity вступает в комнату proximity_alerts:<target> и запоминает радиус.
// radius <= 0 означает радиус по умолчанию.
func (s *TrackingService) SubscribeProximity(userID, targetID string, radius float64) (domain.ProximityPreference, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return domain.ProximityPreference{}, fmt.Errorf("empty target id: %w", domain.ErrInvalidInput)
	}
	if radius <= 0 {
		radius = s.cfg.DefaultRadiusMeters
	}
	if radius > s.cfg.MaxRadiusMeters {
		return domain.ProximityPreference{}, fmt.Errorf("radius %.0f exceeds %.0f: %w",
			radius, s.cfg.MaxRadiusMeters, domain.ErrInvalidInput)
	}

	if err := s.rooms.Join(userID, realtime.ProximityRoom(targetID)); err != nil {
		return domain.ProximityPreference{}, err
	}

	pref := domain.ProximityPreference{
		UserID:       userID,
		TargetID:     targetID,
		RadiusMeters: radius,
		SubscribedAt: s.now().UTC(),
	}
	s.prefMu.Lock()
	byTarget, ok := s.prefs[userID]
	if !ok {
		byTarget = make(map[string]domain.ProximityPreference)
		s.prefs[userID] = byTarget
	}
	byTarget[targetID] = pref
	s.prefMu.Unlock()

	// дисконнект мог проскочить между Join и записью
	if !s.presence.IsConnected(userID) {
		s.dropPreferences(userID)
		return domain.ProximityPreference{}, fmt.Errorf("subscribe %s: %w", targetID, domain.ErrNotConnected)
	}
	return pref, nil
}

func (s *TrackingService) UnsubscribeProximity(userID, targetID string) {
	s.rooms.Leave(userID, realtime.ProximityRoom(targetID))

	s.prefMu.Lock()
	defer s.prefMu.Unlock()
	if byTarget, ok := s.prefs[userID]; ok {
		delete(byTarget, targetID)
		if len(byTarget) == 0 {
			delete(s.prefs, userID)
		}
	}
	for k := range s.lastAlert {
		if k.userID == userID && k.targetID == targetID {
			delete(s.lastAlert, k)
		}
	}
}

// ClearPreferences: хук на дисконнект; переподключившегося пользователя не трогает.
func (s *TrackingService) ClearPreferences(userID string) {
	if s.presence.IsConnected(userID) {
		return
	}
	s.dropPreferences(userID)
}

func (s *TrackingService) dropPreferences(userID string) {
	s.prefMu.Lock()
	defer s.prefMu.Unlock()
	delete(s.prefs, userID)
	for k := range s.lastAlert {
		if k.userID == userID {
			delete(s.lastAlert, k)
		}
	}
}

func (s *TrackingService) Preferences(userID string) []domain.ProximityPreference {
	s.prefMu.Lock()
	defer s.prefMu.Unlock()
	out := make([]domain.ProximityPreference, 0, len(s.prefs[userID]))
	for _, p := range s.prefs[userID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

// Restore прогревает кеш позиций из хранилища при старте. Более свежий снапшот не перетирается.
func (s *TrackingService) Restore(snaps []domain.BusLocationSnapshot) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, snap := range snaps {
		if cur, ok := s.snapshots[snap.BusID]; ok && !snap.UpdatedAt.After(cur.UpdatedAt) {
			continue
		}
		s.snapshots[snap.BusID] = snap
		n++
	}
	return n
}

func (s *TrackingService) Snapshot(busID string) (domain.BusLocationSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[busID]
	return snap, ok
}

// Fleet: все известные позиции, отсортированные по bus_id.
func (s *TrackingService) Fleet() []domain.BusLocationSnapshot {
	s.mu.RLock()
	out := make([]domain.BusLocationSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].BusID < out[j].BusID })
	return out
}

// ActiveBuses: автобусы, обновлявшиеся в пределах ActiveWindow.
func (s *TrackingService) ActiveBuses() []domain.BusLocationSnapshot {
	cutoff := s.now().Add(-s.cfg.ActiveWindow)
	all := s.Fleet()
	out := all[:0]
	for _, snap := range all {
		if snap.UpdatedAt.After(cutoff) {
			out = append(out, snap)
		}
	}
	return out
}

// UpcomingStops: ближайшие впереди остановки маршрута автобуса.
// Направление движения не известно, поэтому «впереди»: после ближайшей остановки,
// а сама ближайшая включается, если автобус ещё не у неё.
func (s *TrackingService) UpcomingStops(ctx context.Context, snap domain.BusLocationSnapshot, limit int) ([]domain.Stop, error) {
	if snap.RouteID == "" {
		return nil, nil
	}
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	route, err := s.catalog.GetRoute(lctx, snap.RouteID)
	if err != nil {
		return nil, fmt.Errorf("get route %s: %w", snap.RouteID, err)
	}

	stops := make([]domain.Stop, 0, len(route.StopIDs))
	for _, id := range route.StopIDs {
		stop, err := s.stop(ctx, id)
		if err != nil {
			s.logger.Debug("route stop lookup failed", "route", route.ID, "stop", id, "err", err)
			continue
		}
		stops = append(stops, *stop)
	}
	if len(stops) == 0 {
		return nil, nil
	}

	busPoint := geo.Point{Lat: snap.Latitude, Lon: snap.Longitude}
	nearest, best := 0, math.Inf(1)
	for i, st := range stops {
		if d := geo.Distance(busPoint, geo.Point{Lat: st.Latitude, Lon: st.Longitude}); d < best {
			nearest, best = i, d
		}
	}
	start := nearest
	if best <= atStopMeters {
		start = nearest + 1
	}
	end := min(start+limit, len(stops))
	if start >= end {
		return nil, nil
	}
	return stops[start:end], nil
}

const atStopMeters = 50

// resolveRoute: назначенный в справочнике маршрут важнее заявленного клиентом.
// Заявленный принимается только для автобуса без назначения и только если маршрут существует.
func (s *TrackingService) resolveRoute(ctx context.Context, busID, claimed string) string {
	assigned := s.assignedRoute(ctx, busID)
	if assigned != "" {
		if claimed != "" && claimed != assigned {
			s.logger.Debug("client route ignored", "bus", busID, "claimed", claimed, "assigned", assigned)
		}
		return assigned
	}
	if claimed == "" || !s.knownRoute(ctx, claimed) {
		return ""
	}
	return claimed
}

func (s *TrackingService) knownRoute(ctx context.Context, routeID string) bool {
	now := s.now()
	s.cacheMu.Lock()
	if at, ok := s.knownRoutes[routeID]; ok && now.Sub(at) < s.cfg.RouteCacheTTL {
		s.cacheMu.Unlock()
		return true
	}
	s.cacheMu.Unlock()

	if s.catalog == nil {
		return false
	}
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	if _, err := s.catalog.GetRoute(lctx, routeID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.Debug("client route unknown", "route", routeID)
		} else {
			s.logger.Warn("route lookup failed", "route", routeID, "err", err)
		}
		return false
	}

	s.cacheMu.Lock()
	s.knownRoutes[routeID] = now
	s.cacheMu.Unlock()
	return true
}

func (s *TrackingService) assignedRoute(ctx context.Context, busID string) string {
	now := s.now()
	s.cacheMu.Lock()
	if c, ok := s.busRoutes[busID]; ok && now.Sub(c.fetchedAt) < s.cfg.RouteCacheTTL {
		s.cacheMu.Unlock()
		return c.routeID
	}
	s.cacheMu.Unlock()

	if s.catalog == nil {
		return ""
	}
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	bus, err := s.catalog.GetBus(lctx, busID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("bus lookup failed", "bus", busID, "err", err)
			return ""
		}
		bus = &domain.Bus{ID: busID}
	}

	s.cacheMu.Lock()
	s.busRoutes[busID] = cachedRoute{routeID: bus.AssignedRoute, fetchedAt: now}
	s.cacheMu.Unlock()
	return bus.AssignedRoute
}

func (s *TrackingService) stop(ctx context.Context, id string) (*domain.Stop, error) {
	now := s.now()
	s.cacheMu.Lock()
	if st, ok := s.stops[id]; ok {
		s.cacheMu.Unlock()
		return &st, nil
	}
	if at, ok := s.missingStops[id]; ok && now.Sub(at) < s.cfg.MissingStopTTL {
		s.cacheMu.Unlock()
		return nil, fmt.Errorf("stop %s: %w", id, domain.ErrNotFound)
	}
	s.cacheMu.Unlock()

	if s.catalog == nil {
		return nil, domain.ErrNotFound
	}
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	st, err := s.catalog.GetStop(lctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.cacheMu.Lock()
			s.missingStops[id] = now
			s.cacheMu.Unlock()
		}
		return nil, err
	}

	s.cacheMu.Lock()
	s.stops[id] = *st
	delete(s.missingStops, id)
	s.cacheMu.Unlock()
	return st, nil
}
