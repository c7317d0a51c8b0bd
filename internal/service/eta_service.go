package service

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/geo"
)

const (
	SourceStraightLine = "straight_line"
	SourceDirections   = "directions"
	SourceBlended      = "blended"
)

type ETAConfig struct {
	DefaultSpeedKmh   float64       // скорость по умолчанию для города
	MinLiveSpeedKmh   float64       // ниже: считаем, что живой скорости нет
	DirectionsTimeout time.Duration // лимит на вызов directions
}

func DefaultETAConfig() ETAConfig {
	return ETAConfig{
		DefaultSpeedKmh:   25,
		MinLiveSpeedKmh:   5,
		DirectionsTimeout: 3 * time.Second,
	}
}

type Estimate struct {
	DistanceKm float64 `json:"distance_km"`
	ETAMinutes int     `json:"eta_minutes"`
	Source     string  `json:"source"`
}

// ETAService переводит расстояние и скорость (или ответ directions) в минуты.
type ETAService struct {
	cfg        ETAConfig
	directions Directions // может быть nil
	logger     *slog.Logger
}

func NewETAService(cfg ETAConfig, directions Directions, logger *slog.Logger) *ETAService {
	def := DefaultETAConfig()
	if cfg.DefaultSpeedKmh <= 0 {
		cfg.DefaultSpeedKmh = def.DefaultSpeedKmh
	}
	if cfg.MinLiveSpeedKmh <= 0 {
		cfg.MinLiveSpeedKmh = def.MinLiveSpeedKmh
	}
	if cfg.DirectionsTimeout <= 0 {
		cfg.DirectionsTimeout = def.DirectionsTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ETAService{
		cfg:        cfg,
		directions: directions,
		logger:     logger.With("component", "eta"),
	}
}

// StraightLine: оценка по прямой без внешних вызовов.
func (s *ETAService) StraightLine(origin, dest geo.Point, speedKmh *float64) Estimate {
	km := geo.DistanceKm(origin, dest)
	speed, _ := s.effectiveSpeed(speedKmh)
	return Estimate{
		DistanceKm: roundTo(km, 3),
		ETAMinutes: atLeastOneMinute(km / speed * 60),
		Source:     SourceStraightLine,
	}
}

// Estimate предпочитает directions; при живой скорости берёт среднее двух оценок.
// Любая ошибка directions молча даёт оценку по прямой.
func (s *ETAService) Estimate(ctx context.Context, origin, dest geo.Point, speedKmh *float64) Estimate {
	straight := s.StraightLine(origin, dest, speedKmh)
	if s.directions == nil {
		return straight
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DirectionsTimeout)
	defer cancel()

	route, err := s.directions.Route(dctx, []geo.Point{origin, dest})
	if err != nil || route == nil || route.DurationSeconds <= 0 {
		if err != nil {
			s.logger.Debug("directions unavailable, straight-line fallback", "err", err)
		}
		return straight
	}

	dirMinutes := route.DurationSeconds / 60
	speed, live := s.effectiveSpeed(speedKmh)
	if !live {
		straight.ETAMinutes = atLeastOneMinute(dirMinutes)
		straight.Source = SourceDirections
		return straight
	}

	speedMinutes := geo.DistanceKm(origin, dest) / speed * 60
	straight.ETAMinutes = atLeastOneMinute((dirMinutes + speedMinutes) / 2)
	straight.Source = SourceBlended
	return straight
}

func (s *ETAService) effectiveSpeed(speedKmh *float64) (float64, bool) {
	if speedKmh != nil && *speedKmh > s.cfg.MinLiveSpeedKmh {
		return *speedKmh, true
	}
	return s.cfg.DefaultSpeedKmh, false
}

func atLeastOneMinute(minutes float64) int {
	return int(math.Max(1, math.Round(minutes)))
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
