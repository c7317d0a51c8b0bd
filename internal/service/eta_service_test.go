package service_test

import (
	"context"
	"testing"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
	"github.com/cwrk-planet/guzosync-realtime/internal/geo"
	"github.com/cwrk-planet/guzosync-realtime/internal/service"

	"github.com/stretchr/testify/assert"
)

// 10 км строго на север
var (
	origin = geo.Point{Lat: 9.0, Lon: 38.75}
	tenKm  = geo.Point{Lat: 9.0 + 0.08993216059187306, Lon: 38.75}
)

func TestETA_StraightLineDefaultSpeed(t *testing.T) {
	eta := service.NewETAService(service.DefaultETAConfig(), nil, discard)

	est := eta.Estimate(context.Background(), origin, tenKm, nil)

	assert.InDelta(t, 10.0, est.DistanceKm, 0.001)
	assert.Equal(t, 24, est.ETAMinutes)
	assert.Equal(t, service.SourceStraightLine, est.Source)
}

func TestETA_SlowSpeedIgnored(t *testing.T) {
	eta := service.NewETAService(service.DefaultETAConfig(), nil, discard)

	est := eta.StraightLine(origin, tenKm, ptr(3))
	assert.Equal(t, 24, est.ETAMinutes)

	est = eta.StraightLine(origin, tenKm, ptr(50))
	assert.Equal(t, 12, est.ETAMinutes)
}

func TestETA_AtLeastOneMinute(t *testing.T) {
	eta := service.NewETAService(service.DefaultETAConfig(), nil, discard)

	est := eta.StraightLine(origin, origin, nil)
	assert.Equal(t, 1, est.ETAMinutes)
	assert.Zero(t, est.DistanceKm)
}

func TestETA_DirectionsPreferred(t *testing.T) {
	dir := &fakeDirections{route: &domain.DirectionsRoute{DistanceMeters: 12000, DurationSeconds: 600}}
	eta := service.NewETAService(service.DefaultETAConfig(), dir, discard)

	est := eta.Estimate(context.Background(), origin, tenKm, nil)

	assert.Equal(t, 10, est.ETAMinutes)
	assert.Equal(t, service.SourceDirections, est.Source)
	assert.EqualValues(t, 1, dir.calls.Load())
}

func TestETA_BlendedWithLiveSpeed(t *testing.T) {
	dir := &fakeDirections{route: &domain.DirectionsRoute{DurationSeconds: 600}}
	eta := service.NewETAService(service.DefaultETAConfig(), dir, discard)

	// directions 10 мин, по скорости 30 км/ч: 20 мин
	est := eta.Estimate(context.Background(), origin, tenKm, ptr(30))

	assert.Equal(t, 15, est.ETAMinutes)
	assert.Equal(t, service.SourceBlended, est.Source)
}

func TestETA_DirectionsErrorFallsBack(t *testing.T) {
	dir := &fakeDirections{err: errUpstream}
	eta := service.NewETAService(service.DefaultETAConfig(), dir, discard)

	est := eta.Estimate(context.Background(), origin, tenKm, nil)

	assert.Equal(t, 24, est.ETAMinutes)
	assert.Equal(t, service.SourceStraightLine, est.Source)
}

func TestETA_EmptyDirectionsRouteFallsBack(t *testing.T) {
	dir := &fakeDirections{route: &domain.DirectionsRoute{}}
	eta := service.NewETAService(service.DefaultETAConfig(), dir, discard)

	est := eta.Estimate(context.Background(), origin, tenKm, nil)
	assert.Equal(t, service.SourceStraightLine, est.Source)
}
