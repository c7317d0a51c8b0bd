package postgres

import (
	"context"
	"fmt"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
)

// CatalogRepository: справочники автобусов, маршрутов и остановок.
type CatalogRepository struct {
	q querier
}

func NewCatalogRepository(q querier) *CatalogRepository {
	return &CatalogRepository{q: q}
}

func (r *CatalogRepository) GetBus(ctx context.Context, id string) (*domain.Bus, error) {
	var b domain.Bus
	err := r.q.QueryRow(ctx, queryGetBus, id).Scan(&b.ID, &b.LicensePlate, &b.AssignedRoute)
	if err != nil {
		return nil, fmt.Errorf("bus %s: %w", id, mapPgError(err))
	}
	return &b, nil
}

func (r *CatalogRepository) GetRoute(ctx context.Context, id string) (*domain.Route, error) {
	var rt domain.Route
	err := r.q.QueryRow(ctx, queryGetRoute, id).Scan(&rt.ID, &rt.Name, &rt.StopIDs)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", id, mapPgError(err))
	}
	return &rt, nil
}

func (r *CatalogRepository) GetStop(ctx context.Context, id string) (*domain.Stop, error) {
	var s domain.Stop
	err := r.q.QueryRow(ctx, queryGetStop, id).Scan(&s.ID, &s.Name, &s.Latitude, &s.Longitude)
	if err != nil {
		return nil, fmt.Errorf("stop %s: %w", id, mapPgError(err))
	}
	return &s, nil
}
