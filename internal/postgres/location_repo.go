package postgres

import (
	"context"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
)

type LocationRepository struct {
	q querier
}

func NewLocationRepository(q querier) *LocationRepository {
	return &LocationRepository{q: q}
}

// Upsert хранит последнюю позицию; более старый снапшот не перетирает новый.
func (r *LocationRepository) Upsert(ctx context.Context, s domain.BusLocationSnapshot) error {
	_, err := r.q.Exec(ctx, queryUpsertLocation,
		s.BusID, s.RouteID, s.Latitude, s.Longitude, s.Heading, s.Speed, s.UpdatedAt)
	return mapPgError(err)
}

// Since: позиции, обновлённые после since (прогрев кеша при старте).
func (r *LocationRepository) Since(ctx context.Context, since time.Time) ([]domain.BusLocationSnapshot, error) {
	rows, err := r.q.Query(ctx, queryListLocations, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BusLocationSnapshot
	for rows.Next() {
		var s domain.BusLocationSnapshot
		if err := rows.Scan(&s.BusID, &s.RouteID, &s.Latitude, &s.Longitude, &s.Heading, &s.Speed, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
