package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Catalog(t *testing.T) {
	s := NewStore()
	s.PutRoute(domain.Route{ID: "r1", StopIDs: []string{"a", "b"}})
	s.PutStop(domain.Stop{ID: "a", Latitude: 9, Longitude: 38})

	r, err := s.GetRoute(context.Background(), "r1")
	require.NoError(t, err)
	r.StopIDs[0] = "mutated"
	again, _ := s.GetRoute(context.Background(), "r1")
	assert.Equal(t, "a", again.StopIDs[0])

	_, err = s.GetStop(context.Background(), "zzz")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetBus(context.Background(), "zzz")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_Since(t *testing.T) {
	s := NewStore()
	now := time.Now()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, domain.BusLocationSnapshot{BusID: "b2", UpdatedAt: now}))
	require.NoError(t, s.Upsert(ctx, domain.BusLocationSnapshot{BusID: "b1", UpdatedAt: now}))
	require.NoError(t, s.Upsert(ctx, domain.BusLocationSnapshot{BusID: "old", UpdatedAt: now.Add(-time.Hour)}))

	got, err := s.Since(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b1", got[0].BusID)
	assert.Equal(t, "b2", got[1].BusID)
}

func TestStore_UpsertKeepsNewer(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Upsert(ctx, domain.BusLocationSnapshot{BusID: "b1", Latitude: 2, UpdatedAt: now}))
	// запоздавшая запись из фоновой горутины
	require.NoError(t, s.Upsert(ctx, domain.BusLocationSnapshot{BusID: "b1", Latitude: 1, UpdatedAt: now.Add(-time.Second)}))
	got, ok := s.Location("b1")
	require.True(t, ok)
	assert.Equal(t, 2.0, got.Latitude)

	// равная метка перезаписывает
	require.NoError(t, s.Upsert(ctx, domain.BusLocationSnapshot{BusID: "b1", Latitude: 3, UpdatedAt: now}))
	got, _ = s.Location("b1")
	assert.Equal(t, 3.0, got.Latitude)
}

func TestStore_ChatAndFailure(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	m, err := s.Save(ctx, "c1", "u1", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	require.NoError(t, s.MarkRead(ctx, "c1", m.ID, "u2"))
	assert.Len(t, s.Messages("c1"), 1)

	s.FailWith = errors.New("disk full")
	_, err = s.Save(ctx, "c1", "u1", "again")
	assert.Error(t, err)
	assert.Error(t, s.Upsert(ctx, domain.BusLocationSnapshot{BusID: "b"}))
	assert.Len(t, s.Messages("c1"), 1)
}
