// Package redisstore хранит последние позиции автобусов в Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "bus_location:"
	indexKey  = "bus_locations:updated"
)

// upsertScript пишет снапшот и индекс атомарно. Версия: score в индексе (unix ms).
// Запись старше сохранённой отбрасывается, ответ 0; иначе 1.
// KEYS: ключ снапшота, индекс. ARGV: payload, score, bus_id, ttl в ms (0: без истечения).
const upsertScript = `
local cur = false
if redis.call('EXISTS', KEYS[1]) == 1 then
  cur = redis.call('ZSCORE', KEYS[2], ARGV[3])
end
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
if tonumber(ARGV[4]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[4])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`

// redisClient: то, что нужно от go-redis.
type redisClient interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	Get(ctx context.Context, key string) *redis.StringCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
}

type Options struct {
	TTL time.Duration // срок жизни снапшота; 0: без истечения
}

type LocationStore struct {
	client redisClient
	ttl    time.Duration
	logger *slog.Logger
}

func NewLocationStore(client redisClient, opts Options, logger *slog.Logger) (*LocationStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocationStore{
		client: client,
		ttl:    opts.TTL,
		logger: logger.With("component", "redis_location_store"),
	}, nil
}

func locationKey(busID string) string { return keyPrefix + busID }

// Upsert сохраняет снапшот, если он не старше уже записанного.
func (s *LocationStore) Upsert(ctx context.Context, snap domain.BusLocationSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	key := locationKey(snap.BusID)
	written, err := s.client.Eval(ctx, upsertScript, []string{key, indexKey},
		string(payload), snap.UpdatedAt.UnixMilli(), snap.BusID, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	if written == 0 {
		s.logger.Debug("stale location skipped", "bus", snap.BusID, "updated_at", snap.UpdatedAt)
	}
	return nil
}

func (s *LocationStore) Get(ctx context.Context, busID string) (*domain.BusLocationSnapshot, error) {
	raw, err := s.client.Get(ctx, locationKey(busID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("location %s: %w", busID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var snap domain.BusLocationSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode location %s: %w", busID, err)
	}
	return &snap, nil
}

// Since: позиции, обновлённые после since. Истёкшие по TTL ключи пропускаются,
// а устаревшие записи индекса чистятся.
func (s *LocationStore) Since(ctx context.Context, since time.Time) ([]domain.BusLocationSnapshot, error) {
	ids, err := s.client.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range index: %w", err)
	}
	if s.ttl > 0 {
		stale := time.Now().Add(-s.ttl).UnixMilli()
		if err := s.client.ZRemRangeByScore(ctx, indexKey, "-inf", strconv.FormatInt(stale, 10)).Err(); err != nil {
			s.logger.Debug("trim location index failed", "err", err)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = locationKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget locations: %w", err)
	}

	out := make([]domain.BusLocationSnapshot, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // истёк
		}
		var snap domain.BusLocationSnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			s.logger.Warn("skip undecodable location", "key", keys[i], "err", err)
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}
