package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/config"
	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
	"github.com/cwrk-planet/guzosync-realtime/internal/memory"
	"github.com/cwrk-planet/guzosync-realtime/internal/postgres"
	"github.com/cwrk-planet/guzosync-realtime/internal/redisstore"
	"github.com/cwrk-planet/guzosync-realtime/internal/service"

	"github.com/redis/go-redis/v9"
)

type locationStore interface {
	service.LocationStore
	Since(ctx context.Context, since time.Time) ([]domain.BusLocationSnapshot, error)
}

// storage: выбранные по конфигу хранилища. Каталог и чат идут в postgres,
// если задан dsn, позиции: в storage.backend.
type storage struct {
	locations locationStore
	catalog   service.Catalog
	chat      service.ChatStore
	closers   []func()
}

func (s *storage) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStorage(ctx context.Context, cfg *config.Config, l *slog.Logger) (*storage, error) {
	mem := memory.NewStore()
	st := &storage{locations: mem, catalog: mem, chat: mem}

	if cfg.Postgres.DSN != "" {
		pool, err := postgres.NewPool(ctx, cfg.Postgres.ToPGConfig())
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		st.closers = append(st.closers, pool.Close)
		slog.Info("connected to postgres")

		if cfg.Postgres.EnsureSchema {
			if err := postgres.EnsureSchema(ctx, pool); err != nil {
				st.Close()
				return nil, fmt.Errorf("postgres schema: %w", err)
			}
		}
		st.catalog = postgres.NewCatalogRepository(pool)
		st.chat = postgres.NewChatRepository(pool)
		if cfg.Storage.Backend == config.StoragePostgres {
			st.locations = postgres.NewLocationRepository(pool)
		}
	}

	if cfg.Storage.Backend == config.StorageRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		st.closers = append(st.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			st.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		slog.Info("connected to redis", "addr", cfg.Redis.Addr)

		ls, err := redisstore.NewLocationStore(client, redisstore.Options{TTL: cfg.Redis.SnapshotTTL}, l)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.locations = ls
	}
	return st, nil
}
