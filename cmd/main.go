package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/config"
	"github.com/cwrk-planet/guzosync-realtime/internal/directions"
	"github.com/cwrk-planet/guzosync-realtime/internal/realtime"
	"github.com/cwrk-planet/guzosync-realtime/internal/scheduler"
	"github.com/cwrk-planet/guzosync-realtime/internal/security"
	"github.com/cwrk-planet/guzosync-realtime/internal/service"
	grpcx "github.com/cwrk-planet/guzosync-realtime/internal/transport/grpc"
	httpx "github.com/cwrk-planet/guzosync-realtime/internal/transport/http"
	"github.com/cwrk-planet/guzosync-realtime/internal/transport/ws"
	"github.com/cwrk-planet/guzosync-realtime/pkg/logger"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	l := logger.Init(logger.Config{
		Env:       logger.Env(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		Level:     logger.ParseLevel(cfg.Logging.Level),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting guzosync-realtime",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version, "storage", cfg.Storage.Backend)

	// провайдер без экспортёра, только для trace_id в логах
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		slog.Error("guzosync-realtime stopped with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("guzosync-realtime stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, l *slog.Logger) error {
	// --- storage ---
	st, err := openStorage(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer st.Close()

	// --- auth ---
	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return err
	}

	// --- realtime core ---
	registry := realtime.NewRegistry(l)
	rooms := realtime.NewRooms(registry, l)
	registry.OnDisconnect(rooms.ForgetOffline)
	dispatcher := realtime.NewDispatcher(registry, rooms, realtime.DispatcherConfig{
		SendTimeout: cfg.Realtime.SendTimeout,
		Concurrency: cfg.Realtime.Concurrency,
	}, l)

	// --- services ---
	var dir service.Directions
	if cfg.ETA.DirectionsURL != "" {
		dir = directions.NewClient(cfg.ETA.DirectionsURL,
			directions.WithTimeout(cfg.ETA.DirectionsTimeout),
			directions.WithRetries(cfg.ETA.DirectionsRetries, 200*time.Millisecond),
			directions.WithAPIKey(cfg.ETA.DirectionsAPIKey),
			directions.WithProfile(cfg.ETA.DirectionsProfile),
			directions.WithLogger(l),
		)
	}
	etaCfg := service.DefaultETAConfig()
	etaCfg.DefaultSpeedKmh = cfg.ETA.DefaultSpeedKmh
	etaCfg.DirectionsTimeout = cfg.ETA.DirectionsTimeout
	eta := service.NewETAService(etaCfg, dir, l)

	trackingCfg := service.DefaultTrackingConfig()
	trackingCfg.DefaultRadiusMeters = cfg.Proximity.DefaultRadius
	trackingCfg.MaxRadiusMeters = cfg.Proximity.MaxRadius
	trackingCfg.AlertCooldown = cfg.Proximity.Cooldown
	trackingCfg.ActiveWindow = cfg.Proximity.ActiveWindow
	tracking := service.NewTrackingService(trackingCfg, st.catalog, st.locations, rooms, registry, dispatcher, eta, l)
	registry.OnDisconnect(tracking.ClearPreferences)
	defer tracking.Flush()

	if snaps, err := st.locations.Since(ctx, time.Now().Add(-cfg.Proximity.ActiveWindow)); err != nil {
		slog.Warn("location warm-up failed", slog.Any("err", err))
	} else {
		slog.Info("location cache restored", "buses", tracking.Restore(snaps))
	}

	chat := service.NewChatService(st.chat, rooms, dispatcher, 3*time.Second, l)

	// --- scheduler ---
	sched := scheduler.New(scheduler.Config{Backoff: cfg.Scheduler.Backoff}, l)
	sched.Add(scheduler.Job{
		Name:     "fleet_broadcast",
		Interval: cfg.Scheduler.FleetInterval,
		Run:      scheduler.NewFleetBroadcast(tracking, rooms, dispatcher).Run,
	})
	sched.Add(scheduler.Job{
		Name:     "eta_broadcast",
		Interval: cfg.Scheduler.ETAInterval,
		Run: scheduler.NewETABroadcast(scheduler.ETAConfig{
			BatchSize:  cfg.Scheduler.BatchSize,
			StopsAhead: cfg.Scheduler.StopsAhead,
		}, tracking, eta, rooms, dispatcher, l).Run,
	})

	// --- WS & HTTP ---
	wsServer := ws.NewServer(ws.Config{
		PingInterval:   cfg.Realtime.PingInterval,
		WriteTimeout:   cfg.Realtime.WriteTimeout,
		ReadLimit:      cfg.Realtime.ReadLimit,
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
	}, ws.Deps{
		Verifier: verifier,
		Registry: registry,
		Rooms:    rooms,
		Replier:  dispatcher,
		Tracking: tracking,
		Chat:     chat,
	}, l)

	router := httpx.NewRouter(httpx.Deps{
		Verifier:       verifier,
		Tracking:       tracking,
		ETA:            eta,
		Stops:          st.catalog,
		Notifier:       dispatcher,
		Conns:          registry,
		Rooms:          rooms,
		WSHandler:      wsServer.HandleWS,
		Ready:          sched.Running,
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Logger:         l,
	})
	// без WriteTimeout: дедлайны записи в ws ставит сам ws
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	// --- gRPC health ---
	var grpcSrv *grpcx.Server
	var grpcLis net.Listener
	if cfg.GRPC.Addr != "" {
		grpcSrv = grpcx.NewServer(grpcx.Config{
			CallTimeout:  cfg.GRPC.CallTimeout,
			PollInterval: cfg.GRPC.PollInterval,
			Reflection:   cfg.GRPC.Reflection,
		}, sched.Running, l)
		if grpcLis, err = net.Listen("tcp", cfg.GRPC.Addr); err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
	}

	// --- run ---
	g, gctx := errgroup.WithContext(ctx)
	if err := sched.Start(gctx); err != nil {
		return err
	}

	g.Go(func() error {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	if grpcSrv != nil {
		g.Go(func() error {
			slog.Info("grpc listen", "addr", cfg.GRPC.Addr)
			if err := grpcSrv.GRPC().Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			grpcSrv.WatchReadiness(gctx)
			return nil
		})
	}

	// --- graceful shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown started")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if grpcSrv != nil {
			grpcSrv.Shutdown()
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			slog.Warn("scheduler stop", slog.Any("err", err))
		}
		registry.CloseAll(realtime.CloseGoingAway, "server shutdown")
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", slog.Any("err", err))
		}
		if grpcSrv != nil {
			grpcSrv.Stop(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}

func newVerifier(a config.Auth) (*security.JWTVerifier, error) {
	vcfg := security.VerifierConfig{
		Secret:    []byte(a.Secret),
		Issuer:    a.Issuer,
		Audience:  a.Audience,
		ClockSkew: a.ClockSkew,
	}
	if a.PublicKeyPath != "" {
		pub, err := security.LoadRSAPublicKeyFromPEM(a.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		vcfg.PublicKey = pub
	}
	return security.NewJWTVerifier(vcfg)
}
