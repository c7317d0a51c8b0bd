package grpcx

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName: имя, под которым публикуется статус realtime-ядра.
const ServiceName = "guzosync.realtime"

type Config struct {
	CallTimeout  time.Duration // guard для unary без deadline
	PollInterval time.Duration // как часто пересчитывать готовность
	Reflection   bool
}

func DefaultConfig() Config {
	return Config{
		CallTimeout:  10 * time.Second,
		PollInterval: 2 * time.Second,
	}
}

// Server: gRPC-сервер со стандартным health-сервисом.
type Server struct {
	cfg    Config
	grpc   *grpc.Server
	health *health.Server
	ready  func() bool
	logger *slog.Logger
}

func NewServer(cfg Config, ready func() bool, logger *slog.Logger) *Server {
	def := DefaultConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "grpc")

	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(logger, cfg.CallTimeout)),
		grpc.ChainStreamInterceptor(StreamServerInterceptor(logger)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	if cfg.Reflection {
		reflection.Register(gs)
	}

	s := &Server{cfg: cfg, grpc: gs, health: hs, ready: ready, logger: logger}
	s.refresh()
	return s
}

func (s *Server) GRPC() *grpc.Server { return s.grpc }

// WatchReadiness пересчитывает статус до отмены ctx.
func (s *Server) WatchReadiness(ctx context.Context) {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.refresh()
		}
	}
}

func (s *Server) refresh() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.ready() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Shutdown переводит всё в NOT_SERVING и больше не принимает обновлений статуса.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.logger.Info("grpc health set to NOT_SERVING")
}

// Stop: graceful, с ограничением по ctx.
func (s *Server) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}
