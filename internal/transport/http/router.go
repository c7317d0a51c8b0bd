package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel"
)

type Deps struct {
	Verifier  Verifier
	Tracking  TrackingSvc
	ETA       Estimator
	Stops     StopCatalog
	Notifier  Notifier
	Conns     Stats
	Rooms     RoomStats
	WSHandler http.HandlerFunc
	Ready     func() bool // nil: всегда готов

	AllowedOrigins []string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}
	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	h := &Handler{
		tracking: d.Tracking,
		eta:      d.ETA,
		stops:    d.Stops,
		notifier: d.Notifier,
		conns:    d.Conns,
		rooms:    d.Rooms,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(tracing(otel.GetTracerProvider()))
	r.Use(logging(d.Logger.With("component", "http")))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderRequestID},
		ExposedHeaders:   []string{HeaderRequestID},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// WS: аутентификация внутри, чтобы отказ пришёл close-кодом 4401
	if d.WSHandler != nil {
		r.Get("/ws", d.WSHandler)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if d.Ready != nil && !d.Ready() {
			fail(w, http.StatusServiceUnavailable, "not ready")
			return
		}
		ok(w, map[string]string{"status": "ok"})
	})
	r.Get("/stats", h.GetStats)

	r.Group(func(pr chi.Router) {
		pr.Use(middleware.Timeout(d.RequestTimeout))
		pr.Use(authenticate(d.Verifier))

		pr.Route("/buses/{id}", func(br chi.Router) {
			br.Get("/", h.GetBus)
			br.Get("/eta", h.GetETA)
			br.With(requireRole(domain.RoleDriver, domain.RoleAdmin)).Post("/location", h.PostLocation)
		})
		pr.Get("/me/proximity", h.GetMyProximity)
		pr.With(requireRole(domain.RoleAdmin)).Post("/notifications", h.PostNotification)
	})

	return r
}
