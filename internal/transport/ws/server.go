package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
	"github.com/cwrk-planet/guzosync-realtime/internal/realtime"
	"github.com/cwrk-planet/guzosync-realtime/internal/service"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

type Verifier interface {
	Verify(token string) (domain.Identity, error)
}

type Registry interface {
	Connect(userID string, ch realtime.Channel) realtime.Connection
	Release(userID, connID string) bool
}

type Rooms interface {
	Join(userID, roomID string) error
	Leave(userID, roomID string) bool
}

type Replier interface {
	Reply(ctx context.Context, conn realtime.Connection, ch realtime.Channel, ev realtime.Event) bool
}

type TrackingSvc interface {
	UpdateLocation(ctx context.Context, upd service.LocationUpdate) (service.UpdateResult, error)
	SubscribeProximity(userID, targetID string, radius float64) (domain.ProximityPreference, error)
	UnsubscribeProximity(userID, targetID string)
	Snapshot(busID string) (domain.BusLocationSnapshot, bool)
}

type ChatSvc interface {
	Send(ctx context.Context, senderID, conversationID, content string) (realtime.NewMessage, error)
	Typing(ctx context.Context, userID, conversationID string, isTyping bool) int
	MarkRead(ctx context.Context, userID, conversationID, messageID string) (int, error)
}

type Config struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	AllowedOrigins []string // пусто: любой origin
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 15 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadLimit:    1 << 20,
	}
}

type Deps struct {
	Verifier Verifier
	Registry Registry
	Rooms    Rooms
	Replier  Replier
	Tracking TrackingSvc
	Chat     ChatSvc
}

type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	deps     Deps
	logger   *slog.Logger
	now      func() time.Time
}

func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "ws"),
		now:    time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// session: одно живое соединение и его владелец.
type session struct {
	identity domain.Identity
	conn     realtime.Connection
	ch       *wsConn
	log      *slog.Logger
}

// HandleWS: GET /ws?token=... (или Authorization: Bearer ...).
// Ошибка аутентификации закрывает сокет с кодом 4401.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)

	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "err", err)
		return
	}

	identity, err := s.deps.Verifier.Verify(token)
	if err != nil {
		s.logger.Info("ws auth failed", "remote", r.RemoteAddr, "err", err)
		ch := newWsConn(c, s.cfg.WriteTimeout)
		_ = ch.Close(realtime.CloseAuthFailed, realtime.CloseReasonAuth)
		return
	}

	ch := newWsConn(c, s.cfg.WriteTimeout)
	sess := &session{
		identity: identity,
		conn:     s.deps.Registry.Connect(identity.UserID, ch),
		ch:       ch,
	}
	sess.log = s.logger.With("user", identity.UserID, "conn", sess.conn.ID, "role", identity.Role)
	sess.log.Info("ws connected")

	go s.pingLoop(sess)
	s.readLoop(r.Context(), sess)

	released := s.deps.Registry.Release(identity.UserID, sess.conn.ID)
	if err := ch.Close(realtime.CloseNormal, "bye"); err != nil {
		sess.log.Debug("ws close failed", "err", err)
	}
	sess.log.Info("ws disconnected", "released", released)
}

func (s *Server) readLoop(ctx context.Context, sess *session) {
	c := sess.ch.conn
	c.SetReadLimit(s.cfg.ReadLimit)
	_ = c.SetReadDeadline(s.now().Add(2 * s.cfg.PingInterval))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(s.now().Add(2 * s.cfg.PingInterval))
	})

	for {
		msgType, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				sess.log.Debug("ws read failed", "err", err)
			}
			return
		}
		// любой входящий кадр тоже подтверждает живость
		_ = c.SetReadDeadline(s.now().Add(2 * s.cfg.PingInterval))

		if msgType != websocket.TextMessage {
			s.reply(ctx, sess, realtime.ErrorEvent{Message: "only text frames are supported"})
			continue
		}

		frame, err := parseFrame(data)
		if err != nil {
			s.reply(ctx, sess, errorEvent(err))
			continue
		}
		for _, ev := range s.handle(ctx, sess, frame) {
			if !s.reply(ctx, sess, ev) {
				return
			}
		}
	}
}

func (s *Server) pingLoop(sess *session) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := sess.ch.ping(); err != nil {
				sess.log.Debug("ws ping failed", "err", err)
				return
			}
		case <-sess.ch.done():
			return
		}
	}
}

func (s *Server) reply(ctx context.Context, sess *session, ev realtime.Event) bool {
	return s.deps.Replier.Reply(ctx, sess.conn, sess.ch, ev)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // не браузер
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return lo.ContainsBy(s.cfg.AllowedOrigins, func(allowed string) bool {
		return allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host)
	})
}

func tokenFromRequest(r *http.Request) string {
	q := r.URL.Query()
	if t := strings.TrimSpace(q.Get("token")); t != "" {
		return t
	}
	if t := strings.TrimSpace(q.Get("access_token")); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}
