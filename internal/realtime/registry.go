package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Коды закрытия WebSocket, которые выставляет ядро.
const (
	CloseNormal      = 1000
	CloseGoingAway   = 1001 // остановка сервера
	CloseInternal    = 1011
	CloseSuperseded  = 4000 // тот же пользователь подключился заново
	CloseSendFailed  = 4002 // канал не принял событие вовремя
	CloseAuthFailed  = 4401
	CloseReasonAuth  = "authentication failed"
	closeReasonSuper = "superseded by a newer connection"
)

// Channel: транспортный дескриптор живого соединения.
type Channel interface {
	Send(ctx context.Context, ev Event) error
	Close(code int, reason string) error
}

type Connection struct {
	ID            string
	UserID        string
	EstablishedAt time.Time
}

type binding struct {
	conn Connection
	ch   Channel
}

// Registry хранит привязки user_id -> канал. Не больше одной живой привязки на пользователя.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]binding
	hooks    []func(userID string)

	logger *slog.Logger
	now    func() time.Time
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bindings: make(map[string]binding),
		logger:   logger.With("component", "registry"),
		now:      time.Now,
	}
}

// OnDisconnect регистрирует обработчик, который вызывается после снятия привязки.
// Регистрировать нужно до начала работы.
func (r *Registry) OnDisconnect(fn func(userID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Connect регистрирует канал. Прежний канал того же пользователя закрывается с CloseSuperseded.
func (r *Registry) Connect(userID string, ch Channel) Connection {
	conn := Connection{
		ID:            uuid.NewString(),
		UserID:        userID,
		EstablishedAt: r.now(),
	}

	r.mu.Lock()
	prev, existed := r.bindings[userID]
	r.bindings[userID] = binding{conn: conn, ch: ch}
	r.mu.Unlock()

	if existed {
		r.logger.Info("connection superseded",
			"user", userID, "old_conn", prev.conn.ID, "new_conn", conn.ID)
		if err := prev.ch.Close(CloseSuperseded, closeReasonSuper); err != nil {
			r.logger.Debug("close superseded channel failed", "user", userID, "err", err)
		}
	}
	r.logger.Debug("connected", "user", userID, "conn", conn.ID)

	return conn
}

// Disconnect снимает привязку, закрывает канал и чистит комнаты/предпочтения через хуки.
// Неизвестный user_id: no-op.
func (r *Registry) Disconnect(userID string) {
	r.mu.Lock()
	b, ok := r.bindings[userID]
	if ok {
		delete(r.bindings, userID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := b.ch.Close(CloseNormal, "disconnected"); err != nil {
		r.logger.Debug("close channel failed", "user", userID, "err", err)
	}
	r.runHooks(userID)
	r.logger.Debug("disconnected", "user", userID, "conn", b.conn.ID)
}

// Release снимает привязку, только если она всё ещё принадлежит connID.
// Канал не закрывается: им владеет вызывающий.
func (r *Registry) Release(userID, connID string) bool {
	r.mu.Lock()
	b, ok := r.bindings[userID]
	ok = ok && b.conn.ID == connID
	if ok {
		delete(r.bindings, userID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.runHooks(userID)
	r.logger.Debug("released", "user", userID, "conn", connID)
	return true
}

func (r *Registry) runHooks(userID string) {
	r.mu.RLock()
	hooks := append([]func(string){}, r.hooks...)
	r.mu.RUnlock()

	for _, fn := range hooks {
		fn(userID)
	}
}

func (r *Registry) IsConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bindings[userID]
	return ok
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

func (r *Registry) Lookup(userID string) (Connection, Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[userID]
	return b.conn, b.ch, ok
}

// Users: снапшот подключённых пользователей.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.bindings)
}

// CloseAll закрывает все каналы при остановке процесса.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	all := r.bindings
	r.bindings = make(map[string]binding)
	r.mu.Unlock()

	for userID, b := range all {
		_ = b.ch.Close(code, reason)
		r.runHooks(userID)
	}
}
