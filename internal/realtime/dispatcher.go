package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
)

type DispatcherConfig struct {
	SendTimeout time.Duration // лимит на одну отправку в канал
	Concurrency int           // параллельных отправок на одну рассылку
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		SendTimeout: 5 * time.Second,
		Concurrency: 32,
	}
}

// Dispatcher доставляет персональные, комнатные и глобальные события.
// Ошибка отправки считается дисконнектом получателя.
type Dispatcher struct {
	registry *Registry
	rooms    *Rooms
	cfg      DispatcherConfig
	logger   *slog.Logger
}

func NewDispatcher(registry *Registry, rooms *Rooms, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		rooms:    rooms,
		cfg:      cfg,
		logger:   logger.With("component", "dispatcher"),
	}
}

// SendPersonal отправляет событие пользователю. Не паникует и не возвращает ошибку:
// false значит «не доставлено».
func (d *Dispatcher) SendPersonal(ctx context.Context, userID string, ev Event) bool {
	conn, ch, ok := d.registry.Lookup(userID)
	if !ok {
		d.logger.Debug("send skipped, not connected", "user", userID, "type", ev.Type())
		return false
	}
	return d.deliver(ctx, conn, ch, ev)
}

// Reply отвечает именно этой сессии, а не текущей привязке пользователя.
func (d *Dispatcher) Reply(ctx context.Context, conn Connection, ch Channel, ev Event) bool {
	return d.deliver(ctx, conn, ch, ev)
}

func (d *Dispatcher) deliver(ctx context.Context, conn Connection, ch Channel, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	err := ch.Send(sendCtx, ev)
	if err == nil {
		return true
	}
	// отмена сверху (shutdown): не вина получателя
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return false
	}

	d.logger.Warn("send failed, dropping connection",
		"user", conn.UserID, "conn", conn.ID, "type", ev.Type(), "err", err)
	d.registry.Release(conn.UserID, conn.ID)
	if cerr := ch.Close(CloseSendFailed, "send failed"); cerr != nil {
		d.logger.Debug("close after send failure", "user", conn.UserID, "err", cerr)
	}
	return false
}

// SendRoom рассылает по снапшоту участников. Вступившие во время рассылки её не получат.
func (d *Dispatcher) SendRoom(ctx context.Context, roomID string, ev Event, exclude ...string) int {
	members := d.rooms.Members(roomID)
	if len(members) == 0 {
		return 0
	}

	targets := lo.Without(members, exclude...)
	n := d.fanOut(ctx, targets, ev)
	d.logger.Debug("room broadcast", "room", roomID, "type", ev.Type(),
		"members", len(members), "delivered", n)
	return n
}

// BroadcastAll рассылает всем подключённым.
func (d *Dispatcher) BroadcastAll(ctx context.Context, ev Event) int {
	n := d.fanOut(ctx, d.registry.Users(), ev)
	d.logger.Debug("global broadcast", "type", ev.Type(), "delivered", n)
	return n
}

// Personal: адресное событие для SendEach.
type Personal struct {
	UserID string
	Event  Event
}

// SendEach доставляет пачку персональных событий параллельно, с тем же лимитом,
// что и комнатная рассылка. Возвращает число доставленных.
func (d *Dispatcher) SendEach(ctx context.Context, batch []Personal) int {
	return d.parallel(ctx, len(batch), func(i int) bool {
		return d.SendPersonal(ctx, batch[i].UserID, batch[i].Event)
	})
}

func (d *Dispatcher) fanOut(ctx context.Context, users []string, ev Event) int {
	return d.parallel(ctx, len(users), func(i int) bool {
		return d.SendPersonal(ctx, users[i], ev)
	})
}

func (d *Dispatcher) parallel(ctx context.Context, n int, send func(i int) bool) int {
	switch n {
	case 0:
		return 0
	case 1:
		if send(0) {
			return 1
		}
		return 0
	}

	// медленный получатель занимает один слот не дольше SendTimeout
	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup
	var delivered atomic.Int64

	for i := 0; i < n; i++ {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return int(delivered.Load())
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if send(i) {
				delivered.Add(1)
			}
		}(i)
	}

	wg.Wait()
	return int(delivered.Load())
}
