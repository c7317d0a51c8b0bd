// Package realtimetest содержит тестовый канал, который записывает события.
package realtimetest

import (
	"context"
	"sync"

	"github.com/cwrk-planet/guzosync-realtime/internal/realtime"
)

// Recorder: realtime.Channel для тестов. Умеет падать (FailWith) и зависать (Stall).
type Recorder struct {
	FailWith error
	Stall    bool
	OnSend   func(ev realtime.Event)

	mu        sync.Mutex
	events    []realtime.Event
	closed    bool
	closeCode int
}

func (c *Recorder) Send(ctx context.Context, ev realtime.Event) error {
	if c.OnSend != nil {
		c.OnSend(ev)
	}
	if c.Stall {
		<-ctx.Done()
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailWith != nil {
		return c.FailWith
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *Recorder) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
	}
	return nil
}

func (c *Recorder) Received() []realtime.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.Event(nil), c.events...)
}

// OfType: полученные события заданного типа.
func (c *Recorder) OfType(typ string) []realtime.Event {
	var out []realtime.Event
	for _, ev := range c.Received() {
		if ev.Type() == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (c *Recorder) Closed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// Hub: собранные вместе Registry, Rooms и Dispatcher, как в main.
type Hub struct {
	Registry   *realtime.Registry
	Rooms      *realtime.Rooms
	Dispatcher *realtime.Dispatcher
}

func NewHub(cfg realtime.DispatcherConfig) *Hub {
	reg := realtime.NewRegistry(discard)
	rooms := realtime.NewRooms(reg, discard)
	reg.OnDisconnect(rooms.ForgetOffline)
	return &Hub{
		Registry:   reg,
		Rooms:      rooms,
		Dispatcher: realtime.NewDispatcher(reg, rooms, cfg, discard),
	}
}

// Connect подключает пользователя с новым Recorder.
func (h *Hub) Connect(userID string) (*Recorder, realtime.Connection) {
	ch := &Recorder{}
	return ch, h.Registry.Connect(userID, ch)
}
