package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/realtime"

	"github.com/gorilla/websocket"
)

var errConnClosed = errors.New("connection closed")

// wsConn: realtime.Channel поверх gorilla/websocket. Запись сериализована sendMu.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	sendMu    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newWsConn(c *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		conn:         c,
		writeTimeout: writeTimeout,
		sendMu:       make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
}

// Send пишет кадр {"type","payload"}. Ожидание очереди и сама запись ограничены ctx.
func (c *wsConn) Send(ctx context.Context, ev realtime.Event) error {
	select {
	case c.sendMu <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return errConnClosed
	}
	defer func() { <-c.sendMu }()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteJSON(realtime.Encode(ev)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Close отправляет close-кадр с кодом и закрывает сокет. Повторные вызовы: no-op.
func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) done() <-chan struct{} { return c.closed }
