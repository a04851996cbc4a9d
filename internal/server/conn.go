package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/btpmux/internal/protocol/session"
	"github.com/gorilla/websocket"
)

var errConnClosed = errors.New("server: connection closed")

// wsConn adapts a websocket to account.Conn. Writes are serialized because
// gorilla/websocket allows one concurrent writer.
type wsConn struct {
	id     string
	remote string
	ws     *websocket.Conn
	cfg    session.Config

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(id string, ws *websocket.Conn, cfg session.Config) *wsConn {
	return &wsConn{
		id:     id,
		remote: ws.RemoteAddr().String(),
		ws:     ws,
		cfg:    cfg,
		closed: make(chan struct{}),
	}
}

func (c *wsConn) ID() string         { return c.id }
func (c *wsConn) RemoteAddr() string { return c.remote }

func (c *wsConn) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.cfg.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

func (c *wsConn) Send(ctx context.Context, raw []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(c.deadline(ctx))
	return c.ws.WriteMessage(websocket.BinaryMessage, raw)
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) Done() <-chan struct{} { return c.closed }
