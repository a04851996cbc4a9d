package account

import (
	"context"
	"errors"
	"sync"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	sent   [][]byte
	fail   bool
	closed bool
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:0" }

func (c *fakeConn) Send(_ context.Context, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("write failed")
	}
	c.sent = append(c.sent, raw)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}
