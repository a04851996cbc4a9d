package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/btpmux/internal/observability"
	"github.com/danmuck/btpmux/internal/protocol/btp"
)

var (
	ErrRequestTimeout   = errors.New("session: request timed out")
	ErrCorrelatorClosed = errors.New("session: correlator closed")
	ErrNotReply         = errors.New("session: packet is not a reply")
)

type result struct {
	packet btp.Packet
	err    error
}

// pendingCall is a one-shot slot. Whoever removes the map entry owns completion.
type pendingCall struct {
	done      chan result
	startedAt time.Time
}

// Correlator matches RESPONSE and ERROR packets to the outbound request that
// carries the same request id.
type Correlator struct {
	mu      sync.Mutex
	pending map[uint32]*pendingCall
	closed  error
	timeout time.Duration

	// randomID is replaceable in tests to force collisions.
	randomID func() uint32
}

// NewCorrelator returns a correlator failing calls after timeout, or
// DefaultRequestTimeout when timeout is not positive.
func NewCorrelator(timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Correlator{
		pending:  make(map[uint32]*pendingCall),
		timeout:  timeout,
		randomID: randomRequestID,
	}
}

func randomRequestID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(fmt.Sprintf("session: crypto/rand: %v", err))
	}
	return binary.BigEndian.Uint32(b[:])
}

// Timeout is how long Call waits for a reply.
func (c *Correlator) Timeout() time.Duration { return c.timeout }

// reserve picks an id that no outstanding request uses and registers its slot.
func (c *Correlator) reserve() (uint32, *pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return 0, nil, c.closed
	}
	for {
		id := c.randomID()
		if _, taken := c.pending[id]; taken {
			continue
		}
		pc := &pendingCall{done: make(chan result, 1), startedAt: time.Now()}
		c.pending[id] = pc
		observability.SetPendingRequests(len(c.pending))
		return id, pc, nil
	}
}

// forget removes id and reports whether the caller won the entry.
func (c *Correlator) forget(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	observability.SetPendingRequests(len(c.pending))
	return true
}

// Call registers a fresh request id, hands it to send, and waits for the reply,
// the request timeout, or ctx. Exactly one of those settles the call; the others
// become no-ops. An ERROR reply is returned as *btp.RemoteError.
func (c *Correlator) Call(ctx context.Context, send func(requestID uint32) error) (btp.Packet, error) {
	id, pc, err := c.reserve()
	if err != nil {
		return btp.Packet{}, err
	}
	if err := send(id); err != nil {
		c.forget(id)
		observability.RecordCall("send_error", time.Since(pc.startedAt))
		return btp.Packet{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-pc.done:
		return c.finish(pc, r)
	case <-timer.C:
		if c.forget(id) {
			observability.RecordCall("timeout", time.Since(pc.startedAt))
			return btp.Packet{}, fmt.Errorf("%w: request_id=%d after %s", ErrRequestTimeout, id, c.timeout)
		}
	case <-ctx.Done():
		if c.forget(id) {
			observability.RecordCall("canceled", time.Since(pc.startedAt))
			return btp.Packet{}, ctx.Err()
		}
	}
	// a reply removed the entry first; its result is already buffered
	return c.finish(pc, <-pc.done)
}

func (c *Correlator) finish(pc *pendingCall, r result) (btp.Packet, error) {
	outcome := "ok"
	if r.err != nil {
		outcome = "error"
	}
	observability.RecordCall(outcome, time.Since(pc.startedAt))
	return r.packet, r.err
}

// Resolve settles the call waiting on p.RequestID. It returns false when no call
// is pending, e.g. for a late or duplicate reply, and the packet is dropped.
func (c *Correlator) Resolve(p btp.Packet) (bool, error) {
	if !p.Type.IsReply() {
		return false, fmt.Errorf("%w: %s", ErrNotReply, p.Type)
	}
	c.mu.Lock()
	pc, ok := c.pending[p.RequestID]
	if ok {
		delete(c.pending, p.RequestID)
		observability.SetPendingRequests(len(c.pending))
	}
	c.mu.Unlock()
	if !ok {
		return false, nil
	}

	r := result{packet: p}
	if p.Type == btp.TypeError {
		r = result{err: btp.RemoteErrorFrom(p)}
	}
	pc.done <- r
	return true, nil
}

// Pending counts calls still waiting for a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// IsPending reports whether id belongs to an outstanding call.
func (c *Correlator) IsPending(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// CancelAll fails every outstanding call with err and refuses new ones.
func (c *Correlator) CancelAll(err error) {
	if err == nil {
		err = ErrCorrelatorClosed
	}
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint32]*pendingCall)
	c.closed = err
	observability.SetPendingRequests(0)
	c.mu.Unlock()

	for _, pc := range pending {
		pc.done <- result{err: err}
	}
}
