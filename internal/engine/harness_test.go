package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/btpmux/internal/protocol/btp"
	"github.com/danmuck/btpmux/internal/protocol/ilp"
	"github.com/stretchr/testify/require"
)

var errPipeClosed = errors.New("pipe closed")

var pipeSeq atomic.Uint64

// pipeConn is an in-memory account.Conn; frames the engine sends land in inbox.
type pipeConn struct {
	id     string
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		id:     fmt.Sprintf("pipe-%d", pipeSeq.Add(1)),
		inbox:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ID() string         { return c.id }
func (c *pipeConn) RemoteAddr() string { return "pipe" }

func (c *pipeConn) Send(ctx context.Context, raw []byte) error {
	select {
	case <-c.closed:
		return errPipeClosed
	default:
	}
	select {
	case c.inbox <- raw:
		return nil
	case <-c.closed:
		return errPipeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// answerFunc answers a request the engine sends to the test peer. Returning
// false leaves the request unanswered.
type answerFunc func(btp.Packet) (btp.Packet, bool)

// testPeer plays the remote end of one connection.
type testPeer struct {
	t       *testing.T
	peer    *Peer
	conn    *pipeConn
	replies chan btp.Packet
	answer  answerFunc
	nextID  atomic.Uint32
	stop    chan struct{}
}

func dial(t *testing.T, e *Engine, answer answerFunc) *testPeer {
	t.Helper()
	conn := newPipeConn()
	tp := &testPeer{
		t:       t,
		peer:    e.Accept(conn),
		conn:    conn,
		replies: make(chan btp.Packet, 64),
		answer:  answer,
		stop:    make(chan struct{}),
	}
	go tp.loop()
	t.Cleanup(func() {
		close(tp.stop)
		tp.peer.Close(nil)
	})
	return tp
}

func (tp *testPeer) loop() {
	for {
		select {
		case <-tp.stop:
			return
		case raw := <-tp.conn.inbox:
			pkt, err := btp.Decode(raw)
			if err != nil {
				tp.t.Errorf("engine sent undecodable frame: %v", err)
				continue
			}
			if pkt.Type.IsReply() {
				tp.replies <- pkt
				continue
			}
			if tp.answer == nil {
				continue
			}
			reply, ok := tp.answer(pkt)
			if !ok {
				continue
			}
			reply.RequestID = pkt.RequestID
			_ = tp.peer.Receive(btp.MustEncode(reply))
		}
	}
}

// request sends pkt and waits for the reply carrying its request id.
func (tp *testPeer) request(pkt btp.Packet) btp.Packet {
	tp.t.Helper()
	pkt.RequestID = tp.nextID.Add(1)
	_ = tp.peer.Receive(btp.MustEncode(pkt))
	deadline := time.After(2 * time.Second)
	for {
		select {
		case reply := <-tp.replies:
			if reply.RequestID == pkt.RequestID {
				return reply
			}
		case <-deadline:
			tp.t.Fatalf("no reply to request %d (%s)", pkt.RequestID, pkt.Type)
			return btp.Packet{}
		}
	}
}

func (tp *testPeer) auth(user, token string) btp.Packet {
	tp.t.Helper()
	pd := btp.ProtocolData{{Name: btp.ProtocolAuth, ContentType: btp.ContentOctetStream, Data: []byte{}}}
	if user != "" {
		pd = append(pd, btp.SubProtocol{Name: btp.ProtocolAuthUsername, ContentType: btp.ContentTextPlain, Data: []byte(user)})
	}
	pd = append(pd, btp.SubProtocol{Name: btp.ProtocolAuthToken, ContentType: btp.ContentTextPlain, Data: []byte(token)})
	return tp.request(btp.NewMessage(0, pd))
}

func (tp *testPeer) mustAuth(user, token string) {
	tp.t.Helper()
	reply := tp.auth(user, token)
	require.Equal(tp.t, btp.TypeResponse, reply.Type, "auth reply: %s %s", reply.Data.Name, reply.Data.ErrorData)
}

func (tp *testPeer) message(name string, ct btp.ContentType, data []byte) btp.Packet {
	tp.t.Helper()
	return tp.request(btp.NewMessage(0, btp.ProtocolData{{Name: name, ContentType: ct, Data: data}}))
}

var testHost = ilp.IldcpResponse{ClientAddress: "test.example", AssetScale: 9, AssetCode: "XRP"}

func newTestEngine(t *testing.T, cfg Config, deps Deps) *Engine {
	t.Helper()
	if cfg.DebugHostInfo == nil {
		host := testHost
		cfg.DebugHostInfo = &host
	}
	e, err := New(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, e.Connect(context.Background()))
	t.Cleanup(e.Close)
	return e
}

// fulfillAll answers every MESSAGE carrying an ILP PREPARE with a fulfill for f
// and every other request with an empty RESPONSE.
func fulfillAll(f [32]byte) answerFunc {
	return func(p btp.Packet) (btp.Packet, bool) {
		if entry, ok := p.Data.ProtocolData.Get(btp.ProtocolILP); ok {
			if parsed, err := ilp.Decode(entry.Data); err == nil && parsed.Type == ilp.TypePrepare {
				body := ilp.Fulfill{Fulfillment: f}.Encode()
				return btp.NewResponse(0, ilpData(body)), true
			}
		}
		return btp.NewResponse(0, nil), true
	}
}

func preimage(seed byte) [32]byte {
	var f [32]byte
	for i := range f {
		f[i] = seed
	}
	return f
}

// skewClock is wall time shifted by an adjustable offset.
type skewClock struct{ offset atomic.Int64 }

func (c *skewClock) now() time.Time { return time.Now().Add(time.Duration(c.offset.Load())) }

func (c *skewClock) advance(d time.Duration) { c.offset.Add(int64(d)) }
