package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/btpmux/internal/account"
	"github.com/danmuck/btpmux/internal/events"
	"github.com/danmuck/btpmux/internal/observability"
	"github.com/danmuck/btpmux/internal/protocol/btp"
)

var ErrPeerClosed = errors.New("engine: peer closed")

// Peer is the engine side of one transport connection. The transport feeds it
// raw frames in arrival order through Receive.
type Peer struct {
	engine *Engine
	conn   account.Conn

	mu      sync.Mutex
	authed  bool
	account string

	queue     chan btp.Packet
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// Accept starts a peer for conn. The first packet it receives must authenticate.
func (e *Engine) Accept(conn account.Conn) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		engine: e,
		conn:   conn,
		queue:  make(chan btp.Packet, e.cfg.Session.QueueDepth),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.work()
	return p
}

// Conn is the underlying transport connection.
func (p *Peer) Conn() account.Conn { return p.conn }

// Account is empty until the handshake succeeds.
func (p *Peer) Account() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.account
}

// Authenticated reports whether the auth handshake completed.
func (p *Peer) Authenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authed
}

// Done is closed once the peer is closed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Receive handles one frame. Replies are resolved inline so that a peer blocked
// on an outbound call never stalls its own responses; requests are queued and
// answered in order. A returned error means the peer has been closed.
func (p *Peer) Receive(raw []byte) error {
	pkt, err := btp.Decode(raw)
	if err != nil {
		p.Close(fmt.Errorf("decode: %w", err))
		return err
	}
	observability.RecordPacket("in", pkt.Type.String())

	if !p.Authenticated() {
		return p.authenticate(pkt)
	}

	if pkt.Type.IsReply() {
		if ok, _ := p.engine.correlator.Resolve(pkt); !ok {
			p.engine.log.Debug().Uint32("request_id", pkt.RequestID).Str("account", p.Account()).
				Msg("engine.Peer dropping reply with no pending request")
		}
		return nil
	}

	select {
	case p.queue <- pkt:
		return nil
	case <-p.done:
		return ErrPeerClosed
	}
}

func (p *Peer) authenticate(pkt btp.Packet) error {
	e := p.engine
	if !e.IsConnected() {
		p.refuse(pkt, btp.Errorf(btp.NameNotAccepted, "server is not connected"))
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(p.ctx, e.cfg.Session.HandshakeTimeout)
	defer cancel()

	req, first, err := e.gate.Authenticate(ctx, p.conn, pkt)
	if err != nil {
		p.refuse(pkt, err)
		return err
	}
	address := e.Address(req.Account)

	e.mu.RLock()
	hook := e.connectHook
	e.mu.RUnlock()
	if hook != nil {
		err := e.guard("connect hook", func() error { return hook(ctx, address, req, p.conn) })
		if err != nil {
			e.registry.Remove(req.Account, p.conn)
			p.refuse(pkt, btp.Errorf(btp.NameNotAccepted, "%v", err))
			return err
		}
	}

	p.mu.Lock()
	p.authed = true
	p.account = req.Account
	p.mu.Unlock()

	if first {
		e.bus.Emit(events.Event{Kind: events.AccountConnected, Account: req.Account})
	}
	e.log.Debug().Str("account", req.Account).Str("remote", p.conn.RemoteAddr()).Msg("engine.Peer authenticated")
	return p.send(btp.NewResponse(pkt.RequestID, nil))
}

// refuse answers a failed handshake with a best-effort ERROR and closes.
func (p *Peer) refuse(pkt btp.Packet, err error) {
	observability.RecordAuthFailure()
	p.engine.log.Debug().Err(err).Str("remote", p.conn.RemoteAddr()).Msg("engine.Peer not accepted during auth")
	reply := btp.NewErrorPacket(pkt.RequestID, &btp.ProtocolError{Name: btp.NameNotAccepted, Message: btp.Message(err)}, p.engine.now())
	_ = p.send(reply)
	p.Close(err)
}

func (p *Peer) send(pkt btp.Packet) error {
	raw, err := btp.Encode(pkt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.engine.cfg.Session.WriteTimeout)
	defer cancel()
	if err := p.conn.Send(ctx, raw); err != nil {
		return err
	}
	observability.RecordPacket("out", pkt.Type.String())
	return nil
}

func (p *Peer) work() {
	for {
		select {
		case <-p.done:
			return
		case pkt := <-p.queue:
			p.serve(pkt)
		}
	}
}

func (p *Peer) serve(pkt btp.Packet) {
	e := p.engine
	acct := p.Account()
	var pd btp.ProtocolData
	err := e.guard("packet handler", func() error {
		var herr error
		pd, herr = e.HandleIncoming(p.ctx, acct, pkt)
		return herr
	})

	reply := btp.NewResponse(pkt.RequestID, pd)
	if err != nil {
		e.log.Debug().Err(err).Str("account", acct).Str("type", pkt.Type.String()).
			Uint32("request_id", pkt.RequestID).Msg("engine.Peer packet not accepted")
		reply = btp.NewErrorPacket(pkt.RequestID, err, e.now())
	}
	if err := p.send(reply); err != nil {
		e.log.Debug().Err(err).Str("account", acct).Msg("engine.Peer reply failed")
	}
}

// Close detaches the peer from its account and closes the connection. It is
// safe to call more than once; only the first cause is reported.
func (p *Peer) Close(cause error) {
	p.closeOnce.Do(func() {
		p.cancel()
		close(p.done)
		_ = p.conn.Close()

		p.mu.Lock()
		authed, acct := p.authed, p.account
		p.mu.Unlock()
		if !authed {
			return
		}

		e := p.engine
		if e.registry.Remove(acct, p.conn) {
			e.bus.Emit(events.Event{Kind: events.AccountDisconnected, Account: acct, Detail: errString(cause)})
		}
		e.mu.RLock()
		hook := e.closeHook
		e.mu.RUnlock()
		if hook != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						e.log.Debug().Interface("panic", r).Msg("engine.Peer close hook failed")
					}
				}()
				hook(e.Address(acct), cause)
			}()
		}
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
