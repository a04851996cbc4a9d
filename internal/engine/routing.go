package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/btpmux/internal/protocol/btp"
	"github.com/danmuck/btpmux/internal/protocol/ilp"
)

// Connect resolves this node's address, from DebugHostInfo when configured or
// through an ILDCP request to the registered request handler. It is idempotent.
func (e *Engine) Connect(ctx context.Context) error {
	if e.IsConnected() {
		return nil
	}
	var host ilp.IldcpResponse
	handler, _ := e.handlers()
	switch {
	case e.cfg.DebugHostInfo != nil:
		host = *e.cfg.DebugHostInfo
	case handler != nil:
		info, err := ilp.Fetch(ctx, func(ctx context.Context, b []byte) ([]byte, error) {
			var resp []byte
			err := e.guard("request handler", func() error {
				var herr error
				resp, herr = handler(ctx, "", b)
				return herr
			})
			return resp, err
		})
		if err != nil {
			return err
		}
		host = info
	default:
		return ErrNoRequestHandler
	}
	if strings.TrimSpace(host.ClientAddress) == "" {
		return errors.New("engine: host address is empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.host = host
	e.prefix = host.ClientAddress + "."
	e.connected = true
	e.log.Info().Str("prefix", e.prefix).Str("asset", host.AssetCode).Uint8("scale", host.AssetScale).Msg("engine.Connect")
	return nil
}

// AccountFromAddress returns the account segment of an address under the prefix.
func (e *Engine) AccountFromAddress(address string) (string, error) {
	prefix := e.Prefix()
	if prefix == "" {
		return "", ErrNotConnected
	}
	if !strings.HasPrefix(address, prefix) {
		return "", btp.Errorf(btp.NameNotAccepted, "ILP address (%s) must start with prefix (%s)", address, prefix)
	}
	acct := strings.SplitN(address[len(prefix):], ".", 2)[0]
	if acct == "" {
		return "", btp.Errorf(btp.NameNotAccepted, "ILP address (%s) has no account segment", address)
	}
	return acct, nil
}

// SendData delivers an ILP PREPARE to the local peer it is addressed to and
// returns the peer's ILP reply. Expiry, condition mismatch and delivery failure
// all come back as reject packets; only malformed or unroutable input is an error.
func (e *Engine) SendData(ctx context.Context, packet []byte) ([]byte, error) {
	parsed, err := ilp.Decode(packet)
	if err != nil {
		return nil, err
	}
	if parsed.Type != ilp.TypePrepare {
		return nil, errors.New("can't route packet that's not a PREPARE.")
	}
	prepare := *parsed.Prepare
	host := e.HostInfo()

	if prepare.Destination == ilp.PeerConfigAddress {
		return ilp.EncodeIldcpResponse(host), nil
	}
	prefix := e.Prefix()
	if prefix == "" || !strings.HasPrefix(prepare.Destination, prefix) {
		return nil, fmt.Errorf("can't route packet that is not meant for one of my clients. destination=%s prefix=%s",
			prepare.Destination, prefix)
	}

	triggeredBy := host.ClientAddress
	expired := func() []byte {
		return ilp.EncodeErrorReject(triggeredBy, ilp.NewError(ilp.CodeTransferTimedOut, "Packet expired"))
	}
	if !e.now().Before(prepare.ExpiresAt) {
		return expired(), nil
	}

	type outcome struct {
		data []byte
		err  error
	}
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan outcome, 1)
	go func() {
		resp, err := e.Call(callCtx, prepare.Destination, btp.NewMessage(0, ilpData(packet)))
		if err != nil {
			results <- outcome{err: err}
			return
		}
		entry, ok := resp.Data.ProtocolData.Get(btp.ProtocolILP)
		if !ok {
			results <- outcome{err: errors.New("peer response has no ilp data")}
			return
		}
		results <- outcome{data: entry.Data}
	}()

	timer := time.NewTimer(prepare.ExpiresAt.Sub(e.now()))
	defer timer.Stop()

	var res outcome
	select {
	case <-timer.C:
		return expired(), nil
	case <-ctx.Done():
		return expired(), nil
	case res = <-results:
	}
	if res.err != nil {
		e.log.Debug().Err(res.err).Str("destination", prepare.Destination).Msg("engine.SendData forward failed")
		return ilp.EncodeErrorReject(triggeredBy, ilp.NewError(ilp.CodePeerUnreachable, "%v", res.err)), nil
	}

	reply, err := ilp.Decode(res.data)
	if err != nil {
		return ilp.EncodeErrorReject(triggeredBy, ilp.NewError(ilp.CodeInvalidPacket, "invalid response from peer: %v", err)), nil
	}
	if reply.Type == ilp.TypeFulfill {
		if e.now().After(prepare.ExpiresAt) {
			return expired(), nil
		}
		if !ilp.VerifyFulfillment(prepare.ExecutionCondition, reply.Fulfill.Fulfillment) {
			return ilp.EncodeErrorReject(triggeredBy, ilp.NewError(ilp.CodeWrongCondition,
				"condition and fulfillment don't match. condition=%x fulfillment=%x",
				prepare.ExecutionCondition, reply.Fulfill.Fulfillment)), nil
		}
	}

	e.mu.RLock()
	hook := e.prepareRespHook
	e.mu.RUnlock()
	if hook != nil {
		err := e.guard("prepare response hook", func() error { return hook(prepare.Destination, reply, prepare) })
		if err != nil {
			return ilp.EncodeErrorReject(triggeredBy, err), nil
		}
	}
	return res.data, nil
}
