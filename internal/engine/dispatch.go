package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/danmuck/btpmux/internal/events"
	"github.com/danmuck/btpmux/internal/ledger"
	"github.com/danmuck/btpmux/internal/protocol/btp"
	"github.com/danmuck/btpmux/internal/protocol/ilp"
)

// infoRequestFull asks for the JSON descriptor instead of the bare account.
const infoRequestFull = 2

// HandleIncoming applies one request packet from acct and returns the protocol
// data for the RESPONSE. An error becomes the ERROR reply.
func (e *Engine) HandleIncoming(ctx context.Context, acct string, pkt btp.Packet) (btp.ProtocolData, error) {
	from := e.Address(acct)
	switch pkt.Type {
	case btp.TypePrepare:
		return nil, e.handlePrepare(ctx, acct, from, pkt)
	case btp.TypeFulfill:
		_, err := e.ledger.OnOutgoingFulfill(ctx, acct, pkt.Data.TransferID, pkt.Data.Fulfillment)
		return nil, err
	case btp.TypeReject:
		return nil, e.handleReject(ctx, acct, pkt)
	case btp.TypeMessage:
		return e.handleMessage(ctx, acct, from, pkt)
	default:
		return nil, btp.Errorf(btp.NameInvalidFields, "unexpected packet type %s", pkt.Type)
	}
}

func (e *Engine) handlePrepare(ctx context.Context, acct, from string, pkt btp.Packet) error {
	return e.ledger.OnIncomingPrepare(ctx, ledger.Transfer{
		ID:                 pkt.Data.TransferID,
		Amount:             pkt.Data.Amount,
		ExecutionCondition: pkt.Data.ExecutionCondition,
		ExpiresAt:          pkt.Data.ExpiresAt,
		Account:            acct,
		From:               from,
		To:                 e.Account(),
		ProtocolData:       pkt.Data.ProtocolData,
	})
}

// handleReject resolves an outgoing transfer the peer refused, or refunds an
// incoming transfer the peer withdrew.
func (e *Engine) handleReject(ctx context.Context, acct string, pkt btp.Packet) error {
	id := pkt.Data.TransferID
	reason := rejectReason(pkt.Data.ProtocolData)
	if _, ok := e.ledger.OutgoingTransfer(id); ok {
		_, err := e.ledger.OnOutgoingReject(acct, id, reason)
		return err
	}
	_, err := e.ledger.OnIncomingReject(ctx, acct, id, reason)
	return err
}

func rejectReason(pd btp.ProtocolData) string {
	entry, ok := pd.Get(btp.ProtocolILP)
	if !ok {
		return ""
	}
	p, err := ilp.Decode(entry.Data)
	if err != nil || p.Type != ilp.TypeReject {
		return ""
	}
	return p.Reject.Code + " " + p.Reject.Message
}

func (e *Engine) handleMessage(ctx context.Context, acct, from string, pkt btp.Packet) (btp.ProtocolData, error) {
	pd := pkt.Data.ProtocolData
	if _, ok := pd.Get(btp.ProtocolAuth); ok {
		return nil, btp.Errorf(btp.NameNotAccepted, "auth is only valid as the first packet on a connection")
	}

	if entry, ok := pd.Get(btp.ProtocolILP); ok {
		return e.handleILP(ctx, from, entry.Data)
	}

	if entry, ok := pd.Get(btp.ProtocolInfo); ok {
		if len(entry.Data) > 0 && entry.Data[0] == infoRequestFull {
			body, err := json.Marshal(e.Info(from))
			if err != nil {
				return nil, err
			}
			return btp.ProtocolData{{Name: btp.ProtocolInfo, ContentType: btp.ContentJSON, Data: body}}, nil
		}
		return btp.ProtocolData{{Name: btp.ProtocolInfo, ContentType: btp.ContentTextPlain, Data: []byte(e.Account())}}, nil
	}
	if _, ok := pd.Get(btp.ProtocolBalance); ok {
		bal, err := e.ledger.Balance(ctx, acct)
		if err != nil {
			return nil, err
		}
		if !bal.IsInt64() {
			return nil, btp.Errorf(btp.NameInvalidFields, "balance %s does not fit in int64", bal)
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(bal.Int64()))
		return btp.ProtocolData{{Name: btp.ProtocolBalance, ContentType: btp.ContentOctetStream, Data: buf[:]}}, nil
	}
	if _, ok := pd.Get(btp.ProtocolLimit); ok {
		body, err := json.Marshal(e.cfg.Limit)
		if err != nil {
			return nil, err
		}
		return btp.ProtocolData{{Name: btp.ProtocolLimit, ContentType: btp.ContentJSON, Data: body}}, nil
	}

	_, custom := e.handlers()
	if custom != nil {
		var resp btp.ProtocolData
		err := e.guard("custom data handler", func() error {
			var herr error
			resp, herr = custom(ctx, from, pkt)
			return herr
		})
		return resp, err
	}
	if _, ok := pd.Get(btp.ProtocolCustom); ok {
		return nil, btp.Errorf(btp.NameNotAccepted, "no custom data handler registered")
	}
	return nil, btp.Errorf(btp.NameNotAccepted, "Unsupported side protocol. protocols=%v", pd.Names())
}

// handleILP answers ILDCP itself and hands every other ILP packet to the
// request handler. Handler failures come back as ILP rejects, not BTP errors.
func (e *Engine) handleILP(ctx context.Context, from string, packet []byte) (btp.ProtocolData, error) {
	if parsed, err := ilp.Decode(packet); err == nil && parsed.Type == ilp.TypePrepare &&
		parsed.Prepare.Destination == ilp.PeerConfigAddress {
		host := e.HostInfo()
		info := host
		info.ClientAddress = from
		e.log.Trace().Str("client_address", from).Msg("engine.handleILP responding to ILDCP request")
		return ilpData(ilp.Serve(packet, info, host.ClientAddress)), nil
	}

	handler, _ := e.handlers()
	if handler == nil {
		return nil, btp.Errorf(btp.NameNotAccepted, "%s", ErrNoRequestHandler.Error())
	}

	e.bus.Emit(events.Event{Kind: events.IncomingRequest, Account: e.accountOf(from)})
	var resp []byte
	err := e.guard("request handler", func() error {
		var herr error
		resp, herr = handler(ctx, from, packet)
		return herr
	})
	if err != nil {
		e.log.Debug().Err(err).Str("from", from).Msg("engine.handleILP request handler failed")
		resp = ilp.EncodeErrorReject(e.Account(), err)
	}
	e.bus.Emit(events.Event{Kind: events.OutgoingResponse, Account: e.accountOf(from)})
	return ilpData(resp), nil
}

func ilpData(b []byte) btp.ProtocolData {
	return btp.ProtocolData{{Name: btp.ProtocolILP, ContentType: btp.ContentOctetStream, Data: b}}
}

func (e *Engine) accountOf(address string) string {
	acct, err := e.AccountFromAddress(address)
	if err != nil {
		return ""
	}
	return acct
}
