package engine

import (
	"context"

	"github.com/danmuck/btpmux/internal/events"
	"github.com/danmuck/btpmux/internal/ledger"
	"github.com/danmuck/btpmux/internal/observability"
	"github.com/danmuck/btpmux/internal/protocol/btp"
	"github.com/danmuck/btpmux/internal/protocol/ilp"
	"github.com/google/uuid"
)

// Call sends a request packet to the peer at address to and waits for its reply.
// The packet's request id is assigned here.
func (e *Engine) Call(ctx context.Context, to string, pkt btp.Packet) (btp.Packet, error) {
	if !e.IsConnected() {
		return btp.Packet{}, ErrNotConnected
	}
	acct, err := e.AccountFromAddress(to)
	if err != nil {
		return btp.Packet{}, err
	}
	return e.correlator.Call(ctx, func(requestID uint32) error {
		pkt.RequestID = requestID
		raw, err := btp.Encode(pkt)
		if err != nil {
			return err
		}
		if err := e.registry.Send(ctx, acct, raw); err != nil {
			return btp.Errorf(btp.NameUnreachable, "%v", err)
		}
		observability.RecordPacket("out", pkt.Type.String())
		return nil
	})
}

// SendTransfer sends a conditional PREPARE to t.To and records it as outgoing.
// The record is dropped if the peer refuses the PREPARE.
func (e *Engine) SendTransfer(ctx context.Context, t ledger.Transfer) error {
	acct, err := e.AccountFromAddress(t.To)
	if err != nil {
		return err
	}
	t.Account = acct
	if t.From == "" {
		t.From = e.Account()
	}
	if err := e.ledger.OnOutgoingPrepare(t); err != nil {
		return err
	}
	_, err = e.Call(ctx, t.To, btp.Packet{
		Type: btp.TypePrepare,
		Data: btp.Data{
			TransferID:         t.ID,
			Amount:             t.Amount,
			ExecutionCondition: t.ExecutionCondition,
			ExpiresAt:          t.ExpiresAt,
			ProtocolData:       t.ProtocolData,
		},
	})
	if err != nil {
		e.ledger.DropOutgoing(t.ID)
		return err
	}
	return nil
}

// SendRequest sends a MESSAGE to the peer at address to and returns the
// protocol data of its RESPONSE.
func (e *Engine) SendRequest(ctx context.Context, to string, pd btp.ProtocolData) (btp.ProtocolData, error) {
	acct := e.accountOf(to)
	e.bus.Emit(events.Event{Kind: events.OutgoingRequest, Account: acct})
	resp, err := e.Call(ctx, to, btp.NewMessage(0, pd))
	if err != nil {
		return nil, err
	}
	e.bus.Emit(events.Event{Kind: events.IncomingResponse, Account: acct})
	return resp.Data.ProtocolData, nil
}

// FulfillCondition releases an incoming transfer by sending its fulfillment to
// the originating peer. The transfer is deleted only once the peer accepts.
func (e *Engine) FulfillCondition(ctx context.Context, id uuid.UUID, fulfillment [32]byte) error {
	t, err := e.ledger.BeginFulfill(id, fulfillment)
	if err != nil {
		return err
	}
	_, err = e.Call(ctx, t.From, btp.Packet{
		Type: btp.TypeFulfill,
		Data: btp.Data{TransferID: id, Fulfillment: fulfillment},
	})
	if err != nil {
		e.ledger.AbortFulfill(id)
		return err
	}
	e.ledger.CompleteFulfill(id)
	return nil
}

// RejectIncomingTransfer tells the originating peer the transfer will not be
// fulfilled and refunds it.
func (e *Engine) RejectIncomingTransfer(ctx context.Context, id uuid.UUID, reason ilp.Reject) error {
	t, ok := e.ledger.IncomingTransfer(id)
	if !ok {
		return btp.Errorf(btp.NameTransferNotFound, "unable to reject transfer: not found. id=%s", id)
	}
	if reason.Code == "" {
		reason.Code = ilp.CodeBadRequest
	}
	if reason.TriggeredBy == "" {
		reason.TriggeredBy = e.Account()
	}
	body, err := reason.Encode()
	if err != nil {
		return btp.Errorf(btp.NameInvalidFields, "%v", err)
	}
	if _, err := e.Call(ctx, t.From, btp.Packet{
		Type: btp.TypeReject,
		Data: btp.Data{TransferID: id, ProtocolData: ilpData(body)},
	}); err != nil {
		return err
	}
	_, err = e.ledger.OnIncomingReject(ctx, t.Account, id, reason.Code+" "+reason.Message)
	return err
}

// GetFulfillment always fails: resolved transfers are not retained.
func (e *Engine) GetFulfillment(id uuid.UUID) ([32]byte, error) {
	return [32]byte{}, btp.Errorf(btp.NameMissingFulfillment, "fulfillment is not retained. id=%s", id)
}
