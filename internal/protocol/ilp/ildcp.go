package ilp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/btpmux/internal/protocol/oer"
)

// PeerConfigAddress is the destination of ILDCP requests.
const PeerConfigAddress = "peer.config"

const ildcpExpiry = 60 * time.Second

// PeerProtocolFulfillment is the fixed fulfillment for peer protocol requests.
var PeerProtocolFulfillment [32]byte

// PeerProtocolCondition locks ILDCP prepares.
var PeerProtocolCondition = Condition(PeerProtocolFulfillment)

var ErrNotIldcpRequest = errors.New("ildcp: not a peer.config prepare")

// IldcpResponse is the configuration a parent hands to a child.
type IldcpResponse struct {
	ClientAddress string `json:"clientAddress" toml:"client_address"`
	AssetScale    uint8  `json:"assetScale" toml:"asset_scale"`
	AssetCode     string `json:"assetCode" toml:"asset_code"`
}

func NewIldcpRequest(now time.Time) []byte {
	return Prepare{
		Amount:             0,
		ExpiresAt:          now.Add(ildcpExpiry),
		ExecutionCondition: PeerProtocolCondition,
		Destination:        PeerConfigAddress,
	}.Encode()
}

func EncodeIldcpResponse(info IldcpResponse) []byte {
	w := oer.NewWriter(16 + len(info.ClientAddress) + len(info.AssetCode))
	w.WriteVarOctetString([]byte(info.ClientAddress))
	w.WriteUint8(info.AssetScale)
	w.WriteVarOctetString([]byte(info.AssetCode))
	return Fulfill{Fulfillment: PeerProtocolFulfillment, Data: w.Bytes()}.Encode()
}

func DecodeIldcpResponse(b []byte) (IldcpResponse, error) {
	p, err := Decode(b)
	if err != nil {
		return IldcpResponse{}, err
	}
	switch p.Type {
	case TypeFulfill:
	case TypeReject:
		return IldcpResponse{}, fmt.Errorf("ildcp: request rejected: %s %s", p.Reject.Code, p.Reject.Message)
	default:
		return IldcpResponse{}, fmt.Errorf("ildcp: unexpected response type %s", p.Type)
	}
	r := oer.NewReader(p.Fulfill.Data)
	addr, err := r.ReadVarOctetString()
	if err != nil {
		return IldcpResponse{}, err
	}
	scale, err := r.ReadUint8()
	if err != nil {
		return IldcpResponse{}, err
	}
	code, err := r.ReadVarOctetString()
	if err != nil {
		return IldcpResponse{}, err
	}
	return IldcpResponse{ClientAddress: string(addr), AssetScale: scale, AssetCode: string(code)}, nil
}

// Fetch asks the parent behind send for this node's configuration.
func Fetch(ctx context.Context, send func(context.Context, []byte) ([]byte, error)) (IldcpResponse, error) {
	resp, err := send(ctx, NewIldcpRequest(time.Now()))
	if err != nil {
		return IldcpResponse{}, fmt.Errorf("ildcp: fetch: %w", err)
	}
	info, err := DecodeIldcpResponse(resp)
	if err != nil {
		return IldcpResponse{}, err
	}
	if info.ClientAddress == "" {
		return IldcpResponse{}, errors.New("ildcp: response has empty client address")
	}
	return info, nil
}

// Serve answers an ILDCP request with info. Invalid requests are answered with an F00 reject
// triggered by serverAddress.
func Serve(request []byte, info IldcpResponse, serverAddress string) []byte {
	p, err := Decode(request)
	if err != nil || p.Type != TypePrepare || p.Prepare.Destination != PeerConfigAddress {
		if err == nil {
			err = ErrNotIldcpRequest
		}
		return EncodeErrorReject(serverAddress, NewError(CodeBadRequest, "%v", err))
	}
	return EncodeIldcpResponse(info)
}
