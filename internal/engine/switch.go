package engine

import (
	"context"
	"strings"

	"github.com/danmuck/btpmux/internal/protocol/ilp"
)

// LocalSwitch is a request handler that delivers PREPAREs between accounts on
// this node. It answers ILDCP from host, which lets Connect run without an
// upstream. Anything not addressed to a local account is rejected F02.
type LocalSwitch struct {
	engine *Engine
	host   ilp.IldcpResponse
}

// NewLocalSwitch returns a switch answering ILDCP with host.
func NewLocalSwitch(e *Engine, host ilp.IldcpResponse) *LocalSwitch {
	return &LocalSwitch{engine: e, host: host}
}

// Handle satisfies RequestHandler.
func (s *LocalSwitch) Handle(ctx context.Context, from string, packet []byte) ([]byte, error) {
	parsed, err := ilp.Decode(packet)
	if err != nil {
		return nil, ilp.NewError(ilp.CodeInvalidPacket, "%v", err)
	}
	if parsed.Type != ilp.TypePrepare {
		return nil, ilp.NewError(ilp.CodeBadRequest, "expected PREPARE, got %s", parsed.Type)
	}
	dest := parsed.Prepare.Destination
	if dest == ilp.PeerConfigAddress {
		return ilp.Serve(packet, s.host, s.host.ClientAddress), nil
	}

	prefix := s.engine.Prefix()
	if prefix == "" || !strings.HasPrefix(dest, prefix) {
		return nil, ilp.NewError(ilp.CodeUnreachable, "no route to %s", dest)
	}
	acct, err := s.engine.AccountFromAddress(dest)
	if err != nil || acct == "server" {
		return nil, ilp.NewError(ilp.CodeUnreachable, "no route to %s", dest)
	}
	if from != "" && s.engine.accountOf(from) == acct {
		return nil, ilp.NewError(ilp.CodeUnreachable, "refusing to route %s back to its sender", dest)
	}
	if !s.engine.Registry().Connected(acct) {
		return nil, ilp.NewError(ilp.CodePeerUnreachable, "account %s is not connected", acct)
	}
	return s.engine.SendData(ctx, packet)
}
