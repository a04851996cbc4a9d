package account

import (
	"context"
	"errors"

	"github.com/danmuck/btpmux/internal/protocol/btp"
	"github.com/danmuck/btpmux/internal/store"
)

var (
	ErrStoreRequired = errors.New("account: username mode requires a store")
	ErrNoTokenStore  = errors.New("account: tokens are not persisted")
)

// Gate authenticates a connection's first packet and registers it on success.
type Gate struct {
	mode     Mode
	tokens   *TokenStore
	registry *Registry
}

// NewGate builds a gate. s may be nil except in ModeUsername.
func NewGate(mode Mode, s store.Store, registry *Registry) (*Gate, error) {
	if mode == ModeUsername && s == nil {
		return nil, ErrStoreRequired
	}
	g := &Gate{mode: mode, registry: registry}
	if s != nil {
		g.tokens = NewTokenStore(s)
	}
	return g, nil
}

// Mode is the account naming mode the gate enforces.
func (g *Gate) Mode() Mode { return g.mode }

// Registry is where authenticated connections are added.
func (g *Gate) Registry() *Registry { return g.registry }

// Authenticate checks p and, when the mode persists tokens, claims or verifies
// the token before conn is added to the registry. Failures are NotAccepted
// protocol errors and leave the registry untouched.
func (g *Gate) Authenticate(ctx context.Context, conn Conn, p btp.Packet) (AuthRequest, bool, error) {
	req, err := ParseAuth(p, g.mode)
	if err != nil {
		return AuthRequest{}, false, err
	}
	if g.mode.Stored() && g.tokens != nil {
		if err := g.tokens.Claim(ctx, req.Account, req.Token); err != nil {
			if btp.IsName(err, btp.NameNotAccepted) {
				return AuthRequest{}, false, err
			}
			return AuthRequest{}, false, btp.Errorf(btp.NameNotAccepted, "%v", err)
		}
	}
	first := g.registry.Add(req.Account, conn)
	return req, first, nil
}

// Forget releases the token bound to account so the next successful auth
// claims it afresh. Open connections are left alone.
func (g *Gate) Forget(ctx context.Context, account string) error {
	if g.tokens == nil {
		return ErrNoTokenStore
	}
	return g.tokens.Forget(ctx, account)
}
