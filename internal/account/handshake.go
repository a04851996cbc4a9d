package account

import (
	"github.com/danmuck/btpmux/internal/protocol/btp"
)

// AuthRequest is the identity claimed by the first packet on a connection.
type AuthRequest struct {
	RequestID uint32
	Account   string
	Token     string
	// Username is empty when the account was derived from the token.
	Username string
}

func notAccepted(msg string) error {
	return &btp.ProtocolError{Name: btp.NameNotAccepted, Message: msg}
}

// ParseAuth validates the auth handshake packet under mode.
func ParseAuth(p btp.Packet, mode Mode) (AuthRequest, error) {
	if p.Type != btp.TypeMessage {
		return AuthRequest{}, notAccepted("First message sent over BTP connection must be auth packet")
	}
	pd := p.Data.ProtocolData
	if len(pd) < 2 {
		return AuthRequest{}, notAccepted("Auth packet must have auth and auth_token subprotocols")
	}
	if pd[0].Name != btp.ProtocolAuth {
		return AuthRequest{}, notAccepted("First subprotocol must be auth")
	}

	req := AuthRequest{RequestID: p.RequestID}
	hasToken := false
	for _, sp := range pd {
		switch sp.Name {
		case btp.ProtocolAuthToken:
			req.Token = string(sp.Data)
			hasToken = true
		case btp.ProtocolAuthUsername:
			req.Username = string(sp.Data)
		}
	}
	if !hasToken || req.Token == "" {
		return AuthRequest{}, notAccepted("auth_token subprotocol is required")
	}

	switch mode {
	case ModeUsername:
		if req.Username == "" {
			return AuthRequest{}, notAccepted("auth_username subprotocol is required")
		}
	case ModeHashToken:
		if req.Username != "" && req.Username != HashToken(req.Token) {
			return AuthRequest{}, notAccepted("auth_username subprotocol is not available")
		}
	}

	req.Account = req.Username
	if req.Account == "" {
		req.Account = HashToken(req.Token)
	}
	return req, nil
}
