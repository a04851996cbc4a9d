// Package account maps authenticated connections to stable account identities.
package account

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// Mode decides how a connection's account name is chosen.
type Mode int

const (
	// ModeUsername takes the account from auth_username. Requires a store.
	ModeUsername Mode = iota
	// ModeHashToken sets the account to HashToken(token); auth_username is refused.
	ModeHashToken
	// ModeUsernameOrHashToken uses auth_username when present, else the token hash.
	ModeUsernameOrHashToken
)

func (m Mode) String() string {
	switch m {
	case ModeUsername:
		return "username"
	case ModeHashToken:
		return "hash_token"
	case ModeUsernameOrHashToken:
		return "username_or_hash_token"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Stored reports whether tokens are persisted and checked in this mode.
func (m Mode) Stored() bool {
	return m == ModeUsername || m == ModeUsernameOrHashToken
}

// ParseMode accepts the config spellings of a Mode; empty is not a mode.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "username":
		return ModeUsername, nil
	case "hash_token", "hash-token", "hashtoken":
		return ModeHashToken, nil
	case "username_or_hash_token", "username-or-hash-token":
		return ModeUsernameOrHashToken, nil
	default:
		return 0, fmt.Errorf("account: unknown mode %q", raw)
	}
}

// DefaultMode picks UsernameOrHashToken when a store is available, HashToken otherwise.
func DefaultMode(hasStore bool) Mode {
	if hasStore {
		return ModeUsernameOrHashToken
	}
	return ModeHashToken
}

// HashToken is the unpadded base64url SHA-256 of token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
