package account

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/danmuck/btpmux/internal/protocol/btp"
	"github.com/danmuck/btpmux/internal/store"
)

func tokenKey(account string) string           { return account + ":hashed-token" }
func deprecatedTokenKey(account string) string { return account + ":token" }

// TokenStore persists one token hash per account.
type TokenStore struct {
	store store.Store
}

// NewTokenStore keeps token hashes in s.
func NewTokenStore(s store.Store) *TokenStore {
	return &TokenStore{store: s}
}

// Load returns the stored hash for account. A legacy plaintext entry is hashed,
// moved to the current key, and deleted.
func (ts *TokenStore) Load(ctx context.Context, account string) (string, bool, error) {
	hashed, ok, err := ts.store.Get(ctx, tokenKey(account))
	if err != nil || ok {
		return hashed, ok, err
	}

	legacy, ok, err := ts.store.Get(ctx, deprecatedTokenKey(account))
	if err != nil || !ok {
		return "", false, err
	}
	hashed, _, err = ts.store.PutIfAbsent(ctx, tokenKey(account), HashToken(legacy))
	if err != nil {
		return "", false, err
	}
	if err := ts.store.Delete(ctx, deprecatedTokenKey(account)); err != nil {
		return "", false, err
	}
	return hashed, true, nil
}

// Claim binds token to account or checks it against the existing binding.
// When several connections race to claim an unbound account, the first write
// committed to the store wins and every other token is refused.
func (ts *TokenStore) Claim(ctx context.Context, account, token string) error {
	received := HashToken(token)
	stored, ok, err := ts.Load(ctx, account)
	if err != nil {
		return fmt.Errorf("account: load token: %w", err)
	}
	if !ok {
		stored, _, err = ts.store.PutIfAbsent(ctx, tokenKey(account), received)
		if err != nil {
			return fmt.Errorf("account: save token: %w", err)
		}
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(received)) != 1 {
		return btp.Errorf(btp.NameNotAccepted, "incorrect token for account. account=%s token=%s", account, token)
	}
	return nil
}

// Forget removes the account's token binding.
func (ts *TokenStore) Forget(ctx context.Context, account string) error {
	return ts.store.Delete(ctx, tokenKey(account))
}
