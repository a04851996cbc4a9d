package account

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/btpmux/internal/logging"
	"github.com/rs/zerolog"
)

var ErrNoConnection = errors.New("account: no clients connected")

// Conn is one authenticated transport connection.
type Conn interface {
	ID() string
	RemoteAddr() string
	Send(ctx context.Context, raw []byte) error
	Close() error
}

// Registry tracks the live connections of every connected account.
// An account is present only while it has at least one connection.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]map[string]Conn
	log      zerolog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		accounts: make(map[string]map[string]Conn),
		log:      logging.Component("registry"),
	}
}

// Add attaches conn to account and reports whether it is the account's first connection.
func (r *Registry) Add(account string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.accounts[account]
	if !ok {
		conns = make(map[string]Conn)
		r.accounts[account] = conns
	}
	conns[conn.ID()] = conn
	return !ok
}

// Remove detaches conn and reports whether the account has no connections left.
// Removing an unknown connection is a no-op that reports false.
func (r *Registry) Remove(account string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.accounts[account]
	if !ok {
		return false
	}
	if _, ok := conns[conn.ID()]; !ok {
		return false
	}
	delete(conns, conn.ID())
	if len(conns) == 0 {
		delete(r.accounts, account)
		return true
	}
	return false
}

// Connected reports whether account has at least one live connection.
func (r *Registry) Connected(account string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.accounts[account]
	return ok
}

// Conns returns the connections of account ordered by ID.
func (r *Registry) Conns(account string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.accounts[account]
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Accounts lists connected accounts, sorted.
func (r *Registry) Accounts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.accounts))
	for a := range r.accounts {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// ConnCount is the number of connections across all accounts.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conns := range r.accounts {
		n += len(conns)
	}
	return n
}

// Send writes raw to every connection of account. It fails when the account has
// no connection or when every write fails; individual write failures are logged.
func (r *Registry) Send(ctx context.Context, account string, raw []byte) error {
	conns := r.Conns(account)
	if len(conns) == 0 {
		return fmt.Errorf("%w: account=%s", ErrNoConnection, account)
	}
	var errs []error
	for _, c := range conns {
		if err := c.Send(ctx, raw); err != nil {
			r.log.Debug().Err(err).Str("account", account).Str("conn", c.ID()).Msg("registry.Send write failed")
			errs = append(errs, err)
		}
	}
	if len(errs) == len(conns) {
		return fmt.Errorf("account: send to %s failed: %w", account, errors.Join(errs...))
	}
	return nil
}

// CloseAll closes every connection and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.accounts
	r.accounts = make(map[string]map[string]Conn)
	r.mu.Unlock()
	for _, conns := range all {
		for _, c := range conns {
			_ = c.Close()
		}
	}
}
