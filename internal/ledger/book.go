package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/danmuck/btpmux/internal/protocol/btp"
	"github.com/danmuck/btpmux/internal/store"
)

// Book holds one signed balance per account.
type Book interface {
	Balance(ctx context.Context, account string) (*big.Int, error)
	// Adjust adds delta to the balance. With floor set, a result below zero
	// fails with InsufficientBalanceError and the balance is unchanged.
	Adjust(ctx context.Context, account string, delta *big.Int, floor bool) (*big.Int, error)
}

func insufficient(account string, balance, delta *big.Int) error {
	return btp.Errorf(btp.NameInsufficientBalance,
		"insufficient balance. account=%s balance=%s amount=%s", account, balance, new(big.Int).Neg(delta))
}

// MemoryBook keeps balances in process memory.
type MemoryBook struct {
	mu       sync.Mutex
	balances map[string]*big.Int
}

// NewMemoryBook returns an empty in-process book.
func NewMemoryBook() *MemoryBook {
	return &MemoryBook{balances: make(map[string]*big.Int)}
}

func (b *MemoryBook) Balance(_ context.Context, account string) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.balances[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (b *MemoryBook) Adjust(_ context.Context, account string, delta *big.Int, floor bool) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.balances[account]
	if !ok {
		cur = new(big.Int)
	}
	next := new(big.Int).Add(cur, delta)
	if floor && next.Sign() < 0 {
		return nil, insufficient(account, cur, delta)
	}
	b.balances[account] = next
	return new(big.Int).Set(next), nil
}

// StoreBook persists balances as decimal strings under "<account>:balance".
// Writes are compare-and-swap against the value read, so several processes may
// share one store; a per-account lock keeps writers in this process from
// retrying against each other.
type StoreBook struct {
	store store.Store
	locks sync.Map // account -> *sync.Mutex
}

// NewStoreBook keeps balances in s.
func NewStoreBook(s store.Store) *StoreBook {
	return &StoreBook{store: s}
}

func balanceKey(account string) string { return account + ":balance" }

func (b *StoreBook) lock(account string) func() {
	v, _ := b.locks.LoadOrStore(account, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// read returns the parsed balance with the raw stored value it came from.
func (b *StoreBook) read(ctx context.Context, account string) (*big.Int, string, bool, error) {
	raw, ok, err := b.store.Get(ctx, balanceKey(account))
	if err != nil {
		return nil, "", false, fmt.Errorf("ledger: read balance %s: %w", account, err)
	}
	if !ok || raw == "" {
		return new(big.Int), raw, ok, nil
	}
	v, valid := new(big.Int).SetString(raw, 10)
	if !valid {
		return nil, "", false, fmt.Errorf("ledger: corrupt balance for %s: %q", account, raw)
	}
	return v, raw, true, nil
}

func (b *StoreBook) Balance(ctx context.Context, account string) (*big.Int, error) {
	bal, _, _, err := b.read(ctx, account)
	return bal, err
}

// Adjust applies delta, retrying when another writer changed the balance
// between the read and the write.
func (b *StoreBook) Adjust(ctx context.Context, account string, delta *big.Int, floor bool) (*big.Int, error) {
	unlock := b.lock(account)
	defer unlock()
	key := balanceKey(account)
	for {
		cur, raw, exists, err := b.read(ctx, account)
		if err != nil {
			return nil, err
		}
		next := new(big.Int).Add(cur, delta)
		if floor && next.Sign() < 0 {
			return nil, insufficient(account, cur, delta)
		}

		var swapped bool
		if exists {
			swapped, err = b.store.CompareAndSwap(ctx, key, raw, next.String())
		} else {
			_, swapped, err = b.store.PutIfAbsent(ctx, key, next.String())
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: write balance %s: %w", account, err)
		}
		if swapped {
			return next, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}
