package ledger

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/btpmux/internal/events"
	"github.com/danmuck/btpmux/internal/protocol/btp"
	"github.com/danmuck/btpmux/internal/protocol/ilp"
	"github.com/danmuck/btpmux/internal/store"
	"github.com/danmuck/btpmux/internal/testutil/testlog"
	"github.com/google/uuid"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLedger(t *testing.T, unlimited bool) (*Ledger, *events.Recorder, *clock) {
	t.Helper()
	testlog.Start(t)
	bus := events.NewBus()
	rec := &events.Recorder{}
	bus.Subscribe(rec)
	clk := &clock{now: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)}
	return New(NewMemoryBook(), bus, Config{Unlimited: unlimited, Now: clk.Now}), rec, clk
}

func transfer(account string, amount uint64, fulfillment [32]byte, expires time.Time) Transfer {
	return Transfer{
		ID:                 uuid.New(),
		Amount:             amount,
		ExecutionCondition: ilp.Condition(fulfillment),
		ExpiresAt:          expires,
		Account:            account,
	}
}

func balance(t *testing.T, l *Ledger, account string) int64 {
	t.Helper()
	b, err := l.Balance(context.Background(), account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b.Int64()
}

func TestIncomingPrepareInsufficientBalance(t *testing.T) {
	l, rec, clk := newLedger(t, false)
	tr := transfer("alice", 123, [32]byte{1}, clk.Now().Add(time.Minute))

	err := l.OnIncomingPrepare(context.Background(), tr)
	if !btp.IsName(err, btp.NameInsufficientBalance) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if _, ok := l.IncomingTransfer(tr.ID); ok {
		t.Fatalf("refused transfer must not be recorded")
	}
	if balance(t, l, "alice") != 0 {
		t.Fatalf("balance changed")
	}
	if len(rec.Events()) != 0 {
		t.Fatalf("refused prepare emitted %v", rec.Kinds())
	}
}

func TestIncomingPrepareUnlimitedGoesNegative(t *testing.T) {
	l, rec, clk := newLedger(t, true)
	tr := transfer("alice", 123, [32]byte{1}, clk.Now().Add(time.Minute))
	if err := l.OnIncomingPrepare(context.Background(), tr); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if got := balance(t, l, "alice"); got != -123 {
		t.Fatalf("balance=%d want -123", got)
	}
	if _, ok := l.IncomingTransfer(tr.ID); !ok {
		t.Fatalf("transfer not retrievable")
	}
	if k := rec.Kinds(); len(k) != 1 || k[0] != events.IncomingPrepare {
		t.Fatalf("events=%v", k)
	}
	if err := l.OnIncomingPrepare(context.Background(), tr); !btp.IsName(err, btp.NameDuplicateID) {
		t.Fatalf("expected DuplicateIdError, got %v", err)
	}
}

func TestIncomingPrepareDebitsFundedAccount(t *testing.T) {
	l, _, clk := newLedger(t, false)
	ctx := context.Background()
	if _, err := l.Book().Adjust(ctx, "alice", big.NewInt(500), false); err != nil {
		t.Fatalf("fund: %v", err)
	}
	tr := transfer("alice", 200, [32]byte{1}, clk.Now().Add(time.Minute))
	if err := l.OnIncomingPrepare(ctx, tr); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if got := balance(t, l, "alice"); got != 300 {
		t.Fatalf("balance=%d want 300", got)
	}
}

func TestFulfillLifecycle(t *testing.T) {
	l, rec, clk := newLedger(t, true)
	f := [32]byte{7}
	tr := transfer("alice", 10, f, clk.Now().Add(time.Minute))
	_ = l.OnIncomingPrepare(context.Background(), tr)

	if _, err := l.BeginFulfill(uuid.New(), f); !btp.IsName(err, btp.NameTransferNotFound) {
		t.Fatalf("expected TransferNotFound, got %v", err)
	}
	if _, err := l.BeginFulfill(tr.ID, [32]byte{8}); !btp.IsName(err, btp.NameInvalidFulfillment) {
		t.Fatalf("expected InvalidFulfillment, got %v", err)
	}
	if _, err := l.BeginFulfill(tr.ID, f); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := l.BeginFulfill(tr.ID, f); !btp.IsName(err, btp.NameAlreadyFulfilled) {
		t.Fatalf("expected AlreadyFulfilled, got %v", err)
	}
	l.AbortFulfill(tr.ID)
	if _, err := l.BeginFulfill(tr.ID, f); err != nil {
		t.Fatalf("begin after abort: %v", err)
	}
	l.CompleteFulfill(tr.ID)
	if _, ok := l.IncomingTransfer(tr.ID); ok {
		t.Fatalf("fulfilled transfer still present")
	}
	kinds := rec.Kinds()
	if kinds[len(kinds)-1] != events.IncomingFulfill {
		t.Fatalf("events=%v", kinds)
	}
}

func TestFulfillAfterExpiryIsRolledBack(t *testing.T) {
	l, _, clk := newLedger(t, true)
	f := [32]byte{7}
	tr := transfer("alice", 10, f, clk.Now().Add(time.Second))
	_ = l.OnIncomingPrepare(context.Background(), tr)
	clk.advance(2 * time.Second)

	if _, err := l.BeginFulfill(tr.ID, f); !btp.IsName(err, btp.NameAlreadyRolledBack) {
		t.Fatalf("expected AlreadyRolledBack, got %v", err)
	}
	if _, ok := l.IncomingTransfer(tr.ID); !ok {
		t.Fatalf("rolled back fulfill must leave the record")
	}
	if got := balance(t, l, "alice"); got != -10 {
		t.Fatalf("balance changed: %d", got)
	}
}

func TestOutgoingFulfillCreditsPeer(t *testing.T) {
	l, rec, clk := newLedger(t, false)
	f := [32]byte{3}
	tr := transfer("bob", 50, f, clk.Now().Add(time.Minute))
	if err := l.OnOutgoingPrepare(tr); err != nil {
		t.Fatalf("outgoing prepare: %v", err)
	}
	if _, err := l.OnOutgoingFulfill(context.Background(), "mallory", tr.ID, f); !btp.IsName(err, btp.NameTransferNotFound) {
		t.Fatalf("other accounts must not fulfill, got %v", err)
	}
	if _, err := l.OnOutgoingFulfill(context.Background(), "bob", tr.ID, [32]byte{4}); !btp.IsName(err, btp.NameInvalidFulfillment) {
		t.Fatalf("expected InvalidFulfillment, got %v", err)
	}
	if _, err := l.OnOutgoingFulfill(context.Background(), "bob", tr.ID, f); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if got := balance(t, l, "bob"); got != 50 {
		t.Fatalf("balance=%d want 50", got)
	}
	if _, ok := l.OutgoingTransfer(tr.ID); ok {
		t.Fatalf("outgoing record not deleted")
	}
	if _, err := l.OnOutgoingFulfill(context.Background(), "bob", tr.ID, f); !btp.IsName(err, btp.NameTransferNotFound) {
		t.Fatalf("expected TransferNotFound, got %v", err)
	}
	kinds := rec.Kinds()
	if kinds[0] != events.OutgoingPrepare || kinds[len(kinds)-1] != events.OutgoingFulfill {
		t.Fatalf("events=%v", kinds)
	}
}

func TestRejectPaths(t *testing.T) {
	l, rec, clk := newLedger(t, true)
	ctx := context.Background()

	in := transfer("alice", 25, [32]byte{1}, clk.Now().Add(time.Minute))
	_ = l.OnIncomingPrepare(ctx, in)
	if _, err := l.OnIncomingReject(ctx, "alice", in.ID, "declined"); err != nil {
		t.Fatalf("incoming reject: %v", err)
	}
	if got := balance(t, l, "alice"); got != 0 {
		t.Fatalf("refund missing, balance=%d", got)
	}

	out := transfer("bob", 40, [32]byte{2}, clk.Now().Add(time.Minute))
	_ = l.OnOutgoingPrepare(out)
	if _, err := l.OnOutgoingReject("bob", out.ID, "no route"); err != nil {
		t.Fatalf("outgoing reject: %v", err)
	}
	if got := balance(t, l, "bob"); got != 0 {
		t.Fatalf("outgoing reject must not move balance: %d", got)
	}
	if _, err := l.OnOutgoingReject("bob", out.ID, "again"); !btp.IsName(err, btp.NameTransferNotFound) {
		t.Fatalf("expected TransferNotFound, got %v", err)
	}

	want := []events.Kind{events.IncomingPrepare, events.IncomingReject, events.OutgoingPrepare, events.OutgoingReject}
	got := rec.Kinds()
	if len(got) != len(want) {
		t.Fatalf("events=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events=%v want %v", got, want)
		}
	}
}

func TestSweepExpiredRefunds(t *testing.T) {
	l, _, clk := newLedger(t, true)
	ctx := context.Background()
	short := transfer("alice", 5, [32]byte{1}, clk.Now().Add(time.Second))
	long := transfer("alice", 7, [32]byte{1}, clk.Now().Add(time.Hour))
	out := transfer("bob", 9, [32]byte{1}, clk.Now().Add(time.Second))
	_ = l.OnIncomingPrepare(ctx, short)
	_ = l.OnIncomingPrepare(ctx, long)
	_ = l.OnOutgoingPrepare(out)

	clk.advance(3 * time.Second)
	if n := l.SweepExpired(ctx, 5*time.Second); n != 0 {
		t.Fatalf("grace not honored, swept %d", n)
	}
	clk.advance(5 * time.Second)
	if n := l.SweepExpired(ctx, 5*time.Second); n != 2 {
		t.Fatalf("swept %d want 2", n)
	}
	if got := balance(t, l, "alice"); got != -7 {
		t.Fatalf("balance=%d want -7", got)
	}
	in, outN := l.Pending()
	if in != 1 || outN != 0 {
		t.Fatalf("pending in=%d out=%d", in, outN)
	}
}

func TestStoreBookPersistsAndFloors(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	mem := store.NewMemory()
	b := NewStoreBook(mem)

	if _, err := b.Adjust(ctx, "alice", big.NewInt(-1), true); !btp.IsName(err, btp.NameInsufficientBalance) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}
	if _, err := b.Adjust(ctx, "alice", big.NewInt(100), false); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if raw, _, _ := mem.Get(ctx, "alice:balance"); raw != "100" {
		t.Fatalf("stored %q", raw)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Adjust(ctx, "alice", big.NewInt(-10), true)
		}()
	}
	wg.Wait()
	got, err := NewStoreBook(mem).Balance(ctx, "alice")
	if err != nil || got.Sign() != 0 {
		t.Fatalf("balance=%v err=%v; floor must hold under concurrency", got, err)
	}

	_ = mem.Put(ctx, "bob:balance", "not-a-number")
	if _, err := b.Balance(ctx, "bob"); err == nil {
		t.Fatalf("expected corrupt balance error")
	}
}

func TestStoreBookSharedAcrossBooks(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	mem := store.NewMemory()
	mem.ReadDelay = time.Millisecond
	// two books over one store stand in for two processes
	books := []*StoreBook{NewStoreBook(mem), NewStoreBook(mem)}

	var wg sync.WaitGroup
	for _, b := range books {
		for i := 0; i < 15; i++ {
			wg.Add(1)
			go func(b *StoreBook) {
				defer wg.Done()
				if _, err := b.Adjust(ctx, "carol", big.NewInt(3), false); err != nil {
					t.Errorf("adjust: %v", err)
				}
			}(b)
		}
	}
	wg.Wait()

	got, err := books[0].Balance(ctx, "carol")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got.Int64() != 90 {
		t.Fatalf("balance=%s want 90; concurrent writers lost updates", got)
	}
}
