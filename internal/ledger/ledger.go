// Package ledger tracks in-flight conditional transfers and the per-account
// balances they move.
package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/danmuck/btpmux/internal/events"
	"github.com/danmuck/btpmux/internal/logging"
	"github.com/danmuck/btpmux/internal/protocol/btp"
	"github.com/danmuck/btpmux/internal/protocol/ilp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transfer is a conditional transfer between this node and one peer account.
type Transfer struct {
	ID                 uuid.UUID
	Amount             uint64
	ExecutionCondition [32]byte
	ExpiresAt          time.Time
	// Account is the peer side of the transfer.
	Account      string
	From         string
	To           string
	ProtocolData btp.ProtocolData
}

type incomingEntry struct {
	transfer   Transfer
	applied    bool
	fulfilling bool
}

// Config tunes a Ledger. A nil Now uses time.Now.
type Config struct {
	// Unlimited lets balances go negative on incoming prepares.
	Unlimited bool
	Now       func() time.Time
}

// Ledger tracks in-flight transfers and applies their balance effects to a Book.
type Ledger struct {
	book      Book
	bus       *events.Bus
	unlimited bool
	now       func() time.Time
	log       zerolog.Logger

	mu       sync.Mutex
	incoming map[uuid.UUID]*incomingEntry
	outgoing map[uuid.UUID]Transfer
}

// New returns a ledger over book emitting on bus.
func New(book Book, bus *events.Bus, cfg Config) *Ledger {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := &Ledger{
		book:      book,
		bus:       bus,
		unlimited: cfg.Unlimited,
		now:       cfg.Now,
		log:       logging.Component("ledger"),
		incoming:  make(map[uuid.UUID]*incomingEntry),
		outgoing:  make(map[uuid.UUID]Transfer),
	}
	if cfg.Unlimited {
		l.log.Warn().Msg("ledger: unlimited balances enabled, peers may go negative without bound")
	}
	return l
}

// Book returns the balance store behind the ledger.
func (l *Ledger) Book() Book { return l.book }

// Balance is the current balance of account.
func (l *Ledger) Balance(ctx context.Context, account string) (*big.Int, error) {
	return l.book.Balance(ctx, account)
}

func (l *Ledger) emit(kind events.Kind, t Transfer, detail string) {
	l.bus.Emit(events.Event{
		Kind:       kind,
		Account:    t.Account,
		TransferID: t.ID,
		Amount:     t.Amount,
		At:         l.now(),
		Detail:     detail,
	})
}

func amountOf(t Transfer) *big.Int {
	return new(big.Int).SetUint64(t.Amount)
}

// OnIncomingPrepare debits the sending account and records the transfer as
// pending-incoming. Nothing is recorded when the debit is refused.
func (l *Ledger) OnIncomingPrepare(ctx context.Context, t Transfer) error {
	l.mu.Lock()
	if _, dup := l.incoming[t.ID]; dup {
		l.mu.Unlock()
		return btp.Errorf(btp.NameDuplicateID, "transfer id already in use. id=%s", t.ID)
	}
	entry := &incomingEntry{transfer: t}
	l.incoming[t.ID] = entry
	l.mu.Unlock()

	if _, err := l.book.Adjust(ctx, t.Account, new(big.Int).Neg(amountOf(t)), !l.unlimited); err != nil {
		l.mu.Lock()
		delete(l.incoming, t.ID)
		l.mu.Unlock()
		return err
	}

	l.mu.Lock()
	entry.applied = true
	l.mu.Unlock()
	l.emit(events.IncomingPrepare, t, "")
	return nil
}

// OnOutgoingPrepare records a transfer this node sent to a peer.
func (l *Ledger) OnOutgoingPrepare(t Transfer) error {
	l.mu.Lock()
	if _, dup := l.outgoing[t.ID]; dup {
		l.mu.Unlock()
		return btp.Errorf(btp.NameDuplicateID, "transfer id already in use. id=%s", t.ID)
	}
	l.outgoing[t.ID] = t
	l.mu.Unlock()
	l.emit(events.OutgoingPrepare, t, "")
	return nil
}

// DropOutgoing forgets an outgoing record without emitting, used when the
// PREPARE never reached the peer.
func (l *Ledger) DropOutgoing(id uuid.UUID) {
	l.mu.Lock()
	delete(l.outgoing, id)
	l.mu.Unlock()
}

// owns reports whether a transfer belongs to account; an empty account matches any.
func owns(t Transfer, account string) bool {
	return account == "" || t.Account == account
}

// OnOutgoingFulfill verifies the peer's fulfillment, credits the peer account,
// and deletes the outgoing record.
func (l *Ledger) OnOutgoingFulfill(ctx context.Context, account string, id uuid.UUID, fulfillment [32]byte) (Transfer, error) {
	l.mu.Lock()
	t, ok := l.outgoing[id]
	if !ok || !owns(t, account) {
		l.mu.Unlock()
		return Transfer{}, btp.Errorf(btp.NameTransferNotFound, "unable to fulfill transfer: not found. id=%s", id)
	}
	if !ilp.VerifyFulfillment(t.ExecutionCondition, fulfillment) {
		l.mu.Unlock()
		return Transfer{}, btp.Errorf(btp.NameInvalidFulfillment, "fulfillment does not match condition. id=%s", id)
	}
	delete(l.outgoing, id)
	l.mu.Unlock()

	if _, err := l.book.Adjust(ctx, t.Account, amountOf(t), false); err != nil {
		l.mu.Lock()
		l.outgoing[id] = t
		l.mu.Unlock()
		return Transfer{}, err
	}
	l.emit(events.OutgoingFulfill, t, "")
	return t, nil
}

// OnOutgoingReject deletes an outgoing record rejected by the peer.
func (l *Ledger) OnOutgoingReject(account string, id uuid.UUID, reason string) (Transfer, error) {
	l.mu.Lock()
	t, ok := l.outgoing[id]
	ok = ok && owns(t, account)
	if ok {
		delete(l.outgoing, id)
	}
	l.mu.Unlock()
	if !ok {
		return Transfer{}, btp.Errorf(btp.NameTransferNotFound, "unable to reject transfer: not found. id=%s", id)
	}
	l.emit(events.OutgoingReject, t, reason)
	return t, nil
}

// OnIncomingReject refunds the originating account and deletes the incoming record.
func (l *Ledger) OnIncomingReject(ctx context.Context, account string, id uuid.UUID, reason string) (Transfer, error) {
	l.mu.Lock()
	entry, ok := l.incoming[id]
	if !ok || !entry.applied || !owns(entry.transfer, account) {
		l.mu.Unlock()
		return Transfer{}, btp.Errorf(btp.NameTransferNotFound, "unable to reject transfer: not found. id=%s", id)
	}
	if entry.fulfilling {
		l.mu.Unlock()
		return Transfer{}, btp.Errorf(btp.NameAlreadyFulfilled, "transfer is being fulfilled. id=%s", id)
	}
	delete(l.incoming, id)
	l.mu.Unlock()

	t := entry.transfer
	if _, err := l.book.Adjust(ctx, t.Account, amountOf(t), false); err != nil {
		l.mu.Lock()
		l.incoming[id] = entry
		l.mu.Unlock()
		return Transfer{}, err
	}
	l.emit(events.IncomingReject, t, reason)
	return t, nil
}

// BeginFulfill checks that an incoming transfer can be fulfilled and marks it
// in progress. On failure the record is unchanged.
func (l *Ledger) BeginFulfill(id uuid.UUID, fulfillment [32]byte) (Transfer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.incoming[id]
	if !ok || !entry.applied {
		return Transfer{}, btp.Errorf(btp.NameTransferNotFound, "unable to fulfill transfer: not found. id=%s", id)
	}
	t := entry.transfer
	if l.now().After(t.ExpiresAt) {
		return Transfer{}, btp.Errorf(btp.NameAlreadyRolledBack, "%s has already expired. expiresAt=%s", id, t.ExpiresAt.Format(time.RFC3339Nano))
	}
	if !ilp.VerifyFulfillment(t.ExecutionCondition, fulfillment) {
		return Transfer{}, btp.Errorf(btp.NameInvalidFulfillment, "fulfillment does not match condition. id=%s", id)
	}
	if entry.fulfilling {
		return Transfer{}, btp.Errorf(btp.NameAlreadyFulfilled, "transfer is already being fulfilled. id=%s", id)
	}
	entry.fulfilling = true
	return t, nil
}

// CompleteFulfill deletes a transfer after the peer accepted its FULFILL.
func (l *Ledger) CompleteFulfill(id uuid.UUID) {
	l.mu.Lock()
	entry, ok := l.incoming[id]
	if ok {
		delete(l.incoming, id)
	}
	l.mu.Unlock()
	if ok {
		l.emit(events.IncomingFulfill, entry.transfer, "")
	}
}

// AbortFulfill clears the in-progress mark after a failed FULFILL call.
func (l *Ledger) AbortFulfill(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.incoming[id]; ok {
		entry.fulfilling = false
	}
}

// IncomingTransfer returns a pending transfer a peer sent us. Transfers whose
// debit has not been applied yet are not visible.
func (l *Ledger) IncomingTransfer(id uuid.UUID) (Transfer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.incoming[id]
	if !ok || !entry.applied {
		return Transfer{}, false
	}
	return entry.transfer, true
}

// OutgoingTransfer returns a pending transfer we sent to a peer.
func (l *Ledger) OutgoingTransfer(id uuid.UUID) (Transfer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.outgoing[id]
	return t, ok
}

// Pending returns the number of unresolved incoming and outgoing transfers.
func (l *Ledger) Pending() (incoming, outgoing int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.incoming {
		if e.applied {
			incoming++
		}
	}
	return incoming, len(l.outgoing)
}

// SweepExpired refunds incoming transfers and drops outgoing ones whose expiry
// passed more than grace ago. It returns how many records were resolved.
func (l *Ledger) SweepExpired(ctx context.Context, grace time.Duration) int {
	cutoff := l.now().Add(-grace)
	var inIDs, outIDs []uuid.UUID
	l.mu.Lock()
	for id, e := range l.incoming {
		if e.applied && !e.fulfilling && e.transfer.ExpiresAt.Before(cutoff) {
			inIDs = append(inIDs, id)
		}
	}
	for id, t := range l.outgoing {
		if t.ExpiresAt.Before(cutoff) {
			outIDs = append(outIDs, id)
		}
	}
	l.mu.Unlock()

	n := 0
	for _, id := range inIDs {
		if _, err := l.OnIncomingReject(ctx, "", id, "expired"); err != nil {
			l.log.Debug().Err(err).Str("transfer", id.String()).Msg("ledger.SweepExpired incoming")
			continue
		}
		n++
	}
	for _, id := range outIDs {
		if _, err := l.OnOutgoingReject("", id, "expired"); err == nil {
			n++
		}
	}
	return n
}
