// Package events fans ledger and dispatch events out to observers.
package events

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/btpmux/internal/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind names an event.
type Kind string

const (
	IncomingPrepare     Kind = "incoming_prepare"
	OutgoingPrepare     Kind = "outgoing_prepare"
	IncomingFulfill     Kind = "incoming_fulfill"
	OutgoingFulfill     Kind = "outgoing_fulfill"
	IncomingReject      Kind = "incoming_reject"
	OutgoingReject      Kind = "outgoing_reject"
	IncomingRequest     Kind = "incoming_request"
	OutgoingRequest     Kind = "outgoing_request"
	IncomingResponse    Kind = "incoming_response"
	OutgoingResponse    Kind = "outgoing_response"
	AccountConnected    Kind = "account_connected"
	AccountDisconnected Kind = "account_disconnected"
)

// Event is one domain occurrence. Fields irrelevant to the kind are zero.
type Event struct {
	Kind       Kind      `json:"kind"`
	Account    string    `json:"account,omitempty"`
	TransferID uuid.UUID `json:"transfer_id,omitempty"`
	Amount     uint64    `json:"amount,omitempty"`
	At         time.Time `json:"at"`
	Detail     string    `json:"detail,omitempty"`
}

// Observer receives emitted events. It must not block.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Bus delivers events synchronously to every subscriber. A panicking observer
// is logged and skipped; later observers still run.
type Bus struct {
	mu        sync.RWMutex
	next      int
	observers map[int]Observer
	log       zerolog.Logger
}

// NewBus returns a bus with no observers.
func NewBus() *Bus {
	return &Bus{observers: make(map[int]Observer), log: logging.Component("events")}
}

// Subscribe registers o and returns a function that removes it.
func (b *Bus) Subscribe(o Observer) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.observers[id] = o
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.observers, id)
		b.mu.Unlock()
	}
}

// Emit delivers e to every observer in subscription order.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	ids := make([]int, 0, len(b.observers))
	obs := make(map[int]Observer, len(b.observers))
	for id, o := range b.observers {
		ids = append(ids, id)
		obs[id] = o
	}
	b.mu.RUnlock()

	sort.Ints(ids)
	for _, id := range ids {
		b.deliver(obs[id], e)
	}
}

func (b *Bus) deliver(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("kind", string(e.Kind)).Msg("events.Bus observer failed")
		}
	}()
	o.Observe(e)
}

// Recorder keeps every observed event; useful for tests and debugging.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds lists observed kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}
