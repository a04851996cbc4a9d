// Package engine dispatches BTP packets between authenticated peer sessions,
// the ledger, and the registered request handler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/danmuck/btpmux/internal/account"
	"github.com/danmuck/btpmux/internal/events"
	"github.com/danmuck/btpmux/internal/ledger"
	"github.com/danmuck/btpmux/internal/logging"
	"github.com/danmuck/btpmux/internal/protocol/btp"
	"github.com/danmuck/btpmux/internal/protocol/ilp"
	"github.com/danmuck/btpmux/internal/protocol/session"
	"github.com/danmuck/btpmux/internal/store"
	"github.com/rs/zerolog"
)

const DefaultCurrencyScale = 9

var (
	ErrNotConnected     = errors.New("engine: not connected")
	ErrNoRequestHandler = errors.New("no request handler registered")
	ErrClosed           = errors.New("engine: closed")
)

// RequestHandler answers an ILP packet received from the peer at address from.
type RequestHandler func(ctx context.Context, from string, ilpPacket []byte) ([]byte, error)

// CustomDataHandler answers MESSAGE packets whose side protocols the engine does not handle.
type CustomDataHandler func(ctx context.Context, from string, p btp.Packet) (btp.ProtocolData, error)

// ConnectHook runs after a connection authenticates and before it is acknowledged.
// An error refuses the connection.
type ConnectHook func(ctx context.Context, address string, auth account.AuthRequest, conn account.Conn) error

// CloseHook runs whenever an authenticated connection closes.
type CloseHook func(address string, err error)

// PrepareResponseHook inspects the reply to a forwarded PREPARE. An error turns
// the reply into a reject.
type PrepareResponseHook func(destination string, response ilp.Packet, prepare ilp.Prepare) error

// Config holds the engine settings that come from configuration.
type Config struct {
	// AccountMode is "username", "hash_token" or "username_or_hash_token".
	// Empty picks a default from store availability.
	AccountMode   string
	CurrencyScale int
	// Limit is reported through the limit side protocol.
	Limit         string
	Unlimited     bool
	DebugHostInfo *ilp.IldcpResponse
	Session       session.Config
}

// Deps are the collaborators New wires into the engine.
type Deps struct {
	// Store persists tokens. Nil disables persisted identities.
	Store store.Store
	// Book holds balances. Nil selects an in-memory book.
	Book ledger.Book
	Bus  *events.Bus
	Now  func() time.Time
}

// Info is the descriptor returned for a full info request.
type Info struct {
	Prefix        string   `json:"prefix"`
	Connectors    []string `json:"connectors"`
	CurrencyScale int      `json:"currencyScale"`
	CurrencyCode  string   `json:"currencyCode,omitempty"`
}

// Engine owns every peer connection, the ledger and the routing state of one
// server account.
type Engine struct {
	cfg        Config
	log        zerolog.Logger
	now        func() time.Time
	correlator *session.Correlator
	registry   *account.Registry
	gate       *account.Gate
	ledger     *ledger.Ledger
	bus        *events.Bus

	mu              sync.RWMutex
	connected       bool
	closed          bool
	host            ilp.IldcpResponse
	prefix          string
	requestHandler  RequestHandler
	customHandler   CustomDataHandler
	connectHook     ConnectHook
	closeHook       CloseHook
	prepareRespHook PrepareResponseHook
}

// New builds an engine. It is not connected until Connect resolves the host
// address.
func New(cfg Config, deps Deps) (*Engine, error) {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.CurrencyScale <= 0 {
		cfg.CurrencyScale = DefaultCurrencyScale
	}
	if cfg.Limit == "" {
		cfg.Limit = "0"
	}
	if _, ok := new(big.Int).SetString(cfg.Limit, 10); !ok {
		return nil, fmt.Errorf("engine: invalid limit %q", cfg.Limit)
	}

	mode := account.DefaultMode(deps.Store != nil)
	if cfg.AccountMode != "" {
		m, err := account.ParseMode(cfg.AccountMode)
		if err != nil {
			return nil, err
		}
		mode = m
	}
	registry := account.NewRegistry()
	gate, err := account.NewGate(mode, deps.Store, registry)
	if err != nil {
		return nil, err
	}

	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Book == nil {
		deps.Book = ledger.NewMemoryBook()
	}

	e := &Engine{
		cfg:        cfg,
		log:        logging.Component("engine"),
		now:        deps.Now,
		correlator: session.NewCorrelator(cfg.Session.RequestTimeout),
		registry:   registry,
		gate:       gate,
		ledger:     ledger.New(deps.Book, deps.Bus, ledger.Config{Unlimited: cfg.Unlimited, Now: deps.Now}),
		bus:        deps.Bus,
	}
	e.log.Debug().Str("mode", mode.String()).Int("currency_scale", cfg.CurrencyScale).Msg("engine.New")
	return e, nil
}

// Ledger returns the transfer ledger.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Registry returns the live connections keyed by account.
func (e *Engine) Registry() *account.Registry { return e.registry }

// Bus returns the bus transfer and connection events are emitted on.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Correlator returns the tracker of requests awaiting a peer reply.
func (e *Engine) Correlator() *session.Correlator { return e.correlator }

// CurrencyScale is the number of decimal places in one unit of the asset.
func (e *Engine) CurrencyScale() int { return e.cfg.CurrencyScale }

// SessionConfig returns the timeouts and transport settings in effect.
func (e *Engine) SessionConfig() session.Config { return e.cfg.Session }

// AccountMode reports how account names are derived at auth.
func (e *Engine) AccountMode() account.Mode { return e.gate.Mode() }

// RegisterRequestHandler installs the handler for ILP traffic. Only one may be registered.
func (e *Engine) RegisterRequestHandler(h RequestHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.requestHandler != nil {
		return btp.Errorf(btp.NameRequestHandlerAlreadyRegistered, "requestHandler is already registered")
	}
	e.requestHandler = h
	return nil
}

// DeregisterRequestHandler removes the request handler, if any.
func (e *Engine) DeregisterRequestHandler() {
	e.mu.Lock()
	e.requestHandler = nil
	e.mu.Unlock()
}

// SetCustomDataHandler answers MESSAGEs no built-in side protocol claims.
func (e *Engine) SetCustomDataHandler(h CustomDataHandler) {
	e.mu.Lock()
	e.customHandler = h
	e.mu.Unlock()
}

// SetConnectHook installs a hook that may veto an authenticated connection.
func (e *Engine) SetConnectHook(h ConnectHook) {
	e.mu.Lock()
	e.connectHook = h
	e.mu.Unlock()
}

// SetCloseHook installs a hook run after each connection closes.
func (e *Engine) SetCloseHook(h CloseHook) {
	e.mu.Lock()
	e.closeHook = h
	e.mu.Unlock()
}

// SetPrepareResponseHook installs a hook that may veto replies to forwarded PREPAREs.
func (e *Engine) SetPrepareResponseHook(h PrepareResponseHook) {
	e.mu.Lock()
	e.prepareRespHook = h
	e.mu.Unlock()
}

func (e *Engine) handlers() (RequestHandler, CustomDataHandler) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.requestHandler, e.customHandler
}

// IsConnected reports whether Connect has resolved the host address.
func (e *Engine) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected && !e.closed
}

// Prefix is the host address followed by a dot; peer addresses are Prefix+account.
func (e *Engine) Prefix() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.prefix
}

// HostInfo is the ILDCP descriptor of this node.
func (e *Engine) HostInfo() ilp.IldcpResponse {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.host
}

// Account is this node's own address on its sub-ledger.
func (e *Engine) Account() string {
	return e.Prefix() + "server"
}

// Address returns the ILP address of a peer account.
func (e *Engine) Address(acct string) string {
	return e.Prefix() + acct
}

// Info describes the sub-ledger as seen by the peer at address from.
func (e *Engine) Info(from string) Info {
	host := e.HostInfo()
	return Info{
		Prefix:        from + ".",
		Connectors:    []string{from + ".server"},
		CurrencyScale: e.cfg.CurrencyScale,
		CurrencyCode:  host.AssetCode,
	}
}

// Balance is the ledger balance of acct.
func (e *Engine) Balance(ctx context.Context, acct string) (*big.Int, error) {
	return e.ledger.Balance(ctx, acct)
}

// ForgetToken drops the persisted token of acct.
func (e *Engine) ForgetToken(ctx context.Context, acct string) error {
	if err := e.gate.Forget(ctx, acct); err != nil {
		return err
	}
	e.log.Info().Str("account", acct).Msg("engine.ForgetToken")
	return nil
}

// Accounts lists connected accounts.
func (e *Engine) Accounts() []string {
	return e.registry.Accounts()
}

// Run sweeps expired transfers until ctx ends. A zero sweep interval disables it.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.Session.ExpirySweepInterval
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := e.ledger.SweepExpired(ctx, e.cfg.Session.ExpiryGrace); n > 0 {
				e.log.Debug().Int("resolved", n).Msg("engine.Run swept expired transfers")
			}
		}
	}
}

// Close fails outstanding calls and closes every peer connection.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.correlator.CancelAll(ErrClosed)
	e.registry.CloseAll()
}

// guard runs fn, turning a panic inside it into a NotAccepted error.
func (e *Engine) guard(what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("in", what).Msg("engine recovered panic")
			err = btp.Errorf(btp.NameNotAccepted, "%s failed: %v", what, r)
		}
	}()
	return fn()
}
