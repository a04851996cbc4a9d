package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/btpmux/internal/account"
	"github.com/danmuck/btpmux/internal/auth"
	"github.com/danmuck/btpmux/internal/engine"
	"github.com/danmuck/btpmux/internal/logging"
	"github.com/danmuck/btpmux/internal/observability"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// AdminConfig configures the operator HTTP surface.
type AdminConfig struct {
	ListenAddr string
	// Secret enables HS256 bearer auth on the account routes.
	Secret string
	Issuer string
}

// Admin is the operator HTTP surface.
type Admin struct {
	cfg    AdminConfig
	engine *engine.Engine
	log    zerolog.Logger
}

// NewAdmin returns the admin API over e.
func NewAdmin(cfg AdminConfig, e *engine.Engine) *Admin {
	return &Admin{cfg: cfg, engine: e, log: logging.Component("admin")}
}

type accountView struct {
	Account     string `json:"account"`
	Address     string `json:"address"`
	Connections int    `json:"connections"`
}

type balanceView struct {
	Account       string `json:"account"`
	Balance       string `json:"balance"`
	Formatted     string `json:"formatted"`
	CurrencyScale int    `json:"currency_scale"`
	CurrencyCode  string `json:"currency_code,omitempty"`
}

// Handler routes the admin API. Account routes require a bearer JWT when a
// secret is configured.
func (a *Admin) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observability.RequestLogger(a.log))
	r.Use(observability.RequestMetricsMiddleware)

	r.Get("/healthz", a.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if a.cfg.Secret != "" {
			r.Use(auth.Middleware(auth.JWT{Secret: []byte(a.cfg.Secret), Issuer: a.cfg.Issuer}))
		}
		r.Get("/accounts", a.accounts)
		r.Get("/accounts/{account}/balance", a.balance)
		r.Delete("/accounts/{account}/token", a.forgetToken)
	})
	return r
}

func (a *Admin) health(w http.ResponseWriter, _ *http.Request) {
	incoming, outgoing := a.engine.Ledger().Pending()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"connected":        a.engine.IsConnected(),
		"prefix":           a.engine.Prefix(),
		"connections":      a.engine.Registry().ConnCount(),
		"pending_incoming": incoming,
		"pending_outgoing": outgoing,
		"pending_requests": a.engine.Correlator().Pending(),
	})
}

func (a *Admin) accounts(w http.ResponseWriter, _ *http.Request) {
	reg := a.engine.Registry()
	out := []accountView{}
	for _, acct := range a.engine.Accounts() {
		out = append(out, accountView{
			Account:     acct,
			Address:     a.engine.Address(acct),
			Connections: len(reg.Conns(acct)),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *Admin) balance(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "account")
	bal, err := a.engine.Balance(r.Context(), acct)
	if err != nil {
		a.log.Warn().Err(err).Str("account", acct).Msg("server.Admin balance lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "balance lookup failed"})
		return
	}
	scale := a.engine.CurrencyScale()
	writeJSON(w, http.StatusOK, balanceView{
		Account:       acct,
		Balance:       bal.String(),
		Formatted:     decimal.NewFromBigInt(bal, -int32(scale)).StringFixed(int32(scale)),
		CurrencyScale: scale,
		CurrencyCode:  a.engine.HostInfo().AssetCode,
	})
}

func (a *Admin) forgetToken(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "account")
	err := a.engine.ForgetToken(r.Context(), acct)
	switch {
	case errors.Is(err, account.ErrNoTokenStore):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		a.log.Warn().Err(err).Str("account", acct).Msg("server.Admin forget token failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "forget token failed"})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves the admin API on ListenAddr until ctx ends.
func (a *Admin) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.log.Info().Str("addr", ln.Addr().String()).Bool("auth", a.cfg.Secret != "").Msg("server.Admin.Run listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
