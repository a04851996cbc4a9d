// Package server carries BTP over websockets and exposes the admin HTTP API.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/btpmux/internal/engine"
	"github.com/danmuck/btpmux/internal/logging"
	"github.com/danmuck/btpmux/internal/observability"
	"github.com/danmuck/btpmux/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ServiceConfig configures the websocket listener.
type ServiceConfig struct {
	ListenAddr string
	// Path the upgrade is served on.
	Path string
	// AllowedOrigins are regular expressions matched against the Origin header
	// of browser connections. Requests without an Origin header are always allowed.
	AllowedOrigins []string
}

// DefaultServiceConfig listens on :7768 at the root path.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{ListenAddr: ":7768", Path: "/"}
}

// Service accepts websocket connections and hands each one to the engine.
type Service struct {
	cfg      ServiceConfig
	sess     session.Config
	engine   *engine.Engine
	origins  *OriginWhitelist
	upgrader websocket.Upgrader
	log      zerolog.Logger

	seq     atomic.Uint64
	connsMu sync.Mutex
	conns   map[*wsConn]struct{}
	wg      sync.WaitGroup
}

// NewService builds the websocket endpoint for e.
func NewService(cfg ServiceConfig, e *engine.Engine) (*Service, error) {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = def.Path
	}
	origins, err := NewOriginWhitelist(cfg.AllowedOrigins)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:     cfg,
		sess:    e.SessionConfig(),
		engine:  e,
		origins: origins,
		log:     logging.Component("server"),
		conns:   make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: s.sess.HandshakeTimeout,
		CheckOrigin:      s.checkOrigin,
	}
	return s, nil
}

func (s *Service) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.origins.IsOK(origin) {
		return true
	}
	s.log.Debug().Str("origin", origin).Msg("server.Service closing browser connection from origin not in allowed origins")
	return false
}

// Handler serves the websocket upgrade on the configured path.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.ServeHTTP)
	return mux
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("server.Service upgrade failed")
		return
	}
	conn := newWSConn(fmt.Sprintf("ws-%d", s.seq.Add(1)), ws, s.sess)
	s.track(conn)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleConn(conn)
	}()
}

// Run listens on ListenAddr, with TLS when the session config enables it,
// and serves until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	tlsCfg, err := s.sess.ServerTLS()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	s.log.Info().Str("addr", ln.Addr().String()).Str("path", s.cfg.Path).Bool("tls", tlsCfg != nil).Msg("server.Service.Run listening")
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then closes every tracked connection.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.sess.HandshakeTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		s.closeAll()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeAll()
	s.wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Service) handleConn(conn *wsConn) {
	defer s.untrack(conn)
	peer := s.engine.Accept(conn)
	log := s.log.With().Str("conn", conn.ID()).Str("remote", conn.RemoteAddr()).Logger()
	log.Debug().Msg("server.Service connection opened")

	ws := conn.ws
	ws.SetReadLimit(s.sess.MaxMessageBytes)
	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(s.sess.ReadTimeout)) }
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	go s.keepalive(conn, peer.Done())

	var cause error
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cause = err
			}
			break
		}
		extend()
		if mt != websocket.BinaryMessage {
			cause = fmt.Errorf("server: unexpected websocket message type %d", mt)
			break
		}
		if err := peer.Receive(data); err != nil {
			cause = err
			break
		}
	}
	peer.Close(cause)
	log.Debug().Err(cause).Str("account", peer.Account()).Msg("server.Service connection closed")
}

func (s *Service) keepalive(conn *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(s.sess.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Service) track(c *wsConn) {
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
	observability.AddConnections(1)
}

func (s *Service) untrack(c *wsConn) {
	s.connsMu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.connsMu.Unlock()
	if ok {
		observability.AddConnections(-1)
	}
}

// ConnCount is the number of open websocket connections, authenticated or not.
func (s *Service) ConnCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

func (s *Service) closeAll() {
	s.connsMu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
