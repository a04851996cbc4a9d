package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/danmuck/btpmux/internal/config"
	"github.com/danmuck/btpmux/internal/engine"
	"github.com/danmuck/btpmux/internal/events"
	"github.com/danmuck/btpmux/internal/ledger"
	"github.com/danmuck/btpmux/internal/logging"
	"github.com/danmuck/btpmux/internal/observability"
	"github.com/danmuck/btpmux/internal/protocol/ilp"
	"github.com/danmuck/btpmux/internal/server"
	"github.com/danmuck/btpmux/internal/store"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// defaultHost answers ILDCP when the config has no [host] table.
var defaultHost = ilp.IldcpResponse{ClientAddress: "private.btpmux", AssetCode: "XRP", AssetScale: 9}

func newServeCmd() *cobra.Command {
	var (
		path    string
		origins []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the BTP websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if path != "" {
				loaded, err := config.Load(path)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origins...)
			if cfg.Log.Level != "" && !cmd.Flags().Changed("log-level") {
				logging.SetLevel(cfg.Log.Level)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			return rt.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "path to btpmux.toml")
	cmd.Flags().StringArrayVar(&origins, "allow-origin", nil, "allow browser connections whose Origin matches this regular expression (repeatable)")
	return cmd
}

// runtime is one wired btpmuxd process.
type runtime struct {
	cfg       config.Config
	store     store.Store
	engine    *engine.Engine
	service   *server.Service
	admin     *server.Admin
	nc        *nats.Conn
	publisher *events.NATSPublisher
}

func newRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	log := logging.Component("btpmuxd")
	observability.RegisterMetrics()
	sess := cfg.SessionConfig()

	rt := &runtime{cfg: cfg}
	s, err := store.Open(ctx, cfg.Store, sess.Backoff)
	if err != nil {
		return nil, err
	}
	rt.store = s

	var book ledger.Book
	if cfg.Ledger.Book == config.BookStore && s != nil {
		book = ledger.NewStoreBook(s)
	}

	bus := events.NewBus()
	if cfg.NATS.URL != "" {
		nc, js, err := events.ConnectJetStream(ctx, cfg.NATS)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.nc = nc
		rt.publisher = events.NewNATSPublisher(js, cfg.NATS.SubjectPrefix, cfg.NATS.Buffer)
		bus.Subscribe(rt.publisher)
	}

	e, err := engine.New(cfg.EngineConfig(), engine.Deps{Store: s, Book: book, Bus: bus})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.engine = e

	host := defaultHost
	if info := cfg.HostInfo(); info != nil {
		host = *info
	}
	if err := e.RegisterRequestHandler(engine.NewLocalSwitch(e, host).Handle); err != nil {
		rt.Close()
		return nil, err
	}
	if err := e.Connect(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	rt.service, err = server.NewService(cfg.ServiceConfig(), e)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if cfg.Admin.Listen != "" {
		rt.admin = server.NewAdmin(cfg.AdminConfig(), e)
	}
	log.Info().Str("prefix", e.Prefix()).Str("account_mode", e.AccountMode().String()).
		Str("store", cfg.Store.Driver).Str("book", cfg.Ledger.Book).Bool("nats", rt.publisher != nil).
		Msg("btpmuxd.newRuntime ready")
	return rt, nil
}

// Run serves until ctx ends or one of the loops fails.
func (rt *runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.service.Run(ctx) })
	g.Go(func() error { return rt.engine.Run(ctx) })
	if rt.admin != nil {
		g.Go(func() error { return rt.admin.Run(ctx) })
	}
	if rt.publisher != nil {
		g.Go(func() error { return rt.publisher.Run(ctx) })
	}
	return g.Wait()
}

func (rt *runtime) Close() {
	if rt.engine != nil {
		rt.engine.Close()
	}
	if rt.nc != nil {
		rt.nc.Close()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
}
