// Package config loads btpmuxd's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/btpmux/internal/account"
	"github.com/danmuck/btpmux/internal/events"
	"github.com/danmuck/btpmux/internal/protocol/session"
	"github.com/danmuck/btpmux/internal/store"
)

const (
	BookMemory = "memory"
	BookStore  = "store"
)

// HostConfig is the fixed ILDCP answer used when no upstream is configured.
type HostConfig struct {
	Address    string `toml:"address"`
	AssetCode  string `toml:"asset_code"`
	AssetScale uint8  `toml:"asset_scale"`
}

type SessionConfig struct {
	RequestTimeout      time.Duration         `toml:"request_timeout"`
	HandshakeTimeout    time.Duration         `toml:"handshake_timeout"`
	ReadTimeout         time.Duration         `toml:"read_timeout"`
	WriteTimeout        time.Duration         `toml:"write_timeout"`
	PingInterval        time.Duration         `toml:"ping_interval"`
	MaxMessageBytes     int64                 `toml:"max_message_bytes"`
	QueueDepth          int                   `toml:"queue_depth"`
	ExpirySweepInterval time.Duration         `toml:"expiry_sweep_interval"`
	ExpiryGrace         time.Duration         `toml:"expiry_grace"`
	SecurityMode        string                `toml:"security_mode"`
	Backoff             session.BackoffConfig `toml:"backoff"`
}

type LedgerConfig struct {
	// Book is "memory" or "store"; "store" keeps balances in the durable store.
	Book string `toml:"book"`
}

type AdminConfig struct {
	Listen string `toml:"listen"`
	Secret string `toml:"secret"`
	Issuer string `toml:"issuer"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Config mirrors the file layout of btpmux.toml.
type Config struct {
	Listen            string   `toml:"listen"`
	Path              string   `toml:"path"`
	AllowedOrigins    []string `toml:"allowed_origins"`
	AccountMode       string   `toml:"account_mode"`
	CurrencyScale     int      `toml:"currency_scale"`
	Limit             string   `toml:"limit"`
	UnlimitedBalances bool     `toml:"unlimited_balances"`

	// Host is nil unless a [host] table is present.
	Host    *HostConfig       `toml:"host"`
	Session SessionConfig     `toml:"session"`
	TLS     session.TLSConfig `toml:"tls"`
	Store   store.Config      `toml:"store"`
	Ledger  LedgerConfig      `toml:"ledger"`
	Admin   AdminConfig       `toml:"admin"`
	NATS    events.NATSConfig `toml:"nats"`
	Log     LogConfig         `toml:"log"`
}

func Default() Config {
	sess := session.DefaultConfig()
	return Config{
		Listen:        ":7768",
		Path:          "/",
		CurrencyScale: 9,
		Limit:         "0",
		Session: SessionConfig{
			RequestTimeout:      sess.RequestTimeout,
			HandshakeTimeout:    sess.HandshakeTimeout,
			ReadTimeout:         sess.ReadTimeout,
			WriteTimeout:        sess.WriteTimeout,
			PingInterval:        sess.PingInterval,
			MaxMessageBytes:     sess.MaxMessageBytes,
			QueueDepth:          sess.QueueDepth,
			ExpirySweepInterval: sess.ExpirySweepInterval,
			ExpiryGrace:         sess.ExpiryGrace,
			SecurityMode:        string(sess.SecurityMode),
			Backoff:             sess.Backoff,
		},
		Store:  store.DefaultConfig(),
		Ledger: LedgerConfig{Book: BookMemory},
		NATS: events.NATSConfig{
			SubjectPrefix: "btpmux.events",
			Stream:        "BTPMUX_EVENTS",
			Buffer:        1024,
		},
	}
}

// Load reads path over Default. Keys not present in the file keep their defaults;
// unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load btpmux config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("load btpmux config: unknown keys %s", strings.Join(keys, ", "))
	}

	cfg.Listen = strings.TrimSpace(cfg.Listen)
	cfg.AccountMode = strings.TrimSpace(cfg.AccountMode)
	if meta.IsDefined("host") && cfg.Host != nil {
		cfg.Host.Address = strings.TrimSpace(cfg.Host.Address)
	}
	if meta.IsDefined("store", "driver") {
		cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	}
	if meta.IsDefined("store") && !meta.IsDefined("ledger", "book") && cfg.Store.Driver != store.DriverNone {
		cfg.Ledger.Book = BookStore
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load btpmux config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen is required")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path must start with /: %q", c.Path)
	}
	if c.AccountMode != "" {
		if _, err := account.ParseMode(c.AccountMode); err != nil {
			return err
		}
	}
	if c.CurrencyScale < 0 || c.CurrencyScale > 255 {
		return fmt.Errorf("currency_scale out of range: %d", c.CurrencyScale)
	}
	if c.Host != nil && c.Host.Address == "" {
		return errors.New("host.address is required when [host] is set")
	}
	switch c.Ledger.Book {
	case BookMemory:
	case BookStore:
		if c.Store.Driver == "" || c.Store.Driver == store.DriverNone {
			return errors.New("ledger.book = \"store\" requires a store driver")
		}
	default:
		return fmt.Errorf("unknown ledger.book %q", c.Ledger.Book)
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if c.Admin.Secret != "" && c.Admin.Listen == "" {
		return errors.New("admin.secret set without admin.listen")
	}
	if c.NATS.URL != "" && c.NATS.Buffer <= 0 {
		return fmt.Errorf("nats.buffer must be positive: %d", c.NATS.Buffer)
	}
	return c.SessionConfig().ValidateServerTransport()
}
