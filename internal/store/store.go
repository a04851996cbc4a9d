// Package store is the durable key/value layer behind account tokens and balances.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/btpmux/internal/logging"
	"github.com/danmuck/btpmux/internal/protocol/session"
)

// Store is a string key/value map. PutIfAbsent and CompareAndSwap are the
// cross-writer primitives: of several concurrent callers for the same key and
// expected value, exactly one stores.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string) error
	// PutIfAbsent stores value when key is unset. It returns the value held
	// after the call and whether this caller stored it.
	PutIfAbsent(ctx context.Context, key, value string) (current string, stored bool, err error)
	// CompareAndSwap replaces the value of key with next only while it still
	// holds old. A missing key never matches.
	CompareAndSwap(ctx context.Context, key, old, next string) (swapped bool, err error)
	Delete(ctx context.Context, key string) error
	Close() error
}

const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverEtcd     = "etcd"
)

var ErrUnknownDriver = errors.New("store: unknown driver")

// Config selects and configures a driver.
type Config struct {
	Driver      string        `toml:"driver"`
	DSN         string        `toml:"dsn"`
	Table       string        `toml:"table"`
	Endpoints   []string      `toml:"endpoints"`
	Prefix      string        `toml:"prefix"`
	DialTimeout time.Duration `toml:"dial_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Driver:      DriverNone,
		Table:       "btpmux_kv",
		Prefix:      "/btpmux/v1/",
		DialTimeout: 5 * time.Second,
	}
}

func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "", DriverNone, DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(c.DSN) == "" {
			return fmt.Errorf("store: postgres requires dsn")
		}
	case DriverEtcd:
		if len(c.Endpoints) == 0 {
			return fmt.Errorf("store: etcd requires endpoints")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Driver)
	}
	return nil
}

// Open connects the configured driver, retrying the initial connectivity check
// with backoff. It returns nil, nil for DriverNone.
func Open(ctx context.Context, cfg Config, backoff session.BackoffConfig) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logging.Component("store")
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var s Store
	err := session.Retry(ctx, backoff, func(attempt int) error {
		var err error
		switch driver {
		case "", DriverNone:
			return nil
		case DriverMemory:
			s = NewMemory()
			return nil
		case DriverPostgres:
			var pg *Postgres
			if pg, err = OpenPostgres(ctx, cfg.DSN, cfg.Table); err == nil {
				s = pg
			}
		case DriverEtcd:
			var e *Etcd
			if e, err = OpenEtcd(ctx, cfg.Endpoints, cfg.Prefix, cfg.DialTimeout); err == nil {
				s = e
			}
		}
		if err != nil {
			log.Warn().Err(err).Str("driver", driver).Int("attempt", attempt).Msg("store.Open connect failed")
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if s != nil {
		log.Info().Str("driver", driver).Msg("store.Open connected")
	}
	return s, nil
}
