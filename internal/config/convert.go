package config

import (
	"github.com/danmuck/btpmux/internal/engine"
	"github.com/danmuck/btpmux/internal/protocol/ilp"
	"github.com/danmuck/btpmux/internal/protocol/session"
	"github.com/danmuck/btpmux/internal/server"
)

func (c Config) SessionConfig() session.Config {
	s := c.Session
	return session.Config{
		RequestTimeout:      s.RequestTimeout,
		HandshakeTimeout:    s.HandshakeTimeout,
		ReadTimeout:         s.ReadTimeout,
		WriteTimeout:        s.WriteTimeout,
		PingInterval:        s.PingInterval,
		MaxMessageBytes:     s.MaxMessageBytes,
		QueueDepth:          s.QueueDepth,
		ExpirySweepInterval: s.ExpirySweepInterval,
		ExpiryGrace:         s.ExpiryGrace,
		Backoff:             s.Backoff,
		SecurityMode:        session.SecurityMode(s.SecurityMode),
		TLS:                 c.TLS,
	}.WithDefaults()
}

func (c Config) HostInfo() *ilp.IldcpResponse {
	if c.Host == nil {
		return nil
	}
	return &ilp.IldcpResponse{
		ClientAddress: c.Host.Address,
		AssetCode:     c.Host.AssetCode,
		AssetScale:    c.Host.AssetScale,
	}
}

func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		AccountMode:   c.AccountMode,
		CurrencyScale: c.CurrencyScale,
		Limit:         c.Limit,
		Unlimited:     c.UnlimitedBalances,
		DebugHostInfo: c.HostInfo(),
		Session:       c.SessionConfig(),
	}
}

func (c Config) ServiceConfig() server.ServiceConfig {
	return server.ServiceConfig{
		ListenAddr:     c.Listen,
		Path:           c.Path,
		AllowedOrigins: c.AllowedOrigins,
	}
}

func (c Config) AdminConfig() server.AdminConfig {
	return server.AdminConfig{
		ListenAddr: c.Admin.Listen,
		Secret:     c.Admin.Secret,
		Issuer:     c.Admin.Issuer,
	}
}
