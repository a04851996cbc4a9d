package session

import "time"

// DefaultRequestTimeout bounds an outbound call awaiting RESPONSE or ERROR.
const DefaultRequestTimeout = 5 * time.Second

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration `toml:"initial_delay"`
	Multiplier   float64       `toml:"multiplier"`
	MaxDelay     time.Duration `toml:"max_delay"`
	Jitter       bool          `toml:"jitter"`
	MaxAttempts  int           `toml:"max_attempts"`
}

// Config defines session timing defaults.
type Config struct {
	RequestTimeout      time.Duration
	HandshakeTimeout    time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	PingInterval        time.Duration
	MaxMessageBytes     int64
	QueueDepth          int
	ExpirySweepInterval time.Duration
	ExpiryGrace         time.Duration
	Backoff             BackoffConfig
	SecurityMode        SecurityMode
	TLS                 TLSConfig
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:      DefaultRequestTimeout,
		HandshakeTimeout:    10 * time.Second,
		ReadTimeout:         60 * time.Second,
		WriteTimeout:        10 * time.Second,
		PingInterval:        20 * time.Second,
		MaxMessageBytes:     1 << 20,
		QueueDepth:          256,
		ExpirySweepInterval: time.Second,
		ExpiryGrace:         5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
			MaxAttempts:  8,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// WithDefaults fills zero durations and limits from DefaultConfig.
// ExpirySweepInterval is left alone: zero disables the sweeper.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.ExpiryGrace < 0 {
		c.ExpiryGrace = 0
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.SecurityMode == "" {
		c.SecurityMode = d.SecurityMode
	}
	return c
}
