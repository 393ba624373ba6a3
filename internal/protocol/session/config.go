package session

import "time"

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig configures secure (wss) links.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines per-link reliability settings.
type Config struct {
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	KeepaliveInterval time.Duration
	CommandTimeout    time.Duration
	// MaxReconnectAttempts bounds automatic reconnection; 0 disables the bound.
	MaxReconnectAttempts int
	MaxFrameBytes        int
	SecurityMode         SecurityMode
	TLS                  TLSConfig
	Backoff              BackoffConfig
}

// DefaultConfig returns the link defaults used by the dashboard robots.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       5 * time.Second,
		HandshakeTimeout:     5 * time.Second,
		WriteTimeout:         5 * time.Second,
		KeepaliveInterval:    30 * time.Second,
		CommandTimeout:       10 * time.Second,
		MaxReconnectAttempts: 5,
		MaxFrameBytes:        128 * 1024,
		SecurityMode:         SecurityModeDevelopment,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.SecurityMode == "" {
		c.SecurityMode = d.SecurityMode
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = d.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = d.Backoff.MaxDelay
	}
	return c
}
