package config

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/danmuck/fleetlink/internal/link"
	"github.com/danmuck/fleetlink/internal/protocol/frame"
	"github.com/danmuck/fleetlink/internal/protocol/session"
	"github.com/danmuck/fleetlink/internal/registry"
)

// Validate reports every problem in cfg at once.
func Validate(cfg Config) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidValue}, args...)...))
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		errs = append(errs, ErrMissingAPIListen)
	}
	if cfg.API.EventBuffer < 0 {
		bad("api.event_buffer=%d", cfg.API.EventBuffer)
	}
	if cfg.API.Enabled {
		listener := session.Config{SecurityMode: cfg.API.SecurityMode, TLS: cfg.API.TLS}
		if err := listener.ValidateServerTransport(); err != nil {
			errs = append(errs, fmt.Errorf("api: %w", err))
		}
	}

	s := cfg.Fleet.Session
	positive := map[string]int64{
		"link.connect_timeout":      int64(s.ConnectTimeout),
		"link.handshake_timeout":    int64(s.HandshakeTimeout),
		"link.write_timeout":        int64(s.WriteTimeout),
		"link.keepalive_interval":   int64(s.KeepaliveInterval),
		"link.command_timeout":      int64(s.CommandTimeout),
		"link.reconnect_base_delay": int64(s.Backoff.InitialDelay),
		"link.reconnect_max_delay":  int64(s.Backoff.MaxDelay),
		"link.max_frame_bytes":      int64(s.MaxFrameBytes),
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] <= 0 {
			bad("%s must be positive", name)
		}
	}
	if s.Backoff.MaxDelay < s.Backoff.InitialDelay {
		bad("link.reconnect_max_delay %v below reconnect_base_delay %v", s.Backoff.MaxDelay, s.Backoff.InitialDelay)
	}
	if s.Backoff.Multiplier < 1 {
		bad("link.reconnect_multiplier=%v must be at least 1", s.Backoff.Multiplier)
	}
	if s.MaxReconnectAttempts < 0 {
		bad("link.max_reconnect_attempts=%d", s.MaxReconnectAttempts)
	}
	switch session.NormalizeSecurityMode(s.SecurityMode) {
	case session.SecurityModeDevelopment, session.SecurityModeProduction:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", session.ErrInvalidSecurityMode, s.SecurityMode))
	}

	t := cfg.Fleet.Telemetry
	if t.MaxHistoryPoints <= 0 {
		bad("telemetry.max_history_points=%d", t.MaxHistoryPoints)
	}
	if t.FlushInterval <= 0 {
		bad("telemetry.flush_interval must be positive")
	}
	if t.TimestampPrecision < 1 || t.TimestampPrecision > 9 {
		bad("telemetry.timestamp_precision=%d outside 1..9", t.TimestampPrecision)
	}

	if cfg.Firmware.ChunkSize <= 0 {
		bad("firmware.chunk_size=%d", cfg.Firmware.ChunkSize)
	}

	seen := make(map[string]bool, len(cfg.Fleet.Endpoints))
	for i, ep := range cfg.Fleet.Endpoints {
		if err := validateEndpoint(ep.Endpoint, s); err != nil {
			errs = append(errs, fmt.Errorf("endpoints[%d] invalid: %w", i, err))
			continue
		}
		if seen[ep.ID] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateID, ep.ID))
		}
		seen[ep.ID] = true
	}
	return errors.Join(errs...)
}

func validateEndpoint(ep registry.Endpoint, s session.Config) error {
	if strings.TrimSpace(ep.ID) == "" {
		return registry.ErrEndpointIDRequired
	}
	if _, err := registry.ParseRole(string(ep.Role)); err != nil {
		return err
	}
	codec, err := frame.Lookup(ep.Codec)
	if err != nil {
		return err
	}
	if _, err := link.DialerFor(ep.Address, codec.Binary()); err != nil {
		return fmt.Errorf("%s: %w", ep.ID, err)
	}
	u, err := url.Parse(ep.Address)
	if err != nil {
		return err
	}
	secure := strings.EqualFold(u.Scheme, "wss")
	if err := s.ValidateClientTransport(secure); err != nil {
		return fmt.Errorf("%s: %w", ep.ID, err)
	}
	return nil
}
