package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/fleetlink/internal/firmware"
	"github.com/danmuck/fleetlink/internal/fleet"
	"github.com/danmuck/fleetlink/internal/logging"
	"github.com/danmuck/fleetlink/internal/protocol/frame"
	"github.com/danmuck/fleetlink/internal/protocol/session"
	"github.com/danmuck/fleetlink/internal/registry"
	"github.com/danmuck/fleetlink/internal/telemetry"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownKeys      = errors.New("config: unknown keys")
	ErrUnsupportedFile  = errors.New("config: unsupported file extension")
	ErrDuplicateID      = errors.New("config: duplicate endpoint id")
	ErrInvalidValue     = errors.New("config: invalid value")
	ErrMissingAPIListen = errors.New("config: api listen address required")
)

// APIConfig configures the HTTP and websocket surface.
type APIConfig struct {
	Enabled     bool
	Listen      string
	CORSOrigins []string
	// EventBuffer bounds the per-client /events queue; slow clients are
	// disconnected when it fills.
	EventBuffer int
	// Tokens are accepted bearer tokens; none disables API auth.
	Tokens []string
	// SecurityMode follows link.security_mode; production requires TLS.
	SecurityMode session.SecurityMode
	TLS          session.TLSConfig
}

// Config is a fully resolved fleetctl configuration.
type Config struct {
	API      APIConfig
	Log      logging.Config
	Fleet    fleet.ServiceConfig
	Firmware firmware.Options
}

// file mirrors the on-disk layout shared by the TOML and YAML forms.
type file struct {
	API       apiSection        `toml:"api" yaml:"api"`
	Log       logSection        `toml:"log" yaml:"log"`
	Link      linkSection       `toml:"link" yaml:"link"`
	Telemetry telemetrySection  `toml:"telemetry" yaml:"telemetry"`
	Firmware  firmwareSection   `toml:"firmware" yaml:"firmware"`
	Endpoints []endpointSection `toml:"endpoints" yaml:"endpoints"`
}

type apiSection struct {
	Enabled     bool     `toml:"enabled" yaml:"enabled"`
	Listen      string   `toml:"listen" yaml:"listen"`
	CORSOrigins []string `toml:"cors_origins" yaml:"cors_origins"`
	EventBuffer int      `toml:"event_buffer" yaml:"event_buffer"`
	Tokens      []string `toml:"tokens,omitempty" yaml:"tokens,omitempty"`
	TLSEnabled  bool     `toml:"tls_enabled" yaml:"tls_enabled"`
	TLSMutual   bool     `toml:"tls_mutual,omitempty" yaml:"tls_mutual,omitempty"`
	TLSCertFile string   `toml:"tls_cert_file,omitempty" yaml:"tls_cert_file,omitempty"`
	TLSKeyFile  string   `toml:"tls_key_file,omitempty" yaml:"tls_key_file,omitempty"`
	TLSCAFile   string   `toml:"tls_ca_file,omitempty" yaml:"tls_ca_file,omitempty"`
}

type logSection struct {
	Level      string `toml:"level" yaml:"level"`
	Timestamp  bool   `toml:"timestamp" yaml:"timestamp"`
	NoColor    bool   `toml:"no_color" yaml:"no_color"`
	JSON       bool   `toml:"json" yaml:"json"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" yaml:"compress"`
}

type linkSection struct {
	Codec                 string  `toml:"codec" yaml:"codec"`
	ConnectTimeout        string  `toml:"connect_timeout" yaml:"connect_timeout"`
	HandshakeTimeout      string  `toml:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout          string  `toml:"write_timeout" yaml:"write_timeout"`
	KeepaliveInterval     string  `toml:"keepalive_interval" yaml:"keepalive_interval"`
	CommandTimeout        string  `toml:"command_timeout" yaml:"command_timeout"`
	ReconnectBaseDelay    string  `toml:"reconnect_base_delay" yaml:"reconnect_base_delay"`
	ReconnectMaxDelay     string  `toml:"reconnect_max_delay" yaml:"reconnect_max_delay"`
	ReconnectMultiplier   float64 `toml:"reconnect_multiplier" yaml:"reconnect_multiplier"`
	ReconnectJitter       bool    `toml:"reconnect_jitter" yaml:"reconnect_jitter"`
	MaxReconnectAttempts  int     `toml:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	MaxFrameBytes         int     `toml:"max_frame_bytes" yaml:"max_frame_bytes"`
	SecurityMode          string  `toml:"security_mode" yaml:"security_mode"`
	TLSEnabled            bool    `toml:"tls_enabled" yaml:"tls_enabled"`
	TLSMutual             bool    `toml:"tls_mutual" yaml:"tls_mutual"`
	TLSCertFile           string  `toml:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile            string  `toml:"tls_key_file" yaml:"tls_key_file"`
	TLSCAFile             string  `toml:"tls_ca_file" yaml:"tls_ca_file"`
	TLSServerName         string  `toml:"tls_server_name" yaml:"tls_server_name"`
	TLSInsecureSkipVerify bool    `toml:"tls_insecure_skip_verify" yaml:"tls_insecure_skip_verify"`
}

type telemetrySection struct {
	MaxHistoryPoints      int    `toml:"max_history_points" yaml:"max_history_points"`
	FlushInterval         string `toml:"flush_interval" yaml:"flush_interval"`
	TimestampPrecision    int    `toml:"timestamp_precision" yaml:"timestamp_precision"`
	ResetHistoryOnConnect bool   `toml:"reset_history_on_connect" yaml:"reset_history_on_connect"`
}

type firmwareSection struct {
	ChunkSize  int    `toml:"chunk_size" yaml:"chunk_size"`
	ChunkDelay string `toml:"chunk_delay" yaml:"chunk_delay"`
}

type endpointSection struct {
	ID          string `toml:"id" yaml:"id"`
	Address     string `toml:"address" yaml:"address"`
	Role        string `toml:"role,omitempty" yaml:"role,omitempty"`
	Codec       string `toml:"codec,omitempty" yaml:"codec,omitempty"`
	AutoConnect *bool  `toml:"auto_connect,omitempty" yaml:"auto_connect,omitempty"`
}

// defaultFile is the on-disk form of Default(). Loading decodes over it,
// so keys absent from a file keep their defaults.
func defaultFile() file {
	s := session.DefaultConfig()
	return file{
		API: apiSection{
			Enabled:     true,
			Listen:      "127.0.0.1:8080",
			CORSOrigins: []string{"http://localhost:3000"},
			EventBuffer: 256,
		},
		Log: logSection{
			Level:      "info",
			Timestamp:  true,
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Link: linkSection{
			Codec:                frame.CodecJSON,
			ConnectTimeout:       s.ConnectTimeout.String(),
			HandshakeTimeout:     s.HandshakeTimeout.String(),
			WriteTimeout:         s.WriteTimeout.String(),
			KeepaliveInterval:    s.KeepaliveInterval.String(),
			CommandTimeout:       s.CommandTimeout.String(),
			ReconnectBaseDelay:   s.Backoff.InitialDelay.String(),
			ReconnectMaxDelay:    s.Backoff.MaxDelay.String(),
			ReconnectMultiplier:  s.Backoff.Multiplier,
			MaxReconnectAttempts: s.MaxReconnectAttempts,
			MaxFrameBytes:        s.MaxFrameBytes,
			SecurityMode:         string(s.SecurityMode),
		},
		Telemetry: telemetrySection{
			MaxHistoryPoints:   telemetry.DefaultMaxHistoryPoints,
			FlushInterval:      telemetry.DefaultFlushInterval.String(),
			TimestampPrecision: telemetry.DefaultTimestampPrecision,
		},
		Firmware: firmwareSection{
			ChunkSize:  firmware.DefaultChunkSize,
			ChunkDelay: firmware.DefaultChunkDelay.String(),
		},
	}
}

// Default returns the resolved defaults with no endpoints.
func Default() Config {
	cfg, err := resolve(defaultFile())
	if err != nil {
		panic(fmt.Sprintf("config: defaults do not resolve: %v", err))
	}
	return cfg
}

// Load reads a TOML (.toml) or YAML (.yaml, .yml) file over the defaults,
// rejects unknown keys and validates the result.
func Load(path string) (Config, error) {
	raw := defaultFile()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml", "":
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return Config{}, fmt.Errorf("%w in %s: %s", ErrUnknownKeys, path, strings.Join(keys, ", "))
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("%w: %s", ErrUnsupportedFile, path)
	}

	cfg, err := resolve(raw)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func resolve(raw file) (Config, error) {
	var errs []error
	dur := func(field, v string) time.Duration {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, field, v, err))
		}
		return d
	}

	level, ok := logging.ParseLevel(raw.Log.Level)
	if !ok {
		errs = append(errs, fmt.Errorf("%w: log.level=%q", ErrInvalidValue, raw.Log.Level))
	}
	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	logCfg.Level = level
	logCfg.Timestamp = raw.Log.Timestamp
	logCfg.NoColor = raw.Log.NoColor
	logCfg.Bypass = raw.Log.JSON
	logCfg.File = logging.FileConfig{
		Path:       strings.TrimSpace(raw.Log.File),
		MaxSizeMB:  raw.Log.MaxSizeMB,
		MaxBackups: raw.Log.MaxBackups,
		MaxAgeDays: raw.Log.MaxAgeDays,
		Compress:   raw.Log.Compress,
	}

	l := raw.Link
	sess := session.Config{
		ConnectTimeout:       dur("link.connect_timeout", l.ConnectTimeout),
		HandshakeTimeout:     dur("link.handshake_timeout", l.HandshakeTimeout),
		WriteTimeout:         dur("link.write_timeout", l.WriteTimeout),
		KeepaliveInterval:    dur("link.keepalive_interval", l.KeepaliveInterval),
		CommandTimeout:       dur("link.command_timeout", l.CommandTimeout),
		MaxReconnectAttempts: l.MaxReconnectAttempts,
		MaxFrameBytes:        l.MaxFrameBytes,
		SecurityMode:         session.SecurityMode(strings.ToLower(strings.TrimSpace(l.SecurityMode))),
		TLS: session.TLSConfig{
			Enabled:            l.TLSEnabled,
			Mutual:             l.TLSMutual,
			CertFile:           strings.TrimSpace(l.TLSCertFile),
			KeyFile:            strings.TrimSpace(l.TLSKeyFile),
			CAFile:             strings.TrimSpace(l.TLSCAFile),
			ServerName:         strings.TrimSpace(l.TLSServerName),
			InsecureSkipVerify: l.TLSInsecureSkipVerify,
		},
		Backoff: session.BackoffConfig{
			InitialDelay: dur("link.reconnect_base_delay", l.ReconnectBaseDelay),
			Multiplier:   l.ReconnectMultiplier,
			MaxDelay:     dur("link.reconnect_max_delay", l.ReconnectMaxDelay),
			Jitter:       l.ReconnectJitter,
		},
	}

	endpoints := make([]fleet.EndpointConfig, 0, len(raw.Endpoints))
	for _, e := range raw.Endpoints {
		codec := strings.TrimSpace(e.Codec)
		if codec == "" {
			codec = strings.TrimSpace(l.Codec)
		}
		auto := true
		if e.AutoConnect != nil {
			auto = *e.AutoConnect
		}
		endpoints = append(endpoints, fleet.EndpointConfig{
			Endpoint: registry.Endpoint{
				ID:      strings.TrimSpace(e.ID),
				Address: strings.TrimSpace(e.Address),
				Role:    registry.Role(strings.TrimSpace(e.Role)),
				Codec:   codec,
			},
			AutoConnect: auto,
		})
	}

	cfg := Config{
		API: APIConfig{
			Enabled:      raw.API.Enabled,
			Listen:       strings.TrimSpace(raw.API.Listen),
			CORSOrigins:  normalizeList(raw.API.CORSOrigins),
			EventBuffer:  raw.API.EventBuffer,
			Tokens:       normalizeList(raw.API.Tokens),
			SecurityMode: sess.SecurityMode,
			TLS: session.TLSConfig{
				Enabled:  raw.API.TLSEnabled,
				Mutual:   raw.API.TLSMutual,
				CertFile: strings.TrimSpace(raw.API.TLSCertFile),
				KeyFile:  strings.TrimSpace(raw.API.TLSKeyFile),
				CAFile:   strings.TrimSpace(raw.API.TLSCAFile),
			},
		},
		Log: logCfg,
		Fleet: fleet.ServiceConfig{
			Session: sess,
			Telemetry: telemetry.Options{
				MaxHistoryPoints:   raw.Telemetry.MaxHistoryPoints,
				FlushInterval:      dur("telemetry.flush_interval", raw.Telemetry.FlushInterval),
				TimestampPrecision: raw.Telemetry.TimestampPrecision,
				ResetOnConnect:     raw.Telemetry.ResetHistoryOnConnect,
			},
			Endpoints: endpoints,
		},
		Firmware: firmware.Options{
			ChunkSize:  raw.Firmware.ChunkSize,
			ChunkDelay: dur("firmware.chunk_delay", raw.Firmware.ChunkDelay),
		},
	}
	switch {
	case cfg.Firmware.ChunkDelay < 0:
		errs = append(errs, fmt.Errorf("%w: firmware.chunk_delay must not be negative", ErrInvalidValue))
	case cfg.Firmware.ChunkDelay == 0:
		cfg.Firmware.ChunkDelay = firmware.NoChunkDelay
	}
	return cfg, errors.Join(errs...)
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
