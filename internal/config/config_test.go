package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/fleetlink/internal/firmware"
	"github.com/danmuck/fleetlink/internal/protocol/session"
	"github.com/danmuck/fleetlink/internal/registry"
	"github.com/danmuck/fleetlink/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultMatchesLinkDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Default()
	want := session.DefaultConfig()
	s := cfg.Fleet.Session
	if s.KeepaliveInterval != want.KeepaliveInterval || s.CommandTimeout != want.CommandTimeout {
		t.Fatalf("unexpected link timing: %+v", s)
	}
	if s.Backoff.InitialDelay != time.Second || s.Backoff.MaxDelay != 30*time.Second || s.MaxReconnectAttempts != 5 {
		t.Fatalf("unexpected backoff: %+v attempts=%d", s.Backoff, s.MaxReconnectAttempts)
	}
	if cfg.Fleet.Telemetry.MaxHistoryPoints != 10000 || cfg.Fleet.Telemetry.FlushInterval != 20*time.Millisecond {
		t.Fatalf("unexpected telemetry defaults: %+v", cfg.Fleet.Telemetry)
	}
	if cfg.Firmware.ChunkSize != 1024 || cfg.Firmware.ChunkDelay != 100*time.Millisecond {
		t.Fatalf("unexpected firmware defaults: %+v", cfg.Firmware)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadTOMLOverlaysDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "fleet.toml", `
[api]
listen = ":9090"
tokens = ["ops", " ops ", "ci"]

[log]
level = "debug"

[link]
keepalive_interval = "10s"
codec = "cbor"

[telemetry]
max_history_points = 500
reset_history_on_connect = true

[firmware]
chunk_delay = "0s"

[[endpoints]]
id = "robot1"
address = "ws://10.0.0.5:8765/ws/robot1"

[[endpoints]]
id = "bridge"
address = "tcp://10.0.0.1:9000"
role = "server"
codec = "json"
auto_connect = false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.Listen != ":9090" || len(cfg.API.CORSOrigins) != 1 || len(cfg.API.Tokens) != 2 {
		t.Fatalf("unexpected api: %+v", cfg.API)
	}
	if cfg.Log.Level != zerolog.DebugLevel {
		t.Fatalf("log level got=%v", cfg.Log.Level)
	}
	if cfg.Fleet.Session.KeepaliveInterval != 10*time.Second || cfg.Fleet.Session.CommandTimeout != 10*time.Second {
		t.Fatalf("link overlay wrong: %+v", cfg.Fleet.Session)
	}
	if cfg.Fleet.Telemetry.MaxHistoryPoints != 500 || !cfg.Fleet.Telemetry.ResetOnConnect {
		t.Fatalf("telemetry overlay wrong: %+v", cfg.Fleet.Telemetry)
	}
	if cfg.Firmware.ChunkDelay != firmware.NoChunkDelay {
		t.Fatalf("zero chunk delay should disable pacing, got %v", cfg.Firmware.ChunkDelay)
	}
	eps := cfg.Fleet.Endpoints
	if len(eps) != 2 {
		t.Fatalf("endpoints got=%d", len(eps))
	}
	if eps[0].Codec != "cbor" || !eps[0].AutoConnect {
		t.Fatalf("robot1 should inherit link codec and auto connect: %+v", eps[0])
	}
	if eps[1].Codec != "json" || eps[1].AutoConnect || eps[1].Role != registry.RoleServer {
		t.Fatalf("bridge settings lost: %+v", eps[1])
	}
}

func TestLoadAPITLS(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "fleet.toml", `
[api]
tls_enabled = true
tls_mutual = true
tls_cert_file = "/etc/fleet/api.crt"
tls_key_file = " /etc/fleet/api.key "
tls_ca_file = "/etc/fleet/ca.pem"

[link]
security_mode = "production"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tls := cfg.API.TLS
	if !tls.Enabled || !tls.Mutual || tls.KeyFile != "/etc/fleet/api.key" || tls.CAFile != "/etc/fleet/ca.pem" {
		t.Fatalf("api tls not resolved: %+v", tls)
	}
	if cfg.API.SecurityMode != session.SecurityModeProduction {
		t.Fatalf("api security mode got=%q", cfg.API.SecurityMode)
	}

	cfg.API.TLS.Enabled = false
	if err := Validate(cfg); !errors.Is(err, session.ErrTLSRequired) {
		t.Fatalf("production api without tls should fail, got %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "fleet.yaml", `
link:
  command_timeout: 2s
endpoints:
  - id: robot2
    address: serial:///dev/ttyUSB0?baud=115200
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Fleet.Session.CommandTimeout != 2*time.Second {
		t.Fatalf("command timeout got=%v", cfg.Fleet.Session.CommandTimeout)
	}
	if len(cfg.Fleet.Endpoints) != 1 || cfg.Fleet.Endpoints[0].ID != "robot2" {
		t.Fatalf("unexpected endpoints: %+v", cfg.Fleet.Endpoints)
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		file string
		body string
		want error
	}{
		{name: "unknown toml key", file: "a.toml", body: "[link]\nkeepalive = \"5s\"\n", want: ErrUnknownKeys},
		{name: "bad duration", file: "b.toml", body: "[link]\ncommand_timeout = \"soon\"\n", want: ErrInvalidValue},
		{name: "duplicate id", file: "c.toml", body: "[[endpoints]]\nid = \"r\"\naddress = \"ws://a/ws/r\"\n[[endpoints]]\nid = \"r\"\naddress = \"ws://b/ws/r\"\n", want: ErrDuplicateID},
		{name: "binary codec on tcp", file: "d.toml", body: "[[endpoints]]\nid = \"r\"\naddress = \"tcp://a:1\"\ncodec = \"msgpack\"\n", want: nil},
		{name: "production without tls", file: "e.toml", body: "[link]\nsecurity_mode = \"production\"\n[[endpoints]]\nid = \"r\"\naddress = \"ws://a/ws/r\"\n", want: session.ErrTLSRequired},
		{name: "api tls without cert", file: "h.toml", body: "[api]\ntls_enabled = true\n", want: session.ErrTLSCertFileRequired},
		{name: "unknown yaml key", file: "f.yaml", body: "link:\n  keepalive: 5s\n", want: nil},
		{name: "extension", file: "g.ini", body: "", want: ErrUnsupportedFile},
	}
	for _, tc := range cases {
		_, err := Load(writeFile(t, tc.file, tc.body))
		if err == nil {
			t.Fatalf("%s: expected an error", tc.name)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestTemplatesLoadBack(t *testing.T) {
	testlog.Start(t)
	for _, name := range []string{"fleet.toml", "fleet.yaml"} {
		path := filepath.Join(t.TempDir(), name)
		if err := WriteTemplate(path, false); err != nil {
			t.Fatalf("%s: write template: %v", name, err)
		}
		if err := WriteTemplate(path, false); err == nil {
			t.Fatalf("%s: second write without overwrite should fail", name)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("%s: template does not load: %v", name, err)
		}
		if len(cfg.Fleet.Endpoints) != 2 || cfg.Fleet.Endpoints[0].ID != "robot1" {
			t.Fatalf("%s: unexpected endpoints: %+v", name, cfg.Fleet.Endpoints)
		}
		if cfg.Fleet.Session.KeepaliveInterval != 30*time.Second {
			t.Fatalf("%s: keepalive got=%v", name, cfg.Fleet.Session.KeepaliveInterval)
		}
	}
}
