package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const templateHeader = `# fleetlink configuration
# durations use Go syntax (250ms, 30s, 1m); codecs: json | cbor | msgpack
# endpoint addresses: ws://, wss://, tcp://host:port, serial:///dev/ttyUSB0?baud=115200
`

// templateFile is the default configuration plus one example robot.
func templateFile() file {
	f := defaultFile()
	f.Endpoints = []endpointSection{
		{ID: "robot1", Address: "ws://192.168.1.50:8765/ws/robot1", Role: "robot"},
		{ID: "bridge", Address: "tcp://192.168.1.10:9000", Role: "server"},
	}
	return f
}

// Template renders the default configuration in format ("toml" or "yaml").
func Template(format string) (string, error) {
	f := templateFile()
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "toml", "":
		out, err := toml.Marshal(f)
		if err != nil {
			return "", fmt.Errorf("config: render toml template: %w", err)
		}
		return templateHeader + "\n" + string(out), nil
	case "yaml", "yml":
		out, err := yaml.Marshal(f)
		if err != nil {
			return "", fmt.Errorf("config: render yaml template: %w", err)
		}
		return templateHeader + "\n" + string(out), nil
	default:
		return "", fmt.Errorf("%w: template format %q", ErrUnsupportedFile, format)
	}
}

// WriteTemplate writes the template to path in the format its extension
// names.
func WriteTemplate(path string, overwrite bool) error {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	template, err := Template(format)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
