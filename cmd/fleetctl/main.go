package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/fleetlink/internal/api"
	"github.com/danmuck/fleetlink/internal/config"
	"github.com/danmuck/fleetlink/internal/fleet"
	"github.com/danmuck/fleetlink/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const defaultConfigPath = "cmd/fleetctl/config.toml"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("fleetctl", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", defaultConfigPath, "fleet config file (.toml or .yaml)")
	listen := flags.String("listen", "", "override api.listen")
	level := flags.String("log-level", "", "override log.level")
	noAPI := flags.Bool("no-api", false, "run the transport without the HTTP surface")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, flags.Changed("config"))
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.API.Enabled = true
		cfg.API.Listen = *listen
	}
	if *noAPI {
		cfg.API.Enabled = false
	}
	if *level != "" {
		lvl, ok := logging.ParseLevel(*level)
		if !ok {
			return fmt.Errorf("unknown log level %q", *level)
		}
		cfg.Log.Level = lvl
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	logging.ConfigureWith(cfg.Log)

	svc, err := fleet.NewServiceWithConfig(cfg.Fleet)
	if err != nil {
		return err
	}
	log.Info().Int("endpoints", len(cfg.Fleet.Endpoints)).Str("security_mode", string(cfg.Fleet.Session.SecurityMode)).Msg("fleetctl starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var server *api.Server
	serveErr := make(chan error, 1)
	if cfg.API.Enabled {
		server = api.New("fleetctl", svc, cfg.API, cfg.Firmware)
		go func() { serveErr <- server.Serve(ctx) }()
	}
	svc.Start()

	served := false
	select {
	case <-ctx.Done():
		err = nil
	case err = <-serveErr:
		served = true
		stop()
	}
	if server != nil {
		server.Close()
		if !served {
			err = <-serveErr
		}
	}
	svc.Close()
	log.Info().Msg("fleetctl stopped")
	return err
}

// loadConfig reads path. A missing file at the default path runs with
// built-in defaults; an explicit path must exist.
func loadConfig(path string, explicit bool) (config.Config, error) {
	path = strings.TrimSpace(path)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			log.Warn().Str("path", path).Msg("config not found, using defaults")
			return config.Default(), nil
		}
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	log.Info().Str("path", path).Msg("loaded fleet config")
	return cfg, nil
}
