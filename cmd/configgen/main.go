package main

import (
	"log"

	"github.com/danmuck/fleetlink/internal/config"
	"github.com/spf13/pflag"
)

const defaultPath = "cmd/fleetctl/config.toml"

func main() {
	output := pflag.StringP("output", "o", defaultPath, "output path for the config template (.toml or .yaml)")
	validate := pflag.Bool("validate", false, "validate an existing config file")
	input := pflag.StringP("input", "i", defaultPath, "config path for validation")
	force := pflag.Bool("force", false, "overwrite existing config file")
	pflag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s (%d endpoints)", *input, len(cfg.Fleet.Endpoints))
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote config template to %s", *output)
}
