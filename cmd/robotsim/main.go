package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/fleetlink/internal/logging"
	"github.com/danmuck/fleetlink/internal/protocol/frame"
	"github.com/danmuck/fleetlink/internal/robotsim"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	listen := pflag.StringP("listen", "l", "127.0.0.1:8765", "address to serve the simulated robot on")
	id := pflag.String("id", "robot1", "robot id; the websocket path is /ws/<id>")
	codecName := pflag.String("codec", frame.CodecJSON, "wire codec: json | cbor | msgpack")
	interval := pflag.Duration("interval", robotsim.DefaultStreamInterval, "sensor stream period")
	pflag.Parse()

	logging.ConfigureWith(logging.DefaultConfig(logging.ProfileRuntime))
	codec, err := frame.Lookup(*codecName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "robotsim: %v\n", err)
		os.Exit(2)
	}

	robot := robotsim.New(robotsim.Options{RobotID: *id, Codec: codec, StreamInterval: *interval})
	mux := http.NewServeMux()
	mux.Handle("/ws/"+*id, robot)
	srv := &http.Server{Addr: *listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		robot.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("url", "ws://"+*listen+"/ws/"+*id).Str("codec", codec.Name()).Msg("robotsim serving")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("robotsim stopped")
	}
}
