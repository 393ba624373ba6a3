// Package fleet wires the registry, link supervisors, router tables,
// command correlator and telemetry coalescer into one service that
// dashboards and tools talk to.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/fleetlink/internal/command"
	"github.com/danmuck/fleetlink/internal/link"
	"github.com/danmuck/fleetlink/internal/logging"
	"github.com/danmuck/fleetlink/internal/protocol/frame"
	"github.com/danmuck/fleetlink/internal/protocol/session"
	"github.com/danmuck/fleetlink/internal/registry"
	"github.com/danmuck/fleetlink/internal/router"
	"github.com/danmuck/fleetlink/internal/telemetry"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("fleet: service closed")

// EndpointConfig is one configured endpoint.
type EndpointConfig struct {
	registry.Endpoint
	AutoConnect bool
}

// ServiceConfig configures a fleet service.
type ServiceConfig struct {
	Session   session.Config
	Telemetry telemetry.Options
	Endpoints []EndpointConfig
	// Factory overrides link construction; nil builds link.Supervisor links.
	Factory registry.Factory
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Session: session.DefaultConfig(),
		Telemetry: telemetry.Options{
			MaxHistoryPoints:   telemetry.DefaultMaxHistoryPoints,
			FlushInterval:      telemetry.DefaultFlushInterval,
			TimestampPrecision: telemetry.DefaultTimestampPrecision,
		},
	}
}

// EndpointStatus pairs an endpoint with its link status.
type EndpointStatus struct {
	Endpoint registry.Endpoint `json:"endpoint"`
	Link     link.Status       `json:"link"`
	Pending  int               `json:"pending_commands"`
}

// Service is the collaborator-facing surface of the transport layer.
type Service struct {
	cfg       ServiceConfig
	reg       *registry.Registry
	commands  *command.Correlator
	telemetry *telemetry.Coalescer
	log       zerolog.Logger

	mu            sync.Mutex
	closed        bool
	stateWatchers map[uint64]func(link.StateChange)
	diagWatchers  map[uint64]func(router.Diagnostic)
	nextWatch     uint64
}

// Fleet service constructor using default config.
func NewService() *Service {
	svc, _ := NewServiceWithConfig(DefaultServiceConfig())
	return svc
}

// Fleet service constructor using explicit config. Configured endpoints are
// registered but not connected; Start connects the auto_connect ones.
func NewServiceWithConfig(cfg ServiceConfig) (*Service, error) {
	cfg.Session = cfg.Session.WithDefaults()
	factory := cfg.Factory
	if factory == nil {
		factory = registry.SupervisorFactory(cfg.Session)
	}
	limits := frame.DefaultLimits()
	if cfg.Session.MaxFrameBytes > 0 {
		limits.MaxFrameBytes = cfg.Session.MaxFrameBytes
	}

	s := &Service{
		cfg:           cfg,
		reg:           registry.New(factory, limits),
		telemetry:     telemetry.NewCoalescer(cfg.Telemetry),
		log:           logging.Component("fleet"),
		stateWatchers: make(map[uint64]func(link.StateChange)),
		diagWatchers:  make(map[uint64]func(router.Diagnostic)),
	}
	s.commands = command.NewCorrelator(s.reg, cfg.Session.CommandTimeout)
	s.telemetry.Bind(s.reg)
	s.reg.OnCreate(s.attach)

	for _, ep := range cfg.Endpoints {
		if _, err := s.reg.GetOrCreate(ep.Endpoint); err != nil {
			s.reg.Close()
			s.telemetry.Close()
			return nil, fmt.Errorf("fleet: endpoint %q: %w", ep.ID, err)
		}
	}
	return s, nil
}

func (s *Service) attach(e *registry.Entry) {
	e.Link.Watch(s.publishState)
	e.Routes.OnDiagnostic(s.publishDiagnostic)
}

// Start connects every endpoint configured with AutoConnect.
func (s *Service) Start() {
	for _, ep := range s.cfg.Endpoints {
		if ep.AutoConnect {
			s.log.Info().Str("endpoint", ep.ID).Str("address", ep.Address).Msg("fleet.Service auto connect")
			_ = s.Connect(ep.ID)
		}
	}
}

// Fleet runtime entrypoint that blocks until process signal shutdown.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext starts the service and closes it when ctx ends.
func (s *Service) RunContext(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	s.Close()
	return nil
}

// Close disconnects every endpoint and stops telemetry flushing.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.reg.Close()
	s.telemetry.Close()
	s.log.Info().Msg("fleet.Service closed")
}

func (s *Service) Registry() *registry.Registry        { return s.reg }
func (s *Service) Commands() *command.Correlator       { return s.commands }
func (s *Service) Telemetry() *telemetry.Coalescer     { return s.telemetry }
func (s *Service) SessionConfig() session.Config       { return s.cfg.Session }
func (s *Service) TelemetryOptions() telemetry.Options { return s.cfg.Telemetry }

// AddEndpoint registers ep, or returns the existing registration.
func (s *Service) AddEndpoint(ep registry.Endpoint) (registry.Endpoint, error) {
	if s.isClosed() {
		return registry.Endpoint{}, ErrClosed
	}
	e, err := s.reg.GetOrCreate(ep)
	if err != nil {
		return registry.Endpoint{}, err
	}
	return e.Endpoint, nil
}

// Remove disconnects and forgets an endpoint, rejecting its pending
// commands and dropping its telemetry.
func (s *Service) Remove(endpointID string) bool {
	if !s.reg.Remove(endpointID) {
		return false
	}
	s.telemetry.Reset(endpointID)
	return true
}

func (s *Service) Endpoint(endpointID string) (EndpointStatus, error) {
	e, err := s.reg.Lookup(endpointID)
	if err != nil {
		return EndpointStatus{}, err
	}
	return statusOf(e), nil
}

// Endpoints lists every registered endpoint sorted by id.
func (s *Service) Endpoints() []EndpointStatus {
	entries := s.reg.List()
	out := make([]EndpointStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, statusOf(e))
	}
	return out
}

func statusOf(e *registry.Entry) EndpointStatus {
	return EndpointStatus{Endpoint: e.Endpoint, Link: e.Link.Status(), Pending: e.Pending.Len()}
}

// Connect starts connecting an endpoint without waiting for the outcome.
func (s *Service) Connect(endpointID string) error {
	e, err := s.reg.Lookup(endpointID)
	if err != nil {
		return err
	}
	e.Link.Connect()
	return nil
}

// ConnectAndWait connects an endpoint and waits for the attempt to settle.
func (s *Service) ConnectAndWait(ctx context.Context, endpointID string) error {
	e, err := s.reg.Lookup(endpointID)
	if err != nil {
		return err
	}
	e.Link.Connect()
	return e.Link.AwaitConnected(ctx)
}

func (s *Service) Disconnect(endpointID string) error {
	e, err := s.reg.Lookup(endpointID)
	if err != nil {
		return err
	}
	e.Link.Disconnect()
	return nil
}

// SendCommand issues a correlated command and waits for its reply.
func (s *Service) SendCommand(ctx context.Context, endpointID, commandType string, payload map[string]any) (frame.Frame, error) {
	return s.commands.Send(ctx, endpointID, command.Request{Type: commandType, Payload: payload})
}

// SendCommandTimeout is SendCommand with a per-command deadline.
func (s *Service) SendCommandTimeout(ctx context.Context, endpointID, commandType string, payload map[string]any, timeout time.Duration) (frame.Frame, error) {
	return s.commands.Send(ctx, endpointID, command.Request{Type: commandType, Payload: payload, Timeout: timeout})
}

// Post sends an uncorrelated frame to a connected endpoint.
func (s *Service) Post(endpointID, frameType string, payload map[string]any) error {
	return s.commands.Post(endpointID, frameType, payload)
}

// Subscribe delivers frames of frameType ("*" for all) from an endpoint.
func (s *Service) Subscribe(endpointID, frameType string, fn router.Handler) (*router.Subscription, error) {
	e, err := s.reg.Lookup(endpointID)
	if err != nil {
		return nil, err
	}
	return e.Routes.Subscribe(frameType, fn), nil
}

// SubscribeState delivers every link state change of every endpoint.
func (s *Service) SubscribeState(fn func(link.StateChange)) (cancel func()) {
	s.mu.Lock()
	s.nextWatch++
	id := s.nextWatch
	s.stateWatchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.stateWatchers, id)
		s.mu.Unlock()
	}
}

// SubscribeDiagnostics delivers malformed-frame reports of every endpoint.
func (s *Service) SubscribeDiagnostics(fn func(router.Diagnostic)) (cancel func()) {
	s.mu.Lock()
	s.nextWatch++
	id := s.nextWatch
	s.diagWatchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.diagWatchers, id)
		s.mu.Unlock()
	}
}

// SubscribeTelemetry delivers one update per stream per flush.
func (s *Service) SubscribeTelemetry(fn func(telemetry.Update)) (cancel func()) {
	return s.telemetry.Watch(fn)
}

func (s *Service) Latest(endpointID string, kind telemetry.Kind) (telemetry.Sample, bool) {
	return s.telemetry.Latest(endpointID, kind)
}

func (s *Service) History(endpointID string, kind telemetry.Kind) []telemetry.Sample {
	return s.telemetry.History(endpointID, kind)
}

func (s *Service) HistorySince(endpointID string, kind telemetry.Kind, since float64, limit int) []telemetry.Sample {
	return s.telemetry.HistorySince(endpointID, kind, since, limit)
}

// PauseHistory freezes the history of one endpoint stream.
func (s *Service) PauseHistory(endpointID string, kind telemetry.Kind) {
	s.telemetry.Pause(endpointID, kind)
}

func (s *Service) ResumeHistory(endpointID string, kind telemetry.Kind) {
	s.telemetry.Resume(endpointID, kind)
}

func (s *Service) HistoryPaused(endpointID string, kind telemetry.Kind) bool {
	return s.telemetry.Paused(endpointID, kind)
}

func (s *Service) publishState(ch link.StateChange) {
	for _, fn := range snapshot(&s.mu, s.stateWatchers) {
		s.guard("state", ch.EndpointID, func() { fn(ch) })
	}
}

func (s *Service) publishDiagnostic(d router.Diagnostic) {
	for _, fn := range snapshot(&s.mu, s.diagWatchers) {
		s.guard("diagnostic", d.EndpointID, func() { fn(d) })
	}
}

func (s *Service) guard(kind, endpointID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("endpoint", endpointID).Str("watcher", kind).Interface("panic", r).Msg("fleet.Service watcher panicked")
		}
	}()
	fn()
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func snapshot[T any](mu *sync.Mutex, m map[uint64]T) []T {
	mu.Lock()
	defer mu.Unlock()
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
