// Package registry maps endpoint ids to their live link, subscription table
// and pending-command table. It performs no I/O itself.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/fleetlink/internal/link"
	"github.com/danmuck/fleetlink/internal/logging"
	"github.com/danmuck/fleetlink/internal/observability"
	"github.com/danmuck/fleetlink/internal/protocol/frame"
	"github.com/danmuck/fleetlink/internal/protocol/session"
	"github.com/danmuck/fleetlink/internal/router"
	"github.com/rs/zerolog"
)

var (
	ErrEndpointIDRequired = errors.New("registry: endpoint id required")
	ErrUnknownEndpoint    = errors.New("registry: unknown endpoint")
	ErrEndpointConflict   = errors.New("registry: endpoint id already bound to another address")
	ErrInvalidRole        = errors.New("registry: invalid role")
)

type Role string

const (
	RoleRobot   Role = "robot"
	RoleServer  Role = "server"
	RoleControl Role = "control"
)

func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RoleRobot:
		return RoleRobot, nil
	case RoleServer:
		return RoleServer, nil
	case RoleControl:
		return RoleControl, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// Endpoint is a logical remote party addressed by a URI.
type Endpoint struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Role    Role   `json:"role"`
	Codec   string `json:"codec,omitempty"`
}

// Link is the connection surface the rest of the system uses.
type Link interface {
	Connect()
	Disconnect()
	AwaitConnected(ctx context.Context) error
	Ensure(ctx context.Context) error
	Send(f frame.Frame) error
	State() link.State
	Status() link.Status
	Watch(fn func(link.StateChange)) (cancel func())
}

// Entry is everything owned on behalf of one endpoint.
type Entry struct {
	Endpoint  Endpoint
	Link      Link
	Routes    *router.Table
	Pending   *session.CommandOutbox
	CreatedAt time.Time
}

// Factory builds the link for a new endpoint; inbound records must be
// handed to onRecord in arrival order.
type Factory func(ep Endpoint, codec frame.Codec, onRecord func(raw []byte)) (Link, error)

// SupervisorFactory builds link.Supervisor links with cfg.
func SupervisorFactory(cfg session.Config) Factory {
	return func(ep Endpoint, codec frame.Codec, onRecord func(raw []byte)) (Link, error) {
		return link.NewSupervisor(link.Options{
			EndpointID: ep.ID,
			Address:    ep.Address,
			Session:    cfg,
			Codec:      codec,
			OnRecord:   onRecord,
		})
	}
}

type Registry struct {
	factory Factory
	limits  frame.Limits
	log     zerolog.Logger

	mu       sync.RWMutex
	entries  map[string]*Entry
	onCreate []func(*Entry)
}

func New(factory Factory, limits frame.Limits) *Registry {
	return &Registry{
		factory: factory,
		limits:  limits,
		log:     logging.Component("registry"),
		entries: make(map[string]*Entry),
	}
}

// OnCreate registers a hook run exactly once for every new entry, before
// GetOrCreate returns it.
func (r *Registry) OnCreate(fn func(*Entry)) {
	r.mu.Lock()
	r.onCreate = append(r.onCreate, fn)
	r.mu.Unlock()
}

// GetOrCreate returns the entry for ep.ID, creating it on first reference.
func (r *Registry) GetOrCreate(ep Endpoint) (*Entry, error) {
	ep.ID = strings.TrimSpace(ep.ID)
	if ep.ID == "" {
		return nil, ErrEndpointIDRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[ep.ID]; ok {
		if ep.Address != "" && ep.Address != e.Endpoint.Address {
			return nil, fmt.Errorf("%w: %s is %s", ErrEndpointConflict, ep.ID, e.Endpoint.Address)
		}
		return e, nil
	}

	role, err := ParseRole(string(ep.Role))
	if err != nil {
		return nil, err
	}
	ep.Role = role
	codec, err := frame.Lookup(ep.Codec)
	if err != nil {
		return nil, err
	}
	ep.Codec = codec.Name()

	routes := router.NewTable(ep.ID, codec, r.limits)
	l, err := r.factory(ep, codec, routes.Deliver)
	if err != nil {
		return nil, fmt.Errorf("registry: build link %s: %w", ep.ID, err)
	}
	e := &Entry{
		Endpoint:  ep,
		Link:      l,
		Routes:    routes,
		Pending:   session.NewCommandOutbox(),
		CreatedAt: time.Now(),
	}
	for _, fn := range r.onCreate {
		fn(e)
	}
	r.entries[ep.ID] = e
	r.log.Info().Str("endpoint", ep.ID).Str("address", ep.Address).Str("role", string(ep.Role)).Msg("registry.Registry endpoint created")
	return e, nil
}

func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Lookup is Get with ErrUnknownEndpoint.
func (r *Registry) Lookup(id string) (*Entry, error) {
	if e, ok := r.Get(id); ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
}

// List returns entries sorted by id.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint.ID < out[j].Endpoint.ID })
	return out
}

// Remove disconnects the endpoint, rejects its pending commands with
// session.ErrConnectionClosed and clears its subscriptions.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	e.Link.Disconnect()
	n := e.Pending.RejectAll(fmt.Errorf("%w: endpoint %s removed", session.ErrConnectionClosed, id))
	e.Routes.Clear()
	observability.ForgetEndpoint(id)
	r.log.Info().Str("endpoint", id).Int("rejected", n).Msg("registry.Registry endpoint removed")
	return true
}

// Close removes every endpoint.
func (r *Registry) Close() {
	for _, e := range r.List() {
		r.Remove(e.Endpoint.ID)
	}
}
