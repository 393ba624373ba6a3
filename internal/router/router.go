// Package router fans decoded inbound frames out to per-endpoint
// subscribers. Delivery order is exact-type subscribers in registration
// order, then wildcard subscribers in registration order. A failing
// subscriber never prevents delivery to the rest.
package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/fleetlink/internal/logging"
	"github.com/danmuck/fleetlink/internal/observability"
	"github.com/danmuck/fleetlink/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// Handler receives one frame. Frames are shared between subscribers and
// must be treated as read-only.
type Handler func(f frame.Frame)

// ClaimFunc may consume a frame before ordinary delivery. Returning true
// stops routing for that frame.
type ClaimFunc func(f frame.Frame) bool

// Diagnostic reports an inbound record that could not be routed.
type Diagnostic struct {
	EndpointID string
	Err        error
	Size       int
	At         time.Time
}

type DiagnosticFunc func(d Diagnostic)

// Table holds the subscriptions of one endpoint.
type Table struct {
	endpointID string
	codec      frame.Codec
	limits     frame.Limits
	log        zerolog.Logger

	mu       sync.RWMutex
	nextID   uint64
	exact    map[string][]*Subscription
	wildcard []*Subscription
	claim    ClaimFunc
	onDiag   DiagnosticFunc
}

func NewTable(endpointID string, codec frame.Codec, limits frame.Limits) *Table {
	if codec == nil {
		codec = frame.JSON
	}
	return &Table{
		endpointID: endpointID,
		codec:      codec,
		limits:     limits,
		log:        logging.Component("router"),
		exact:      make(map[string][]*Subscription),
	}
}

func (t *Table) EndpointID() string { return t.endpointID }

func (t *Table) Codec() frame.Codec { return t.codec }

// Subscribe registers fn for frameType, or for every type with
// frame.Wildcard.
func (t *Table) Subscribe(frameType string, fn Handler) *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	s := &Subscription{id: t.nextID, table: t, frameType: frameType, fn: fn}
	if frameType == frame.Wildcard {
		t.wildcard = appendCopy(t.wildcard, s)
	} else {
		t.exact[frameType] = appendCopy(t.exact[frameType], s)
	}
	return s
}

// SetClaim installs the hook that sees every frame before subscribers.
func (t *Table) SetClaim(fn ClaimFunc) {
	t.mu.Lock()
	t.claim = fn
	t.mu.Unlock()
}

func (t *Table) OnDiagnostic(fn DiagnosticFunc) {
	t.mu.Lock()
	t.onDiag = fn
	t.mu.Unlock()
}

// Deliver decodes one raw record and dispatches it. Malformed records are
// reported once and dropped.
func (t *Table) Deliver(raw []byte) {
	f, err := frame.Decode(t.codec, raw, t.limits)
	if err != nil {
		t.reportMalformed(err, len(raw))
		return
	}
	observability.RecordFrame(t.endpointID, f.Type())
	t.Dispatch(f)
}

// Dispatch routes an already decoded frame.
func (t *Table) Dispatch(f frame.Frame) {
	t.mu.RLock()
	claim := t.claim
	exact := t.exact[f.Type()]
	wildcard := t.wildcard
	t.mu.RUnlock()

	if claim != nil && t.tryClaim(claim, f) {
		return
	}
	for _, s := range exact {
		t.invoke(s, f)
	}
	for _, s := range wildcard {
		t.invoke(s, f)
	}
}

// Clear drops every subscription and the claim hook.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, subs := range t.exact {
		for _, s := range subs {
			s.closed.Store(true)
		}
	}
	for _, s := range t.wildcard {
		s.closed.Store(true)
	}
	t.exact = make(map[string][]*Subscription)
	t.wildcard = nil
	t.claim = nil
}

// Len returns the number of live subscriptions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.wildcard)
	for _, subs := range t.exact {
		n += len(subs)
	}
	return n
}

func (t *Table) reportMalformed(err error, size int) {
	observability.RecordMalformedFrame(t.endpointID)
	t.log.Warn().Str("endpoint", t.endpointID).Int("bytes", size).Err(err).Msg("router.Table dropped malformed frame")

	t.mu.RLock()
	onDiag := t.onDiag
	t.mu.RUnlock()
	if onDiag == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().Str("endpoint", t.endpointID).Interface("panic", r).Msg("router.Table diagnostic sink panic")
		}
	}()
	onDiag(Diagnostic{EndpointID: t.endpointID, Err: err, Size: size, At: time.Now()})
}

func (t *Table) tryClaim(claim ClaimFunc, f frame.Frame) (claimed bool) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().Str("endpoint", t.endpointID).Str("type", f.Type()).Interface("panic", r).Msg("router.Table claim panic")
			claimed = false
		}
	}()
	return claim(f)
}

func (t *Table) invoke(s *Subscription, f frame.Frame) {
	if s.closed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			observability.RecordSubscriberPanic(t.endpointID, f.Type())
			t.log.Error().
				Str("endpoint", t.endpointID).
				Str("type", f.Type()).
				Uint64("subscription", s.id).
				Interface("panic", r).
				Msg("router.Table subscriber panic")
		}
	}()
	s.fn(f)
}

func (t *Table) remove(s *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.frameType == frame.Wildcard {
		t.wildcard = without(t.wildcard, s)
		return
	}
	subs := without(t.exact[s.frameType], s)
	if len(subs) == 0 {
		delete(t.exact, s.frameType)
		return
	}
	t.exact[s.frameType] = subs
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id        uint64
	table     *Table
	frameType string
	fn        Handler
	closed    atomic.Bool
	once      sync.Once
}

func (s *Subscription) Type() string { return s.frameType }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.table.remove(s)
	})
}

// appendCopy never mutates the backing array of a slice a concurrent
// Dispatch may be iterating.
func appendCopy(in []*Subscription, s *Subscription) []*Subscription {
	out := make([]*Subscription, 0, len(in)+1)
	out = append(out, in...)
	return append(out, s)
}

func without(in []*Subscription, s *Subscription) []*Subscription {
	out := make([]*Subscription, 0, len(in))
	for _, item := range in {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}
