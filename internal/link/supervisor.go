// Package link supervises one physical connection per endpoint: connect,
// keepalive, loss detection and bounded exponential-backoff reconnection.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/fleetlink/internal/logging"
	"github.com/danmuck/fleetlink/internal/observability"
	"github.com/danmuck/fleetlink/internal/protocol/frame"
	"github.com/danmuck/fleetlink/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var errDisconnected = errors.New("disconnected by caller")

// dialAttempt publishes the outcome of one connection attempt to
// AwaitConnected callers.
type dialAttempt struct {
	done chan struct{}
	err  error
}

func (a *dialAttempt) finish(err error) {
	a.err = err
	close(a.done)
}

// Options configures a Supervisor.
type Options struct {
	EndpointID string
	Address    string
	Session    session.Config
	Codec      frame.Codec
	// Dialer overrides scheme-based transport selection.
	Dialer Dialer
	// OnRecord receives every inbound record in arrival order, on the read
	// loop goroutine.
	OnRecord func(raw []byte)
}

// Supervisor owns the connection state machine of one endpoint. All state
// is mutated under mu; observers are notified outside it, in order.
type Supervisor struct {
	endpointID string
	address    string
	cfg        session.Config
	codec      frame.Codec
	dialer     Dialer
	onRecord   func(raw []byte)
	log        zerolog.Logger
	rng        *rand.Rand

	mu             sync.Mutex
	state          State
	conn           Conn
	gen            uint64
	attempt        int
	userClosed     bool
	sessionID      string
	lastActivity   time.Time
	lastErr        error
	reconnectTimer *time.Timer
	dialCancel     context.CancelFunc
	inflight       *dialAttempt
	// next is the attempt a pending reconnect timer will start; Ensure
	// callers wait on it.
	next          *dialAttempt
	stopKeepalive chan struct{}
	events        []StateChange
	watchers      map[uint64]func(StateChange)
	nextWatcher   uint64

	writeMu  sync.Mutex
	notifyMu sync.Mutex
}

func NewSupervisor(opts Options) (*Supervisor, error) {
	if opts.Codec == nil {
		opts.Codec = frame.JSON
	}
	dialer := opts.Dialer
	if dialer == nil {
		d, err := DialerFor(opts.Address, opts.Codec.Binary())
		if err != nil {
			return nil, err
		}
		dialer = d
	}
	onRecord := opts.OnRecord
	if onRecord == nil {
		onRecord = func([]byte) {}
	}
	s := &Supervisor{
		endpointID: opts.EndpointID,
		address:    opts.Address,
		cfg:        opts.Session.WithDefaults(),
		codec:      opts.Codec,
		dialer:     dialer,
		onRecord:   onRecord,
		log:        logging.Component("link").With().Str("endpoint", opts.EndpointID).Logger(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		watchers:   make(map[uint64]func(StateChange)),
	}
	observability.RecordLinkState(s.endpointID, StateDisconnected.String())
	return s, nil
}

func (s *Supervisor) EndpointID() string { return s.endpointID }

func (s *Supervisor) Codec() frame.Codec { return s.codec }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		EndpointID:   s.endpointID,
		Address:      s.address,
		State:        s.state,
		Attempt:      s.attempt,
		SessionID:    s.sessionID,
		LastActivity: s.lastActivity,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Watch registers fn for every state change until the returned func is
// called.
func (s *Supervisor) Watch(fn func(StateChange)) (cancel func()) {
	s.mu.Lock()
	s.nextWatcher++
	id := s.nextWatcher
	s.watchers[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

// Connect starts one connection attempt in the background. It is a no-op
// while connecting or connected. From disconnected or error it starts a
// fresh reconnect budget.
func (s *Supervisor) Connect() {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	s.stopReconnectLocked()
	s.userClosed = false
	s.attempt = 0
	s.beginAttemptLocked()
	s.mu.Unlock()
	s.drain()
}

// AwaitConnected blocks until the in-flight attempt completes. A link in
// the error state reports its last failure; a disconnected link with no
// attempt in flight returns ErrNotConnected.
func (s *Supervisor) AwaitConnected(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting:
	case StateError:
		err := s.lastErr
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	default:
		s.mu.Unlock()
		return ErrNotConnected
	}
	a := s.inflight
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
	}
	if a.err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, a.err)
	}
	return nil
}

// Ensure brings the link up for a caller that needs it now and waits for
// the outcome. It joins an in-flight attempt, and while a reconnect is
// scheduled it waits for that attempt instead of dialing early, so the
// backoff and reconnect budget stay intact. Only an idle or exhausted link
// is dialed immediately with a fresh budget.
func (s *Supervisor) Ensure(ctx context.Context) error {
	s.mu.Lock()
	var a *dialAttempt
	switch {
	case s.state == StateConnected:
		s.mu.Unlock()
		return nil
	case s.state == StateConnecting:
		a = s.inflight
	case s.reconnectTimer != nil:
		if s.next == nil {
			s.next = &dialAttempt{done: make(chan struct{})}
		}
		a = s.next
	default:
		s.userClosed = false
		s.attempt = 0
		s.beginAttemptLocked()
		a = s.inflight
	}
	s.mu.Unlock()
	s.drain()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
	}
	if a.err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, a.err)
	}
	return nil
}

// Disconnect closes the link and cancels any scheduled reconnect. The
// endpoint stays disconnected until Connect is called again.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.userClosed = true
	hadTimer := s.stopReconnectLocked()
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.gen++
	conn := s.conn
	s.conn = nil
	s.stopKeepaliveLocked()
	if s.inflight != nil {
		s.inflight.finish(errDisconnected)
		s.inflight = nil
	}
	if s.next != nil {
		s.next.finish(errDisconnected)
		s.next = nil
	}
	s.attempt = 0
	if s.state != StateDisconnected || hadTimer {
		s.setStateLocked(StateDisconnected, nil, true)
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.drain()
}

// Send encodes f and writes it synchronously. There is no queueing: a
// link that is not connected fails with ErrNotConnected.
func (s *Supervisor) Send(f frame.Frame) error {
	s.mu.Lock()
	if s.state != StateConnected || s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := s.conn
	gen := s.gen
	s.mu.Unlock()

	payload, err := s.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("link: encode %s: %w", f.Type(), err)
	}
	if err := s.write(conn, payload); err != nil {
		s.connLost(gen, conn, err)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (s *Supervisor) write(conn Conn, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteRecord(payload, s.codec.Binary(), time.Now().Add(s.cfg.WriteTimeout))
}

func (s *Supervisor) beginAttemptLocked() {
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	s.dialCancel = cancel
	a := s.next
	if a == nil {
		a = &dialAttempt{done: make(chan struct{})}
	}
	s.next = nil
	s.inflight = a
	s.setStateLocked(StateConnecting, nil, false)
	s.log.Debug().Int("attempt", s.attempt).Str("address", s.address).Msg("link.Supervisor dialing")
	go s.dial(ctx, cancel, gen, a)
}

func (s *Supervisor) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, a *dialAttempt) {
	conn, err := s.dialer.Dial(ctx, s.address, s.cfg)
	cancel()

	s.mu.Lock()
	if gen != s.gen || s.state != StateConnecting {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	s.dialCancel = nil
	s.inflight = nil
	if err != nil {
		a.finish(err)
		s.log.Warn().Int("attempt", s.attempt).Str("address", s.address).Err(err).Msg("link.Supervisor dial failed")
		s.failLocked(err, false)
		s.mu.Unlock()
		s.drain()
		return
	}

	s.conn = conn
	s.sessionID = uuid.NewString()
	s.attempt = 0
	s.lastErr = nil
	s.lastActivity = time.Now()
	stop := make(chan struct{})
	s.stopKeepalive = stop
	s.setStateLocked(StateConnected, nil, false)
	a.finish(nil)
	s.log.Info().Str("session", s.sessionID).Str("address", s.address).Msg("link.Supervisor connected")
	s.mu.Unlock()

	go s.readLoop(gen, conn)
	go s.keepalive(gen, conn, stop)
	s.drain()
}

func (s *Supervisor) readLoop(gen uint64, conn Conn) {
	for {
		raw, err := conn.ReadRecord()
		if err != nil {
			if errors.Is(err, session.ErrRecordTooLarge) {
				observability.RecordMalformedFrame(s.endpointID)
				s.log.Warn().Err(err).Msg("link.Supervisor dropped oversized record")
				continue
			}
			s.connLost(gen, conn, err)
			return
		}
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.lastActivity = time.Now()
		s.mu.Unlock()
		s.onRecord(raw)
	}
}

func (s *Supervisor) keepalive(gen uint64, conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			payload, err := s.codec.Encode(frame.Ping(now))
			if err != nil {
				s.log.Error().Err(err).Msg("link.Supervisor encode keepalive")
				continue
			}
			if err := s.write(conn, payload); err != nil {
				s.log.Warn().Err(err).Msg("link.Supervisor keepalive write failed")
				s.connLost(gen, conn, err)
				return
			}
		}
	}
}

// connLost handles a transport failure on the connection of generation gen.
// Failures of superseded connections are ignored.
func (s *Supervisor) connLost(gen uint64, conn Conn, err error) {
	s.mu.Lock()
	if gen != s.gen || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	clean := errors.Is(err, io.EOF)
	if clean {
		s.log.Info().Str("session", s.sessionID).Msg("link.Supervisor remote closed")
	} else {
		s.log.Warn().Str("session", s.sessionID).Err(err).Msg("link.Supervisor transport error")
	}
	s.failLocked(err, clean)
	s.mu.Unlock()

	_ = conn.Close()
	s.drain()
}

// failLocked moves out of connecting/connected after a failure and
// schedules the next reconnect unless the budget is spent.
func (s *Supervisor) failLocked(err error, clean bool) {
	s.stopKeepaliveLocked()
	s.lastErr = err
	if s.userClosed {
		s.setStateLocked(StateDisconnected, err, true)
		return
	}
	to := StateError
	if clean {
		to = StateDisconnected
	}
	max := s.cfg.MaxReconnectAttempts
	if max > 0 && s.attempt >= max {
		s.log.Error().Int("attempts", s.attempt).Err(err).Msg("link.Supervisor reconnect budget exhausted")
		s.setStateLocked(StateError, err, true)
		return
	}

	delay := session.NextBackoffDelay(s.cfg.Backoff, s.attempt, s.rng)
	s.attempt++
	s.setStateLocked(to, err, false)
	gen := s.gen
	s.reconnectTimer = time.AfterFunc(delay, func() { s.reconnect(gen) })
	observability.RecordReconnect(s.endpointID)
	s.log.Info().Int("attempt", s.attempt).Dur("delay", delay).Msg("link.Supervisor reconnect scheduled")
}

func (s *Supervisor) reconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.userClosed || s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	s.beginAttemptLocked()
	s.mu.Unlock()
	s.drain()
}

func (s *Supervisor) stopReconnectLocked() bool {
	if s.reconnectTimer == nil {
		return false
	}
	s.reconnectTimer.Stop()
	s.reconnectTimer = nil
	return true
}

func (s *Supervisor) stopKeepaliveLocked() {
	if s.stopKeepalive != nil {
		close(s.stopKeepalive)
		s.stopKeepalive = nil
	}
}

func (s *Supervisor) setStateLocked(to State, err error, terminal bool) {
	from := s.state
	if from == to && err == nil && !terminal {
		return
	}
	s.state = to
	observability.RecordLinkState(s.endpointID, to.String())
	s.events = append(s.events, StateChange{
		EndpointID: s.endpointID,
		From:       from,
		To:         to,
		Attempt:    s.attempt,
		Terminal:   terminal,
		Err:        err,
		SessionID:  s.sessionID,
		At:         time.Now(),
	})
}

// drain delivers queued state changes in order. Only one goroutine drains
// at a time; a watcher that triggers a transition has it delivered after
// it returns.
func (s *Supervisor) drain() {
	for {
		if !s.notifyMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			if len(s.events) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.events[0]
			s.events = s.events[1:]
			watchers := make([]func(StateChange), 0, len(s.watchers))
			for _, id := range slices.Sorted(maps.Keys(s.watchers)) {
				watchers = append(watchers, s.watchers[id])
			}
			s.mu.Unlock()
			for _, fn := range watchers {
				s.notify(fn, ev)
			}
		}
		s.notifyMu.Unlock()

		s.mu.Lock()
		pending := len(s.events) > 0
		s.mu.Unlock()
		if !pending {
			return
		}
	}
}

func (s *Supervisor) notify(fn func(StateChange), ev StateChange) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("state", ev.To.String()).Msg("link.Supervisor watcher panic")
		}
	}()
	fn(ev)
}
