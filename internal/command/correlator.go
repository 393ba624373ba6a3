// Package command issues request/response commands over endpoint links.
// Every command carries a process-wide, strictly increasing command_id and
// a deadline, and settles exactly once: resolved by its correlated reply,
// rejected by timeout, or rejected when its link goes away.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/fleetlink/internal/link"
	"github.com/danmuck/fleetlink/internal/logging"
	"github.com/danmuck/fleetlink/internal/observability"
	"github.com/danmuck/fleetlink/internal/protocol/frame"
	"github.com/danmuck/fleetlink/internal/protocol/session"
	"github.com/danmuck/fleetlink/internal/registry"
	"github.com/danmuck/fleetlink/internal/router"
	"github.com/rs/zerolog"
)

var (
	ErrTimeout          = errors.New("command: timed out")
	ErrCommandRejected  = errors.New("command: rejected by endpoint")
	ErrTypeRequired     = errors.New("command: type required")
	ErrConnectionClosed = session.ErrConnectionClosed
	ErrConnectionFailed = link.ErrConnectionFailed
	ErrNotConnected     = link.ErrNotConnected
	ErrUnknownEndpoint  = registry.ErrUnknownEndpoint
)

// Reply statuses reported by robots and bridges.
const (
	StatusSuccess   = "success"
	StatusExecuted  = "executed"
	StatusForwarded = "forwarded"
	StatusError     = "error"
	StatusTimeout   = "timeout"
)

// Request is one command to send.
type Request struct {
	Type    string
	Payload map[string]any
	// Timeout overrides the correlator default when positive.
	Timeout time.Duration
}

// Result is the outcome delivered by SendAsync.
type Result struct {
	Reply frame.Frame
	Err   error
}

type Correlator struct {
	reg            *registry.Registry
	defaultTimeout time.Duration
	nextID         atomic.Uint64
	log            zerolog.Logger
}

// NewCorrelator attaches to every endpoint reg creates from now on.
func NewCorrelator(reg *registry.Registry, defaultTimeout time.Duration) *Correlator {
	if defaultTimeout <= 0 {
		defaultTimeout = session.DefaultConfig().CommandTimeout
	}
	c := &Correlator{
		reg:            reg,
		defaultTimeout: defaultTimeout,
		log:            logging.Component("command"),
	}
	reg.OnCreate(c.attach)
	return c
}

// attach claims correlated replies ahead of ordinary subscribers and
// rejects pending commands as soon as the link leaves connected.
func (c *Correlator) attach(e *registry.Entry) {
	e.Routes.SetClaim(claimReplies(e.Pending))
	e.Link.Watch(func(ch link.StateChange) {
		if ch.To == link.StateConnected || ch.To == link.StateConnecting {
			return
		}
		reason := ch.To.String()
		if ch.Err != nil {
			reason = ch.Err.Error()
		}
		if n := e.Pending.RejectAll(fmt.Errorf("%w: %s", ErrConnectionClosed, reason)); n > 0 {
			c.log.Warn().Str("endpoint", ch.EndpointID).Int("rejected", n).Str("state", ch.To.String()).Msg("command.Correlator link lost with commands in flight")
		}
	})
}

func claimReplies(pending *session.CommandOutbox) router.ClaimFunc {
	return func(f frame.Frame) bool {
		id, ok := f.CorrelationID()
		if !ok {
			return false
		}
		return pending.Resolve(id, f)
	}
}

// Send issues req to endpointID and waits for its settlement. A link that
// is not connected is connected first; a failed attempt returns
// ErrConnectionFailed without sending.
func (c *Correlator) Send(ctx context.Context, endpointID string, req Request) (frame.Frame, error) {
	if strings.TrimSpace(req.Type) == "" {
		return nil, ErrTypeRequired
	}
	e, err := c.reg.Lookup(endpointID)
	if err != nil {
		return nil, err
	}
	if err := ensureConnected(ctx, e.Link); err != nil {
		observability.RecordCommand(endpointID, req.Type, "connect_failed", 0)
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	id := c.nextID.Add(1)
	started := time.Now()
	out := buildFrame(req, id, started)

	done, err := e.Pending.Add(session.PendingCommand{
		CorrelationID: id,
		EndpointID:    endpointID,
		Type:          req.Type,
		QueuedAt:      started,
		Deadline:      started.Add(timeout),
	})
	if err != nil {
		return nil, err
	}
	timer := time.AfterFunc(timeout, func() {
		e.Pending.Reject(id, fmt.Errorf("%w: %s command_id=%d after %v", ErrTimeout, req.Type, id, timeout))
	})
	defer timer.Stop()

	c.log.Debug().Str("endpoint", endpointID).Str("type", req.Type).Uint64("command_id", id).Msg("command.Correlator send")
	if err := e.Link.Send(out); err != nil {
		e.Pending.Reject(id, err)
	}

	var s session.Settlement
	select {
	case s = <-done:
	case <-ctx.Done():
		e.Pending.Reject(id, ctx.Err())
		s = <-done
	}
	return c.finish(endpointID, req.Type, id, started, s)
}

// SendAsync runs Send in the background and delivers its outcome once.
func (c *Correlator) SendAsync(ctx context.Context, endpointID string, req Request) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		reply, err := c.Send(ctx, endpointID, req)
		ch <- Result{Reply: reply, Err: err}
	}()
	return ch
}

// Post sends an uncorrelated frame. It never waits for a reply and fails
// with ErrNotConnected when the link is down.
func (c *Correlator) Post(endpointID string, frameType string, payload map[string]any) error {
	if strings.TrimSpace(frameType) == "" {
		return ErrTypeRequired
	}
	e, err := c.reg.Lookup(endpointID)
	if err != nil {
		return err
	}
	f := frame.Frame{}
	for k, v := range payload {
		f[k] = v
	}
	f[frame.FieldType] = frameType
	if _, ok := f[frame.FieldTimestamp]; !ok {
		f[frame.FieldTimestamp] = frame.UnixSeconds(time.Now())
	}
	return e.Link.Send(f)
}

// Pending lists the commands in flight for endpointID.
func (c *Correlator) Pending(endpointID string) []session.PendingCommand {
	e, ok := c.reg.Get(endpointID)
	if !ok {
		return nil
	}
	return e.Pending.List()
}

func (c *Correlator) finish(endpointID, cmdType string, id uint64, started time.Time, s session.Settlement) (frame.Frame, error) {
	elapsed := time.Since(started)
	err := s.Err
	if err == nil {
		err = replyError(s.Reply)
	}
	outcome := outcomeOf(err)
	observability.RecordCommand(endpointID, cmdType, outcome, elapsed)

	ev := c.log.Debug()
	if err != nil {
		ev = c.log.Warn().Err(err)
	}
	ev.Str("endpoint", endpointID).Str("type", cmdType).Uint64("command_id", id).
		Str("outcome", outcome).Dur("elapsed", elapsed).Msg("command.Correlator settled")
	return s.Reply, err
}

func ensureConnected(ctx context.Context, l registry.Link) error {
	if l.State() == link.StateConnected {
		return nil
	}
	if err := l.Ensure(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, ErrConnectionFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

func buildFrame(req Request, id uint64, now time.Time) frame.Frame {
	f := make(frame.Frame, len(req.Payload)+3)
	for k, v := range req.Payload {
		f[k] = v
	}
	f[frame.FieldType] = req.Type
	f[frame.FieldTimestamp] = frame.UnixSeconds(now)
	return f.WithCorrelationID(id)
}

// replyError maps an endpoint-reported failure status onto ErrCommandRejected.
func replyError(reply frame.Frame) error {
	status, _ := reply.String(frame.FieldStatus)
	switch strings.ToLower(status) {
	case StatusError, StatusTimeout:
		msg, _ := reply.String(frame.FieldMessage)
		if msg == "" {
			msg, _ = reply.String("error")
		}
		return fmt.Errorf("%w: status=%s %s", ErrCommandRejected, status, msg)
	default:
		return nil
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "resolved"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCommandRejected):
		return "rejected"
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrNotConnected):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "failed"
	}
}
