package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/fleetlink/internal/link"
	"github.com/danmuck/fleetlink/internal/protocol/frame"
	"github.com/danmuck/fleetlink/internal/registry"
	"github.com/danmuck/fleetlink/internal/testutil/testlog"
)

// scriptedLink is a registry.Link whose behavior each test scripts.
type scriptedLink struct {
	mu         sync.Mutex
	state      link.State
	connectErr error
	sent       []frame.Frame
	onSend     func(f frame.Frame)
	watchers   []func(link.StateChange)
	deliver    func(raw []byte)
}

func (l *scriptedLink) Connect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connectErr == nil {
		l.state = link.StateConnected
	} else {
		l.state = link.StateError
	}
}

func (l *scriptedLink) Disconnect() { l.drop(link.StateDisconnected, nil) }

func (l *scriptedLink) AwaitConnected(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connectErr != nil {
		return l.connectErr
	}
	return nil
}

func (l *scriptedLink) Ensure(ctx context.Context) error {
	l.Connect()
	return l.AwaitConnected(ctx)
}

func (l *scriptedLink) Send(f frame.Frame) error {
	l.mu.Lock()
	if l.state != link.StateConnected {
		l.mu.Unlock()
		return link.ErrNotConnected
	}
	l.sent = append(l.sent, f)
	onSend := l.onSend
	l.mu.Unlock()
	if onSend != nil {
		onSend(f)
	}
	return nil
}

func (l *scriptedLink) State() link.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *scriptedLink) Status() link.Status { return link.Status{State: l.State()} }

func (l *scriptedLink) Watch(fn func(link.StateChange)) func() {
	l.mu.Lock()
	l.watchers = append(l.watchers, fn)
	l.mu.Unlock()
	return func() {}
}

func (l *scriptedLink) drop(to link.State, err error) {
	l.mu.Lock()
	from := l.state
	l.state = to
	watchers := append([]func(link.StateChange){}, l.watchers...)
	l.mu.Unlock()
	for _, fn := range watchers {
		fn(link.StateChange{EndpointID: "robot1", From: from, To: to, Err: err})
	}
}

func (l *scriptedLink) reply(t *testing.T, f frame.Frame) {
	t.Helper()
	raw, err := frame.JSON.Encode(f)
	if err != nil {
		t.Errorf("encode reply: %v", err)
		return
	}
	l.deliver(raw)
}

func (l *scriptedLink) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func newHarness(t *testing.T) (*Correlator, *scriptedLink, *registry.Entry) {
	t.Helper()
	l := &scriptedLink{}
	reg := registry.New(func(ep registry.Endpoint, codec frame.Codec, onRecord func([]byte)) (registry.Link, error) {
		l.deliver = onRecord
		return l, nil
	}, frame.DefaultLimits())
	c := NewCorrelator(reg, time.Second)
	e, err := reg.GetOrCreate(registry.Endpoint{ID: "robot1", Address: "ws://robot1.local/ws/robot1"})
	if err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	return c, l, e
}

func echoReply(l *scriptedLink, t *testing.T, status string) func(frame.Frame) {
	return func(f frame.Frame) {
		id, _ := f.CorrelationID()
		go l.reply(t, frame.Frame{
			frame.FieldType:      f.Type() + "_response",
			frame.FieldCommandID: id,
			frame.FieldStatus:    status,
		})
	}
}

func TestSendResolvesWithCorrelatedReply(t *testing.T) {
	testlog.Start(t)
	c, l, _ := newHarness(t)
	l.onSend = echoReply(l, t, StatusSuccess)

	first, err := c.Send(context.Background(), "robot1", Request{Type: "motor_control", Payload: map[string]any{"speeds": []int{10, 20, 30}}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	second, err := c.Send(context.Background(), "robot1", Request{Type: "emergency_stop"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	id1, _ := first.CorrelationID()
	id2, _ := second.CorrelationID()
	if id2 <= id1 {
		t.Fatalf("command ids not increasing: %d then %d", id1, id2)
	}
	if first.Type() != "motor_control_response" {
		t.Fatalf("unexpected reply: %v", first)
	}
	if len(c.Pending("robot1")) != 0 {
		t.Fatalf("resolved commands must leave the pending table")
	}
	sent := l.sent[0]
	if _, ok := sent.Timestamp(); !ok {
		t.Fatalf("outbound command missing timestamp: %v", sent)
	}
}

func TestTimeoutRejectsAndLateReplyFallsThrough(t *testing.T) {
	testlog.Start(t)
	c, l, e := newHarness(t)
	late := make(chan frame.Frame, 1)
	e.Routes.Subscribe(frame.Wildcard, func(f frame.Frame) { late <- f })

	started := time.Now()
	_, err := c.Send(context.Background(), "robot1", Request{Type: "pid_config", Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed < 50*time.Millisecond {
		t.Fatalf("timed out early: %v", elapsed)
	}

	id, _ := l.sent[0].CorrelationID()
	l.reply(t, frame.Frame{frame.FieldType: "pid_config_response", frame.FieldCommandID: id, frame.FieldStatus: StatusSuccess})
	select {
	case f := <-late:
		if got, _ := f.CorrelationID(); got != id {
			t.Fatalf("late reply id got=%d want=%d", got, id)
		}
	case <-time.After(time.Second):
		t.Fatalf("late reply should reach ordinary subscribers")
	}
}

func TestConnectionLossRejectsPending(t *testing.T) {
	testlog.Start(t)
	c, l, e := newHarness(t)
	l.onSend = func(frame.Frame) {}

	errc := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "robot1", Request{Type: "motion_command", Timeout: 5 * time.Second})
		errc <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for e.Pending.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	l.drop(link.StateError, errors.New("connection reset by peer"))

	select {
	case err := <-errc:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("pending command not rejected on link loss")
	}
}

func TestConnectFailureDoesNotSend(t *testing.T) {
	testlog.Start(t)
	c, l, _ := newHarness(t)
	l.connectErr = errors.New("no route to host")

	_, err := c.Send(context.Background(), "robot1", Request{Type: "get_status"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
	if l.sentCount() != 0 {
		t.Fatalf("command sent over a failed link")
	}
}

func TestReplyStatusErrorMapsToRejected(t *testing.T) {
	testlog.Start(t)
	c, l, _ := newHarness(t)
	l.onSend = echoReply(l, t, StatusError)

	reply, err := c.Send(context.Background(), "robot1", Request{Type: "pid_config"})
	if !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("expected ErrCommandRejected, got %v", err)
	}
	if reply == nil {
		t.Fatalf("rejected command should still return the reply")
	}
}

func TestResolveRacingCloseSettlesOnce(t *testing.T) {
	testlog.Start(t)
	for i := 0; i < 100; i++ {
		c, l, e := newHarness(t)
		l.onSend = func(f frame.Frame) {
			id, _ := f.CorrelationID()
			go l.reply(t, frame.Frame{frame.FieldType: "ack", frame.FieldCommandID: id})
			go l.drop(link.StateError, errors.New("reset"))
		}
		_, err := c.Send(context.Background(), "robot1", Request{Type: "emergency_stop"})
		if err != nil && !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("iteration %d unexpected err: %v", i, err)
		}
		if e.Pending.Len() != 0 {
			t.Fatalf("iteration %d left pending commands", i)
		}
	}
}

func TestContextCancelSettlesCommand(t *testing.T) {
	testlog.Start(t)
	c, l, e := newHarness(t)
	l.onSend = func(frame.Frame) {}
	ctx, cancel := context.WithCancel(context.Background())
	res := c.SendAsync(ctx, "robot1", Request{Type: "motor_control", Timeout: 5 * time.Second})
	deadline := time.Now().Add(2 * time.Second)
	for e.Pending.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	r := <-res
	if !errors.Is(r.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", r.Err)
	}
	if e.Pending.Len() != 0 {
		t.Fatalf("canceled command left pending")
	}
}

func TestUnknownEndpointAndMissingType(t *testing.T) {
	testlog.Start(t)
	c, _, _ := newHarness(t)
	if _, err := c.Send(context.Background(), "robot9", Request{Type: "get_status"}); !errors.Is(err, ErrUnknownEndpoint) {
		t.Fatalf("expected ErrUnknownEndpoint, got %v", err)
	}
	if _, err := c.Send(context.Background(), "robot1", Request{}); !errors.Is(err, ErrTypeRequired) {
		t.Fatalf("expected ErrTypeRequired, got %v", err)
	}
	if err := c.Post("robot1", "subscribe_encoder", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("post on idle link expected ErrNotConnected, got %v", err)
	}
}
