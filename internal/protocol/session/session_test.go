package session

import (
	"bufio"
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/fleetlink/internal/protocol/frame"
	"github.com/danmuck/fleetlink/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Backoff
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, w := range want {
		if got := NextBackoffDelay(cfg, attempt, nil); got != w {
			t.Fatalf("attempt%d got=%v want=%v", attempt, got, w)
		}
	}
}

func TestNextBackoffDelayMonotonicAndCapped(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2.0, MaxDelay: 5 * time.Second}
	prev := time.Duration(0)
	for attempt := 0; attempt < 64; attempt++ {
		got := NextBackoffDelay(cfg, attempt, nil)
		if got < prev {
			t.Fatalf("attempt%d decreased: %v < %v", attempt, got, prev)
		}
		if got > cfg.MaxDelay {
			t.Fatalf("attempt%d exceeds cap: %v", attempt, got)
		}
		prev = got
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 0, rng)
	if got < 125*time.Millisecond || got > 250*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestNextBackoffDelayJitterStaysMonotonicAndCapped(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		Jitter:       true,
	}
	for seed := int64(1); seed <= 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		prev := time.Duration(0)
		for attempt := 0; attempt < 32; attempt++ {
			got := NextBackoffDelay(cfg, attempt, rng)
			if got > cfg.MaxDelay {
				t.Fatalf("seed%d attempt%d exceeds cap: %v", seed, attempt, got)
			}
			if got < prev {
				t.Fatalf("seed%d attempt%d decreased: %v < %v", seed, attempt, got, prev)
			}
			prev = got
		}
		if prev != cfg.MaxDelay {
			t.Fatalf("seed%d never reached the cap: %v", seed, prev)
		}
	}
}

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	testlog.Start(t)
	cfg := Config{KeepaliveInterval: time.Second}.WithDefaults()
	if cfg.KeepaliveInterval != time.Second {
		t.Fatalf("explicit keepalive overwritten: %v", cfg.KeepaliveInterval)
	}
	if cfg.CommandTimeout != 10*time.Second {
		t.Fatalf("command timeout got=%v", cfg.CommandTimeout)
	}
	if cfg.Backoff.MaxDelay != 30*time.Second || cfg.Backoff.InitialDelay != time.Second {
		t.Fatalf("backoff got=%+v", cfg.Backoff)
	}
}

func TestCommandOutboxLifecycle(t *testing.T) {
	testlog.Start(t)
	o := NewCommandOutbox()
	now := time.Unix(1700000000, 0)
	done, err := o.Add(PendingCommand{
		CorrelationID: 1,
		EndpointID:    "robot1",
		Type:          "motor_control",
		QueuedAt:      now,
		Deadline:      now.Add(10 * time.Second),
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := o.Add(PendingCommand{CorrelationID: 1}); !errors.Is(err, ErrDuplicateCommand) {
		t.Fatalf("expected ErrDuplicateCommand, got %v", err)
	}
	if item, ok := o.Get(1); !ok || item.State != CommandPending {
		t.Fatalf("expected pending command, got %+v ok=%v", item, ok)
	}
	reply := frame.New("motor_control_response").WithCorrelationID(1)
	if !o.Resolve(1, reply) {
		t.Fatalf("resolve should settle pending command")
	}
	if o.Reject(1, errors.New("late")) {
		t.Fatalf("reject after resolve must be a no-op")
	}
	s := <-done
	if s.Command.State != CommandResolved || s.Err != nil || s.Reply.Type() != "motor_control_response" {
		t.Fatalf("unexpected settlement: %+v", s)
	}
	if o.Len() != 0 {
		t.Fatalf("settled command should leave the table")
	}
}

func TestCommandOutboxSettlesAtMostOnceUnderRace(t *testing.T) {
	testlog.Start(t)
	closed := errors.New("closed")
	for i := 0; i < 200; i++ {
		o := NewCommandOutbox()
		done, err := o.Add(PendingCommand{CorrelationID: uint64(i + 1)})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		var wg sync.WaitGroup
		results := make([]bool, 3)
		wg.Add(3)
		go func() { defer wg.Done(); results[0] = o.Resolve(uint64(i+1), frame.New("ok")) }()
		go func() { defer wg.Done(); results[1] = o.Reject(uint64(i+1), closed) }()
		go func() { defer wg.Done(); results[2] = o.RejectAll(closed) == 1 }()
		wg.Wait()

		wins := 0
		for _, r := range results {
			if r {
				wins++
			}
		}
		if wins != 1 {
			t.Fatalf("iteration %d settled %d times", i, wins)
		}
		<-done
		select {
		case extra := <-done:
			t.Fatalf("iteration %d extra settlement: %+v", i, extra)
		default:
		}
	}
}

func TestCommandOutboxListSorted(t *testing.T) {
	testlog.Start(t)
	o := NewCommandOutbox()
	for _, id := range []uint64{3, 1, 2} {
		if _, err := o.Add(PendingCommand{CorrelationID: id}); err != nil {
			t.Fatalf("add %d: %v", id, err)
		}
	}
	list := o.List()
	if len(list) != 3 || list[0].CorrelationID != 1 || list[2].CorrelationID != 3 {
		t.Fatalf("unexpected list: %+v", list)
	}
	if n := o.RejectAll(errors.New("closed")); n != 3 {
		t.Fatalf("reject all got=%d", n)
	}
}

func TestRecordsRoundTripAndSkipBlankLines(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteRecord(&buf, []byte(`{"type":"encoder"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf.WriteString("\r\n\n")
	if err := WriteRecord(&buf, []byte(`{"type":"bno055"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := bufio.NewReader(&buf)
	first, err := ReadRecord(r, 1024)
	if err != nil || string(first) != `{"type":"encoder"}` {
		t.Fatalf("first got=%q err=%v", first, err)
	}
	second, err := ReadRecord(r, 1024)
	if err != nil || string(second) != `{"type":"bno055"}` {
		t.Fatalf("second got=%q err=%v", second, err)
	}
}

func TestReadRecordTooLargeKeepsStreamAligned(t *testing.T) {
	testlog.Start(t)
	input := strings.Repeat("x", 8192) + "\n" + `{"type":"ok"}` + "\n"
	r := bufio.NewReaderSize(strings.NewReader(input), 16)
	if _, err := ReadRecord(r, 64); !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("expected ErrRecordTooLarge, got %v", err)
	}
	next, err := ReadRecord(r, 64)
	if err != nil || string(next) != `{"type":"ok"}` {
		t.Fatalf("next got=%q err=%v", next, err)
	}
}

func TestValidateClientTransportProductionRequiresTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(false); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.ValidateClientTransport(true); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if err := cfg.ValidateClientTransport(false); err != nil {
		t.Fatalf("plain link in development should pass, got %v", err)
	}
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(true); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(true); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(true); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(true); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerTransportProductionRequiresTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
}
