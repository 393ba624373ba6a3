package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/danmuck/fleetlink/internal/protocol/frame"
	"github.com/danmuck/fleetlink/internal/testutil/testlog"
)

// manual returns a coalescer whose timer never fires during a test.
func manual(opts Options) *Coalescer {
	opts.FlushInterval = time.Hour
	c := NewCoalescer(opts)
	c.lastFlush = time.Now()
	return c
}

func encoderFrame(ts float64, fields map[string]any) frame.Frame {
	f := frame.Frame{frame.FieldType: TypeEncoderData, frame.FieldTimestamp: ts}
	for k, v := range fields {
		f[k] = v
	}
	return f
}

func TestSameKeyMergesWithinFlush(t *testing.T) {
	testlog.Start(t)
	c := manual(Options{})
	defer c.Close()

	c.Ingest("robot1", encoderFrame(1.0, map[string]any{"rpm_1": 10, "rpm_2": 20, "rpm_3": 30}))
	c.Ingest("robot1", encoderFrame(1.0000001, map[string]any{"rpm_2": 25}))
	c.Ingest("robot1", encoderFrame(1.0001, map[string]any{"rpm_1": 11, "rpm_2": 21, "rpm_3": 31}))

	updates := c.Flush()
	if len(updates) != 1 || updates[0].Appended != 2 {
		t.Fatalf("unexpected updates: %+v", updates)
	}
	h := c.History("robot1", KindEncoder)
	if len(h) != 2 {
		t.Fatalf("history len got=%d want=2", len(h))
	}
	if h[0].Key != "1.000000" || h[1].Key != "1.000100" {
		t.Fatalf("unexpected keys: %s %s", h[0].Key, h[1].Key)
	}
	if h[0].Fields[FieldRPM1] != 10 || h[0].Fields[FieldRPM2] != 25 || h[0].Fields[FieldRPM3] != 30 {
		t.Fatalf("field merge lost data: %v", h[0].Fields)
	}
	latest, ok := c.Latest("robot1", KindEncoder)
	if !ok || latest.Key != "1.000100" || latest.Fields[FieldRPM1] != 11 {
		t.Fatalf("latest should be the newest merged sample: %+v", latest)
	}
}

func TestHistoryBoundEvictsOldest(t *testing.T) {
	testlog.Start(t)
	c := manual(Options{MaxHistoryPoints: 5})
	defer c.Close()

	for i := 0; i < 8; i++ {
		c.Add(Sample{EndpointID: "robot1", Kind: KindIMU, Time: float64(i), Fields: map[string]float64{FieldYaw: float64(i)}})
	}
	c.Flush()
	c.Add(Sample{EndpointID: "robot1", Kind: KindIMU, Time: 8, Fields: map[string]float64{FieldYaw: 8}})
	c.Flush()

	h := c.History("robot1", KindIMU)
	if len(h) != 5 {
		t.Fatalf("history len got=%d want=5", len(h))
	}
	if h[0].Time != 4 || h[4].Time != 8 {
		t.Fatalf("expected samples 4..8, got first=%v last=%v", h[0].Time, h[4].Time)
	}
}

func TestPauseKeepsLatestLive(t *testing.T) {
	testlog.Start(t)
	c := manual(Options{})
	defer c.Close()

	c.Add(Sample{EndpointID: "robot1", Kind: KindEncoder, Time: 1, Fields: map[string]float64{FieldRPM1: 1}})
	c.Flush()
	c.Pause("robot1", KindEncoder)
	c.Add(Sample{EndpointID: "robot1", Kind: KindEncoder, Time: 2, Fields: map[string]float64{FieldRPM1: 2}})
	updates := c.Flush()
	if len(updates) != 1 || updates[0].Appended != 0 {
		t.Fatalf("paused flush should not append: %+v", updates)
	}
	if n := len(c.History("robot1", KindEncoder)); n != 1 {
		t.Fatalf("history grew while paused: %d", n)
	}
	latest, _ := c.Latest("robot1", KindEncoder)
	if latest.Fields[FieldRPM1] != 2 {
		t.Fatalf("latest not updated while paused: %+v", latest)
	}

	c.Resume("robot1", KindEncoder)
	c.Add(Sample{EndpointID: "robot1", Kind: KindEncoder, Time: 3, Fields: map[string]float64{FieldRPM1: 3}})
	c.Flush()
	if n := len(c.History("robot1", KindEncoder)); n != 2 {
		t.Fatalf("history after resume got=%d want=2", n)
	}
}

func TestPauseIsScopedToOneStream(t *testing.T) {
	testlog.Start(t)
	c := manual(Options{})
	defer c.Close()

	c.Pause("robot1", KindEncoder)
	if !c.Paused("robot1", KindEncoder) {
		t.Fatalf("robot1/encoder should report paused")
	}
	if c.Paused("robot1", KindIMU) || c.Paused("robot2", KindEncoder) {
		t.Fatalf("pause leaked to other streams")
	}
	for ts := 1; ts <= 3; ts++ {
		c.Add(Sample{EndpointID: "robot1", Kind: KindEncoder, Time: float64(ts), Fields: map[string]float64{FieldRPM1: 1}})
		c.Add(Sample{EndpointID: "robot2", Kind: KindEncoder, Time: float64(ts), Fields: map[string]float64{FieldRPM1: 2}})
		c.Add(Sample{EndpointID: "robot1", Kind: KindIMU, Time: float64(ts), Fields: map[string]float64{FieldYaw: 3}})
		c.Flush()
	}

	if n := len(c.History("robot1", KindEncoder)); n != 0 {
		t.Fatalf("paused stream grew: %d", n)
	}
	if n := len(c.History("robot2", KindEncoder)); n != 3 {
		t.Fatalf("robot2/encoder history got=%d want=3", n)
	}
	if n := len(c.History("robot1", KindIMU)); n != 3 {
		t.Fatalf("robot1/imu history got=%d want=3", n)
	}

	c.Reset("robot1")
	if c.Paused("robot1", KindEncoder) {
		t.Fatalf("reset should clear the endpoint's pause state")
	}
}

func TestOutOfOrderSamplesStaySorted(t *testing.T) {
	testlog.Start(t)
	c := manual(Options{})
	defer c.Close()

	for _, ts := range []float64{5, 3, 4} {
		c.Add(Sample{EndpointID: "robot1", Kind: KindIMU, Time: ts, Fields: map[string]float64{FieldRoll: ts}})
	}
	c.Flush()
	for _, ts := range []float64{1, 4, 6} {
		c.Add(Sample{EndpointID: "robot1", Kind: KindIMU, Time: ts, Fields: map[string]float64{FieldPitch: ts}})
	}
	c.Flush()

	h := c.History("robot1", KindIMU)
	want := []float64{1, 3, 4, 5, 6}
	if len(h) != len(want) {
		t.Fatalf("history len got=%d want=%d", len(h), len(want))
	}
	for i, ts := range want {
		if h[i].Time != ts {
			t.Fatalf("history[%d] time got=%v want=%v", i, h[i].Time, ts)
		}
	}
	if h[2].Fields[FieldRoll] != 4 || h[2].Fields[FieldPitch] != 4 {
		t.Fatalf("cross-flush key merge lost fields: %v", h[2].Fields)
	}
}

func TestNormalizeFrameShapes(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		f    frame.Frame
		kind Kind
		want map[string]float64
		time float64
	}{
		{
			name: "encoder array",
			f:    frame.Frame{"type": "encoder", "data": []any{1.5, 2.5, 3.5}, "timestamp": 10.0},
			kind: KindEncoder,
			want: map[string]float64{FieldRPM1: 1.5, FieldRPM2: 2.5, FieldRPM3: 3.5},
			time: 10,
		},
		{
			name: "encoder_data flat",
			f:    frame.Frame{"type": "encoder_data", "rpm1": 4, "rpm2": 5, "rpm3": 6, "timestamp": 11.0},
			kind: KindEncoder,
			want: map[string]float64{FieldRPM1: 4, FieldRPM2: 5, FieldRPM3: 6},
			time: 11,
		},
		{
			name: "bno055 nested",
			f: frame.Frame{"type": "bno055", "timestamp": 12.0, "data": map[string]any{
				"time":       12.5,
				"euler":      []any{1, 2, 3},
				"quaternion": []any{1, 0, 0, 0},
			}},
			kind: KindIMU,
			want: map[string]float64{FieldRoll: 1, FieldPitch: 2, FieldYaw: 3, FieldQuatW: 1, FieldQuatX: 0, FieldQuatY: 0, FieldQuatZ: 0},
			time: 12.5,
		},
		{
			name: "imu_data flat",
			f:    frame.Frame{"type": "imu_data", "roll": 0.1, "pitch": 0.2, "yaw": 0.3, "qw": 1, "timestamp": 13.0},
			kind: KindIMU,
			want: map[string]float64{FieldRoll: 0.1, FieldPitch: 0.2, FieldYaw: 0.3, FieldQuatW: 1},
			time: 13,
		},
		{
			name: "imu orientation object",
			f:    frame.Frame{"type": "imu", "orientation": map[string]any{"roll": 7, "pitch": 8, "yaw": 9}, "timestamp": 14.0},
			kind: KindIMU,
			want: map[string]float64{FieldRoll: 7, FieldPitch: 8, FieldYaw: 9},
			time: 14,
		},
	}
	for _, tc := range cases {
		r, ok := normalize(tc.f)
		if !ok {
			t.Fatalf("%s: frame rejected", tc.name)
		}
		if r.kind != tc.kind || !r.hasTime || r.time != tc.time {
			t.Fatalf("%s: kind=%s time=%v hasTime=%v", tc.name, r.kind, r.time, r.hasTime)
		}
		if len(r.fields) != len(tc.want) {
			t.Fatalf("%s: fields got=%v want=%v", tc.name, r.fields, tc.want)
		}
		for k, v := range tc.want {
			if r.fields[k] != v {
				t.Fatalf("%s: field %s got=%v want=%v", tc.name, k, r.fields[k], v)
			}
		}
	}

	if _, ok := normalize(frame.Frame{"type": "encoder", "timestamp": 1.0}); ok {
		t.Fatalf("frame without channels should be rejected")
	}
	if _, ok := normalize(frame.Frame{"type": "status", "rpm1": 1}); ok {
		t.Fatalf("non-sensor frame should be rejected")
	}
}

func TestAutomaticFlushNotifiesWatchers(t *testing.T) {
	testlog.Start(t)
	c := NewCoalescer(Options{FlushInterval: 5 * time.Millisecond})
	defer c.Close()

	var mu sync.Mutex
	var got []Update
	done := make(chan struct{}, 1)
	c.Watch(func(u Update) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	c.Ingest("robot1", encoderFrame(2.0, map[string]any{"rpm_1": 1}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("buffered sample never flushed")
	}
	mu.Lock()
	defer mu.Unlock()
	if got[0].EndpointID != "robot1" || got[0].Kind != KindEncoder || got[0].HistoryLen != 1 {
		t.Fatalf("unexpected update: %+v", got[0])
	}
	if updates := c.Flush(); updates != nil {
		t.Fatalf("empty flush should do nothing: %+v", updates)
	}
}

func TestResetDropsEndpointStreams(t *testing.T) {
	testlog.Start(t)
	c := manual(Options{})
	defer c.Close()

	c.Add(Sample{EndpointID: "robot1", Kind: KindEncoder, Time: 1, Fields: map[string]float64{FieldRPM1: 1}})
	c.Add(Sample{EndpointID: "robot2", Kind: KindEncoder, Time: 1, Fields: map[string]float64{FieldRPM1: 2}})
	c.Flush()
	c.Reset("robot1")

	if _, ok := c.Latest("robot1", KindEncoder); ok {
		t.Fatalf("robot1 latest should be gone after reset")
	}
	if n := len(c.History("robot2", KindEncoder)); n != 1 {
		t.Fatalf("robot2 history disturbed by reset: %d", n)
	}
	if got := c.HistorySince("robot2", KindEncoder, 1, 0); len(got) != 0 {
		t.Fatalf("HistorySince should exclude samples at or before since: %v", got)
	}
}
