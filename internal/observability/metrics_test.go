package observability

import (
	"testing"
	"time"

	"github.com/danmuck/fleetlink/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("fleetctl", "GET", "/health", 200, 12*time.Millisecond)
	RecordCommand("robot1", "motor_control", "resolved", 24*time.Millisecond)
	RecordFlush("robot1", "encoder", 2)
	RecordFrame("robot1", "encoder")
	RecordMalformedFrame("robot1")
	RecordSubscriberPanic("robot1", "encoder")
	RecordReconnect("robot1")
}

func TestRecordLinkStateIsExclusive(t *testing.T) {
	testlog.Start(t)
	RecordLinkState("robot-gauge", "connecting")
	RecordLinkState("robot-gauge", "connected")
	if got := testutil.ToFloat64(linkState.WithLabelValues("robot-gauge", "connected")); got != 1 {
		t.Fatalf("connected gauge got=%v", got)
	}
	if got := testutil.ToFloat64(linkState.WithLabelValues("robot-gauge", "connecting")); got != 0 {
		t.Fatalf("connecting gauge got=%v", got)
	}
}

func TestForgetEndpointDropsSeries(t *testing.T) {
	testlog.Start(t)
	RecordLinkState("robot-gone", "connected")
	RecordFlush("robot-gone", "imu", 10)
	ForgetEndpoint("robot-gone")
	if telemetryHistory.DeleteLabelValues("robot-gone", "imu") {
		t.Fatalf("history series for removed endpoint still present")
	}
	if linkState.DeleteLabelValues("robot-gone", "connected") {
		t.Fatalf("state series for removed endpoint still present")
	}
}
