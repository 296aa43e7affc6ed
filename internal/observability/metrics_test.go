package observability

import (
	"testing"
	"time"

	"github.com/danmuck/spmctl/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("monitor", "GET", "/status", 200, 2*time.Millisecond)
	RecordRequest("Bias.Get", "ok", 3*time.Millisecond)
	RecordShortRead("Bias.Get")
	RecordFrame("sample", 12)
	RecordCycle("bad", "blunt", 0, 1.5)

	if got := testutil.ToFloat64(telemetryFill); got != 12 {
		t.Fatalf("buffer fill gauge=%v", got)
	}
	if got := testutil.ToFloat64(conditioningPulseVoltage); got != 1.5 {
		t.Fatalf("pulse voltage gauge=%v", got)
	}
	if got := testutil.ToFloat64(sessionShortReads.WithLabelValues("Bias.Get")); got < 1 {
		t.Fatalf("short reads=%v", got)
	}
}
