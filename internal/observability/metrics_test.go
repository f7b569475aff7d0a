package observability

import (
	"testing"
	"time"

	"github.com/danmuck/hostlink/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("hostlinkd", "GET", "/health", 200, 12*time.Millisecond)
	RecordDispatch("graphics", "ok")
	SetQueueDepth("socket", 3)
	RecordLanesExpired("socket", 0)
}

func TestLinkCountersAccumulate(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(linkFrames.WithLabelValues("spi", FrameChecksum))
	RecordFrame("spi", FrameChecksum)
	RecordFrame("spi", FrameChecksum)
	if got := testutil.ToFloat64(linkFrames.WithLabelValues("spi", FrameChecksum)); got != before+2 {
		t.Fatalf("frames counter=%v want %v", got, before+2)
	}

	RecordLanesExpired("spi", 3)
	if got := testutil.ToFloat64(lanesExpired.WithLabelValues("spi")); got < 3 {
		t.Fatalf("lanes expired counter=%v want >= 3", got)
	}
}
