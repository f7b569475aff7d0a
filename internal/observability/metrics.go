package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hostlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	linkFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostlink",
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Inbound frames by outcome.",
		},
		[]string{"transport", "result"},
	)
	queueDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostlink",
			Subsystem: "link",
			Name:      "queue_dropped_total",
			Help:      "Messages dropped because the receive queue rejected them.",
		},
		[]string{"transport"},
	)
	lanesExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostlink",
			Subsystem: "link",
			Name:      "lanes_expired_total",
			Help:      "Reassembly lanes freed by the timeout sweep.",
		},
		[]string{"transport"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hostlink",
			Subsystem: "link",
			Name:      "queue_depth",
			Help:      "Messages waiting in the receive queue.",
		},
		[]string{"transport"},
	)
	dispatchMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostlink",
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Dispatched messages by base type and outcome.",
		},
		[]string{"type", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			linkFrames, queueDropped, lanesExpired, queueDepth,
			dispatchMessages,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// Frame results.
const (
	FrameOK         = "ok"
	FrameChunk      = "chunk"
	FrameMalformed  = "malformed"
	FrameChecksum   = "checksum"
	FrameDecode     = "decode"
	FrameChunkError = "chunk_error"
	FrameOverflow   = "overflow"
)

func RecordFrame(transport, result string) {
	RegisterMetrics()
	linkFrames.WithLabelValues(transport, result).Inc()
}

func RecordQueueDrop(transport string) {
	RegisterMetrics()
	queueDropped.WithLabelValues(transport).Inc()
}

func RecordLanesExpired(transport string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	lanesExpired.WithLabelValues(transport).Add(float64(n))
}

func SetQueueDepth(transport string, depth int) {
	RegisterMetrics()
	queueDepth.WithLabelValues(transport).Set(float64(depth))
}

func RecordDispatch(typ, result string) {
	RegisterMetrics()
	dispatchMessages.WithLabelValues(typ, result).Inc()
}
