package ws

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	handshakeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "socketcore",
		Subsystem: "ws",
		Name:      "handshake_seconds",
		Help:      "Time spent writing the upgrade response.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
	}, []string{"result"})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "socketcore",
		Subsystem: "ws",
		Name:      "active_sessions",
		Help:      "Sessions currently in the active state.",
	})

	sessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "socketcore",
		Subsystem: "ws",
		Name:      "sessions_closed_total",
		Help:      "Closed sessions by the kind of error that ended them.",
	}, []string{"kind"})

	framesDecoded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "socketcore",
		Subsystem: "ws",
		Name:      "frames_decoded_total",
		Help:      "Inbound text frames decoded and dispatched.",
	})

	framesEncoded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "socketcore",
		Subsystem: "ws",
		Name:      "frames_encoded_total",
		Help:      "Outbound text frames encoded.",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "socketcore",
		Subsystem: "ws",
		Name:      "received_bytes_total",
		Help:      "Raw bytes handed to sessions by the transport.",
	})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(handshakeLatency, activeSessions, sessionsClosed, framesDecoded, framesEncoded, bytesReceived)
	})
}

var tracer = otel.Tracer("github.com/example/socketcore/ws")
