package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	journalAppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "socketcore",
		Subsystem: "journal",
		Name:      "append_seconds",
		Help:      "Latency for appending messages to the journal, retries included.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	journalAppendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "socketcore",
		Subsystem: "journal",
		Name:      "append_failures_total",
		Help:      "Messages that could not be journaled.",
	})

	journalTracer = otel.Tracer("github.com/example/socketcore/storage")
)

func init() {
	prometheus.MustRegister(journalAppendLatency, journalAppendFailures)
}
