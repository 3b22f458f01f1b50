// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "codedrop"

var (
	Latency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Request latency",
		Buckets:   prometheus.ExponentialBucketsRange(.005, 30, 20),
	}, []string{"route", "status_code"})

	ResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_response_size_bytes",
		Help:      "Bytes returned",
		Buckets:   prometheus.ExponentialBucketsRange(100, 10_000_000, 20),
	}, []string{"route"})

	TransfersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfers_created_total",
		Help:      "Transfers created, by content type",
	}, []string{"type"})

	TransfersRetrieved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfers_retrieved_total",
		Help:      "Retrieval attempts, by outcome",
	}, []string{"result"})

	ReadReceipts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "read_receipts_total",
		Help:      "Read receipt deliveries, by outcome",
	}, []string{"result"})

	TransfersSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfers_swept_total",
		Help:      "Expired transfers deleted by the sweeper",
	})
)
