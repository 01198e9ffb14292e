package webhook

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type dispatcherMetrics struct {
	received  *prometheus.CounterVec
	processed *prometheus.CounterVec
	duration  prometheus.Observer
}

var (
	metricsOnce sync.Once
	metricsInst *dispatcherMetrics
)

func globalMetrics() *dispatcherMetrics {
	metricsOnce.Do(func() {
		metricsInst = &dispatcherMetrics{
			received: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "teamsjira",
				Subsystem: "webhook",
				Name:      "received_total",
				Help:      "Webhook requests received, labeled by source and verdict",
			}, []string{"source", "verdict"}),
			processed: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "teamsjira",
				Subsystem: "webhook",
				Name:      "processed_total",
				Help:      "Async webhook processing outcomes, labeled by source and result",
			}, []string{"source", "result"}),
			duration: promauto.NewHistogram(prometheus.HistogramOpts{
				Namespace: "teamsjira",
				Subsystem: "webhook",
				Name:      "processing_duration_seconds",
				Help:      "Duration of async webhook processing",
				Buckets:   prometheus.DefBuckets,
			}),
		}
	})
	return metricsInst
}
