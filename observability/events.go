package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	published   *prometheus.CounterVec
	subscribers prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking the ledger event stream.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shopledger",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Count of committed ledger events segmented by event type.",
			}, []string{"type"}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "shopledger",
				Subsystem: "events",
				Name:      "stream_subscribers",
				Help:      "Number of live event stream subscriptions.",
			}),
		}
		prometheus.MustRegister(eventRegistry.published, eventRegistry.subscribers)
	})
	return eventRegistry
}

// RecordPublished increments the event counter for the supplied event type.
func (m *eventMetrics) RecordPublished(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.published.WithLabelValues(normalized).Inc()
}

// SetSubscribers updates the live subscription gauge.
func (m *eventMetrics) SetSubscribers(count int) {
	if m == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.subscribers.Set(float64(count))
}
