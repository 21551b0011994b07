package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type rpcMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// RPCMetrics returns the lazily-initialised registry used to record JSON-RPC
// handler activity.
func RPCMetrics() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shopledger",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shopledger",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and status code.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "shopledger",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shopledger",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttles,
		)
	})
	return rpcRegistry
}

// Observe records the outcome of an RPC request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *rpcMetrics) Observe(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied reason.
// Reasons should be stable strings such as "rate_limit" or "unauthorized" so
// dashboards and alerts remain consistent.
func (m *rpcMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// LedgerMetrics captures counters and gauges for shop ledger operations.
type LedgerMetrics struct {
	operations     *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	vaultBalance   prometheus.Gauge
	confirmedTotal prometheus.Gauge
	openGauge      prometheus.Gauge
}

// Ledger returns the singleton metrics registry for ledger state transitions.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shopledger",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Count of ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "shopledger",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			vaultBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "shopledger",
				Subsystem: "ledger",
				Name:      "vault_balance",
				Help:      "Current escrow vault balance in integer base units.",
			}),
			confirmedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "shopledger",
				Subsystem: "ledger",
				Name:      "confirmed_total",
				Help:      "Aggregate confirmed-but-refundable funds in integer base units.",
			}),
			openGauge: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "shopledger",
				Subsystem: "ledger",
				Name:      "shop_open",
				Help:      "Indicates whether the purchase gate is open (1) or closed (0).",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.latency,
			ledgerRegistry.vaultBalance,
			ledgerRegistry.confirmedTotal,
			ledgerRegistry.openGauge,
		)
	})
	return ledgerRegistry
}

// Observe records the execution metrics for a ledger operation.
func (m *LedgerMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordPool updates the vault balance and confirmed-total gauges.
func (m *LedgerMetrics) RecordPool(vault, confirmed *big.Int) {
	if m == nil {
		return
	}
	m.vaultBalance.Set(bigToFloat(vault))
	m.confirmedTotal.Set(bigToFloat(confirmed))
}

// SetOpen toggles the shop_open gauge.
func (m *LedgerMetrics) SetOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.openGauge.Set(1)
		return
	}
	m.openGauge.Set(0)
}

// GatewayMetrics bundles collectors tracking the REST gateway and its webhook
// dispatcher.
type GatewayMetrics struct {
	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	webhooks        *prometheus.CounterVec
	webhookDrops    *prometheus.CounterVec
	webhookQueue    prometheus.Gauge
	idempotencyHits prometheus.Counter
}

// Gateway exposes the metrics registry for the REST gateway service.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shopledger",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Count of REST gateway requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "shopledger",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for REST gateway routes.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shopledger",
				Subsystem: "gateway",
				Name:      "webhook_deliveries_total",
				Help:      "Count of webhook delivery attempts segmented by outcome.",
			}, []string{"outcome"}),
			webhookDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shopledger",
				Subsystem: "gateway",
				Name:      "webhook_dropped_total",
				Help:      "Count of webhook tasks dropped before delivery segmented by reason.",
			}, []string{"reason"}),
			webhookQueue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "shopledger",
				Subsystem: "gateway",
				Name:      "webhook_queue_depth",
				Help:      "Number of webhook deliveries currently waiting for dispatch.",
			}),
			idempotencyHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "shopledger",
				Subsystem: "gateway",
				Name:      "idempotency_replays_total",
				Help:      "Count of requests answered from the idempotency cache.",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.latency,
			gatewayRegistry.webhooks,
			gatewayRegistry.webhookDrops,
			gatewayRegistry.webhookQueue,
			gatewayRegistry.idempotencyHits,
		)
	})
	return gatewayRegistry
}

// Observe records the outcome of a REST gateway request.
func (m *GatewayMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	r := strings.TrimSpace(route)
	if r == "" {
		r = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(r, outcome).Inc()
	m.latency.WithLabelValues(r).Observe(duration.Seconds())
}

// RecordWebhook increments the webhook delivery counter for the supplied
// outcome ("delivered", "retried", or "dropped").
func (m *GatewayMetrics) RecordWebhook(outcome string) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.webhooks.WithLabelValues(outcome).Inc()
}

// RecordWebhookDrop counts a webhook task discarded before delivery. Reasons
// should be stable strings such as "overflow" or "ttl".
func (m *GatewayMetrics) RecordWebhookDrop(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.webhookDrops.WithLabelValues(reason).Add(float64(count))
}

// SetWebhookQueueDepth updates the pending webhook gauge.
func (m *GatewayMetrics) SetWebhookQueueDepth(depth int) {
	if m == nil {
		return
	}
	if depth < 0 {
		depth = 0
	}
	m.webhookQueue.Set(float64(depth))
}

// RecordIdempotencyReplay increments the idempotency cache hit counter.
func (m *GatewayMetrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.idempotencyHits.Inc()
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
