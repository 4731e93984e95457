package observability

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

type presaleMetrics struct {
	purchases   prometheus.Counter
	claims      prometheus.Counter
	paidWei     prometheus.Counter
	refundedWei prometheus.Counter
	burns       prometheus.Counter
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	presaleMetricsOnce sync.Once
	presaleRegistry    *presaleMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record
// JSON-RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "blmn",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "blmn",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module and method.",
			}, []string{"module", "method"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "blmn",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
		}
		prometheus.MustRegister(moduleRegistry.requests, moduleRegistry.errors, moduleRegistry.latency)
	})
	return moduleRegistry
}

// Observe records a completed module request.
func (m *moduleMetrics) Observe(module, method, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	m.latency.WithLabelValues(module, method).Observe(seconds)
	if outcome != "ok" {
		m.errors.WithLabelValues(module, method).Inc()
	}
}

// PresaleMetrics returns the registry tracking settlement activity derived
// from engine events.
func PresaleMetrics() *presaleMetrics {
	presaleMetricsOnce.Do(func() {
		presaleRegistry = &presaleMetrics{
			purchases: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "blmn",
				Subsystem: "presale",
				Name:      "purchases_total",
				Help:      "Count of settled purchases.",
			}),
			claims: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "blmn",
				Subsystem: "presale",
				Name:      "claims_total",
				Help:      "Count of released entitlements.",
			}),
			paidWei: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "blmn",
				Subsystem: "presale",
				Name:      "paid_wei_total",
				Help:      "Native currency collected by settled purchases, in wei.",
			}),
			refundedWei: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "blmn",
				Subsystem: "presale",
				Name:      "refunded_wei_total",
				Help:      "Native currency refunded to buyers, in wei.",
			}),
			burns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "blmn",
				Subsystem: "ledger",
				Name:      "burns_total",
				Help:      "Count of voluntary supply reductions.",
			}),
		}
		prometheus.MustRegister(
			presaleRegistry.purchases,
			presaleRegistry.claims,
			presaleRegistry.paidWei,
			presaleRegistry.refundedWei,
			presaleRegistry.burns,
		)
	})
	return presaleRegistry
}

// RecordPurchase increments the purchase counters with the settled amounts.
func (m *presaleMetrics) RecordPurchase(paidWei, refundWei *big.Int) {
	if m == nil {
		return
	}
	m.purchases.Inc()
	m.paidWei.Add(weiToFloat(paidWei))
	m.refundedWei.Add(weiToFloat(refundWei))
}

// RecordClaim increments the claim counter.
func (m *presaleMetrics) RecordClaim() {
	if m == nil {
		return
	}
	m.claims.Inc()
}

// RecordBurn increments the burn counter.
func (m *presaleMetrics) RecordBurn() {
	if m == nil {
		return
	}
	m.burns.Inc()
}

func weiToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	if f < 0 {
		return 0
	}
	return f
}
