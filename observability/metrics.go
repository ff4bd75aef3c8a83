package observability

import (
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

type pairMetrics struct {
	totalAsset       prometheus.Gauge
	totalBorrow      prometheus.Gauge
	totalCollateral  prometheus.Gauge
	ratePerSecond    prometheus.Gauge
	accruedInterest  prometheus.Counter
	liquidations     *prometheus.CounterVec
	categoryPaused   *prometheus.GaugeVec
	protocolFees     prometheus.Gauge
	accrualTimestamp prometheus.Gauge
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	pairMetricsOnce sync.Once
	pairRegistry    *pairMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record
// JSON-RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taolend",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taolend",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "taolend",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// PairMetrics returns the registry tracking the lending pair's accounting
// health: pool totals, the live borrow rate, liquidation activity and the
// per-category pause switches.
func PairMetrics() *pairMetrics {
	pairMetricsOnce.Do(func() {
		pairRegistry = &pairMetrics{
			totalAsset: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "taolend",
				Subsystem: "pair",
				Name:      "total_asset_units",
				Help:      "Asset pool total in base token units, interest included.",
			}),
			totalBorrow: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "taolend",
				Subsystem: "pair",
				Name:      "total_borrow_units",
				Help:      "Outstanding debt pool total in base token units.",
			}),
			totalCollateral: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "taolend",
				Subsystem: "pair",
				Name:      "total_collateral_units",
				Help:      "Aggregate collateral held by the pair in base token units.",
			}),
			ratePerSecond: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "taolend",
				Subsystem: "pair",
				Name:      "borrow_rate_ray",
				Help:      "Most recent per-second borrow rate, ray scaled.",
			}),
			accruedInterest: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "taolend",
				Subsystem: "pair",
				Name:      "accrued_interest_units_total",
				Help:      "Cumulative interest added to the pools in base token units.",
			}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taolend",
				Subsystem: "pair",
				Name:      "liquidations_total",
				Help:      "Count of liquidations segmented by fee tier.",
			}, []string{"tier"}),
			categoryPaused: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "taolend",
				Subsystem: "pair",
				Name:      "category_paused",
				Help:      "Whether the operation category is currently paused (1) or open (0).",
			}, []string{"category"}),
			protocolFees: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "taolend",
				Subsystem: "pair",
				Name:      "protocol_fees_units",
				Help:      "Protocol fee balance held in pair custody, collateral units.",
			}),
			accrualTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "taolend",
				Subsystem: "pair",
				Name:      "last_accrual_timestamp_seconds",
				Help:      "Unix timestamp of the last applied interest accrual.",
			}),
		}
		prometheus.MustRegister(
			pairRegistry.totalAsset,
			pairRegistry.totalBorrow,
			pairRegistry.totalCollateral,
			pairRegistry.ratePerSecond,
			pairRegistry.accruedInterest,
			pairRegistry.liquidations,
			pairRegistry.categoryPaused,
			pairRegistry.protocolFees,
			pairRegistry.accrualTimestamp,
		)
	})
	return pairRegistry
}

// RecordAccounting refreshes the pool gauges from a pair snapshot.
func (m *pairMetrics) RecordAccounting(totalAsset, totalBorrow, totalCollateral, protocolFees, rate *big.Int, lastAccrual uint64) {
	if m == nil {
		return
	}
	m.totalAsset.Set(bigToFloat(totalAsset))
	m.totalBorrow.Set(bigToFloat(totalBorrow))
	m.totalCollateral.Set(bigToFloat(totalCollateral))
	m.protocolFees.Set(bigToFloat(protocolFees))
	m.ratePerSecond.Set(bigToFloat(rate))
	m.accrualTimestamp.Set(float64(lastAccrual))
}

// RecordInterest adds an accrual tick's interest to the cumulative counter.
func (m *pairMetrics) RecordInterest(interest *big.Int) {
	if m == nil || interest == nil || interest.Sign() <= 0 {
		return
	}
	m.accruedInterest.Add(bigToFloat(interest))
}

// RecordLiquidation counts a liquidation under its fee tier.
func (m *pairMetrics) RecordLiquidation(dirty bool) {
	if m == nil {
		return
	}
	tier := "clean"
	if dirty {
		tier = "dirty"
	}
	m.liquidations.WithLabelValues(tier).Inc()
}

// RecordCategoryPause reflects a category switch flip on the pause gauge.
func (m *pairMetrics) RecordCategoryPause(category string, paused bool) {
	if m == nil {
		return
	}
	value := 0.0
	if paused {
		value = 1.0
	}
	m.categoryPaused.WithLabelValues(category).Set(value)
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
