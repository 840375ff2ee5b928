// Package metrics exposes prometheus instrumentation for the trading core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TradingMetrics collects engine counters and latencies.
type TradingMetrics struct {
	TradesTotal    *prometheus.CounterVec
	TradeFailures  *prometheus.CounterVec
	TradeDuration  *prometheus.HistogramVec
	PricePublishes *prometheus.CounterVec
}

// New creates the trading collectors and registers them with reg.
func New(reg prometheus.Registerer) *TradingMetrics {
	m := &TradingMetrics{
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mintex_trades_total",
			Help: "Trades processed by the engine, by operation and outcome.",
		}, []string{"op", "outcome"}),
		TradeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mintex_trade_failures_total",
			Help: "Trade failures by operation and error kind.",
		}, []string{"op", "kind"}),
		TradeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mintex_trade_duration_seconds",
			Help:    "End-to-end trade latency including the database transaction.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		PricePublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mintex_price_publishes_total",
			Help: "Post-commit price broadcasts by status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.TradesTotal, m.TradeFailures, m.TradeDuration, m.PricePublishes)
	}
	return m
}
