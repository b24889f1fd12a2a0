// Package metrics exposes Prometheus instrumentation for the trading core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the core's collectors. Constructing them against an
// explicit registry (instead of package-level MustRegister) keeps tests from
// colliding on duplicate registration.
type Metrics struct {
	OrdersSubmitted  *prometheus.CounterVec
	OrdersCancelled  *prometheus.CounterVec
	TradesMatched    *prometheus.CounterVec
	Liquidations     *prometheus.CounterVec
	FundingCycles    *prometheus.CounterVec
	FundingRate      *prometheus.GaugeVec
	ScanDuration     prometheus.Histogram
	TriggeredOrders  *prometheus.CounterVec
	MakerQuoteCycles prometheus.Counter
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synthex_orders_submitted_total",
			Help: "Orders accepted by the matching engine",
		}, []string{"instrument", "side"}),
		OrdersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synthex_orders_cancelled_total",
			Help: "Resting orders cancelled by their owner",
		}, []string{"instrument"}),
		TradesMatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synthex_trades_matched_total",
			Help: "Trades produced by the matching engine",
		}, []string{"instrument"}),
		Liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synthex_liquidations_total",
			Help: "Positions force-closed by the liquidation engine",
		}, []string{"instrument"}),
		FundingCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synthex_funding_cycles_total",
			Help: "Funding settlement cycles completed",
		}, []string{"instrument"}),
		FundingRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synthex_funding_rate",
			Help: "Last published funding rate per instrument",
		}, []string{"instrument"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "synthex_liquidation_scan_seconds",
			Help:    "Duration of liquidation scans",
			Buckets: prometheus.DefBuckets,
		}),
		TriggeredOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synthex_conditional_orders_triggered_total",
			Help: "Conditional orders converted to live limit orders",
		}, []string{"instrument"}),
		MakerQuoteCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synthex_marketmaker_cycles_total",
			Help: "Market maker quote refresh cycles",
		}),
	}
	reg.MustRegister(
		m.OrdersSubmitted, m.OrdersCancelled, m.TradesMatched, m.Liquidations,
		m.FundingCycles, m.FundingRate, m.ScanDuration, m.TriggeredOrders,
		m.MakerQuoteCycles,
	)
	return m
}
