package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	FundingRateAnnualized *prometheus.GaugeVec
	FundingSpread         *prometheus.GaugeVec
	VenueAPIError         *prometheus.CounterVec
	FanOutLatency         *prometheus.HistogramVec
	OpportunitiesFound    *prometheus.CounterVec
	ExecutionsTotal       *prometheus.CounterVec
	StrategyPnLUSDT       *prometheus.GaugeVec
	DeltaExposure         *prometheus.GaugeVec
	UnhedgedLegTotal      prometheus.Counter
	FundingAccruedUSDT    *prometheus.CounterVec
	VenueWSReconnect      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FundingRateAnnualized: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "funding_rate_annualized_pct",
			Help: "Latest annualized funding rate per venue and symbol",
		}, []string{"venue", "symbol"}),

		FundingSpread: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "funding_spread_annualized_pct",
			Help: "Cross-venue annualized funding spread per symbol",
		}, []string{"symbol"}),

		VenueAPIError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_api_error_total",
			Help: "Total venue API errors",
		}, []string{"venue", "op"}),

		FanOutLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "venue_fanout_latency_ms",
			Help:    "Latency of cross-venue fan-out queries",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"op"}),

		OpportunitiesFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opportunities_found_total",
			Help: "Opportunities detected by scan type",
		}, []string{"type"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strategy_executions_total",
			Help: "Strategy executions by action and outcome",
		}, []string{"action", "outcome"}),

		StrategyPnLUSDT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "strategy_pnl_usdt",
			Help: "Total PnL per strategy in USDT",
		}, []string{"strategy_id", "symbol"}),

		DeltaExposure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "basis_delta_exposure",
			Help: "Spot minus futures exposure per basis position",
		}, []string{"position_id", "symbol"}),

		UnhedgedLegTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unhedged_leg_total",
			Help: "Times a funding arbitrage leg was left unhedged after a failed unwind",
		}),

		FundingAccruedUSDT: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "funding_accrued_usdt",
			Help: "Funding accrued per venue and direction",
		}, []string{"venue", "direction"}),

		VenueWSReconnect: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_ws_reconnect_total",
			Help: "Total venue WebSocket reconnections",
		}, []string{"venue"}),
	}

	reg.MustRegister(
		m.FundingRateAnnualized,
		m.FundingSpread,
		m.VenueAPIError,
		m.FanOutLatency,
		m.OpportunitiesFound,
		m.ExecutionsTotal,
		m.StrategyPnLUSDT,
		m.DeltaExposure,
		m.UnhedgedLegTotal,
		m.FundingAccruedUSDT,
		m.VenueWSReconnect,
	)
	return m
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
