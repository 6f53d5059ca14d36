// Package metrics holds all Prometheus instrumentation for the agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the agent exports on /metrics.
type Metrics struct {
	TicksTotal    prometheus.Counter
	CandlesTotal  *prometheus.CounterVec // labels: granularity
	WSReconnects  prometheus.Counter
	RPCDuration   prometheus.Histogram
	RPCTimeouts   prometheus.Counter
	TradesOpened  prometheus.Counter
	TradesClosed  prometheus.Counter
	TradesFailed  prometheus.Counter
	RealizedPnL   prometheus.Gauge
	Balance       prometheus.Gauge
	Drawdown      prometheus.Gauge
	MarketState   prometheus.Gauge // 0=restricted, 1=permissive
	TradingPaused prometheus.Gauge // 0=active, 1=paused by a guard

	registry *prometheus.Registry
}

// New registers and returns all agent metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_ticks_total",
			Help: "Total ticks received from the broker stream",
		}),
		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_candles_closed_total",
			Help: "Total closed candles per granularity",
		}, []string{"granularity"}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_ws_reconnects_total",
			Help: "Total broker WebSocket reconnection events",
		}),
		RPCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_rpc_duration_seconds",
			Help:    "Round-trip latency of broker request/response calls",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		RPCTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_rpc_timeouts_total",
			Help: "Broker calls that exceeded their deadline",
		}),
		TradesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_trades_opened_total",
			Help: "Confirmed contract purchases",
		}),
		TradesClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_trades_closed_total",
			Help: "Confirmed contract sales",
		}),
		TradesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_trades_failed_total",
			Help: "Open attempts that died without a position",
		}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_daily_realized_pnl",
			Help: "Accumulated realized profit for the current UTC day",
		}),
		Balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_account_balance",
			Help: "Last reported account balance",
		}),
		Drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_drawdown_ratio",
			Help: "Current drawdown from the session's highest balance",
		}),
		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_market_state",
			Help: "Derived market state (0=restricted, 1=permissive)",
		}),
		TradingPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_trading_paused",
			Help: "Whether any risk guard currently blocks entries",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.TicksTotal, m.CandlesTotal, m.WSReconnects,
		m.RPCDuration, m.RPCTimeouts,
		m.TradesOpened, m.TradesClosed, m.TradesFailed,
		m.RealizedPnL, m.Balance, m.Drawdown,
		m.MarketState, m.TradingPaused,
	)
	return m
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
