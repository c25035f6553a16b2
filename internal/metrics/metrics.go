// Package metrics holds the Prometheus collectors the control plane updates
// during operation:
//
//   - guard_breaker_trips_total{symbol,severity} – circuit-breaker triggers
//   - guard_breaker_resumes_total{mode}          – resumptions (auto|manual)
//   - guard_rate_limit_denials_total{exchange,endpoint,reason}
//   - guard_risk_alerts_total{risk_type,severity}
//   - guard_emergency_stops_total
//   - guard_trades_total{result}                 – executed|failed|blocked
//   - guard_confirmations_active                 – outstanding unconsumed tokens
//
// Served at /metrics in Prometheus text exposition format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_breaker_trips_total",
			Help: "Circuit breaker triggers by symbol and severity",
		},
		[]string{"symbol", "severity"},
	)

	BreakerResumes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_breaker_resumes_total",
			Help: "Circuit breaker resumptions by mode (auto or manual)",
		},
		[]string{"mode"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_rate_limit_denials_total",
			Help: "Rate limit denials by exchange, endpoint, and reason",
		},
		[]string{"exchange", "endpoint", "reason"},
	)

	RiskAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_risk_alerts_total",
			Help: "Risk alerts emitted by type and severity",
		},
		[]string{"risk_type", "severity"},
	)

	EmergencyStops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guard_emergency_stops_total",
			Help: "Emergency stops applied to accounts",
		},
	)

	Trades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_trades_total",
			Help: "Trade execution attempts by result",
		},
		[]string{"result"},
	)

	ConfirmationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guard_confirmations_active",
			Help: "Outstanding unconsumed trade confirmations",
		},
	)
)
