// Package metrics exposes the bot's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	entriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "condor_entries_total", Help: "Condors opened",
	})
	skipsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "condor_skips_total", Help: "Ticks or positions skipped, by tick kind and reason",
	}, []string{"tick", "reason"})
	closesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "condor_closes_total", Help: "Condors closed, by exit reason",
	}, []string{"reason"})
	openPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "condor_open_positions", Help: "Open condor positions",
	})
	riskInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "condor_risk_in_use_dollars", Help: "Risk reserved by open positions",
	})
	ordersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "condor_orders_total", Help: "Order intents by direction and outcome",
	}, []string{"direction", "outcome"})
	breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "condor_broker_breaker_state", Help: "0=closed, 1=half_open, 2=open",
	})
)

func init() {
	prometheus.MustRegister(
		entriesTotal,
		skipsTotal,
		closesTotal,
		openPositions,
		riskInUse,
		ordersTotal,
		breakerState,
	)
}

// RecordEntry counts an opened condor.
func RecordEntry() { entriesTotal.Inc() }

// RecordSkip counts a skipped entry tick or management evaluation.
func RecordSkip(tick, reason string) { skipsTotal.WithLabelValues(tick, reason).Inc() }

// RecordClose counts a closed condor.
func RecordClose(reason string) { closesTotal.WithLabelValues(reason).Inc() }

// SetExposure publishes the open position count and reserved risk.
func SetExposure(open int, risk float64) {
	openPositions.Set(float64(open))
	riskInUse.Set(risk)
}

// RecordOrder counts an order intent outcome ("accepted", "rejected", "error").
func RecordOrder(direction, outcome string) { ordersTotal.WithLabelValues(direction, outcome).Inc() }

// SetBreakerState publishes the broker circuit breaker state.
func SetBreakerState(state int) { breakerState.Set(float64(state)) }
