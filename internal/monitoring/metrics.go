package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservations_total",
			Help: "Reservation attempts by outcome",
		},
		[]string{"outcome"},
	)

	settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Payment outcomes applied to listings",
		},
		[]string{"outcome"},
	)

	payouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payouts_total",
			Help: "Seller payout releases and reversals",
		},
		[]string{"outcome"},
	)

	sweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_runs_total",
			Help: "Periodic sweep executions",
		},
		[]string{"kind", "status"},
	)

	settlementAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_alerts_total",
			Help: "Settlement paths that could not complete and need an operator",
		},
		[]string{"reason"},
	)

	processorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "processor_request_duration_seconds",
			Help:    "Latency of payment processor calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "status"},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"method", "route", "code"},
	)

	heldPayouts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "escrow_held_payouts",
			Help: "Sold listings whose payout was still held at the last sweep",
		},
	)
)

// TrackReservation counts a reservation attempt.
func TrackReservation(outcome string) { reservations.WithLabelValues(outcome).Inc() }

// TrackSettlement counts an applied payment outcome.
func TrackSettlement(outcome string) { settlements.WithLabelValues(outcome).Inc() }

// TrackPayout counts a payout release, reversal or failure.
func TrackPayout(outcome string) { payouts.WithLabelValues(outcome).Inc() }

// TrackSweep counts one sweep pass.
func TrackSweep(kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	sweepRuns.WithLabelValues(kind, status).Inc()
}

// Alert counts a settlement that needs manual attention.  The caller logs
// the details.
func Alert(reason string) { settlementAlerts.WithLabelValues(reason).Inc() }

// TrackProcessorCall records the latency of an external processor call.
func TrackProcessorCall(op string, started time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	processorDuration.WithLabelValues(op, status).Observe(time.Since(started).Seconds())
}

// TrackHTTP counts a served request.
func TrackHTTP(method, route string, code int) {
	httpRequests.WithLabelValues(method, route, statusText(code)).Inc()
}

// SetHeldPayouts publishes the size of the payout backlog.
func SetHeldPayouts(n int) { heldPayouts.Set(float64(n)) }

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
