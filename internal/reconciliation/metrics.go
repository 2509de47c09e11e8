package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileAttempted = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ror",
		Subsystem: "reconciliation",
		Name:      "attempted",
		Help:      "Number of settlements re-driven in the last reconciliation run.",
	})

	reconcileReleased = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ror",
		Subsystem: "reconciliation",
		Name:      "released",
		Help:      "Number of payouts released in the last reconciliation run.",
	})

	reconcileRefunds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ror",
		Subsystem: "reconciliation",
		Name:      "refunds_completed",
		Help:      "Number of pending refunds completed in the last reconciliation run.",
	})

	reconcileRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ror",
		Subsystem: "reconciliation",
		Name:      "remaining_failures",
		Help:      "Number of settlements still parked after the last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ror",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ror",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs that ended with an error.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileAttempted,
		reconcileReleased,
		reconcileRefunds,
		reconcileRemaining,
		reconcileDuration,
		reconcileErrors,
	)
}

func observe(r *Report, err error) {
	reconcileAttempted.Set(float64(r.Attempted))
	reconcileReleased.Set(float64(r.Released))
	reconcileRefunds.Set(float64(r.RefundsCompleted))
	reconcileRemaining.Set(float64(len(r.Failures)))
	reconcileDuration.Observe(r.Duration.Seconds())
	if err != nil {
		reconcileErrors.Inc()
	}
}
