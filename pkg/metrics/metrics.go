package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Fact pipeline metrics
	FactsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_facts_ingested_total",
			Help: "Raw facts accepted into the fact store",
		},
		[]string{"fact_type"},
	)

	FactsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metering_facts_deduplicated_total",
			Help: "Raw facts ignored because their dedup key was already stored",
		},
	)

	FactsQuarantined = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_facts_quarantined_total",
			Help: "Raw facts quarantined by validation",
		},
		[]string{"reason"},
	)

	// Derivation metrics
	WindowsDerived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metering_windows_derived_total",
			Help: "Meter windows derived or recomputed",
		},
	)

	ReadingsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_readings_upserted_total",
			Help: "Meter readings written by the deriver",
		},
		[]string{"meter_key"},
	)

	// Rating metrics
	RatingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_rating_runs_total",
			Help: "Rating runs by result",
		},
		[]string{"result"},
	)

	RatingRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metering_rating_run_duration_seconds",
			Help:    "Duration of rating runs",
			Buckets: prometheus.DefBuckets,
		},
	)

	CustomerSubtotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "metering_customer_subtotal_usd",
			Help: "Latest rated subtotal per customer",
		},
		[]string{"customer_id"},
	)

	CustomerMargin = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "metering_customer_margin_usd",
			Help: "Latest rated margin per customer",
		},
		[]string{"customer_id"},
	)

	UnallocatedCOGS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metering_unallocated_cogs_usd",
			Help: "Cost not attributable to any workflow run",
		},
	)

	// Export metrics
	ExportAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_export_attempts_total",
			Help: "Billing backend push attempts by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordRatingRun records the outcome and duration of a rating run
func RecordRatingRun(result string, seconds float64) {
	RatingRuns.WithLabelValues(result).Inc()
	RatingRunDuration.Observe(seconds)
}

// UpdateCustomerFinancials updates per-customer revenue gauges
func UpdateCustomerFinancials(customerID string, subtotal, margin float64) {
	CustomerSubtotal.WithLabelValues(customerID).Set(subtotal)
	CustomerMargin.WithLabelValues(customerID).Set(margin)
}
