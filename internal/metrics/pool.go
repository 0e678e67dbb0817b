// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "userpool_acquisitions_total",
		Help: "Acquisition requests by outcome",
	}, []string{"outcome"}) // outcome=granted|timeout|duplicate|invalid|error

	acquisitionAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "userpool_acquisition_attempts",
		Help:    "Attempts needed per successful acquisition",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})

	shortagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "userpool_shortages_total",
		Help: "Attempt shortages by role",
	}, []string{"role"})

	backoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "userpool_backoff_seconds",
		Help:    "Backoff sleep durations between acquisition attempts",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
	})

	leasedEntities = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "userpool_leased_entities",
		Help: "Entities currently leased, by role",
	}, []string{"role"})

	releasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "userpool_releases_total",
		Help: "Release requests processed",
	})

	releasedEntitiesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "userpool_released_entities_total",
		Help: "Entities returned to the pool by release",
	})

	storeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "userpool_store_errors_total",
		Help: "Store failures by operation",
	}, []string{"op"}) // op=claim|release|execution|availability
)

// RecordAcquisition counts a finished acquisition by outcome.
func RecordAcquisition(outcome string) {
	acquisitionsTotal.WithLabelValues(outcome).Inc()
}

// RecordAcquisitionAttempts observes how many attempts a grant needed.
func RecordAcquisitionAttempts(n int) {
	acquisitionAttempts.Observe(float64(n))
}

// RecordShortage counts a per-role shortage inside an attempt.
func RecordShortage(role string) {
	shortagesTotal.WithLabelValues(role).Inc()
}

// RecordBackoff observes a backoff sleep.
func RecordBackoff(seconds float64) {
	backoffSeconds.Observe(seconds)
}

// AddLeased moves the per-role leased gauge by delta.
func AddLeased(role string, delta int) {
	leasedEntities.WithLabelValues(role).Add(float64(delta))
}

// RecordRelease counts a release call and the rows it freed.
func RecordRelease(released int) {
	releasesTotal.Inc()
	releasedEntitiesTotal.Add(float64(released))
}

// RecordStoreError counts a store-level failure.
func RecordStoreError(op string) {
	storeErrorsTotal.WithLabelValues(op).Inc()
}
