package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "staging_jobs_submitted_total", Help: "Jobs dispatched to a provider"}, []string{"provider", "mode"})
	JobsCompleted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "staging_jobs_completed_total", Help: "Jobs that reached completed"}, []string{"provider"})
	JobsFailed        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "staging_jobs_failed_total", Help: "Jobs that reached failed"}, []string{"provider"})
	ProviderFallbacks = prometheus.NewCounter(prometheus.CounterOpts{Name: "staging_provider_fallbacks_total", Help: "Selections that skipped the preferred provider"})
	CreditsDeducted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "staging_credits_deducted_total", Help: "Credits charged for completed jobs"})
	ChargesRefused    = prometheus.NewCounter(prometheus.CounterOpts{Name: "staging_charges_refused_total", Help: "Completed jobs whose charge the ledger refused"})
	DuplicateFinalize = prometheus.NewCounter(prometheus.CounterOpts{Name: "staging_finalize_duplicates_total", Help: "Finalize attempts on jobs that were no longer processing"})
	WebhookRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "staging_webhook_rejects_total", Help: "Webhook deliveries rejected by signature verification"})
	PollThrottled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "staging_poll_throttled_total", Help: "Vendor status queries skipped by the poll throttle"})
	ReconcileExpired  = prometheus.NewCounter(prometheus.CounterOpts{Name: "staging_reconcile_expired_total", Help: "Jobs failed by the reconcile worker after timing out"})
	ReconcileDepth    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "staging_reconcile_queue_depth", Help: "Ready reconcile checks"})
	ReconcileInFlight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "staging_reconcile_inflight", Help: "Reconcile checks currently leased"})
	ProcessingSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "staging_job_processing_seconds",
		Help:    "Wall-clock time from submission to a terminal state",
		Buckets: []float64{1, 2, 5, 10, 20, 45, 90, 180, 600, 1800},
	}, []string{"provider", "status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			ProviderFallbacks,
			CreditsDeducted,
			ChargesRefused,
			DuplicateFinalize,
			WebhookRejects,
			PollThrottled,
			ReconcileExpired,
			ReconcileDepth,
			ReconcileInFlight,
			ProcessingSeconds,
		)
	})
	return promhttp.Handler()
}
