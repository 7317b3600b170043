package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsScheduled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_scheduled_total", Help: "Jobs armed in the store"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_cancelled_total", Help: "Jobs removed before firing"})
	JobsFired        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_fired_total", Help: "Handler invocations for due jobs"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Handler invocations that failed (dead-lettered, no retry)"})
	PaymentsCreated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "payments_created_total", Help: "Payments created"})
	PaymentsReleased = prometheus.NewCounter(prometheus.CounterOpts{Name: "payments_released_total", Help: "Payments transitioned to released"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	TriggerDepth     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_trigger_depth", Help: "Pending triggers awaiting their fire-at"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsScheduled,
			JobsCancelled,
			JobsFired,
			JobsFailed,
			PaymentsCreated,
			PaymentsReleased,
			RateLimitRejects,
			TriggerDepth,
		)
	})
	return promhttp.Handler()
}
