// Package metrics exposes Prometheus instrumentation for the sync engine,
// token cache, and annotation worker.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles all certview-mirror counters and gauges.
type Metrics struct {
	SweepPagesTotal     *prometheus.CounterVec
	SweepRecordsTotal   prometheus.Counter
	SweepWindowsTotal   prometheus.Counter
	SweepStatus         prometheus.Gauge
	TokenRefreshesTotal *prometheus.CounterVec
	RetryAttemptsTotal  *prometheus.CounterVec
	AnnotationsApplied  prometheus.Counter
}

var (
	instance *Metrics
	once     sync.Once
)

// New returns the process-wide Metrics instance, registering it with the
// default Prometheus registry on first call.
func New() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			SweepPagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "certview_mirror",
				Subsystem: "sync",
				Name:      "pages_total",
				Help:      "Pages fetched from the CertView list endpoint, by outcome.",
			}, []string{"outcome"}),

			SweepRecordsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "certview_mirror",
				Subsystem: "sync",
				Name:      "records_total",
				Help:      "Certificate records persisted across all sweeps.",
			}),

			SweepWindowsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "certview_mirror",
				Subsystem: "sync",
				Name:      "windows_total",
				Help:      "Time windows fully processed by the sync engine.",
			}),

			SweepStatus: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "certview_mirror",
				Subsystem: "sync",
				Name:      "status",
				Help:      "Current sync engine status: 0=STOPPED 1=RUNNING 2=COMPLETED 3=ERROR.",
			}),

			TokenRefreshesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "certview_mirror",
				Subsystem: "auth",
				Name:      "token_refreshes_total",
				Help:      "Auth token fetches, by outcome.",
			}, []string{"outcome"}),

			RetryAttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "certview_mirror",
				Subsystem: "resilience",
				Name:      "retry_attempts_total",
				Help:      "Retry attempts across the token cache and API client, by operation.",
			}, []string{"operation"}),

			AnnotationsApplied: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "certview_mirror",
				Subsystem: "annotate",
				Name:      "applied_total",
				Help:      "Certificates newly mapped to MIP by the annotation worker.",
			}),
		}
	})
	return instance
}

// StatusValue maps a SyncStatus string to the gauge encoding used by SweepStatus.
func StatusValue(status string) float64 {
	switch status {
	case "STOPPED":
		return 0
	case "RUNNING":
		return 1
	case "COMPLETED":
		return 2
	case "ERROR":
		return 3
	default:
		return -1
	}
}
