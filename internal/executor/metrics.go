package executor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	queryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bizq_query_duration_seconds",
		Help:    "Wall-clock time of Execute calls, across all attempts",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	queryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bizq_query_total",
		Help: "Execute calls by outcome and error kind",
	}, []string{"outcome", "kind"})

	queryAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bizq_query_attempts",
		Help:    "Attempts used per Execute call",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	})
)

func ensureRegistered() {
	once.Do(func() {
		prometheus.MustRegister(queryDuration, queryTotal, queryAttempts)
	})
}

// observe records one Execute call.
func observe(d time.Duration, attempts int, success bool, kind ErrorKind) {
	ensureRegistered()
	queryDuration.Observe(d.Seconds())
	queryAttempts.Observe(float64(attempts))
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	queryTotal.WithLabelValues(outcome, string(kind)).Inc()
}

// Collectors exposes the executor collectors for registration with a custom registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{queryDuration, queryTotal, queryAttempts}
}
