package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_http_requests_total",
			Help: "Total HTTP requests served to the rendering layer",
		}, []string{"code"},
	)
	Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "resolver_http_request_duration_seconds",
		Help:    "Request latency seconds",
		Buckets: prometheus.DefBuckets,
	})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "resolver_http_in_flight",
		Help: "In-flight HTTP requests",
	})

	FetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_fetch_total",
			Help: "Configuration fetches and validations by kind and outcome",
		}, []string{"kind", "outcome"},
	)
	FetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "resolver_fetch_duration_seconds",
		Help:    "Configuration fetch latency seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"kind"})
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_mode_transitions_total",
			Help: "Display mode transitions by target mode and reason",
		}, []string{"mode", "reason"},
	)
	IgnoredTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_ignored_triggers_total",
			Help: "Triggers dropped by the resolver by reason",
		}, []string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal, Latency, InFlight,
		FetchTotal, FetchDuration, Transitions, IgnoredTriggers)
}

func MetricsHandler() http.Handler { return promhttp.Handler() }

// ObserveFetch records one fetch or validation.
func ObserveFetch(kind, outcome string, started time.Time) {
	FetchTotal.WithLabelValues(kind, outcome).Inc()
	FetchDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

type rec struct {
	http.ResponseWriter
	code int
}

func (r *rec) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func Measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		InFlight.Inc()
		defer InFlight.Dec()

		rr := &rec{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rr, r)

		Latency.Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(strconv.Itoa(rr.code)).Inc()
	})
}
