package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. All methods are safe on a nil receiver.
type Metrics struct {
	Attestations     *prometheus.CounterVec
	QuorumReached    prometheus.Counter
	Releases         *prometheus.CounterVec
	MessagesReleased prometheus.Counter
	SweepRuns        *prometheus.CounterVec
	SweepResolved    prometheus.Counter
	SweepDuration    prometheus.Histogram
	Notifications    *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Attestations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "afternote_attestations_total",
			Help: "Trustee attestations by outcome",
		}, []string{"outcome"}), // recorded, repeated

		QuorumReached: f.NewCounter(prometheus.CounterOpts{
			Name: "afternote_quorum_reached_total",
			Help: "Episodes that reached trustee quorum",
		}),

		Releases: f.NewCounterVec(prometheus.CounterOpts{
			Name: "afternote_releases_total",
			Help: "Episode releases by path",
		}, []string{"path"}), // trustee, admin, quorum, sweep, retry

		MessagesReleased: f.NewCounter(prometheus.CounterOpts{
			Name: "afternote_messages_released_total",
			Help: "Video messages whose verification gate was opened",
		}),

		SweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "afternote_sweep_runs_total",
			Help: "Scheduled sweep runs by result",
		}, []string{"result"}),

		SweepResolved: f.NewCounter(prometheus.CounterOpts{
			Name: "afternote_sweep_resolved_total",
			Help: "Scheduled episodes resolved automatically",
		}),

		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "afternote_sweep_duration_seconds",
			Help:    "Duration of a sweep run",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),

		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "afternote_notifications_total",
			Help: "Recipient notifications by result",
		}, []string{"result"}), // sent, failed, dropped

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "afternote_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "afternote_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) IncAttestation(outcome string) {
	if m != nil {
		m.Attestations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncQuorumReached() {
	if m != nil {
		m.QuorumReached.Inc()
	}
}

func (m *Metrics) IncRelease(path string, messages int) {
	if m != nil {
		m.Releases.WithLabelValues(path).Inc()
		m.MessagesReleased.Add(float64(messages))
	}
}

func (m *Metrics) ObserveSweep(result string, resolved int, d time.Duration) {
	if m != nil {
		m.SweepRuns.WithLabelValues(result).Inc()
		m.SweepResolved.Add(float64(resolved))
		m.SweepDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) IncNotification(result string) {
	if m != nil {
		m.Notifications.WithLabelValues(result).Inc()
	}
}

// Middleware records request counts and latency keyed by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
