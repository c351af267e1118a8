package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.IncAttestation("recorded")
	m.IncQuorumReached()
	m.IncRelease("trustee", 2)
	m.ObserveSweep("ok", 1, time.Second)
	m.IncNotification("sent")
	h := m.Middleware(http.NotFoundHandler())
	require.NotNil(t, h)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.IncAttestation("recorded")
	m.IncAttestation("recorded")
	m.IncAttestation("repeated")
	m.IncRelease("sweep", 3)
	m.ObserveSweep("ok", 2, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Attestations.WithLabelValues("recorded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attestations.WithLabelValues("repeated")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.MessagesReleased))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SweepResolved))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/verifications/{subject_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", Handler(reg))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verifications/u1", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/verifications/{subject_id}", "418")))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "afternote_http_requests_total"))
}
