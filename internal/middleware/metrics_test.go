package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordsRoutePattern(t *testing.T) {
	m := observability.NewMetrics("test", prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(Metrics(m))
	r.Post("/api/v1/agent/commands/{id}/report", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/commands/c-1/report", nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	got := promtest.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/api/v1/agent/commands/{id}/report", "200"))
	assert.Equal(t, float64(2), got)
	assert.Equal(t, 1, promtest.CollectAndCount(m.HTTPRequestDuration))
}

func TestMetrics_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
	}{
		{"200 OK", http.StatusOK},
		{"204 No Content", http.StatusNoContent},
		{"409 Conflict", http.StatusConflict},
		{"500 Internal Server Error", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := observability.NewMetrics("test", prometheus.NewRegistry())
			r := chi.NewRouter()
			r.Use(Metrics(m))
			r.Get("/test", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			})

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

			assert.Equal(t, tt.statusCode, w.Code)
			assert.Equal(t, float64(1), promtest.ToFloat64(
				m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/test", strconv.Itoa(tt.statusCode))))
		})
	}
}

func TestMetrics_UnmatchedRoutesShareLabel(t *testing.T) {
	m := observability.NewMetrics("test", prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(Metrics(m))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {})

	for _, p := range []string{"/wp-login.php", "/.env", "/admin"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	assert.Equal(t, float64(3), promtest.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, unmatchedRoute, "404")))
}

func TestStatusWriter(t *testing.T) {
	w := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

	sw.Write([]byte("test"))
	assert.Equal(t, http.StatusOK, sw.statusCode)

	w = httptest.NewRecorder()
	sw = &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
	sw.WriteHeader(http.StatusCreated)
	assert.Equal(t, http.StatusCreated, sw.statusCode)
	assert.Equal(t, http.StatusCreated, w.Code)
}
