package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsStatusAndRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Get("/teapot", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, path := range []string{"/items/1", "/items/2", "/teapot"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Equal(t, float64(2), testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "202")))
	require.Equal(t, float64(1), testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")))
	require.Equal(t, 2, testutil.CollectAndCount(httpRequestDurationSeconds), "one series per route pattern")
}
