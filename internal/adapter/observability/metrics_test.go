package observability_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compute-marketplace/internal/adapter/observability"
)

var initOnce sync.Once

func initMetrics() {
	initOnce.Do(observability.InitMetrics)
}

func TestHTTPMetricsMiddleware_RecordsRequest(t *testing.T) {
	initMetrics()
	h := observability.HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/available", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}

func TestObserveBalancer_SetsGauges(t *testing.T) {
	initMetrics()
	observability.ObserveBalancer(3, 2, 1, 4)
	observability.ObservePayment("confirmed")
	observability.ObservePayment("failed")
}

func TestInitMetrics_SecondCallPanics(t *testing.T) {
	initMetrics()
	require.Panics(t, func() { observability.InitMetrics() })
}
