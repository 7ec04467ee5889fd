package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/archives/{key}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("DELETE", "405"))
	beforeOK := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "204"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/archives/abc", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/archives/abc", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	require.Equal(t, beforeOK+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "204")))
	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("DELETE", "405")))
}

func TestStatusRecorderKeepsFirstStatus(t *testing.T) {
	t.Parallel()

	inner := httptest.NewRecorder()
	rec := &StatusRecorder{ResponseWriter: inner, Status: http.StatusOK}
	_, err := rec.Write([]byte("hello"))
	require.NoError(t, err)
	rec.WriteHeader(http.StatusTeapot)
	require.Equal(t, http.StatusOK, rec.Status)
	require.Same(t, http.ResponseWriter(inner), rec.Unwrap())
}

func TestStatusRecorderHijackUnsupported(t *testing.T) {
	t.Parallel()

	rec := &StatusRecorder{ResponseWriter: httptest.NewRecorder(), Status: http.StatusOK}
	_, _, err := rec.Hijack()
	require.Error(t, err)
	require.Equal(t, http.StatusOK, rec.Status)
	rec.Flush()
}
