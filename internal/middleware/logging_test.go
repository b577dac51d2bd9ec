package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/observability"
)

func TestLogging_RecordsRequests(t *testing.T) {
	metrics, metricsHandler, err := observability.NewMetrics(context.Background())
	require.NoError(t, err)

	router := mux.NewRouter()
	router.Use(Logging(logging.NewNopLogger(), metrics))
	router.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	scrape := httptest.NewRecorder()
	metricsHandler.ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(scrape.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `path="/webhook"`)
	assert.Contains(t, string(body), `status="2xx"`)
	assert.Contains(t, string(body), `path="/health"`)
}

func TestResponseWriter_CapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusServiceUnavailable)

	assert.Equal(t, http.StatusServiceUnavailable, rw.statusCode)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRoutePath_Unmatched(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	assert.Equal(t, "unmatched", routePath(req))
}
