package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"ci-replicator/internal/circuitbreaker"
	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/common/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() utils.RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.JitterFactor = 0
	return cfg
}

func TestClient_GetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/teams/main/pipelines", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode([]map[string]string{{"name": "app-master"}})
	}))
	defer server.Close()

	c := NewClient(server.URL+"/", WithBearerToken("secret"), WithLogger(logging.NewNopLogger()))
	var out []map[string]string
	_, err := c.GetJSON(context.Background(), "/api/v1/teams/main/pipelines", url.Values{"page": {"1"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, "app-master", out[0]["name"])
}

func TestClient_SendsJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "reviewed/ok-to-test", body["labels"].([]interface{})[0])
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c := NewClient(server.URL, WithLogger(logging.NewNopLogger()))
	resp, err := c.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/labels",
		Body:   map[string]interface{}{"labels": []string{"reviewed/ok-to-test"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   errors.ErrorType
	}{
		{http.StatusNotFound, errors.ErrTypeNotFound},
		{http.StatusConflict, errors.ErrTypeConflict},
		{http.StatusBadRequest, errors.ErrTypeValidation},
		{http.StatusUnauthorized, errors.ErrTypeBackend},
		{http.StatusInternalServerError, errors.ErrTypeBackend},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer server.Close()

			c := NewClient(server.URL, WithRetryConfig(fastRetry()), WithLogger(logging.NewNopLogger()))
			_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
			require.Error(t, err)
			assert.Equal(t, tt.want, errors.GetType(err))
			assert.Equal(t, tt.status, StatusCode(err))
			se, ok := AsStatusError(err)
			require.True(t, ok)
			assert.Equal(t, "nope", se.Body)
		})
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(server.URL, WithRetryConfig(fastRetry()), WithLogger(logging.NewNopLogger()))
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(server.URL, WithRetryConfig(fastRetry()), WithLogger(logging.NewNopLogger()))
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := circuitbreaker.New("backend", circuitbreaker.Config{
		MaxFailures: 2, Timeout: time.Minute, MaxConcurrentRequests: 1,
	}, logging.NewNopLogger())
	retry := fastRetry()
	retry.MaxAttempts = 1
	c := NewClient(server.URL, WithCircuitBreaker(breaker), WithRetryConfig(retry), WithLogger(logging.NewNopLogger()))

	for i := 0; i < 2; i++ {
		_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"})
		require.Error(t, err)
	}
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"})
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
