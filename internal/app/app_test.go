package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/config"
	"ci-replicator/internal/dispatch"
	"ci-replicator/internal/handlers"
	"ci-replicator/internal/observability"
	"ci-replicator/internal/render"
)

const definitions = `
app:
  base_definition:
    steps:
      build:
        image: golang:1.24
        execute: [make, build]
      test:
        image: golang:1.24
        depends: [build]
    traits:
      version: {}
  jobs:
    head-update:
      traits:
        release: {}
`

const ciConfig = `
backends:
  - name: central
    url: https://concourse.example.com
    team_credentials:
      main:
        token: t0ken
github:
  - host: github.com
    api_url: https://api.github.com
    token: gh-token
job_mappings:
  - name: main
    team: main
    backend: central
    github_orgs:
      - name: gardener
        host: github.com
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRenderFile(t *testing.T) {
	path := writeFile(t, "pipelines.yaml", definitions)

	var out bytes.Buffer
	require.NoError(t, RenderFile(&out, render.Options{Logger: logging.NewNopLogger()}, path, "master", "org/app"))

	text := out.String()
	assert.True(t, strings.HasPrefix(text, "# pipeline: app-master"))
	assert.Contains(t, text, "head-update")
}

func TestRenderFile_Errors(t *testing.T) {
	var out bytes.Buffer

	err := RenderFile(&out, render.Options{Logger: logging.NewNopLogger()}, "", "master", "")
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))

	err = RenderFile(&out, render.Options{Logger: logging.NewNopLogger()},
		filepath.Join(t.TempDir(), "missing.yaml"), "master", "")
	assert.True(t, errors.IsType(err, errors.ErrTypeDefinition))
	assert.Contains(t, out.String(), "missing.yaml")
}

type acceptingDispatcher struct{}

func (acceptingDispatcher) Dispatch(context.Context, dispatch.Delivery) error { return nil }

func TestSetupRoutes(t *testing.T) {
	h := handlers.New(handlers.Options{
		Dispatcher: acceptingDispatcher{},
		Replicate:  func() (string, error) { return "task-1", nil },
		Logger:     logging.NewNopLogger(),
	})
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics"))
	})

	router := mux.NewRouter()
	SetupRoutes(router, h, metrics, nil, logging.NewNopLogger(), observability.NewNopMetrics())

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodPost, "/replicate", http.StatusAccepted},
		{http.MethodGet, "/webhook", http.StatusMethodNotAllowed},
		{http.MethodGet, "/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"zen":"hi"}`))
	req.Header.Set(handlers.HeaderEvent, "ping")
	req.Header.Set(handlers.HeaderDelivery, "d-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestNew_WiresServer(t *testing.T) {
	cfg := config.Load()
	cfg.CIConfigPath = writeFile(t, "ci-config.yaml", ciConfig)
	cfg.WebhookRateLimit = 1

	app, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Cleanup()
	defer app.Shutdown(context.Background())

	_, handler := app.RunServer()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	ping := func() int {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
		req.Header.Set(handlers.HeaderEvent, "ping")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusAccepted, ping())
	assert.Equal(t, http.StatusTooManyRequests, ping())
}

func TestNew_RejectsBadKeepExpression(t *testing.T) {
	cfg := config.Load()
	cfg.CIConfigPath = writeFile(t, "ci-config.yaml", ciConfig)
	cfg.KeepPipelinesExpr = "name startsWith"

	_, err := New(context.Background(), cfg)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}
