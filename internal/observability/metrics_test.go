package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsAreExported(t *testing.T) {
	ctx := context.Background()
	m, handler, err := NewMetrics(ctx)
	require.NoError(t, err)

	m.RecordReplicationResult(ctx, "deploy", "created")
	m.RecordReplicationRun(ctx, true, 1.5)
	m.RecordResourceCheck(ctx, false)
	m.RecordWebhookEvent(ctx, "push")
	m.RecordBuildAborted(ctx)
	m.RecordPRReconcileFailure(ctx, "org/app")
	m.RecordTaskDropped(ctx)
	m.RecordQueueSize(ctx, 3)
	m.RecordHTTPRequest(ctx, "POST", "/webhook", 202, 0.01)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	for _, name := range []string{
		`replication_results_total{`,
		`stage="deploy"`,
		`replication_runs_total{`,
		`resource_checks_total{`,
		`webhook_events_total{`,
		`builds_aborted_total`,
		`pr_reconcile_failures_total{`,
		`dispatch_tasks_dropped_total`,
		`dispatch_queue_size`,
		`http_requests_total{`,
	} {
		assert.Contains(t, string(body), name)
	}
}

func TestNopMetrics(t *testing.T) {
	ctx := context.Background()
	m := NewNopMetrics()

	// Should not panic
	m.RecordReplicationResult(ctx, "render", "failed")
	m.RecordReplicationRun(ctx, false, 0)
	m.RecordTaskDropped(ctx)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/webhook", "/webhook"},
		{"/health/", "/health"},
		{"/metrics", "/metrics"},
		{"/", "/"},
		{"/wp-admin", "other"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizePath(tt.input), tt.input)
	}
}
