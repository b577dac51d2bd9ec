package observability

import (
	"context"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the instruments of the replicator and the webhook dispatcher
type Metrics struct {
	meter metric.Meter

	// Replication
	ReplicationResults  metric.Int64Counter
	ReplicationRuns     metric.Int64Counter
	ReplicationDuration metric.Float64Histogram
	ResourceChecks      metric.Int64Counter

	// Dispatch
	WebhookEvents        metric.Int64Counter
	BuildsAborted        metric.Int64Counter
	PRReconcileFailures  metric.Int64Counter
	DispatchTasksDropped metric.Int64Counter
	DispatchQueueSize    metric.Int64Gauge

	// HTTP
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
}

// NewMetrics creates the instruments on a Prometheus exporter with its own registry and
// returns the handler serving it
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter("ci-replicator"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// NewNopMetrics returns instruments that record nothing
func NewNopMetrics() *Metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter("ci-replicator"))
	return m
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	m.ReplicationResults, err = meter.Int64Counter(
		"replication_results",
		metric.WithDescription("Descriptors processed per stage and final status"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplicationRuns, err = meter.Int64Counter(
		"replication_runs",
		metric.WithDescription("Completed replication runs"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplicationDuration, err = meter.Float64Histogram(
		"replication_duration_seconds",
		metric.WithDescription("Duration of replication runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800),
	)
	if err != nil {
		return nil, err
	}

	m.ResourceChecks, err = meter.Int64Counter(
		"resource_checks",
		metric.WithDescription("Resource checks triggered on the CI backend"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookEvents, err = meter.Int64Counter(
		"webhook_events",
		metric.WithDescription("Webhook deliveries accepted per event type"),
	)
	if err != nil {
		return nil, err
	}

	m.BuildsAborted, err = meter.Int64Counter(
		"builds_aborted",
		metric.WithDescription("Obsolete builds aborted after a push"),
	)
	if err != nil {
		return nil, err
	}

	m.PRReconcileFailures, err = meter.Int64Counter(
		"pr_reconcile_failures",
		metric.WithDescription("Pull request versions that never appeared on the CI backend"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchTasksDropped, err = meter.Int64Counter(
		"dispatch_tasks_dropped",
		metric.WithDescription("Webhook tasks rejected because the queue was full"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchQueueSize, err = meter.Int64Gauge(
		"dispatch_queue_size",
		metric.WithDescription("Webhook tasks waiting for a worker"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests",
		metric.WithDescription("HTTP requests served"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordReplicationResult counts one descriptor outcome
func (m *Metrics) RecordReplicationResult(ctx context.Context, stage, status string) {
	m.ReplicationResults.Add(ctx, 1, metric.WithAttributes(stageAttr(stage), statusAttr(status)))
}

// RecordReplicationRun records a finished run
func (m *Metrics) RecordReplicationRun(ctx context.Context, ok bool, durationSeconds float64) {
	attrs := metric.WithAttributes(resultAttr(resultLabel(ok)))
	m.ReplicationRuns.Add(ctx, 1, attrs)
	m.ReplicationDuration.Record(ctx, durationSeconds, attrs)
}

// RecordResourceCheck records the outcome of a resource check
func (m *Metrics) RecordResourceCheck(ctx context.Context, ok bool) {
	m.ResourceChecks.Add(ctx, 1, metric.WithAttributes(resultAttr(resultLabel(ok))))
}

// RecordWebhookEvent counts an accepted delivery
func (m *Metrics) RecordWebhookEvent(ctx context.Context, event string) {
	m.WebhookEvents.Add(ctx, 1, metric.WithAttributes(eventAttr(event)))
}

// RecordBuildAborted counts an aborted build
func (m *Metrics) RecordBuildAborted(ctx context.Context) {
	m.BuildsAborted.Add(ctx, 1)
}

// RecordPRReconcileFailure counts a pull request whose version never showed up
func (m *Metrics) RecordPRReconcileFailure(ctx context.Context, repository string) {
	m.PRReconcileFailures.Add(ctx, 1, metric.WithAttributes(repositoryAttr(repository)))
}

// RecordTaskDropped counts a rejected webhook task
func (m *Metrics) RecordTaskDropped(ctx context.Context) {
	m.DispatchTasksDropped.Add(ctx, 1)
}

// RecordQueueSize records the number of waiting webhook tasks
func (m *Metrics) RecordQueueSize(ctx context.Context, size int64) {
	m.DispatchQueueSize.Record(ctx, size)
}

// RecordHTTPRequest records one served request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(methodAttr(method), pathAttr(path), httpStatusAttr(statusCode))
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
}
