// Package observability provides the OpenTelemetry metrics collector and the
// Prometheus scrape endpoint for workers and the API server.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"orchard/internal/shared/async"
	"orchard/internal/shared/logging"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all scheduling metrics. The zero value (returned
// when metrics are disabled) is a safe no-op.
type MetricsCollector struct {
	meter metric.Meter

	// Claim path
	claims       metric.Int64Counter
	claimLatency metric.Float64Histogram

	// Lease lifecycle
	leaseRenewals     metric.Int64Counter
	recoveryRecovered metric.Int64Counter
	recoveryExhausted metric.Int64Counter

	// Task outcomes
	taskCompletions metric.Int64Counter
	taskDuration    metric.Float64Histogram
	tokensInput     metric.Int64Counter
	tokensOutput    metric.Int64Counter
	costTotal       metric.Float64Counter

	// Worker lifecycle
	workerTransitions metric.Int64Counter

	// Workflows
	workflowIterations metric.Int64Histogram
	workflowOutcomes   metric.Int64Counter

	// HTTP API
	httpRequests metric.Int64Counter
	httpLatency  metric.Float64Histogram

	prometheusServer *http.Server
}

// Config configures the metrics collector.
type Config struct {
	Enabled        bool
	PrometheusPort int
}

// NewMetricsCollector builds the collector and, when a port is configured,
// starts the Prometheus scrape server.
func NewMetricsCollector(config Config) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("orchard")

	m := &MetricsCollector{meter: meter}

	if m.claims, err = meter.Int64Counter(
		"orchard.claims.total",
		metric.WithDescription("Claim attempts by outcome"),
		metric.WithUnit("{claim}"),
	); err != nil {
		return nil, fmt.Errorf("create claims counter: %w", err)
	}
	if m.claimLatency, err = meter.Float64Histogram(
		"orchard.claim.latency",
		metric.WithDescription("Claim query latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create claim latency histogram: %w", err)
	}
	if m.leaseRenewals, err = meter.Int64Counter(
		"orchard.lease.renewals.total",
		metric.WithDescription("Lease renewal attempts by outcome"),
		metric.WithUnit("{renewal}"),
	); err != nil {
		return nil, fmt.Errorf("create lease renewals counter: %w", err)
	}
	if m.recoveryRecovered, err = meter.Int64Counter(
		"orchard.recovery.recovered.total",
		metric.WithDescription("Expired leases returned to pending"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, fmt.Errorf("create recovery recovered counter: %w", err)
	}
	if m.recoveryExhausted, err = meter.Int64Counter(
		"orchard.recovery.exhausted.total",
		metric.WithDescription("Expired leases failed for spent retry budget"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, fmt.Errorf("create recovery exhausted counter: %w", err)
	}
	if m.taskCompletions, err = meter.Int64Counter(
		"orchard.tasks.completed.total",
		metric.WithDescription("Terminal task writes by status and kind class"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, fmt.Errorf("create task completions counter: %w", err)
	}
	if m.taskDuration, err = meter.Float64Histogram(
		"orchard.task.duration",
		metric.WithDescription("Claim-to-terminal duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create task duration histogram: %w", err)
	}
	if m.tokensInput, err = meter.Int64Counter(
		"orchard.tokens.input",
		metric.WithDescription("Input tokens consumed by agent executions"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("create input tokens counter: %w", err)
	}
	if m.tokensOutput, err = meter.Int64Counter(
		"orchard.tokens.output",
		metric.WithDescription("Output tokens produced by agent executions"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("create output tokens counter: %w", err)
	}
	if m.costTotal, err = meter.Float64Counter(
		"orchard.cost.total",
		metric.WithDescription("Accumulated execution cost"),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, fmt.Errorf("create cost counter: %w", err)
	}
	if m.workerTransitions, err = meter.Int64Counter(
		"orchard.worker.transitions.total",
		metric.WithDescription("Worker lifecycle state transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, fmt.Errorf("create worker transitions counter: %w", err)
	}
	if m.workflowIterations, err = meter.Int64Histogram(
		"orchard.workflow.iterations",
		metric.WithDescription("Iterations executed per finished workflow"),
		metric.WithUnit("{iteration}"),
	); err != nil {
		return nil, fmt.Errorf("create workflow iterations histogram: %w", err)
	}
	if m.workflowOutcomes, err = meter.Int64Counter(
		"orchard.workflow.outcomes.total",
		metric.WithDescription("Finished workflows by convergence outcome"),
		metric.WithUnit("{workflow}"),
	); err != nil {
		return nil, fmt.Errorf("create workflow outcomes counter: %w", err)
	}
	if m.httpRequests, err = meter.Int64Counter(
		"orchard.http.requests.total",
		metric.WithDescription("HTTP requests handled by the API server"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("create http requests counter: %w", err)
	}
	if m.httpLatency, err = meter.Float64Histogram(
		"orchard.http.latency",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create http latency histogram: %w", err)
	}

	if config.PrometheusPort > 0 {
		if err := m.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartPrometheusServer serves /metrics for Prometheus scraping.
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	logger := logging.NewComponentLogger("PrometheusMetrics")
	async.Go(logger, "observability.prometheus", func() {
		logger.Info("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Prometheus server error: %v", err)
		}
	})
	return nil
}

// Shutdown stops the scrape server.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m != nil && m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordClaim records one claim attempt. outcome is claimed, recovered, or
// empty.
func (m *MetricsCollector) RecordClaim(ctx context.Context, outcome string, latency time.Duration) {
	if m == nil || m.claims == nil {
		return
	}
	m.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.claimLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordLeaseRenewal records a renewal attempt. outcome is ok or lost.
func (m *MetricsCollector) RecordLeaseRenewal(ctx context.Context, outcome string) {
	if m == nil || m.leaseRenewals == nil {
		return
	}
	m.leaseRenewals.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRecovery records the result of one recovery sweep.
func (m *MetricsCollector) RecordRecovery(ctx context.Context, recovered, exhausted int) {
	if m == nil || m.recoveryRecovered == nil {
		return
	}
	if recovered > 0 {
		m.recoveryRecovered.Add(ctx, int64(recovered))
	}
	if exhausted > 0 {
		m.recoveryExhausted.Add(ctx, int64(exhausted))
	}
}

// RecordTaskCompletion records a terminal write with its execution usage.
func (m *MetricsCollector) RecordTaskCompletion(ctx context.Context, status, kindClass string, duration time.Duration, inputTokens, outputTokens int64, cost float64) {
	if m == nil || m.taskCompletions == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("status", status),
		attribute.String("kind_class", kindClass),
	}
	m.taskCompletions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.taskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if inputTokens > 0 {
		m.tokensInput.Add(ctx, inputTokens, metric.WithAttributes(attribute.String("kind_class", kindClass)))
	}
	if outputTokens > 0 {
		m.tokensOutput.Add(ctx, outputTokens, metric.WithAttributes(attribute.String("kind_class", kindClass)))
	}
	if cost > 0 {
		m.costTotal.Add(ctx, cost, metric.WithAttributes(attribute.String("kind_class", kindClass)))
	}
}

// RecordWorkerTransition records one lifecycle state change.
func (m *MetricsCollector) RecordWorkerTransition(ctx context.Context, from, to string) {
	if m == nil || m.workerTransitions == nil {
		return
	}
	m.workerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordWorkflowFinished records a finished workflow run.
func (m *MetricsCollector) RecordWorkflowFinished(ctx context.Context, workflowName string, iterations int, converged bool) {
	if m == nil || m.workflowIterations == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("workflow", workflowName),
		attribute.Bool("converged", converged),
	}
	m.workflowIterations.Record(ctx, int64(iterations), metric.WithAttributes(attribute.String("workflow", workflowName)))
	m.workflowOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordHTTPRequest records one API request lifecycle.
func (m *MetricsCollector) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	))
	m.httpLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
	))
}
