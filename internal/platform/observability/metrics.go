package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Metrics holds all application metrics
type Metrics struct {
	meter metric.Meter

	// RPC / backfill metrics
	RPCEndpointHealth metric.Int64Gauge
	BackfillCalls     metric.Int64Counter
	BackfillChunkSize metric.Int64Histogram
	BackfillDuration  metric.Float64Histogram
	LogsFetched       metric.Int64Counter

	// Trade normalization metrics
	TradesParsed metric.Int64Counter
	LogsSkipped  metric.Int64Counter

	// Candle metrics
	CandleBuildDuration metric.Float64Histogram

	// Quote metrics
	QuotesComputed metric.Int64Counter

	// Trade execution metrics
	ApprovalsSent      metric.Int64Counter
	PreflightFailures  metric.Int64Counter
	TradesSubmitted    metric.Int64Counter
	TradeOutcomes      metric.Int64Counter

	// Cache metrics
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// Websocket metrics
	StreamClients metric.Int64Gauge

	// Error metrics
	Errors metric.Int64Counter

	exporter *prometheus.Exporter
}

// NewMetrics creates a new Metrics instance
func NewMetrics(serviceName string, enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	m := &Metrics{
		meter:    provider.Meter(serviceName),
		exporter: exporter,
	}

	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return m, nil
}

// initMetrics initializes all metric instruments
func (m *Metrics) initMetrics() error {
	var err error

	m.RPCEndpointHealth, err = m.meter.Int64Gauge(
		"rpc_endpoint_health",
		metric.WithDescription("RPC endpoint health (1=live, 0=dead)"),
	)
	if err != nil {
		return err
	}

	m.BackfillCalls, err = m.meter.Int64Counter(
		"backfill_calls_total",
		metric.WithDescription("Number of eth_getLogs calls issued by the backfiller"),
	)
	if err != nil {
		return err
	}

	m.BackfillChunkSize, err = m.meter.Int64Histogram(
		"backfill_chunk_size_blocks",
		metric.WithDescription("Adaptive block window size per backfill call"),
	)
	if err != nil {
		return err
	}

	m.BackfillDuration, err = m.meter.Float64Histogram(
		"backfill_duration_seconds",
		metric.WithDescription("Duration of full backfill walks"),
	)
	if err != nil {
		return err
	}

	m.LogsFetched, err = m.meter.Int64Counter(
		"logs_fetched_total",
		metric.WithDescription("Raw logs returned by backfill walks"),
	)
	if err != nil {
		return err
	}

	m.TradesParsed, err = m.meter.Int64Counter(
		"trades_parsed_total",
		metric.WithDescription("Logs successfully normalized into trades"),
	)
	if err != nil {
		return err
	}

	m.LogsSkipped, err = m.meter.Int64Counter(
		"logs_skipped_total",
		metric.WithDescription("Logs that matched no known event schema"),
	)
	if err != nil {
		return err
	}

	m.CandleBuildDuration, err = m.meter.Float64Histogram(
		"candle_build_duration_seconds",
		metric.WithDescription("Duration of candle series construction"),
	)
	if err != nil {
		return err
	}

	m.QuotesComputed, err = m.meter.Int64Counter(
		"quotes_computed_total",
		metric.WithDescription("Buy/sell quotes computed"),
	)
	if err != nil {
		return err
	}

	m.ApprovalsSent, err = m.meter.Int64Counter(
		"approvals_sent_total",
		metric.WithDescription("ERC-20 approval transactions sent"),
	)
	if err != nil {
		return err
	}

	m.PreflightFailures, err = m.meter.Int64Counter(
		"preflight_failures_total",
		metric.WithDescription("Transactions rejected by preflight checks"),
	)
	if err != nil {
		return err
	}

	m.TradesSubmitted, err = m.meter.Int64Counter(
		"trades_submitted_total",
		metric.WithDescription("Buy/sell transactions submitted to the chain"),
	)
	if err != nil {
		return err
	}

	m.TradeOutcomes, err = m.meter.Int64Counter(
		"trade_outcomes_total",
		metric.WithDescription("Terminal trade outcomes by kind"),
	)
	if err != nil {
		return err
	}

	m.CacheHits, err = m.meter.Int64Counter(
		"cache_hits_total",
		metric.WithDescription("Cache hits"),
	)
	if err != nil {
		return err
	}

	m.CacheMisses, err = m.meter.Int64Counter(
		"cache_misses_total",
		metric.WithDescription("Cache misses"),
	)
	if err != nil {
		return err
	}

	m.StreamClients, err = m.meter.Int64Gauge(
		"stream_clients",
		metric.WithDescription("Connected websocket trade-stream clients"),
	)
	if err != nil {
		return err
	}

	m.Errors, err = m.meter.Int64Counter(
		"errors_total",
		metric.WithDescription("Errors by component"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordEndpointHealth records the health of an RPC endpoint
func (m *Metrics) RecordEndpointHealth(ctx context.Context, url string, healthy bool) {
	if m.RPCEndpointHealth == nil {
		return
	}
	v := int64(0)
	if healthy {
		v = 1
	}
	m.RPCEndpointHealth.Record(ctx, v, metric.WithAttributes(attribute.String("url", url)))
}

// RecordBackfillCall records a single eth_getLogs call and its window size
func (m *Metrics) RecordBackfillCall(ctx context.Context, chunkSize uint64, ok bool) {
	if m.BackfillCalls == nil {
		return
	}
	m.BackfillCalls.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", ok)))
	m.BackfillChunkSize.Record(ctx, int64(chunkSize))
}

// RecordBackfill records a completed backfill walk
func (m *Metrics) RecordBackfill(ctx context.Context, logs int, duration time.Duration) {
	if m.LogsFetched == nil {
		return
	}
	m.LogsFetched.Add(ctx, int64(logs))
	m.BackfillDuration.Record(ctx, duration.Seconds())
}

// RecordTradeParsed records a normalized trade by kind
func (m *Metrics) RecordTradeParsed(ctx context.Context, kind string) {
	if m.TradesParsed == nil {
		return
	}
	m.TradesParsed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordLogSkipped records a log that decoded against no known schema
func (m *Metrics) RecordLogSkipped(ctx context.Context) {
	if m.LogsSkipped == nil {
		return
	}
	m.LogsSkipped.Add(ctx, 1)
}

// RecordCandleBuild records the duration of a candle series construction
func (m *Metrics) RecordCandleBuild(ctx context.Context, duration time.Duration) {
	if m.CandleBuildDuration == nil {
		return
	}
	m.CandleBuildDuration.Record(ctx, duration.Seconds())
}

// RecordQuote records a computed quote
func (m *Metrics) RecordQuote(ctx context.Context, side string, quotable bool) {
	if m.QuotesComputed == nil {
		return
	}
	m.QuotesComputed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("side", side),
		attribute.Bool("quotable", quotable),
	))
}

// RecordApproval records an approval transaction by step (direct, revoke, grant)
func (m *Metrics) RecordApproval(ctx context.Context, step string) {
	if m.ApprovalsSent == nil {
		return
	}
	m.ApprovalsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}

// RecordPreflightFailure records a preflight rejection by reason
func (m *Metrics) RecordPreflightFailure(ctx context.Context, reason string) {
	if m.PreflightFailures == nil {
		return
	}
	m.PreflightFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTradeSubmitted records a submitted trade transaction
func (m *Metrics) RecordTradeSubmitted(ctx context.Context, side string) {
	if m.TradesSubmitted == nil {
		return
	}
	m.TradesSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("side", side)))
}

// RecordTradeOutcome records a terminal trade outcome
func (m *Metrics) RecordTradeOutcome(ctx context.Context, outcome string) {
	if m.TradeOutcomes == nil {
		return
	}
	m.TradeOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCacheHit records a cache hit or miss for a cache layer
func (m *Metrics) RecordCacheHit(ctx context.Context, layer string, hit bool) {
	if m.CacheHits == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("layer", layer))
	if hit {
		m.CacheHits.Add(ctx, 1, attrs)
	} else {
		m.CacheMisses.Add(ctx, 1, attrs)
	}
}

// RecordStreamClients records the number of connected stream clients
func (m *Metrics) RecordStreamClients(ctx context.Context, n int) {
	if m.StreamClients == nil {
		return
	}
	m.StreamClients.Record(ctx, int64(n))
}

// RecordError records an error by component
func (m *Metrics) RecordError(ctx context.Context, component string) {
	if m.Errors == nil {
		return
	}
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}
