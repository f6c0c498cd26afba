package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.38.0"
)

const (
	meterName = "github.com/ghrelease/release-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	metadataLookupsTotal metric.Int64Counter
	blobLookupsTotal     metric.Int64Counter
	blobEvictionsTotal   metric.Int64Counter

	downloadsInFlight metric.Int64UpDownCounter
	rateLimitedTotal  metric.Int64Counter

	snapshotsTotal   metric.Int64Counter
	snapshotDuration metric.Float64Histogram

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "release-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"release_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"release_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"release_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	metadataLookupsTotal, err := meter.Int64Counter(
		"release_cache_metadata_lookups_total",
		metric.WithDescription("Metadata cache lookups by kind and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	blobLookupsTotal, err := meter.Int64Counter(
		"release_cache_blob_lookups_total",
		metric.WithDescription("Blob cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	blobEvictionsTotal, err := meter.Int64Counter(
		"release_cache_blob_evictions_total",
		metric.WithDescription("Blob files deleted by cache cleanup"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return err
	}

	downloadsInFlight, err := meter.Int64UpDownCounter(
		"release_cache_downloads_in_flight",
		metric.WithDescription("Downloads currently holding a concurrency permit"),
		metric.WithUnit("{download}"),
	)
	if err != nil {
		return err
	}

	rateLimitedTotal, err := meter.Int64Counter(
		"release_cache_rate_limited_total",
		metric.WithDescription("Download requests rejected by the per-client rate limit"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	snapshotsTotal, err := meter.Int64Counter(
		"release_cache_snapshots_total",
		metric.WithDescription("Cache snapshot writes by outcome"),
		metric.WithUnit("{snapshot}"),
	)
	if err != nil {
		return err
	}

	snapshotDuration, err := meter.Float64Histogram(
		"release_cache_snapshot_duration_seconds",
		metric.WithDescription("Duration of cache snapshot writes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"release_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"release_cache_upstream_fetch_total",
		metric.WithDescription("Total number of upstream fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchBytesTotal, err := meter.Int64Counter(
		"release_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		responseBytesTotal:      responseBytesTotal,
		requestDuration:         requestDuration,
		metadataLookupsTotal:    metadataLookupsTotal,
		blobLookupsTotal:        blobLookupsTotal,
		blobEvictionsTotal:      blobEvictionsTotal,
		downloadsInFlight:       downloadsInFlight,
		rateLimitedTotal:        rateLimitedTotal,
		snapshotsTotal:          snapshotsTotal,
		snapshotDuration:        snapshotDuration,
		upstreamFetchDuration:   upstreamFetchDuration,
		upstreamFetchTotal:      upstreamFetchTotal,
		upstreamFetchBytesTotal: upstreamFetchBytesTotal,
		meterProvider:           mp,
		promHandler:             promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Endpoint and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	cacheResult := string(CacheBypass)
	endpoint := "unknown"
	if tags != nil {
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		if tags.Endpoint != "" {
			endpoint = tags.Endpoint
		}
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordMetadataLookup records one metadata cache lookup.
// kind is "repo_info", "releases" or "latest_release".
func RecordMetadataLookup(ctx context.Context, kind string, hit bool) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("result", lookupResult(hit)),
	}
	globalMetrics.metadataLookupsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBlobLookup records one blob cache lookup.
func RecordBlobLookup(ctx context.Context, hit bool) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("result", lookupResult(hit)),
	}
	globalMetrics.blobLookupsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBlobEvictions records blob files deleted by a cleanup pass.
func RecordBlobEvictions(ctx context.Context, deleted int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.blobEvictionsTotal.Add(ctx, int64(deleted))
}

// DownloadStarted bumps the in-flight download gauge. Call it after a
// concurrency permit is acquired and pair it with DownloadFinished.
func DownloadStarted(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.downloadsInFlight.Add(ctx, 1)
}

// DownloadFinished decrements the in-flight download gauge.
func DownloadFinished(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.downloadsInFlight.Add(ctx, -1)
}

// RecordRateLimited records a download request rejected by the rate limit.
func RecordRateLimited(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.rateLimitedTotal.Add(ctx, 1)
}

// RecordSnapshot records one snapshot write.
func RecordSnapshot(ctx context.Context, duration time.Duration, ok bool) {
	if globalMetrics == nil {
		return
	}

	outcome := "error"
	if ok {
		outcome = "success"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.snapshotsTotal.Add(ctx, 1, attrs)
	globalMetrics.snapshotDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordUpstreamFetch records an upstream fetch request.
// resource is "api" for metadata calls and "asset" for binary downloads.
func RecordUpstreamFetch(ctx context.Context, resource string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("resource", resource),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func lookupResult(hit bool) string {
	if hit {
		return string(CacheHit)
	}
	return string(CacheMiss)
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
