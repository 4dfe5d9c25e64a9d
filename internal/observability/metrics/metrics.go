package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	runsSubmitted    metric.Int64Counter
	quotaRejections  metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
	stageRowsWritten metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "costplane"
	}
	meter := provider.Meter(name)

	runsSubmitted, err := meter.Int64Counter("costplane_pipeline_runs_submitted_total")
	if err != nil {
		return nil, err
	}
	quotaRejections, err := meter.Int64Counter("costplane_quota_rejections_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("costplane_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}
	stageRowsWritten, err := meter.Int64Counter("costplane_stage_rows_written_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsSubmitted:    runsSubmitted,
		quotaRejections:  quotaRejections,
		rateLimitDenied:  rateLimitDenied,
		stageRowsWritten: stageRowsWritten,
	}, nil
}

// RecordRunSubmitted increments submitted run counts.
func (m *Metrics) RecordRunSubmitted(ctx context.Context, pipelineID, triggerType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("pipeline_id", strings.TrimSpace(pipelineID)),
		attribute.String("trigger_type", strings.TrimSpace(triggerType)),
	)
	m.runsSubmitted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordQuotaRejection increments quota rejection counts by limit type.
func (m *Metrics) RecordQuotaRejection(ctx context.Context, limitType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("limit_type", strings.TrimSpace(limitType)))
	m.quotaRejections.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordStageRows counts rows written by a consolidation stage.
func (m *Metrics) RecordStageRows(ctx context.Context, stage string, rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("stage", strings.TrimSpace(stage)))
	m.stageRowsWritten.Add(ctx, rows, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"pipeline_id":  {},
	"trigger_type": {},
	"limit_type":   {},
	"endpoint":     {},
	"stage":        {},
	"status_code":  {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
