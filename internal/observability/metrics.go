package observability

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "github.com/markb/livefeed"

// Metrics holds the metric instruments. It implements live.Metrics.
type Metrics struct {
	ConnectionsOpen   metric.Int64UpDownCounter
	Reconnects        metric.Int64Counter
	PayloadsDelivered metric.Int64Counter
	ListenerPanics    metric.Int64Counter

	HTTPRequestCount    metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
	HTTPResponseSize    metric.Int64Histogram
}

// InitMetrics creates the instruments on mp.
func InitMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}

	var err error
	if m.ConnectionsOpen, err = meter.Int64UpDownCounter(
		"livefeed.connections.open",
		metric.WithDescription("Connections currently held by the manager"),
		metric.WithUnit("{connection}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create connections gauge: %w", err)
	}

	if m.Reconnects, err = meter.Int64Counter(
		"livefeed.reconnects",
		metric.WithDescription("Reconnect attempts started"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create reconnects counter: %w", err)
	}

	if m.PayloadsDelivered, err = meter.Int64Counter(
		"livefeed.payloads.delivered",
		metric.WithDescription("Payload deliveries to listeners"),
		metric.WithUnit("{delivery}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create deliveries counter: %w", err)
	}

	if m.ListenerPanics, err = meter.Int64Counter(
		"livefeed.listener.panics",
		metric.WithDescription("Listener callbacks that panicked"),
		metric.WithUnit("{panic}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create panics counter: %w", err)
	}

	if m.HTTPRequestCount, err = meter.Int64Counter(
		"http.server.request_count",
		metric.WithDescription("Number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request count counter: %w", err)
	}

	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http.server.request_duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	if m.HTTPResponseSize, err = meter.Int64Histogram(
		"http.server.response_size",
		metric.WithDescription("HTTP response size in bytes"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, fmt.Errorf("failed to create response size histogram: %w", err)
	}

	return m, nil
}

func resourceAttr(resource string) metric.MeasurementOption {
	return metric.WithAttributes(AttrResource.String(resource))
}

func (m *Metrics) ConnectionOpened(resource string) {
	m.ConnectionsOpen.Add(context.Background(), 1, resourceAttr(resource))
}

func (m *Metrics) ConnectionClosed(resource string) {
	m.ConnectionsOpen.Add(context.Background(), -1, resourceAttr(resource))
}

func (m *Metrics) Reconnect(resource string, attempt int) {
	m.Reconnects.Add(context.Background(), 1, metric.WithAttributes(
		AttrResource.String(resource),
		attribute.Int("livefeed.attempt", attempt),
	))
}

func (m *Metrics) Delivered(resource string, listeners int) {
	m.PayloadsDelivered.Add(context.Background(), int64(listeners), resourceAttr(resource))
}

func (m *Metrics) ListenerPanic(resource string) {
	m.ListenerPanics.Add(context.Background(), 1, resourceAttr(resource))
}

func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// initMeterProvider builds a provider exporting through cfg.Exporter.
func initMeterProvider(ctx context.Context, cfg *Config) (*sdkmetric.MeterProvider, error) {
	var exporter sdkmetric.Exporter
	switch cfg.Exporter {
	case ExporterStdout:
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		exporter = exp
	case ExporterOTLP:
		conn, err := dialCollector(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create OTLP metrics exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	), nil
}
