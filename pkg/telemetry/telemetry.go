// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jllopis/skillgate/pkg/config"
)

const (
	defaultServiceName = "skillgate"
	metricInterval     = time.Minute
	spanBatchTimeout   = time.Second
)

// ShutdownFunc flushes and stops the installed providers.
type ShutdownFunc func(context.Context) error

// Config selects where spans and metrics go.
type Config struct {
	Exporter     string // none, stdout, otlp
	OTLPEndpoint string
	OTLPInsecure bool
	OTLPTimeout  time.Duration

	// SampleRatio applies to root spans. Zero or anything above one records
	// every trace.
	SampleRatio float64
}

// InitFromConfig installs providers described by the telemetry section.
func InitFromConfig(cfg config.TelemetryConfig) (ShutdownFunc, error) {
	return InitWithConfig(cfg.ServiceName, cfg.ServiceVersion, Config{
		Exporter:     cfg.Exporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
		OTLPTimeout:  time.Duration(cfg.OTLPTimeoutSeconds) * time.Second,
		SampleRatio:  cfg.SampleRatio,
	})
}

// Init installs stdout exporters. Handy for local runs.
func Init(serviceName, version string) (ShutdownFunc, error) {
	return InitWithConfig(serviceName, version, Config{Exporter: "stdout"})
}

// InitWithConfig installs global tracer and meter providers for the gateway.
// Every process gets its own service.instance.id so that several gateways
// reporting to one collector stay apart.
func InitWithConfig(serviceName, version string, cfg Config) (ShutdownFunc, error) {
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	res, err := gatewayResource(serviceName, version)
	if err != nil {
		return nil, err
	}

	exp, err := newExporters(cfg)
	if err != nil {
		return nil, err
	}

	traceOpts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(sampler(cfg.SampleRatio)),
	}
	if exp.spans != nil {
		traceOpts = append(traceOpts, trace.WithBatcher(exp.spans, trace.WithBatchTimeout(spanBatchTimeout)))
	}
	tp := trace.NewTracerProvider(traceOpts...)

	meterOpts := []metric.Option{metric.WithResource(res)}
	if exp.metrics != nil {
		meterOpts = append(meterOpts, metric.WithReader(
			metric.NewPeriodicReader(exp.metrics, metric.WithInterval(metricInterval)),
		))
	}
	mp := metric.NewMeterProvider(meterOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func gatewayResource(serviceName, version string) (*resource.Resource, error) {
	attrs := resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
		semconv.ServiceInstanceID(uuid.NewString()),
	)
	opts := []resource.Option{attrs, resource.WithProcessPID()}
	if host, err := os.Hostname(); err == nil {
		opts = append(opts, resource.WithAttributes(semconv.HostName(host)))
	}
	res, err := resource.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	return res, nil
}

func sampler(ratio float64) trace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return trace.ParentBased(trace.AlwaysSample())
	}
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}

// exporters is the span and metric sink pair for one exporter kind. With
// "none" both are nil and providers only produce ids for log correlation.
type exporters struct {
	spans   trace.SpanExporter
	metrics metric.Exporter
}

func newExporters(cfg Config) (exporters, error) {
	switch cfg.Exporter {
	case "none":
		return exporters{}, nil
	case "", "stdout":
		return stdoutExporters()
	case "otlp":
		if cfg.OTLPEndpoint == "" {
			return exporters{}, fmt.Errorf("otlp endpoint is required")
		}
		return otlpExporters(cfg)
	default:
		return exporters{}, fmt.Errorf("unknown telemetry exporter: %s", cfg.Exporter)
	}
}

func stdoutExporters() (exporters, error) {
	spans, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return exporters{}, fmt.Errorf("stdout span exporter: %w", err)
	}
	metrics, err := stdoutmetric.New()
	if err != nil {
		return exporters{}, fmt.Errorf("stdout metric exporter: %w", err)
	}
	return exporters{spans: spans, metrics: metrics}, nil
}

func otlpExporters(cfg Config) (exporters, error) {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPTimeout > 0 {
		traceOpts = append(traceOpts, otlptracegrpc.WithTimeout(cfg.OTLPTimeout))
		metricOpts = append(metricOpts, otlpmetricgrpc.WithTimeout(cfg.OTLPTimeout))
	}
	if cfg.OTLPInsecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	// gRPC dials lazily, so a collector that is down does not block startup.
	spans, err := otlptracegrpc.New(context.Background(), traceOpts...)
	if err != nil {
		return exporters{}, fmt.Errorf("otlp span exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(context.Background(), metricOpts...)
	if err != nil {
		return exporters{}, fmt.Errorf("otlp metric exporter: %w", err)
	}
	return exporters{spans: spans, metrics: metrics}, nil
}
