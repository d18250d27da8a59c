// Package tracing carries the active validation run through a context and
// opens OpenTelemetry spans annotated with it.
package tracing

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/sells-group/provider-qa"

// Config controls span export.
type Config struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"`
	Pretty      bool    `yaml:"pretty" mapstructure:"pretty"`
}

// RunTrace identifies the run and provider the current work belongs to.
type RunTrace struct {
	RunID      string
	ProviderID string
}

type runTraceKey struct{}

// WithRun returns a context carrying runID.
func WithRun(ctx context.Context, runID string) context.Context {
	rt, _ := FromContext(ctx)
	rt.RunID = runID
	return context.WithValue(ctx, runTraceKey{}, rt)
}

// WithProvider returns a context carrying providerID alongside any run.
func WithProvider(ctx context.Context, providerID string) context.Context {
	rt, _ := FromContext(ctx)
	rt.ProviderID = providerID
	return context.WithValue(ctx, runTraceKey{}, rt)
}

// FromContext returns the run trace stored in ctx.
func FromContext(ctx context.Context) (RunTrace, bool) {
	rt, ok := ctx.Value(runTraceKey{}).(RunTrace)
	return rt, ok
}

// Logger returns the global logger annotated with the run trace in ctx.
func Logger(ctx context.Context) *zap.Logger {
	rt, ok := FromContext(ctx)
	if !ok {
		return zap.L()
	}
	var fields []zap.Field
	if rt.RunID != "" {
		fields = append(fields, zap.String("run_id", rt.RunID))
	}
	if rt.ProviderID != "" {
		fields = append(fields, zap.String("provider_id", rt.ProviderID))
	}
	return zap.L().With(fields...)
}

// Start opens a span named name carrying the run trace as attributes.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if rt, ok := FromContext(ctx); ok {
		if rt.RunID != "" {
			attrs = append(attrs, attribute.String("run.id", rt.RunID))
		}
		if rt.ProviderID != "" {
			attrs = append(attrs, attribute.String("provider.id", rt.ProviderID))
		}
	}
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Init installs a TracerProvider exporting to stdout when cfg.Enabled. The
// returned func flushes and stops it; it is a no-op when tracing is off.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var opts []stdouttrace.Option
	opts = append(opts, stdouttrace.WithWriter(os.Stderr))
	if cfg.Pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, eris.Wrap(err, "tracing: create stdout exporter")
	}
	return install(ctx, cfg, sdktrace.WithBatcher(exporter))
}

func install(ctx context.Context, cfg Config, export sdktrace.TracerProviderOption) (func(context.Context) error, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "provider-qa"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(name)))
	if err != nil {
		return nil, eris.Wrap(err, "tracing: build resource")
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		export,
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	zap.L().Info("tracing initialized", zap.String("service", name), zap.Float64("sample_ratio", ratio))
	return tp.Shutdown, nil
}
