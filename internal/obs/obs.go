package obs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const namespace = "payouts"

type Shutdown func(ctx context.Context) error

// Options configures logging and tracing for one engine process
type Options struct {
	Component    string // api, worker, payctl
	LogLevel     string
	OTLPEndpoint string
	SampleRatio  float64
}

// Init installs the JSON logger as the slog default. Spans are exported only
// when an OTLP endpoint is set.
func Init(opts Options) (Shutdown, *slog.Logger) {
	service := ServiceName(opts.Component)

	logger := NewLogger(os.Stdout, service, opts.LogLevel)
	slog.SetDefault(logger)

	shutdownTrace, err := initTracing(opts)
	if err != nil {
		logger.Error("init tracing failed", "err", err)
	}

	return func(ctx context.Context) error {
		var out error
		if shutdownTrace != nil {
			if err := shutdownTrace(ctx); err != nil {
				out = errors.Join(out, err)
			}
		}
		return out
	}, logger
}

// ServiceName is the service.name of a component, e.g. payouts-worker
func ServiceName(component string) string {
	component = strings.TrimSpace(component)
	if component == "" {
		return namespace
	}
	return namespace + "-" + component
}

// NewLogger builds a JSON logger tagged with the service name
func NewLogger(w io.Writer, service, level string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(h).With("service", service)
}

// ParseLevel maps a config level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Sampler keeps ratio of new root traces and follows the parent otherwise,
// so a sampled API request keeps its payment spans in the worker. A ratio
// outside (0, 1) keeps every trace.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// resourceAttributes identify the engine component on every exported span
func resourceAttributes(component string) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.ServiceName(ServiceName(component)),
		semconv.ServiceNamespace(namespace),
		attribute.String("payouts.component", strings.TrimSpace(component)),
	}
}

func initTracing(opts Options) (Shutdown, error) {
	endpoint := strings.TrimSpace(opts.OTLPEndpoint)
	if endpoint == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(resourceAttributes(opts.Component)...),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(opts.SampleRatio)),
		sdktrace.WithBatcher(exp),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// WrapHTTP adds server spans to an HTTP handler
func WrapHTTP(serviceName string, next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, serviceName)
}

func Tracer(name string) trace.Tracer {
	n := strings.TrimSpace(name)
	if n == "" {
		n = namespace
	}
	return otel.Tracer(n)
}
