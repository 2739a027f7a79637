package telemetry

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
)

const defaultService = "accessgov"

// Config selects the trace exporter. An empty Endpoint keeps spans in process.
type Config struct {
	ServiceName string
	Endpoint    string
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	// Required turns an exporter setup failure into an Init error.
	Required bool
	Sampler  trace.Sampler
}

// ConfigFromEnv reads the standard OTEL_* variables.
func ConfigFromEnv(service string) Config {
	return Config{
		ServiceName: service,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:     parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:     time.Second * time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)),
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required:    os.Getenv("OTEL_REQUIRED") == "true",
		Sampler:     parseSampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG")),
	}
}

// Init configures global tracing from the environment.
func Init(ctx context.Context, service string) (func(context.Context) error, error) {
	return Setup(ctx, ConfigFromEnv(service))
}

// Setup installs a global tracer provider for cfg and returns its shutdown.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = defaultService
	}
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = trace.ParentBased(trace.AlwaysSample())
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
	))
	opts := []trace.TracerProviderOption{trace.WithResource(res), trace.WithSampler(sampler)}

	if cfg.Endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, exporterOptions(cfg)...)
		switch {
		case err == nil:
			opts = append(opts, trace.WithBatcher(exporter))
		case cfg.Required:
			return nil, err
		default:
			log.Printf("telemetry exporter disabled: %v", err)
		}
	}
	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

func exporterOptions(cfg Config) []otlptracehttp.Option {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithTimeout(timeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return opts
}

func parseSampler(name, arg string) trace.Sampler {
	ratio := 1.0
	if val, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(val, 0), 1)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(service string) func(http.Handler) http.Handler {
	service = strings.TrimSpace(service)
	if service == "" {
		service = defaultService
	}
	return otelhttp.NewMiddleware(service)
}

// InstrumentClient wraps client's transport so outbound calls carry spans.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

func parseHeaders(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func envInt(key string, def int) int {
	if i, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil {
		return i
	}
	return def
}
