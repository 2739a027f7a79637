package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func decision(s sdktrace.Sampler) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       oteltrace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Name:          "accessgov-test",
	}).Decision
}

func TestParseSampler(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, arg string
		want      sdktrace.SamplingDecision
	}{
		{"always_off", "", sdktrace.Drop},
		{"always_on", "", sdktrace.RecordAndSample},
		{"traceidratio", "2", sdktrace.RecordAndSample},
		{"traceidratio", "-1", sdktrace.Drop},
		{"parentbased", "0", sdktrace.Drop},
		{"", "", sdktrace.RecordAndSample},
	}
	for _, tc := range cases {
		if got := decision(parseSampler(tc.name, tc.arg)); got != tc.want {
			t.Fatalf("%s(%s): expected %v, got %v", tc.name, tc.arg, tc.want, got)
		}
	}
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()
	h := parseHeaders("k1=v1, k2 = v2,broken, =nokey")
	if len(h) != 2 || h["k1"] != "v1" || h["k2"] != "v2" {
		t.Fatalf("unexpected headers %#v", h)
	}
	if parseHeaders("  ") != nil {
		t.Fatal("blank input yields nil")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", " collector:4318 ")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-team=access")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "bad")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_REQUIRED", "")
	cfg := ConfigFromEnv("accessd")
	if cfg.Endpoint != "collector:4318" || cfg.Headers["x-team"] != "access" || !cfg.Insecure || cfg.Required {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Timeout != 5*time.Second {
		t.Fatalf("bad timeout falls back to 5s, got %s", cfg.Timeout)
	}
}

func TestSetupWithoutExporter(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupWithCollector(t *testing.T) {
	received := make(chan struct{}, 1)
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/traces" {
			select {
			case received <- struct{}{}:
			default:
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()
	u, _ := url.Parse(collector.URL)

	shutdown, err := Setup(context.Background(), Config{
		ServiceName: "accessd-test",
		Endpoint:    u.Host,
		Insecure:    true,
		Required:    true,
		Timeout:     time.Second,
		Sampler:     sdktrace.AlwaysSample(),
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "submit")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown flushes spans: %v", err)
	}
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("collector never received spans")
	}
}

func TestInstrumentClientPropagatesTraceContext(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Sampler: sdktrace.AlwaysSample()})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer shutdown(context.Background())

	var traceparent string
	srv := httptest.NewServer(HTTPMiddleware("provider")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusNoContent)
	})))
	defer srv.Close()

	client := InstrumentClient(nil)
	ctx, span := otel.Tracer("test").Start(context.Background(), "provision")
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, nil)
	resp, err := client.Do(req)
	span.End()
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || traceparent == "" {
		t.Fatalf("expected traced call, status=%d traceparent=%q", resp.StatusCode, traceparent)
	}

	existing := &http.Client{}
	if InstrumentClient(existing) != existing || existing.Transport == nil {
		t.Fatal("instrumentation wraps the given client in place")
	}
}
