// Package telemetry wires OpenTelemetry tracing into the gateway and
// annotates admission spans with the identifiers operators slice traces
// by: account, platform, session hash, and rejection code.
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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
	"go.opentelemetry.io/otel/trace"
)

const defaultService = "claude-relay"

// Span attribute keys for admission decisions. Session hashes are
// already opaque digests, so they are safe to attach verbatim.
const (
	attrAccountID   = attribute.Key("relay.account_id")
	attrPlatform    = attribute.Key("relay.platform")
	attrSessionHash = attribute.Key("relay.session_hash")
	attrRejectCode  = attribute.Key("relay.reject_code")
	attrAPIKeyID    = attribute.Key("relay.api_key_id")
)

// exporterSettings is the OTLP exporter configuration read from the
// standard OTEL_* environment. A blank endpoint means trace locally
// without exporting.
type exporterSettings struct {
	endpoint string
	headers  map[string]string
	timeout  time.Duration
	insecure bool
	required bool
	sampler  sdktrace.Sampler
}

func exporterFromEnv() exporterSettings {
	return exporterSettings{
		endpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		headers:  parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		timeout:  time.Second * time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)),
		insecure: os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		required: os.Getenv("OTEL_REQUIRED") == "true",
		sampler:  parseSampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG")),
	}
}

func (s exporterSettings) options() []otlptracehttp.Option {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(s.endpoint),
		otlptracehttp.WithTimeout(s.timeout),
	}
	if s.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(s.headers))
	}
	return opts
}

// Init installs the global tracer provider. When the exporter cannot
// start and OTEL_REQUIRED is false the gateway keeps serving with a
// local-only provider so tracing never blocks admission.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = defaultService
	}
	settings := exporterFromEnv()

	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))

	install := func(extra ...sdktrace.TracerProviderOption) func(context.Context) error {
		opts := append([]sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(settings.sampler),
		}, extra...)
		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		return tp.Shutdown
	}

	if settings.endpoint == "" {
		return install(), nil
	}
	exporter, err := otlptracehttp.New(ctx, settings.options()...)
	if err != nil {
		if settings.required {
			return nil, err
		}
		log.Printf("otel exporter disabled: %v", err)
		return install(), nil
	}
	return install(sdktrace.WithBatcher(exporter)), nil
}

// AnnotateAdmission tags the active span with the identity an admission
// decision was made for. Blank fields are skipped so spans carry only
// what the request actually resolved.
func AnnotateAdmission(ctx context.Context, apiKeyID, accountID, platform, sessionHash string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := make([]attribute.KeyValue, 0, 4)
	if apiKeyID != "" {
		attrs = append(attrs, attrAPIKeyID.String(apiKeyID))
	}
	if accountID != "" {
		attrs = append(attrs, attrAccountID.String(accountID))
	}
	if platform != "" {
		attrs = append(attrs, attrPlatform.String(platform))
	}
	if sessionHash != "" {
		attrs = append(attrs, attrSessionHash.String(sessionHash))
	}
	span.SetAttributes(attrs...)
}

// AnnotateRejection records the admission error code on the active span.
func AnnotateRejection(ctx context.Context, code string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() || code == "" {
		return
	}
	span.SetAttributes(attrRejectCode.String(code))
}

func parseSampler(name, arg string) sdktrace.Sampler {
	name = strings.ToLower(strings.TrimSpace(name))
	arg = strings.TrimSpace(arg)
	ratio := 1.0
	if arg != "" {
		if val, err := strconv.ParseFloat(arg, 64); err == nil {
			if val < 0 {
				val = 0
			}
			if val > 1 {
				val = 1
			}
			ratio = val
		}
	}
	switch name {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = defaultService
	}
	return otelhttp.NewMiddleware(serviceName)
}

// InstrumentClient wraps an HTTP client with OTel transport so relay
// calls to upstream backends carry trace context.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

func parseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		if k != "" {
			out[k] = strings.TrimSpace(kv[1])
		}
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
