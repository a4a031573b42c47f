// Package telemetry sets up OpenTelemetry tracing for the gateway and its
// outbound calls to backends.
package telemetry

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

var (
	enabled atomic.Bool

	initOnce     sync.Once
	initErr      error
	shutdownFunc = func(context.Context) error { return nil }
)

// Init configures the tracer provider once. Tracing stays off when
// OTEL_SDK_DISABLED=true or no OTEL_EXPORTER_OTLP_ENDPOINT is set.
func Init(serviceName string) (func(context.Context) error, error) {
	initOnce.Do(func() {
		raw := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
		if strings.EqualFold(strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")), "true") || raw == "" {
			return
		}

		attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(serviceName)}
		if version := strings.TrimSpace(os.Getenv("APP_VERSION")); version != "" {
			attrs = append(attrs, semconv.ServiceVersionKey.String(version))
		}
		r, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
		if err != nil {
			initErr = err
			return
		}

		exporter, err := newOTLPHTTPExporter(raw)
		if err != nil {
			initErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(r),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdownFunc = tp.Shutdown
		enabled.Store(true)
		zlog.Info().Str("endpoint", raw).Msg("OpenTelemetry tracing enabled")
	})
	return shutdownFunc, initErr
}

func newOTLPHTTPExporter(raw string) (*otlptrace.Exporter, error) {
	endpoint, urlPath, insecure := normalizeOTLPEndpoint(raw)
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if urlPath != "" && urlPath != "/" {
		opts = append(opts, otlptracehttp.WithURLPath(urlPath))
	}
	return otlptracehttp.New(context.Background(), opts...)
}

// normalizeOTLPEndpoint accepts either host:port or a full http(s) URL.
func normalizeOTLPEndpoint(raw string) (endpoint string, urlPath string, insecure bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "127.0.0.1:4318", "", true
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		u, err := url.Parse(raw)
		if err == nil {
			insecure = u.Scheme == "http"
			endpoint = u.Host
			urlPath = u.EscapedPath()
		} else {
			zlog.Warn().Err(err).Str("endpoint", raw).Msg("Failed to parse OTLP endpoint URL, using it as host:port")
		}
	}
	if endpoint == "" {
		return raw, urlPath, true
	}
	return endpoint, urlPath, insecure
}

func Enabled() bool {
	return enabled.Load()
}

func GinMiddleware(serviceName string) gin.HandlerFunc {
	if !Enabled() {
		return func(c *gin.Context) { c.Next() }
	}
	return otelgin.Middleware(serviceName)
}

func WrapTransport(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	if !Enabled() {
		return rt
	}
	return otelhttp.NewTransport(rt)
}
