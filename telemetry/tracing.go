// Package telemetry provides distributed tracing setup using OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "chzzk-bot"

// Span attribute keys shared by the chat and API spans.
const (
	ChannelIDKey     = attribute.Key("chzzk.channel_id")
	ChatChannelIDKey = attribute.Key("chzzk.chat_channel_id")
)

// TracingConfig describes the exporter. An empty Endpoint disables tracing.
type TracingConfig struct {
	Endpoint  string
	Version   string
	ChannelID string
	// SampleRatio is the fraction of root spans kept; 0 means all.
	SampleRatio float64
}

// TracingConfigFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT and
// OTEL_TRACES_SAMPLER_ARG.
func TracingConfigFromEnv(version, channelID string) TracingConfig {
	tc := TracingConfig{
		Endpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Version:   version,
		ChannelID: channelID,
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r > 0 && r <= 1 {
			tc.SampleRatio = r
		} else {
			slog.Warn("ignoring OTEL_TRACES_SAMPLER_ARG", slog.String("value", v))
		}
	}
	return tc
}

func (tc TracingConfig) resourceAttrs() []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if tc.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(tc.Version))
	}
	if tc.ChannelID != "" {
		attrs = append(attrs, ChannelIDKey.String(tc.ChannelID))
	}
	return attrs
}

func (tc TracingConfig) sampler() sdktrace.Sampler {
	if tc.SampleRatio <= 0 || tc.SampleRatio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SampleRatio))
}

// InitTracing installs an OTLP/gRPC tracer provider tagged with the watched
// channel and returns its shutdown func.
func InitTracing(tc TracingConfig) (func(), error) {
	if tc.Endpoint == "" {
		slog.Info("tracing disabled: OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(tc.Endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(tc.resourceAttrs()...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(tc.sampler()),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing initialized", slog.String("endpoint", tc.Endpoint), slog.String("channel", tc.ChannelID))

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown tracer provider", slog.Any("err", err))
		}
	}, nil
}

// StartSpan starts a span carrying the request correlation id, if any.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess sets span status to OK.
func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// SetSpanHTTPStatus records the response status code and fails span on 4xx/5xx.
func SetSpanHTTPStatus(span trace.Span, status int) {
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if status >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
	}
}

// HTTPAttrs returns the method and route attributes of a server span.
func HTTPAttrs(method, route string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("http.request.method", method),
		attribute.String("http.route", route),
	}
}
