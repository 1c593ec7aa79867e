// Copyright 2026 Sattyam Jain
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func setupTestTracer(t *testing.T) trace.Tracer {
	t.Helper()
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	otel.SetTracerProvider(tp)
	return tp.Tracer("test")
}

func TestMapCarrierRoundTrip(t *testing.T) {
	tracer := setupTestTracer(t)
	ctx, span := tracer.Start(context.Background(), "dispatch")
	defer span.End()

	carrier := InjectMap(ctx)
	if carrier["traceparent"] == "" {
		t.Fatal("traceparent not injected")
	}

	restored := ExtractMap(context.Background(), carrier)
	got := trace.SpanContextFromContext(restored)
	want := span.SpanContext()
	if got.TraceID() != want.TraceID() {
		t.Errorf("trace id = %s, want %s", got.TraceID(), want.TraceID())
	}
}

func TestExtractMapEmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	if got := ExtractMap(ctx, nil); got != ctx {
		t.Error("nil map should return the original context")
	}
}

func TestHTTPPropagation(t *testing.T) {
	tracer := setupTestTracer(t)
	ctx, span := tracer.Start(context.Background(), "client")
	defer span.End()

	req := httptest.NewRequest("POST", "http://example/v1/runs", nil)
	InjectHTTP(ctx, req)
	if req.Header.Get("traceparent") == "" {
		t.Fatal("traceparent header not set")
	}

	serverCtx := ExtractHTTP(context.Background(), req)
	got := trace.SpanContextFromContext(serverCtx)
	if got.TraceID() != span.SpanContext().TraceID() {
		t.Error("server context lost the trace id")
	}
}

func TestSetupOffInstallsNoop(t *testing.T) {
	p, err := Setup(context.Background(), Config{ServiceName: "test", Protocol: ProtocolOff})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown(context.Background())

	// Spans still start and end without error.
	_, span := Tracer("test").Start(context.Background(), "op")
	span.End()
	if span.SpanContext().IsValid() {
		t.Error("noop provider produced a recording span")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "http/protobuf")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")

	cfg := FromEnv("ferrumd", "1.0")
	if cfg.Endpoint != "collector:4317" || cfg.Protocol != ProtocolHTTP {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.SampleRate != 0.25 || !cfg.Insecure {
		t.Errorf("cfg = %+v", cfg)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "")
	cfg = FromEnv("ferrumd", "1.0")
	if cfg.Protocol != ProtocolOff {
		t.Errorf("no endpoint should disable tracing, got %s", cfg.Protocol)
	}
}
