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

// Package tracing wires OpenTelemetry for the daemon and the worker:
// OTLP exporters (gRPC or HTTP, stdout for development), W3C trace
// context propagation over HTTP and over queue envelopes.
package tracing

import (
	"context"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// Protocol selects the span exporter.
type Protocol string

const (
	ProtocolGRPC   Protocol = "grpc"
	ProtocolHTTP   Protocol = "http"
	ProtocolStdout Protocol = "stdout"
	ProtocolOff    Protocol = "off"
)

// Config controls provider setup.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Endpoint is the OTLP collector address, e.g. "localhost:4317".
	Endpoint string
	Protocol Protocol

	// Insecure disables TLS on the OTLP connection (dev collectors).
	Insecure bool

	// SampleRate in [0,1]; 0 defaults to always-on.
	SampleRate float64
}

// FromEnv builds a Config from the standard OTEL variables. With no
// endpoint set, tracing is off.
func FromEnv(serviceName, version string) Config {
	cfg := Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Protocol:       ProtocolGRPC,
	}
	if cfg.Endpoint == "" {
		cfg.Protocol = ProtocolOff
	}
	switch os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL") {
	case "http/protobuf", "http":
		cfg.Protocol = ProtocolHTTP
	case "stdout":
		cfg.Protocol = ProtocolStdout
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SampleRate = rate
		}
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); v == "true" || v == "1" {
		cfg.Insecure = true
	}
	return cfg
}

// Provider owns the tracer provider lifecycle.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Setup installs the global tracer provider and the W3C propagator.
// With ProtocolOff it installs a noop provider so instrumented code
// needs no nil checks.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if cfg.Protocol == ProtocolOff || cfg.Protocol == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &Provider{}, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, &errors.FatalError{Op: "build otel resource", Cause: err}
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate > 0 && cfg.SampleRate < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Tracer returns a tracer from the installed provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
