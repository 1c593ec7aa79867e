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

// Package metrics holds the Prometheus collectors for the control plane
// and the worker, exposed on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector behind one Prometheus registry so
// tests can run with isolated registries.
type Registry struct {
	reg *prometheus.Registry

	RunsStarted     prometheus.Counter
	RunsCompleted   *prometheus.CounterVec
	StepLatency     *prometheus.HistogramVec
	StepsDispatched *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	PolicyDecisions *prometheus.CounterVec
	BudgetKills     prometheus.Counter
	LLMTokens       *prometheus.CounterVec
	LLMCostCents    prometheus.Counter
	ReplayHits      prometheus.Counter
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New builds a registry with all collectors registered, plus the
// standard Go and process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto{reg: reg}

	return &Registry{
		reg: reg,

		RunsStarted: factory.counter(prometheus.CounterOpts{
			Name: "ferrumdeck_runs_started_total",
			Help: "Runs accepted by the control plane.",
		}),
		RunsCompleted: factory.counterVec(prometheus.CounterOpts{
			Name: "ferrumdeck_runs_completed_total",
			Help: "Runs that reached a terminal status.",
		}, []string{"status"}),
		StepLatency: factory.histogramVec(prometheus.HistogramOpts{
			Name:    "ferrumdeck_step_duration_seconds",
			Help:    "Wall-clock step execution time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms .. ~7m
		}, []string{"step_type", "status"}),
		StepsDispatched: factory.counterVec(prometheus.CounterOpts{
			Name: "ferrumdeck_steps_dispatched_total",
			Help: "Step envelopes published to the queue.",
		}, []string{"step_type"}),
		QueueDepth: factory.gauge(prometheus.GaugeOpts{
			Name: "ferrumdeck_queue_depth",
			Help: "Messages pending in the step queue.",
		}),
		PolicyDecisions: factory.counterVec(prometheus.CounterOpts{
			Name: "ferrumdeck_policy_decisions_total",
			Help: "Tool-call policy decisions by outcome.",
		}, []string{"decision"}),
		BudgetKills: factory.counter(prometheus.CounterOpts{
			Name: "ferrumdeck_budget_kills_total",
			Help: "Runs terminated for breaching a budget.",
		}),
		LLMTokens: factory.counterVec(prometheus.CounterOpts{
			Name: "ferrumdeck_llm_tokens_total",
			Help: "Tokens consumed, by direction.",
		}, []string{"provider", "direction"}),
		LLMCostCents: factory.counter(prometheus.CounterOpts{
			Name: "ferrumdeck_llm_cost_cents_total",
			Help: "Accumulated LLM spend in cents.",
		}),
		ReplayHits: factory.counter(prometheus.CounterOpts{
			Name: "ferrumdeck_replay_hits_total",
			Help: "Steps short-circuited by the replay cache.",
		}),
		HTTPRequests: factory.counterVec(prometheus.CounterOpts{
			Name: "ferrumdeck_http_requests_total",
			Help: "API requests by route and status class.",
		}, []string{"route", "code"}),
		HTTPDuration: factory.histogramVec(prometheus.HistogramOpts{
			Name:    "ferrumdeck_http_request_duration_seconds",
			Help:    "API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveStep records one finished step execution.
func (r *Registry) ObserveStep(stepType, status string, elapsed time.Duration) {
	r.StepLatency.WithLabelValues(stepType, status).Observe(elapsed.Seconds())
}

type promauto struct{ reg *prometheus.Registry }

func (f promauto) counter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	f.reg.MustRegister(c)
	return c
}

func (f promauto) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	f.reg.MustRegister(c)
	return c
}

func (f promauto) gauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	f.reg.MustRegister(g)
	return g
}

func (f promauto) histogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(opts, labels)
	f.reg.MustRegister(h)
	return h
}
