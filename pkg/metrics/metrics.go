// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the server's Prometheus instrumentation: request
// latencies per endpoint, protocol error counts, and credential issuance
// counters. Collectors live on a per-server registry so two servers in one
// process never collide.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "authserver"

// Metrics bundles the server's collectors.
type Metrics struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	protocolErrors  *prometheus.CounterVec
	tokensIssued    *prometheus.CounterVec
	grantsStarted   prometheus.Counter
	grantsFinished  *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, including the standard Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Endpoint handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "method", "status"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "OAuth protocol errors by code.",
		}, []string{"endpoint", "error"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Credentials issued by kind and grant type.",
		}, []string{"kind", "grant_type"}),
		grantsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_started_total",
			Help:      "Authorization grants created.",
		}),
		grantsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_finished_total",
			Help:      "Authorization grants finished by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestDuration,
		m.protocolErrors,
		m.tokensIssued,
		m.grantsStarted,
		m.grantsFinished,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one handled request.
func (m *Metrics) ObserveRequest(endpoint, method string, status int, elapsed time.Duration) {
	m.requestDuration.WithLabelValues(endpoint, method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// CountProtocolError records a protocol error emitted at an endpoint.
func (m *Metrics) CountProtocolError(endpoint, code string) {
	m.protocolErrors.WithLabelValues(endpoint, code).Inc()
}

// CountToken records an issued credential.
func (m *Metrics) CountToken(kind, grantType string) {
	m.tokensIssued.WithLabelValues(kind, grantType).Inc()
}

// CountGrantStarted records a new authorization grant.
func (m *Metrics) CountGrantStarted() {
	m.grantsStarted.Inc()
}

// CountGrantFinished records a terminal grant outcome (completed, denied,
// expired).
func (m *Metrics) CountGrantFinished(outcome string) {
	m.grantsFinished.WithLabelValues(outcome).Inc()
}

// Middleware instruments an endpoint with the request duration histogram.
func (m *Metrics) Middleware(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			m.ObserveRequest(endpoint, r.Method, sw.status, time.Since(start))
		})
	}
}

// statusWriter captures the status code written by the handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
