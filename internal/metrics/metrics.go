// Package metrics exposes ingestion counters. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "plotviz"

type Metrics struct {
	artifacts      *prometheus.CounterVec
	members        *prometheus.CounterVec
	discarded      *prometheus.CounterVec
	bundleDuration prometheus.Histogram
	queueDepth     prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &Metrics{
		artifacts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_ingested_total",
			Help:      "Artifacts that reached a terminal status, by upload kind and status",
		}, []string{"kind", "status"}),
		members: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "members_processed_total",
			Help:      "Archive members processed, by outcome",
		}, []string{"outcome"}),
		discarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assembly_discarded_total",
			Help:      "Entities discarded while assembling member documents",
		}, []string{"entity"}),
		bundleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bundle_duration_seconds",
			Help:      "Wall-clock time of the background bundle phase",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_queue_depth",
			Help:      "Bundle jobs waiting in the in-process queue",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status code",
		}, []string{"route", "method", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) ArtifactCompleted(kind, status string) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(kind, status).Inc()
}

// MemberProcessed takes "ok" or the error code of the failure.
func (m *Metrics) MemberProcessed(outcome string) {
	if m == nil {
		return
	}
	m.members.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Discarded(clusters, points, edges int) {
	if m == nil {
		return
	}
	m.discarded.WithLabelValues("cluster").Add(float64(clusters))
	m.discarded.WithLabelValues("point").Add(float64(points))
	m.discarded.WithLabelValues("edge").Add(float64(edges))
}

func (m *Metrics) BundleDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.bundleDuration.Observe(d.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) HTTPRequest(route, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
