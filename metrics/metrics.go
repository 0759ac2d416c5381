package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/projecteru2/core/log"
)

const shutdownTimeout = 5 * time.Second

// Metrics holds the engine's collectors, registered on one registry.
type Metrics struct {
	reg *prometheus.Registry

	provisions    *prometheus.CounterVec
	provisionTime *prometheus.HistogramVec
	compensations *prometheus.CounterVec
	deletions     *prometheus.CounterVec
	portsInUse    *prometheus.GaugeVec
	databases     *prometheus.GaugeVec
	execLatency   *prometheus.HistogramVec
	orphans       prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		provisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sprout_provisions_total",
			Help: "Provisioning attempts by creation type and result",
		}, []string{"type", "result"}),
		provisionTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sprout_provision_duration_seconds",
			Help:    "Provisioning duration by creation type",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), //nolint:mnd
		}, []string{"type"}),
		compensations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sprout_compensations_total",
			Help: "Compensation steps run after failed provisioning, by step and result",
		}, []string{"step", "result"}),
		deletions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sprout_deletions_total",
			Help: "Deletion attempts by result",
		}, []string{"result"}),
		portsInUse: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sprout_ports_in_use",
			Help: "Ports held by live databases per host",
		}, []string{"host"}),
		databases: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sprout_databases",
			Help: "Databases per host and status",
		}, []string{"host", "status"}),
		execLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sprout_exec_duration_seconds",
			Help:    "Host command latency by host and outcome",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), //nolint:mnd
		}, []string{"host", "outcome"}),
		orphans: f.NewCounter(prometheus.CounterOpts{
			Name: "sprout_orphan_snapshots_removed_total",
			Help: "Clone-origin snapshots removed by orphan cleanup",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// The recorders below accept a nil receiver so callers need no guards.

func (m *Metrics) Provision(typ, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.provisions.WithLabelValues(typ, result).Inc()
	m.provisionTime.WithLabelValues(typ).Observe(elapsed.Seconds())
}

func (m *Metrics) Compensation(step string, err error) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(step, outcome(err)).Inc()
}

func (m *Metrics) Deletion(err error) {
	if m == nil {
		return
	}
	m.deletions.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) PortsInUse(host string, n int) {
	if m == nil {
		return
	}
	m.portsInUse.WithLabelValues(host).Set(float64(n))
}

// Databases replaces the per-status gauge values of host.
func (m *Metrics) Databases(host string, byStatus map[string]int) {
	if m == nil {
		return
	}
	m.databases.DeletePartialMatch(prometheus.Labels{"host": host})
	for status, n := range byStatus {
		m.databases.WithLabelValues(host, status).Set(float64(n))
	}
}

// ObserveExec matches executor.Observer.
func (m *Metrics) ObserveExec(host string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.execLatency.WithLabelValues(host, outcome(err)).Observe(elapsed.Seconds())
}

func (m *Metrics) OrphansRemoved(n int) {
	if m == nil {
		return
	}
	m.orphans.Add(float64(n))
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: shutdownTimeout}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.WithFunc("metrics.Serve").Infof(ctx, "serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
