// Package metrics exposes delivery, token and validation counters to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/and161185/ogx-gateway/internal/model"
	"github.com/and161185/ogx-gateway/internal/ogx"
)

const namespace = "ogx_gateway"

// Collector owns the gateway metrics and the registry they live in.
type Collector struct {
	reg *prometheus.Registry

	Transitions *prometheus.CounterVec
	Refreshes   *prometheus.CounterVec
	Rejections  *prometheus.CounterVec
	Health      *prometheus.GaugeVec
}

// New builds a Collector on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "delivery",
				Name:      "transitions_total",
				Help:      "Message status transitions",
			},
			[]string{"from", "to"},
		),
		Refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "refreshes_total",
				Help:      "Access token refreshes by result (success, failure, degraded)",
			},
			[]string{"result"},
		),
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "validation",
				Name:      "rejections_total",
				Help:      "Validation violations of rejected messages by kind",
			},
			[]string{"kind"},
		),
		Health: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"check"},
		),
	}
	c.reg.MustRegister(
		c.Transitions, c.Refreshes, c.Rejections, c.Health,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// OnTransition counts one status change.
func (c *Collector) OnTransition(_ context.Context, tr model.Transition) {
	from := string(tr.From)
	if from == "" {
		from = "new"
	}
	c.Transitions.WithLabelValues(from, string(tr.To)).Inc()
}

// ObserveRefresh counts one token refresh outcome.
func (c *Collector) ObserveRefresh(result string) {
	c.Refreshes.WithLabelValues(result).Inc()
}

// ObserveRejection counts one validation violation.
func (c *Collector) ObserveRejection(kind ogx.Kind) {
	c.Rejections.WithLabelValues(KindLabel(kind)).Inc()
}

// ObserveHealth records the result of a named health check.
func (c *Collector) ObserveHealth(check string, err error) {
	v := 1.0
	if err != nil {
		v = 0
	}
	c.Health.WithLabelValues(check).Set(v)
}

// KindLabel renders a Kind as a label value, e.g. "field_validation_error".
func KindLabel(k ogx.Kind) string {
	return strings.ReplaceAll(k.String(), " ", "_")
}
