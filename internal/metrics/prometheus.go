package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus maps the dotted metric names onto three labelled collectors.
type Prometheus struct {
	registry  *prometheus.Registry
	events    *prometheus.CounterVec
	durations *prometheus.HistogramVec
	gauges    *prometheus.GaugeVec
}

func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "site_dispatcher"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Prometheus{
		registry: reg,
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of controller events by name",
			},
			[]string{"event"},
		),
		durations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Operation latency in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		gauges: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "state",
				Help:      "Current controller state values by name",
			},
			[]string{"name"},
		),
	}
}

func (p *Prometheus) Increment(metric string) {
	p.events.WithLabelValues(labelName(metric)).Inc()
}

func (p *Prometheus) Duration(metric string, duration time.Duration) {
	p.durations.WithLabelValues(labelName(metric)).Observe(duration.Seconds())
}

func (p *Prometheus) Gauge(metric string, value int) {
	p.gauges.WithLabelValues(labelName(metric)).Set(float64(value))
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func labelName(metric string) string {
	return strings.ReplaceAll(metric, ".", "_")
}
