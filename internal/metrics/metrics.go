// Package metrics exports the pool's health signals as Prometheus
// gauges through a prometheus/client_golang registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3liz/qjazz/internal/dispatch"
)

// Register builds a fresh prometheus.Registry wired to pool via
// pull-based GaugeFuncs (sampled on every scrape, not accumulated) and
// returns the HTTP handler the supervisor serves at /metrics.
func Register(pool *dispatch.Pool, startedAt time.Time) http.Handler {
	reg := prometheus.NewRegistry()

	gauge := func(name, help string, value func(dispatch.Stats) float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return value(pool.Stats()) },
		))
	}

	gauge("qjazz_children_total", "Total number of child processes.",
		func(s dispatch.Stats) float64 { return float64(s.Total) })
	gauge("qjazz_children_idle", "Child processes currently idle.",
		func(s dispatch.Stats) float64 { return float64(s.Idle) })
	gauge("qjazz_children_busy", "Child processes currently serving a request.",
		func(s dispatch.Stats) float64 { return float64(s.Busy) })
	gauge("qjazz_children_dead", "Child processes currently dead or draining.",
		func(s dispatch.Stats) float64 { return float64(s.Dead) })
	gauge("qjazz_requests_waiting", "Requests currently waiting for an idle child.",
		func(s dispatch.Stats) float64 { return float64(s.Waiting) })
	gauge("qjazz_failure_pressure", "EWMA of the child-death rate, normalized to the configured number of children.",
		func(s dispatch.Stats) float64 { return s.FailurePressure })
	gauge("qjazz_dead_fraction", "Fraction of child processes currently dead.",
		func(s dispatch.Stats) float64 { return s.DeadFraction })
	gauge("qjazz_request_pressure", "Waiting-queue depth as a fraction of max_waiting_requests.",
		func(s dispatch.Stats) float64 { return s.RequestPressure })

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "qjazz_uptime_seconds", Help: "Seconds since the pool started."},
		func() float64 { return time.Since(startedAt).Seconds() },
	))

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
