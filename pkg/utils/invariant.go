// Package utils hosts the cross-cutting helpers of the cache engine: invariant raising, logging setup,
// build information and small shared types.
//
// Invariants are conditions in code that must be true; otherwise, there is a bug in code or the host
// is misusing the engine (calling a cached function outside a render lifecycle, registering a work
// store without a default cache-life profile, handing the engine a bound-argument payload of the
// wrong shape). Think of what you'd `panic()` on, but you don't want to crash a server render just
// because of that violation. If an invariant is violated, a log error is recorded, and a monitoring
// counter is incremented that will trigger an alert. It is still up to the caller to handle the
// erroneous case, typically by returning a configuration error to the host.
//
// Do not use invariants for conditions that depend on external factors; a cache handler failing to
// reach its backing store is not an invariant violation. A handler returning an entry the engine's
// own code could not have produced is.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "invariants_total",
	Help: "The total number of invariant violations",
}, []string{
	"module", // The module in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// GetMetricValue returns the current value of invariant metric with labels `module` and `invariantType`.
func GetMetricValue(module, invariantType string) int {
	var metric = &promclient.Metric{}
	if err := invariantsMetric.WithLabelValues(module, invariantType).Write(metric); err != nil {
		slog.Error(err.Error())
		return 0
	}
	return int(metric.Counter.GetValue())
}
