// Invariants are conditions that must hold unless podium itself has a bug: a cache built with a non-positive
// capacity, a session handed back to a pool that never lent it, a rank index yielding entries out of order.
// A violation is logged, counted in `podium_invariants_total{module,type}` and, when built in test mode, panics.
// It is still up to the caller to handle the erroneous case, e.g. clamp the capacity or return early.
//
// Store and network failures are not invariants. A Postgres timeout is an expected external condition and is
// counted by the store failure metrics instead.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "podium",
	Name:      "invariants_total",
	Help:      "The total number of invariant violations.",
}, []string{
	"module", // The module in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

// RaiseInvariant records a violated invariant of `module`.
func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// GetMetricValue returns the current value of the invariant counter labeled with `module` and `invariantType`.
func GetMetricValue(module, invariantType string) int {
	return int(CounterValue(invariantsMetric.WithLabelValues(module, invariantType)))
}

// CounterValue reads the current value of a prometheus counter. Mostly useful in tests.
func CounterValue(counter prometheus.Counter) float64 {
	metric := new(promclient.Metric)
	if err := counter.Write(metric); err != nil {
		slog.Error("Failed to read counter value.", "error", err)
		return 0
	}
	return metric.GetCounter().GetValue()
}
