package identity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "usergate"

// Auth operation results.
const (
	resultSuccess  = "success"
	resultFailure  = "failure"
	resultConflict = "conflict"
	resultError    = "error"
)

var authOperations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "operations_total",
		Help:      "Authentication operations by type and result",
	},
	[]string{"operation", "result"},
)

func recordAuthOperation(operation, result string) {
	authOperations.WithLabelValues(operation, result).Inc()
}
