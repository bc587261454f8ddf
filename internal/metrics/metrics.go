// Package metrics holds the Prometheus collectors for the sync engine.
// They register on the default registry and are served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "logbook"

var SyncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "sync",
	Name:      "cycles_total",
	Help:      "Sync cycles by trigger reason and outcome.",
}, []string{"reason", "status"})

var SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "sync",
	Name:      "cycle_duration_seconds",
	Help:      "Wall time of a full push + pull cycle.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
})

var PushedEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "push",
	Name:      "entries_total",
	Help:      "Outbox entries processed by push, by table and result (applied, skipped, failed).",
}, []string{"table", "result"})

var PulledRows = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "pull",
	Name:      "rows_total",
	Help:      "Rows applied locally by pull, by table and action (upserted, pruned, protected).",
}, []string{"table", "action"})

var PullFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "pull",
	Name:      "table_failures_total",
	Help:      "Tables whose pull failed.",
}, []string{"table"})

var OutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "outbox",
	Name:      "depth",
	Help:      "Mutations waiting to be pushed.",
})

var Online = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "connectivity",
	Name:      "online",
	Help:      "Whether the remote store is reachable (1) or not (0).",
})

var RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "retry",
	Name:      "attempts_total",
	Help:      "Remote call attempts by operation and outcome (ok, retry, failed).",
}, []string{"op", "outcome"})

var Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "settlement",
	Name:      "payments_total",
	Help:      "Settlement payments recorded, by whether they settled the transaction.",
}, []string{"settled"})

// SetOnline records connectivity state.
func SetOnline(online bool) {
	if online {
		Online.Set(1)
		return
	}
	Online.Set(0)
}

var MirroredPages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "notion",
	Name:      "pages_total",
	Help:      "Notion mirror page operations by action (created, updated, archived, failed).",
}, []string{"action"})

var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "API requests by route pattern and status class.",
}, []string{"route", "class"})
