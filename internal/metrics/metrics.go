package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "zeppelin_meta"
)

var (
	// Epoch tracks the current committed topology epoch.
	Epoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch",
			Help:      "Current committed topology epoch",
		},
	)

	// AliveNodes tracks the number of data nodes currently considered up.
	AliveNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alive_nodes",
			Help:      "Number of data nodes currently considered alive",
		},
	)

	// CommandsTotal counts total commands
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of client commands dispatched",
		},
		[]string{"cmd", "status"}, // cmd: PING/PULL/SETMASTER/..., status: ok/error
	)

	// CommandDuration measures command latency
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command dispatch latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"cmd"},
	)

	// UpdateTasksTotal counts topology update tasks by outcome.
	UpdateTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_tasks_total",
			Help:      "Total number of topology update tasks processed",
		},
		[]string{"kind", "outcome"}, // outcome: applied/dropped
	)

	// ApplyDuration measures InfoStore.ApplyBatch latency.
	ApplyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Latency of committing a topology update batch",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// RefreshDuration measures InfoStore.Refresh latency.
	RefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Latency of reloading topology from the replicated log",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// ConditionCronEvents counts ConditionCron fire/timeout events.
	ConditionCronEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "condition_cron_events_total",
			Help:      "Total number of ConditionCron fire/timeout events",
		},
		[]string{"event"}, // fired/timeout
	)

	// MigrationAcksTotal counts acknowledged migration items.
	MigrationAcksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_acks_total",
			Help:      "Total number of acknowledged migration items",
		},
	)

	// QPS is the rolling command count for the most recently closed cron
	// window, reset by the server package each tick.
	QPS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "qps",
			Help:      "Commands processed during the most recent cron window",
		},
	)

	// Uptime tracks process uptime.
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Server uptime in seconds",
		},
	)

	// Info exposes build info
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Meta node build info",
		},
		[]string{"version", "go_version"},
	)
)

// InitInfo initializes info metric
func InitInfo(version, goVersion string) {
	Info.WithLabelValues(version, goVersion).Set(1)
}
