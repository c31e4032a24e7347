package metrics

import (
	"sync"
	"time"
)

// Collector collects periodic process-level metrics and rolling QPS.
type Collector struct {
	startTime time.Time

	mu       sync.Mutex
	qpsCount uint64
}

// NewCollector creates a collector
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
	}
}

// Collect collects periodic metrics
func (c *Collector) Collect() {
	c.collectUptime()
}

func (c *Collector) collectUptime() {
	Uptime.Set(time.Since(c.startTime).Seconds())
}

// RecordCommandEntry increments the rolling QPS counter for the current
// window. Called once per dispatched command, regardless of outcome.
func (c *Collector) RecordCommandEntry() {
	c.mu.Lock()
	c.qpsCount++
	c.mu.Unlock()
}

// FlushQPSWindow publishes the rolling count to the QPS gauge and resets
// the counter for the next window. Called once per cron tick.
func (c *Collector) FlushQPSWindow() {
	c.mu.Lock()
	n := c.qpsCount
	c.qpsCount = 0
	c.mu.Unlock()
	QPS.Set(float64(n))
}

// RecordCommand records command execution
func RecordCommand(cmd string, duration time.Duration, success bool) {
	status := "ok"
	if !success {
		status = "error"
	}

	CommandsTotal.WithLabelValues(cmd, status).Inc()
	CommandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordUpdateTask records a topology update task's terminal outcome.
func RecordUpdateTask(kind string, applied bool) {
	outcome := "applied"
	if !applied {
		outcome = "dropped"
	}
	UpdateTasksTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordConditionCronFire records a ConditionCron fire event.
func RecordConditionCronFire() {
	ConditionCronEvents.WithLabelValues("fired").Inc()
}

// RecordConditionCronTimeout records a ConditionCron timeout event.
func RecordConditionCronTimeout() {
	ConditionCronEvents.WithLabelValues("timeout").Inc()
}

// RecordMigrationAck records one acknowledged migration item.
func RecordMigrationAck() {
	MigrationAcksTotal.Inc()
}
