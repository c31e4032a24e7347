// Package conditioncron implements ConditionCron: a deferred-action engine
// that withholds an UpdateTask until a per-partition replication-offset
// predicate holds.
package conditioncron

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ccyuki/zeppelin/internal/metrics"
	"github.com/ccyuki/zeppelin/internal/offsettable"
	"github.com/ccyuki/zeppelin/internal/topology"
)

const (
	defaultInterval     = 200 * time.Millisecond
	defaultTimeout      = 30 * time.Second
	defaultGapTolerance = int64(4096)
)

// entry is gated on condition and, when it holds, either enqueues task
// (the common case) or invokes onFire (for callers like ProcessMigrate
// that must bundle more than one side effect — several enqueues plus a
// MigrateRegister ack — into a single atomic fire). Exactly one of task /
// onFire is set. onTimeout, if set, replaces the default
// SetMaster/RemoveSlave→SetActive compensation on timeout.
type entry struct {
	condition   topology.OffsetCondition
	task        *topology.UpdateTask
	onFire      func()
	onTimeout   func()
	explicitKey string
	addedAt     time.Time
}

// Enqueuer is the subset of UpdateThread a ConditionCron needs: a
// non-blocking enqueue for fired tasks.
type Enqueuer interface {
	PendingUpdate(task topology.UpdateTask)
}

// ConditionCron periodically evaluates pending offset conditions against a
// shared offsettable.Table and enqueues tasks whose condition has become
// satisfied.
type ConditionCron struct {
	offsets      *offsettable.Table
	enqueue      Enqueuer
	logger       *zap.Logger
	interval     time.Duration
	timeout      time.Duration
	gapTolerance int64

	mu      sync.Mutex
	pending map[string]*entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option customizes a ConditionCron at construction time.
type Option func(*ConditionCron)

func WithInterval(d time.Duration) Option  { return func(c *ConditionCron) { c.interval = d } }
func WithTimeout(d time.Duration) Option   { return func(c *ConditionCron) { c.timeout = d } }
func WithGapTolerance(bytes int64) Option  { return func(c *ConditionCron) { c.gapTolerance = bytes } }

// New returns a ConditionCron. Call Start to begin ticking.
func New(offsets *offsettable.Table, enqueue Enqueuer, logger *zap.Logger, opts ...Option) *ConditionCron {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &ConditionCron{
		offsets:      offsets,
		enqueue:      enqueue,
		logger:       logger,
		interval:     defaultInterval,
		timeout:      defaultTimeout,
		gapTolerance: defaultGapTolerance,
		pending:      make(map[string]*entry),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins the periodic tick goroutine.
func (c *ConditionCron) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Stop halts the tick goroutine. Pending entries stay in memory; Reset,
// which LeaderJoint calls on stepping down, is what drops them.
func (c *ConditionCron) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// AddCronTask registers task to fire once condition holds. Idempotent on
// (table, partition, task kind): a second registration for the same key
// replaces the first.
func (c *ConditionCron) AddCronTask(condition topology.OffsetCondition, task topology.UpdateTask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := task
	c.pending[task.Key()] = &entry{condition: condition, task: &t, addedAt: time.Now()}
}

// AddCronFunc registers onFire to run once condition holds, keyed by key
// for idempotency and Cancel/Reset purposes. onTimeout, if non-nil, runs
// instead of the default compensation when the entry times out.
func (c *ConditionCron) AddCronFunc(key string, condition topology.OffsetCondition, onFire, onTimeout func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[key] = &entry{condition: condition, onFire: onFire, onTimeout: onTimeout, explicitKey: key, addedAt: time.Now()}
}

// Cancel drops every pending entry for (table, partition), used by
// CancelMigrate and DropTable to best-effort abandon in-flight gating.
func (c *ConditionCron) Cancel(table string, partition int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.pending {
		if e.condition.Table == table && e.condition.Partition == partition {
			delete(c.pending, key)
		}
	}
}

// Reset drops every pending entry, used on leadership loss.
func (c *ConditionCron) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string]*entry)
}

// Len reports how many entries are currently pending, for tests and status
// reporting.
func (c *ConditionCron) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *ConditionCron) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick()
		case <-c.stopCh:
			return
		}
	}
}

func (c *ConditionCron) tick() {
	now := time.Now()

	c.mu.Lock()
	due := make([]*entry, 0, len(c.pending))
	for _, e := range c.pending {
		due = append(due, e)
	}
	c.mu.Unlock()

	for _, e := range due {
		c.evaluate(e, now)
	}
}

func (c *ConditionCron) evaluate(e *entry, now time.Time) {
	refKey := topology.NodeOffsetKey{Table: e.condition.Table, Partition: e.condition.Partition, Node: e.condition.Reference}
	candKey := topology.NodeOffsetKey{Table: e.condition.Table, Partition: e.condition.Partition, Node: e.condition.Candidate}

	ref, refOK := c.offsets.Get(refKey)
	cand, candOK := c.offsets.Get(candKey)

	if refOK && candOK && conditionHolds(ref, cand, c.gapTolerance) {
		c.fire(e)
		return
	}

	if now.Sub(e.addedAt) > c.timeout {
		c.timeoutWithCompensation(e)
	}
	// Otherwise: either offset missing or condition not yet satisfied and
	// not yet timed out — skip this tick, keep waiting.
}

func (c *ConditionCron) fire(e *entry) {
	c.mu.Lock()
	delete(c.pending, e.key())
	c.mu.Unlock()

	metrics.RecordConditionCronFire()

	if e.onFire != nil {
		e.onFire()
		return
	}
	c.enqueue.PendingUpdate(*e.task)
}

func (c *ConditionCron) timeoutWithCompensation(e *entry) {
	c.mu.Lock()
	delete(c.pending, e.key())
	c.mu.Unlock()

	c.logger.Warn("conditioncron: condition timed out, cancelling",
		zap.String("table", e.condition.Table), zap.Int("partition", e.condition.Partition))

	metrics.RecordConditionCronTimeout()

	if e.onTimeout != nil {
		e.onTimeout()
		return
	}

	if e.task != nil && (e.task.Kind == topology.TaskSetMaster || e.task.Kind == topology.TaskRemoveSlave) {
		c.enqueue.PendingUpdate(topology.UpdateTask{
			Kind: topology.TaskSetActive, Table: e.condition.Table, Partition: e.condition.Partition,
		})
	}
}

// key returns the pending-map key for an entry, recovering it from task
// when present (AddCronTask callers don't pass one explicitly).
func (e *entry) key() string {
	if e.task != nil {
		return e.task.Key()
	}
	return e.explicitKey
}

// conditionHolds reports whether candidate has caught up to reference
// within gapTolerance bytes, per the OffsetCondition definition. The two
// filenums are compared directly first since NodeOffset.Sub treats a filenum
// mismatch as an unbounded, unsatisfiable gap; within the same file, Sub
// gives the exact byte distance candidate still has to cover.
func conditionHolds(reference, candidate topology.NodeOffset, gapTolerance int64) bool {
	if candidate.FileNum > reference.FileNum {
		return true
	}
	if candidate.FileNum < reference.FileNum {
		return false
	}
	gap, ok := candidate.Sub(reference)
	if !ok {
		return false
	}
	return gap <= gapTolerance
}
