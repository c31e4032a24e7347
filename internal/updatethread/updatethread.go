// Package updatethread implements UpdateThread: the single-consumer queue
// that serializes application of topology UpdateTasks so concurrent writers
// never race each other onto the replicated log.
package updatethread

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ccyuki/zeppelin/internal/infostore"
	"github.com/ccyuki/zeppelin/internal/metrics"
	"github.com/ccyuki/zeppelin/internal/topology"
	"github.com/ccyuki/zeppelin/pkg/metaerr"
)

// defaultApplyMaxRetry bounds how many times a batch is replayed against a
// freshly-refreshed revision after a Conflict before it is dropped.
const defaultApplyMaxRetry = 5

// UpdateThread is the per-process singleton applier. At most one should run
// per process, matching the "one worker" invariant in the component design.
type UpdateThread struct {
	store  *infostore.InfoStore
	logger *zap.Logger

	applyMaxRetry int

	mu      sync.Mutex
	cond    *sync.Cond
	pending []topology.UpdateTask
	closed  bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	onDrop func(dropped []topology.UpdateTask, err error)
}

// Option customizes an UpdateThread at construction time.
type Option func(*UpdateThread)

// WithApplyMaxRetry overrides the default Conflict retry bound.
func WithApplyMaxRetry(n int) Option {
	return func(u *UpdateThread) { u.applyMaxRetry = n }
}

// WithDropCallback installs a hook invoked whenever a batch is dropped
// after exhausting retries, so the owning component (liveness scanner,
// ConditionCron) can decide whether to regenerate the tasks.
func WithDropCallback(f func(dropped []topology.UpdateTask, err error)) Option {
	return func(u *UpdateThread) { u.onDrop = f }
}

// New returns an UpdateThread bound to store. Call Start to begin draining.
func New(store *infostore.InfoStore, logger *zap.Logger, opts ...Option) *UpdateThread {
	if logger == nil {
		logger = zap.NewNop()
	}
	u := &UpdateThread{
		store:         store,
		logger:        logger,
		applyMaxRetry: defaultApplyMaxRetry,
		stopCh:        make(chan struct{}),
	}
	u.cond = sync.NewCond(&u.mu)
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Start begins the single worker goroutine.
func (u *UpdateThread) Start() {
	u.wg.Add(1)
	go u.loop()
}

// Stop signals the worker to drain whatever is pending and exit. Stop
// blocks until the worker goroutine has returned.
func (u *UpdateThread) Stop() {
	u.mu.Lock()
	u.closed = true
	u.cond.Broadcast()
	u.mu.Unlock()

	close(u.stopCh)
	u.wg.Wait()
}

// PendingUpdate is the non-blocking, unbounded FIFO enqueue. Tasks enqueued
// by the same caller in program order are applied in that order; across
// callers only the enqueue order (lock acquisition order here) matters.
func (u *UpdateThread) PendingUpdate(task topology.UpdateTask) {
	u.mu.Lock()
	u.pending = append(u.pending, task)
	u.cond.Signal()
	u.mu.Unlock()
}

func (u *UpdateThread) loop() {
	defer u.wg.Done()
	for {
		batch, stopped := u.drainBatch()
		if len(batch) > 0 {
			u.applyBatchWithRetry(batch)
		}
		if stopped {
			return
		}
	}
}

// drainBatch blocks until at least one task is pending (or Stop has been
// called), then atomically takes the whole pending slice as one batch —
// this is the "coalescing a contiguous batch into one revision" behavior:
// whatever accumulated between worker iterations gets applied as a single
// InfoStore.ApplyBatch commit.
func (u *UpdateThread) drainBatch() ([]topology.UpdateTask, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for len(u.pending) == 0 && !u.closed {
		u.cond.Wait()
	}

	batch := u.pending
	u.pending = nil
	return batch, u.closed && len(batch) == 0
}

func (u *UpdateThread) applyBatchWithRetry(batch []topology.UpdateTask) {
	ctx := context.Background()

	for attempt := 0; attempt <= u.applyMaxRetry; attempt++ {
		err := u.store.ApplyBatch(ctx, batch)
		if err == nil {
			for _, task := range batch {
				metrics.RecordUpdateTask(task.Kind.String(), true)
			}
			if rerr := u.store.Refresh(ctx); rerr != nil {
				u.logger.Warn("updatethread: refresh after apply failed", zap.Error(rerr))
			}
			return
		}

		if !errors.Is(err, metaerr.Conflict) {
			u.logger.Warn("updatethread: apply failed, dropping batch",
				zap.Int("batch_size", len(batch)), zap.Error(err))
			u.drop(batch, err)
			return
		}

		if rerr := u.store.Refresh(ctx); rerr != nil {
			u.logger.Warn("updatethread: refresh before retry failed", zap.Error(rerr))
		}
		time.Sleep(time.Duration(attempt+1) * 5 * time.Millisecond)
	}

	u.logger.Warn("updatethread: exhausted retries, dropping batch",
		zap.Int("batch_size", len(batch)), zap.Int("retries", u.applyMaxRetry))
	u.drop(batch, metaerr.Conflict)
}

func (u *UpdateThread) drop(batch []topology.UpdateTask, err error) {
	for _, task := range batch {
		metrics.RecordUpdateTask(task.Kind.String(), false)
	}
	if u.onDrop != nil {
		u.onDrop(batch, err)
	}
}
