// Package migrateregister implements MigrateRegister: a durable staging
// area for partition relocation intents, so a single Migrate RPC does not
// have to hold every relocation in flight at once.
package migrateregister

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ccyuki/zeppelin/internal/replog"
	"github.com/ccyuki/zeppelin/internal/topology"
	"github.com/ccyuki/zeppelin/pkg/metaerr"
)

// MigrateRegister persists an ordered list of MigrationItems under the
// "migrate" log key. Its own mutex guards both the in-memory cursor and the
// log I/O, since callers assume serialized access.
type MigrateRegister struct {
	log    replog.Log
	logger *zap.Logger

	mu    sync.Mutex
	items []topology.MigrationItem
}

// New returns an empty MigrateRegister. Call Reload to reconstruct the
// cursor from the log before serving any other operation.
func New(log replog.Log, logger *zap.Logger) *MigrateRegister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MigrateRegister{log: log, logger: logger}
}

// Reload reconstructs the in-memory cursor from the log alone.
func (r *MigrateRegister) Reload(ctx context.Context) error {
	data, err := r.log.Read(ctx, topology.MigrateLogKey)
	if err == metaerr.NotFound {
		r.mu.Lock()
		r.items = nil
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	items, err := topology.UnmarshalMigrationItems(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.items = items
	r.mu.Unlock()
	return nil
}

// Init persists diffs as the new migration queue. Fails with AlreadyExists
// if a migration is already in progress and non-empty, InvalidArgument if
// diffs is empty.
func (r *MigrateRegister) Init(ctx context.Context, diffs []topology.MigrationItem) error {
	if len(diffs) == 0 {
		return metaerr.InvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.items) > 0 {
		return metaerr.AlreadyExists
	}

	if err := r.persist(ctx, diffs); err != nil {
		return err
	}
	r.items = diffs
	return nil
}

// GetN returns up to n items from the head of the queue without removing
// them; items are only removed once their ConditionCron-gated completion
// acknowledges back via Ack. Returns NotFound if the queue is empty.
func (r *MigrateRegister) GetN(n int) ([]topology.MigrationItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.items) == 0 {
		return nil, metaerr.NotFound
	}
	if n > len(r.items) {
		n = len(r.items)
	}
	out := make([]topology.MigrationItem, n)
	copy(out, r.items[:n])
	return out, nil
}

// Ack persistently drops item from the queue, wherever it sits. Items are
// not necessarily acked in head order: each one is gated on its own
// ConditionCron completion, and the spec gives no guaranteed inter-condition
// firing order, so a later item can legitimately catch up and ack before an
// earlier one. Returns NotFound if item is not currently staged.
func (r *MigrateRegister) Ack(ctx context.Context, item topology.MigrationItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, staged := range r.items {
		if staged == item {
			idx = i
			break
		}
	}
	if idx == -1 {
		return metaerr.NotFound
	}

	remaining := make([]topology.MigrationItem, 0, len(r.items)-1)
	remaining = append(remaining, r.items[:idx]...)
	remaining = append(remaining, r.items[idx+1:]...)

	if err := r.persist(ctx, remaining); err != nil {
		return err
	}
	r.items = remaining
	return nil
}

// Cancel clears the queue.
func (r *MigrateRegister) Cancel(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.persist(ctx, nil); err != nil {
		return err
	}
	r.items = nil
	return nil
}

// Len reports how many items remain, for status reporting.
func (r *MigrateRegister) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *MigrateRegister) persist(ctx context.Context, items []topology.MigrationItem) error {
	data, err := topology.MarshalMigrationItems(items)
	if err != nil {
		return err
	}
	return r.log.Write(ctx, topology.MigrateLogKey, data)
}
