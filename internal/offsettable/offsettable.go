// Package offsettable holds the NodeOffsets shared resource: the leader's
// in-memory, volatile record of how far each replica has consumed its
// write-ahead stream. It is never persisted, so a restart drops it
// entirely. A leadership change does not clear it: LeaderJoint resets only
// ConditionCron on stepping down, and entries recorded earlier stay until a
// later PING overwrites them or Forget removes them.
package offsettable

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ccyuki/zeppelin/internal/topology"
)

// Table is guarded by a single mutex: writers are RPC handlers processing
// PING, readers are the ConditionCron ticker. Critical sections are O(ping
// batch), matching the concurrency model's description of this resource.
type Table struct {
	mu      sync.Mutex
	offsets map[topology.NodeOffsetKey]topology.NodeOffset
}

// New returns an empty offset table.
func New() *Table {
	return &Table{offsets: make(map[topology.NodeOffsetKey]topology.NodeOffset)}
}

// Update records the latest offset reported for key.
func (t *Table) Update(key topology.NodeOffsetKey, offset topology.NodeOffset) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offsets[key] = offset
}

// Get returns the last known offset for key.
func (t *Table) Get(key topology.NodeOffsetKey) (topology.NodeOffset, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.offsets[key]
	return o, ok
}

// Forget drops every entry for a given (table, partition) pair, used when a
// partition is dropped or a migration is cancelled.
func (t *Table) Forget(table string, partition int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.offsets {
		if k.Table == table && k.Partition == partition {
			delete(t.offsets, k)
		}
	}
}

// DebugDump renders every known offset as a sorted, human-readable line,
// supplemented from the source's DebugOffset admin path.
func (t *Table) DebugDump() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	lines := make([]string, 0, len(t.offsets))
	for k, o := range t.offsets {
		lines = append(lines, fmt.Sprintf("%s/%d/%s filenum=%d offset=%d", k.Table, k.Partition, k.Node, o.FileNum, o.Offset))
	}
	sort.Strings(lines)
	return lines
}
