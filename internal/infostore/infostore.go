// Package infostore implements the epoch-versioned in-memory mirror of
// cluster topology, InfoStore from the component design: reads and writes
// flow through a replog.Log, and every committed revision is published by
// pointer swap with the epoch written last, so a concurrent reader never
// observes a torn mix of an old epoch with new tables.
package infostore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ccyuki/zeppelin/internal/metrics"
	"github.com/ccyuki/zeppelin/internal/replog"
	"github.com/ccyuki/zeppelin/internal/topology"
	"github.com/ccyuki/zeppelin/pkg/metaerr"
)

// InfoStore is the authoritative, epoch-consistent view of cluster topology.
type InfoStore struct {
	log    replog.Log
	ttl    time.Duration
	logger *zap.Logger

	rev   atomic.Pointer[topology.Revision]
	index *topology.TableIndex

	liveMu   sync.Mutex
	liveSeen map[topology.Addr]time.Time
}

// New returns an InfoStore with an empty revision; call Refresh to load
// topology from the log before serving any query.
func New(log replog.Log, nodeAliveTTL time.Duration, logger *zap.Logger) *InfoStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &InfoStore{
		log:      log,
		ttl:      nodeAliveTTL,
		logger:   logger,
		index:    topology.NewTableIndex(),
		liveSeen: make(map[topology.Addr]time.Time),
	}
	s.rev.Store(topology.NewEmptyRevision())
	return s
}

// Epoch is a lock-free read of the currently published epoch.
func (s *InfoStore) Epoch() uint64 {
	return s.rev.Load().Epoch
}

func (s *InfoStore) current() *topology.Revision {
	return s.rev.Load()
}

// Refresh reloads topology from the log and publishes it. Idempotent.
func (s *InfoStore) Refresh(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.RefreshDuration.Observe(time.Since(start).Seconds()) }()

	nodesData, err := s.log.Read(ctx, topology.NodesLogKey)
	if err != nil {
		if err == metaerr.NotFound {
			return fmt.Errorf("%w: log has not produced a topology snapshot yet", metaerr.Incomplete)
		}
		return err
	}
	nodes, err := topology.UnmarshalNodes(nodesData)
	if err != nil {
		return err
	}

	tablesData, err := s.log.Read(ctx, topology.TablesLogKey)
	var names []string
	if err == metaerr.NotFound {
		names = nil
	} else if err != nil {
		return err
	} else {
		names, err = topology.UnmarshalTableNames(tablesData)
		if err != nil {
			return err
		}
	}

	tables := make(map[string]*topology.Table, len(names))
	for _, name := range names {
		data, err := s.log.Read(ctx, topology.TableLogKey(name))
		if err == metaerr.NotFound {
			continue
		}
		if err != nil {
			return err
		}
		t, err := topology.UnmarshalTable(data)
		if err != nil {
			return err
		}
		tables[name] = t
	}

	epoch := uint64(0)
	epochData, err := s.log.Read(ctx, topology.EpochLogKey)
	if err == nil {
		epoch, err = topology.DecodeEpoch(epochData)
		if err != nil {
			return err
		}
	} else if err != metaerr.NotFound {
		return err
	}

	rev := &topology.Revision{Tables: tables, Nodes: nodes}
	if err := rev.Validate(); err != nil {
		return fmt.Errorf("%w: %v", metaerr.Corruption, err)
	}
	rev.Epoch = epoch // epoch is written last, after tables/nodes are already in place.

	s.rev.Store(rev)
	s.index.Rebuild(rev)
	return nil
}

// GetTableMeta returns a deep copy of the named table.
func (s *InfoStore) GetTableMeta(table string) (*topology.Table, error) {
	rev := s.current()
	t, ok := rev.Tables[table]
	if !ok {
		return nil, metaerr.NotFound
	}
	return t.Clone(), nil
}

// GetTableList returns every known table name in a stable order.
func (s *InfoStore) GetTableList() []string {
	return s.index.List()
}

// GetPartitionMaster returns the master node address for a partition.
func (s *InfoStore) GetPartitionMaster(table string, partition int) (topology.Addr, error) {
	rev := s.current()
	t, ok := rev.Tables[table]
	if !ok {
		return "", metaerr.NotFound
	}
	for _, p := range t.Partitions {
		if p.ID == partition {
			return p.Master(), nil
		}
	}
	return "", metaerr.NotFound
}

// GetTablesForNode returns every table name in which node appears in any
// replica set.
func (s *InfoStore) GetTablesForNode(node topology.Addr) []string {
	return s.current().TablesForNode(node)
}

// GetAllNodes returns a copy of the committed liveness map.
func (s *InfoStore) GetAllNodes() map[topology.Addr]topology.NodeLiveness {
	rev := s.current()
	out := make(map[topology.Addr]topology.NodeLiveness, len(rev.Nodes))
	for addr, live := range rev.Nodes {
		out[addr] = live
	}
	return out
}
