package infostore

import (
	"context"
	"fmt"
	"time"

	"github.com/ccyuki/zeppelin/internal/metrics"
	"github.com/ccyuki/zeppelin/internal/topology"
	"github.com/ccyuki/zeppelin/pkg/metaerr"
)

// Apply transforms the currently published revision into a proposed
// revision reflecting task, validates the structural invariants, and
// commits the touched keys to the log. It does not republish locally — the
// caller (UpdateThread) calls Refresh afterwards, matching the source's
// Apply-then-Refresh pairing.
func (s *InfoStore) Apply(ctx context.Context, task topology.UpdateTask) error {
	return s.ApplyBatch(ctx, []topology.UpdateTask{task})
}

// ApplyBatch applies every task in tasks against a single base revision,
// producing exactly one epoch bump and one commit — the "coalescing a
// contiguous batch into one revision" behavior UpdateThread relies on when
// it drains more than one pending task at a time. Tasks are applied in
// order; a later task in the batch sees the effects of earlier ones.
func (s *InfoStore) ApplyBatch(ctx context.Context, tasks []topology.UpdateTask) error {
	if len(tasks) == 0 {
		return nil
	}

	start := time.Now()
	defer func() { metrics.ApplyDuration.Observe(time.Since(start).Seconds()) }()

	base := s.current()
	proposed := base.Clone()
	touchedTables := map[string]bool{}

	for _, task := range tasks {
		touched, err := mutate(proposed, task)
		if err != nil {
			return err
		}
		for name := range touched {
			touchedTables[name] = true
		}
	}
	proposed.Epoch = base.Epoch + 1

	if err := proposed.Validate(); err != nil {
		return fmt.Errorf("%w: %v", metaerr.InvalidArgument, err)
	}

	return s.commit(ctx, proposed, touchedTables)
}

// commit writes every key touched by a proposed revision: the full nodes
// map, the full table-name index, each individually-touched table blob,
// and the epoch, written last so a concurrent Refresh that observes the new
// epoch also observes the new tables/nodes (the log's own "nodes"/"t_<name>"
// keys were already written by the time "epoch" lands).
func (s *InfoStore) commit(ctx context.Context, rev *topology.Revision, touchedTables map[string]bool) error {
	nodesData, err := topology.MarshalNodes(rev.Nodes)
	if err != nil {
		return err
	}
	if err := s.log.Write(ctx, topology.NodesLogKey, nodesData); err != nil {
		return err
	}

	names := make([]string, 0, len(rev.Tables))
	for name := range rev.Tables {
		names = append(names, name)
	}
	tablesData, err := topology.MarshalTableNames(names)
	if err != nil {
		return err
	}
	if err := s.log.Write(ctx, topology.TablesLogKey, tablesData); err != nil {
		return err
	}

	for name := range touchedTables {
		t, ok := rev.Tables[name]
		if !ok {
			if err := s.log.Delete(ctx, topology.TableLogKey(name)); err != nil {
				return err
			}
			continue
		}
		data, err := topology.MarshalTable(t)
		if err != nil {
			return err
		}
		if err := s.log.Write(ctx, topology.TableLogKey(name), data); err != nil {
			return err
		}
	}

	return s.log.Write(ctx, topology.EpochLogKey, topology.EncodeEpoch(rev.Epoch))
}

// mutate applies task to rev in place, returning the set of table names
// whose blob must be rewritten (or, for a dropped table, deleted).
func mutate(rev *topology.Revision, task topology.UpdateTask) (map[string]bool, error) {
	touched := map[string]bool{}

	switch task.Kind {
	case topology.TaskUpNode:
		rev.Nodes[task.Node] = topology.NodeLiveness{LastHeartbeat: time.Now(), Up: true}
		return touched, nil

	case topology.TaskDownNode:
		live := rev.Nodes[task.Node]
		live.Up = false
		rev.Nodes[task.Node] = live
		return touched, nil

	case topology.TaskAddTable:
		if _, exists := rev.Tables[task.Table]; exists {
			return nil, metaerr.AlreadyExists
		}
		if len(task.Placement) == 0 {
			return nil, metaerr.InvalidArgument
		}
		partitions := make([]*topology.Partition, task.PartitionCount)
		for i := 0; i < task.PartitionCount; i++ {
			replicas := make([]topology.Replica, len(task.Placement))
			for j, addr := range task.Placement {
				replicas[j] = topology.Replica{Node: addr, State: topology.ReplicaActive}
			}
			partitions[i] = &topology.Partition{Table: task.Table, ID: i, Replicas: replicas}
		}
		rev.Tables[task.Table] = &topology.Table{Name: task.Table, Partitions: partitions}
		touched[task.Table] = true
		return touched, nil

	case topology.TaskDropTable:
		if _, exists := rev.Tables[task.Table]; !exists {
			return nil, metaerr.NotFound
		}
		delete(rev.Tables, task.Table)
		touched[task.Table] = true
		return touched, nil
	}

	t, ok := rev.Tables[task.Table]
	if !ok {
		return nil, metaerr.NotFound
	}
	partition := findPartition(t, task.Partition)
	if partition == nil {
		return nil, metaerr.NotFound
	}

	switch task.Kind {
	case topology.TaskAddSlave:
		if partition.HasReplica(task.Node) {
			return touched, nil // already present: idempotent no-op.
		}
		partition.Replicas = append(partition.Replicas, topology.Replica{Node: task.Node, State: topology.ReplicaActive})

	case topology.TaskRemoveSlave:
		// Removing the master is allowed here: migration drives RemoveSlave
		// on the old master (its Left node) once the new replica has caught
		// up, and removeReplica preserves order, so the next replica in the
		// set simply becomes index 0, the new master.
		// Rejecting a bare client request to drop the master belongs to
		// cmdRemoveSlave, not here.
		partition.Replicas = removeReplica(partition.Replicas, task.Node)

	case topology.TaskSetMaster:
		if partition.Master() == task.Node {
			return nil, metaerr.InvalidArgument
		}
		if !partition.HasReplica(task.Node) {
			return nil, metaerr.InvalidArgument
		}
		oldMaster := partition.Master()
		rest := make([]topology.Replica, 0, len(partition.Replicas))
		for _, r := range partition.Replicas {
			if r.Node == task.Node || r.Node == oldMaster {
				continue
			}
			rest = append(rest, r)
		}
		newReplicas := make([]topology.Replica, 0, len(partition.Replicas))
		newReplicas = append(newReplicas, topology.Replica{Node: task.Node})
		newReplicas = append(newReplicas, topology.Replica{Node: oldMaster})
		newReplicas = append(newReplicas, rest...)
		partition.Replicas = newReplicas
		// A preceding SetStuck left every replica, not just the promoted
		// pair, stuck; the promotion unsticks the whole partition.
		setPartitionState(partition, topology.ReplicaActive)

	case topology.TaskSetStuck:
		setPartitionState(partition, topology.ReplicaStuck)

	case topology.TaskSetActive:
		setPartitionState(partition, topology.ReplicaActive)

	default:
		return nil, fmt.Errorf("infostore: unhandled task kind %v", task.Kind)
	}

	touched[task.Table] = true
	return touched, nil
}

func findPartition(t *topology.Table, id int) *topology.Partition {
	for _, p := range t.Partitions {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func removeReplica(replicas []topology.Replica, node topology.Addr) []topology.Replica {
	out := make([]topology.Replica, 0, len(replicas))
	for _, r := range replicas {
		if r.Node == node {
			continue
		}
		out = append(out, r)
	}
	return out
}

func setPartitionState(p *topology.Partition, state topology.ReplicaState) {
	for i := range p.Replicas {
		p.Replicas[i].State = state
	}
}
