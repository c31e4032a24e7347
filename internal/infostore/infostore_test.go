package infostore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ccyuki/zeppelin/internal/replog"
	"github.com/ccyuki/zeppelin/internal/topology"
	"github.com/ccyuki/zeppelin/pkg/metaerr"
)

func newTestStore(t *testing.T) (*InfoStore, *replog.FakeLog) {
	t.Helper()
	log := replog.NewFakeLog("self:9221")
	return New(log, 2*time.Second, nil), log
}

func mustApplyRefresh(t *testing.T, s *InfoStore, ctx context.Context, task topology.UpdateTask) {
	t.Helper()
	if err := s.Apply(ctx, task); err != nil {
		t.Fatalf("Apply(%v): %v", task.Kind, err)
	}
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("Refresh after %v: %v", task.Kind, err)
	}
}

func TestInfoStore_RefreshIncompleteBeforeFirstCommit(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Refresh(context.Background())
	if !errors.Is(err, metaerr.Incomplete) {
		t.Fatalf("Refresh() on empty log = %v, want Incomplete", err)
	}
}

func TestInfoStore_AddTableThenPull(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, b, c := topology.Addr("10.0.0.1:8001"), topology.Addr("10.0.0.2:8001"), topology.Addr("10.0.0.3:8001")
	for _, n := range []topology.Addr{a, b, c} {
		mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskUpNode, Node: n})
	}

	mustApplyRefresh(t, s, ctx, topology.UpdateTask{
		Kind: topology.TaskAddTable, Table: "T", PartitionCount: 3,
		Placement: []topology.Addr{a, b, c},
	})

	if got := s.Epoch(); got != 4 {
		t.Fatalf("Epoch() = %d, want 4", got)
	}

	tbl, err := s.GetTableMeta("T")
	if err != nil {
		t.Fatalf("GetTableMeta: %v", err)
	}
	if len(tbl.Partitions) != 3 {
		t.Fatalf("len(Partitions) = %d, want 3", len(tbl.Partitions))
	}
	p0 := tbl.Partitions[0]
	if p0.Master() != a {
		t.Fatalf("partition 0 master = %s, want %s", p0.Master(), a)
	}
	for _, r := range p0.Replicas {
		if r.State != topology.ReplicaActive {
			t.Fatalf("replica %s not active: %v", r.Node, r.State)
		}
	}

	if _, err := s.GetTableMeta("nope"); !errors.Is(err, metaerr.NotFound) {
		t.Fatalf("GetTableMeta(unknown) = %v, want NotFound", err)
	}
}

func TestInfoStore_UpNodeTwiceIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := topology.Addr("10.0.0.1:8001")

	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskUpNode, Node: a})
	epochAfterFirst := s.Epoch()

	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskUpNode, Node: a})

	nodes := s.GetAllNodes()
	live, ok := nodes[a]
	if !ok || !live.Up {
		t.Fatalf("node %s not UP after repeated UpNode", a)
	}
	if s.Epoch() != epochAfterFirst+1 {
		t.Fatalf("Epoch() = %d, want %d", s.Epoch(), epochAfterFirst+1)
	}
}

func TestInfoStore_DropTableTwiceIsNotFoundSecondTime(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := topology.Addr("10.0.0.1:8001")
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskUpNode, Node: a})
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{
		Kind: topology.TaskAddTable, Table: "T", PartitionCount: 1, Placement: []topology.Addr{a},
	})

	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskDropTable, Table: "T"})

	err := s.Apply(ctx, topology.UpdateTask{Kind: topology.TaskDropTable, Table: "T"})
	if !errors.Is(err, metaerr.NotFound) {
		t.Fatalf("second DropTable = %v, want NotFound", err)
	}
}

func TestInfoStore_SetMasterOfCurrentMasterIsInvalid(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a, b := topology.Addr("10.0.0.1:8001"), topology.Addr("10.0.0.2:8001")
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskUpNode, Node: a})
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskUpNode, Node: b})
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{
		Kind: topology.TaskAddTable, Table: "T", PartitionCount: 1, Placement: []topology.Addr{a, b},
	})

	err := s.Apply(ctx, topology.UpdateTask{Kind: topology.TaskSetMaster, Table: "T", Partition: 0, Node: a})
	if !errors.Is(err, metaerr.InvalidArgument) {
		t.Fatalf("SetMaster(current master) = %v, want InvalidArgument", err)
	}
}

func TestInfoStore_SetMasterPromotesSlave(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a, b := topology.Addr("10.0.0.1:8001"), topology.Addr("10.0.0.2:8001")
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskUpNode, Node: a})
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskUpNode, Node: b})
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{
		Kind: topology.TaskAddTable, Table: "T", PartitionCount: 1, Placement: []topology.Addr{a, b},
	})

	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskSetMaster, Table: "T", Partition: 0, Node: b})

	master, err := s.GetPartitionMaster("T", 0)
	if err != nil {
		t.Fatalf("GetPartitionMaster: %v", err)
	}
	if master != b {
		t.Fatalf("master = %s, want %s", master, b)
	}
}

func TestInfoStore_SetMasterUnsticksEveryReplica(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a, b, c := topology.Addr("10.0.0.1:8001"), topology.Addr("10.0.0.2:8001"), topology.Addr("10.0.0.3:8001")
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskUpNode, Node: a})
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskUpNode, Node: b})
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskUpNode, Node: c})
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{
		Kind: topology.TaskAddTable, Table: "T", PartitionCount: 1, Placement: []topology.Addr{a, b, c},
	})

	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskSetStuck, Table: "T", Partition: 0})
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskSetMaster, Table: "T", Partition: 0, Node: b})

	table, err := s.GetTableMeta("T")
	if err != nil {
		t.Fatalf("GetTableMeta: %v", err)
	}
	for _, r := range table.Partitions[0].Replicas {
		if r.State != topology.ReplicaActive {
			t.Fatalf("replica %s state = %v, want ReplicaActive after SetMaster promotion", r.Node, r.State)
		}
	}
}

func TestInfoStore_RemoveSlaveAllowsRemovingMaster(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a, b := topology.Addr("10.0.0.1:8001"), topology.Addr("10.0.0.2:8001")
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskUpNode, Node: a})
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskUpNode, Node: b})
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{
		Kind: topology.TaskAddTable, Table: "T", PartitionCount: 1, Placement: []topology.Addr{a, b},
	})

	// Migration's RemoveSlave(left) runs against the current master: the
	// next replica must be promoted to index 0, matching removeReplica's
	// order-preserving filter.
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskRemoveSlave, Table: "T", Partition: 0, Node: a})

	master, err := s.GetPartitionMaster("T", 0)
	if err != nil {
		t.Fatalf("GetPartitionMaster: %v", err)
	}
	if master != b {
		t.Fatalf("master after removing old master = %s, want %s", master, b)
	}
}

func TestInfoStore_FetchExpiredNode(t *testing.T) {
	s, _ := newTestStore(t)
	s.ttl = 10 * time.Millisecond
	ctx := context.Background()
	a := topology.Addr("10.0.0.1:8001")
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskUpNode, Node: a})

	if expired := s.FetchExpiredNode(); len(expired) != 0 {
		t.Fatalf("freshly-upped node reported expired: %v", expired)
	}

	time.Sleep(20 * time.Millisecond)

	expired := s.FetchExpiredNode()
	if len(expired) != 1 || expired[0] != a {
		t.Fatalf("FetchExpiredNode() = %v, want [%s]", expired, a)
	}
}

func TestInfoStore_RestoreNodeAlivePreventsImmediateExpiry(t *testing.T) {
	s, _ := newTestStore(t)
	s.ttl = 10 * time.Millisecond
	ctx := context.Background()
	a := topology.Addr("10.0.0.1:8001")
	mustApplyRefresh(t, s, ctx, topology.UpdateTask{Kind: topology.TaskUpNode, Node: a})

	time.Sleep(20 * time.Millisecond)
	s.RestoreNodeAlive()

	if expired := s.FetchExpiredNode(); len(expired) != 0 {
		t.Fatalf("FetchExpiredNode() after RestoreNodeAlive = %v, want none", expired)
	}
}
