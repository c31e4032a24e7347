package updatethread

import (
	"context"
	"testing"
	"time"

	"github.com/ccyuki/zeppelin/internal/infostore"
	"github.com/ccyuki/zeppelin/internal/replog"
	"github.com/ccyuki/zeppelin/internal/topology"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestUpdateThread_AppliesEnqueuedTasks(t *testing.T) {
	log := replog.NewFakeLog("self:9221")
	store := infostore.New(log, time.Second, nil)

	var dropped int
	ut := New(store, nil, WithDropCallback(func(batch []topology.UpdateTask, err error) {
		dropped++
	}))
	ut.Start()
	defer ut.Stop()

	a := topology.Addr("10.0.0.1:8001")
	b := topology.Addr("10.0.0.2:8001")
	ut.PendingUpdate(topology.UpdateTask{Kind: topology.TaskUpNode, Node: a})
	ut.PendingUpdate(topology.UpdateTask{Kind: topology.TaskUpNode, Node: b})

	waitFor(t, time.Second, func() bool {
		nodes := store.GetAllNodes()
		la, oka := nodes[a]
		lb, okb := nodes[b]
		return oka && la.Up && okb && lb.Up
	})

	if dropped != 0 {
		t.Fatalf("dropped = %d, want 0", dropped)
	}
}

func TestUpdateThread_DropsBatchWhenNotLeader(t *testing.T) {
	log := replog.NewFakeLog("self:9221")
	log.SetLeader(false, "other:9221")
	store := infostore.New(log, time.Second, nil)

	dropCh := make(chan error, 1)
	ut := New(store, nil, WithApplyMaxRetry(1), WithDropCallback(func(batch []topology.UpdateTask, err error) {
		dropCh <- err
	}))
	ut.Start()
	defer ut.Stop()

	ut.PendingUpdate(topology.UpdateTask{Kind: topology.TaskUpNode, Node: topology.Addr("10.0.0.1:8001")})

	select {
	case <-dropCh:
	case <-time.After(time.Second):
		t.Fatal("batch was never dropped")
	}
}

func TestUpdateThread_StopDrainsPendingBeforeExiting(t *testing.T) {
	log := replog.NewFakeLog("self:9221")
	store := infostore.New(log, time.Second, nil)
	ut := New(store, nil)
	ut.Start()

	a := topology.Addr("10.0.0.1:8001")
	ut.PendingUpdate(topology.UpdateTask{Kind: topology.TaskUpNode, Node: a})
	ut.Stop()

	if err := store.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	nodes := store.GetAllNodes()
	if live, ok := nodes[a]; !ok || !live.Up {
		t.Fatalf("node %s not applied before Stop returned", a)
	}
}
