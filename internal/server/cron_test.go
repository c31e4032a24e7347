package server

import (
	"context"
	"testing"
	"time"

	"github.com/ccyuki/zeppelin/internal/infostore"
	"github.com/ccyuki/zeppelin/internal/leaderjoint"
	"github.com/ccyuki/zeppelin/internal/metrics"
	"github.com/ccyuki/zeppelin/internal/replog"
	"github.com/ccyuki/zeppelin/internal/topology"
	"github.com/ccyuki/zeppelin/internal/updatethread"
)

type nopCronResetter struct{}

func (nopCronResetter) Reset() {}

func TestCron_LivenessScanEnqueuesDownNode(t *testing.T) {
	self := topology.NewAddr("127.0.0.1", 9221)
	log := replog.NewFakeLog(self)

	ttl := 20 * time.Millisecond
	store := infostore.New(log, ttl, nil)

	updates := updatethread.New(store, nil)
	updates.Start()
	defer updates.Stop()

	joint := leaderjoint.New(self, log, store, nopCronResetter{}, nil)
	if err := joint.RefreshLeader(context.Background()); err != nil {
		t.Fatalf("RefreshLeader: %v", err)
	}

	node := topology.NewAddr("10.0.0.1", 8001)
	if store.UpdateNodeAlive(node) {
		updates.PendingUpdate(topology.UpdateTask{Kind: topology.TaskUpNode, Node: node})
	}

	waitForServer(t, time.Second, func() bool {
		live := store.GetAllNodes()
		n, ok := live[node]
		return ok && n.Up
	})

	// Let the node's heartbeat age past ttl without another Ping.
	time.Sleep(2 * ttl)

	c := NewCron(store, joint, updates, metrics.NewCollector(), nil, nil, 5*time.Millisecond)
	c.Start()
	defer c.Stop()

	waitForServer(t, time.Second, func() bool {
		live := store.GetAllNodes()
		n, ok := live[node]
		return ok && !n.Up
	})
}
