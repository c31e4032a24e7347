package conditioncron

import (
	"sync"
	"testing"
	"time"

	"github.com/ccyuki/zeppelin/internal/offsettable"
	"github.com/ccyuki/zeppelin/internal/topology"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []topology.UpdateTask
}

func (f *fakeEnqueuer) PendingUpdate(task topology.UpdateTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
}

func (f *fakeEnqueuer) snapshot() []topology.UpdateTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]topology.UpdateTask, len(f.tasks))
	copy(out, f.tasks)
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
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

func TestConditionCron_FiresWhenConditionHolds(t *testing.T) {
	offsets := offsettable.New()
	enq := &fakeEnqueuer{}
	c := New(offsets, enq, nil, WithInterval(5*time.Millisecond), WithTimeout(time.Second))
	c.Start()
	defer c.Stop()

	ref := topology.Addr("a:1")
	cand := topology.Addr("b:1")
	cond := topology.OffsetCondition{Table: "T", Partition: 0, Reference: ref, Candidate: cand}
	task := topology.UpdateTask{Kind: topology.TaskSetMaster, Table: "T", Partition: 0, Node: cand}
	c.AddCronTask(cond, task)

	offsets.Update(topology.NodeOffsetKey{Table: "T", Partition: 0, Node: ref}, topology.NodeOffset{FileNum: 1, Offset: 1000})
	offsets.Update(topology.NodeOffsetKey{Table: "T", Partition: 0, Node: cand}, topology.NodeOffset{FileNum: 1, Offset: 1000})

	waitUntil(t, time.Second, func() bool { return len(enq.snapshot()) == 1 })
	fired := enq.snapshot()[0]
	if fired.Kind != topology.TaskSetMaster || fired.Node != cand {
		t.Fatalf("fired task = %+v, want SetMaster(%s)", fired, cand)
	}
	if c.Len() != 0 {
		t.Fatalf("pending entries after fire = %d, want 0", c.Len())
	}
}

func TestConditionCron_WaitsWhileOffsetsUnknown(t *testing.T) {
	offsets := offsettable.New()
	enq := &fakeEnqueuer{}
	c := New(offsets, enq, nil, WithInterval(5*time.Millisecond), WithTimeout(time.Second))
	c.Start()
	defer c.Stop()

	cond := topology.OffsetCondition{Table: "T", Partition: 0, Reference: "a:1", Candidate: "b:1"}
	c.AddCronTask(cond, topology.UpdateTask{Kind: topology.TaskSetMaster, Table: "T", Partition: 0, Node: "b:1"})

	time.Sleep(50 * time.Millisecond)
	if len(enq.snapshot()) != 0 {
		t.Fatalf("task fired despite unknown offsets")
	}
	if c.Len() != 1 {
		t.Fatalf("pending entries = %d, want 1", c.Len())
	}
}

func TestConditionCron_TimeoutCompensatesSetActive(t *testing.T) {
	offsets := offsettable.New()
	enq := &fakeEnqueuer{}
	c := New(offsets, enq, nil, WithInterval(5*time.Millisecond), WithTimeout(20*time.Millisecond))
	c.Start()
	defer c.Stop()

	cond := topology.OffsetCondition{Table: "T", Partition: 0, Reference: "a:1", Candidate: "b:1"}
	c.AddCronTask(cond, topology.UpdateTask{Kind: topology.TaskSetMaster, Table: "T", Partition: 0, Node: "b:1"})

	waitUntil(t, time.Second, func() bool { return len(enq.snapshot()) == 1 })
	fired := enq.snapshot()[0]
	if fired.Kind != topology.TaskSetActive {
		t.Fatalf("compensation task = %v, want SetActive", fired.Kind)
	}
}

func TestConditionCron_AddCronTaskIsIdempotentPerKey(t *testing.T) {
	offsets := offsettable.New()
	enq := &fakeEnqueuer{}
	c := New(offsets, enq, nil, WithInterval(time.Hour))

	cond := topology.OffsetCondition{Table: "T", Partition: 0, Reference: "a:1", Candidate: "b:1"}
	task1 := topology.UpdateTask{Kind: topology.TaskSetMaster, Table: "T", Partition: 0, Node: "b:1"}
	task2 := topology.UpdateTask{Kind: topology.TaskSetMaster, Table: "T", Partition: 0, Node: "c:1"}

	c.AddCronTask(cond, task1)
	c.AddCronTask(cond, task2)

	if c.Len() != 1 {
		t.Fatalf("pending entries = %d, want 1", c.Len())
	}
}
