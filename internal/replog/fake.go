package replog

import (
	"context"
	"sync"

	"github.com/ccyuki/zeppelin/internal/topology"
	"github.com/ccyuki/zeppelin/pkg/metaerr"
)

// FakeLog is an in-memory Log used by the rest of the module's tests in
// place of a real Postgres-backed log, the same role mockProvider plays for
// StateManager's tests in the teacher repo.
type FakeLog struct {
	mu       sync.Mutex
	data     map[string][]byte
	self     topology.Addr
	isLeader bool
	leader   topology.Addr
	hasLead  bool
	nodes    []topology.Addr
	status   string
}

// NewFakeLog returns a FakeLog registered as self, initially a leader.
func NewFakeLog(self topology.Addr) *FakeLog {
	return &FakeLog{
		data:     make(map[string][]byte),
		self:     self,
		isLeader: true,
		leader:   self,
		hasLead:  true,
		nodes:    []topology.Addr{self},
		status:   "fake",
	}
}

func (f *FakeLog) Self() topology.Addr { return f.self }

// SetLeader configures whether this FakeLog believes self is the leader,
// and what GetLeader should report.
func (f *FakeLog) SetLeader(isLeader bool, leader topology.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.isLeader = isLeader
	f.leader = leader
	f.hasLead = leader != ""
}

// SetNoLeader makes GetLeader report no known leader.
func (f *FakeLog) SetNoLeader() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.isLeader = false
	f.hasLead = false
}

func (f *FakeLog) SetAllNodes(nodes []topology.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = nodes
}

func (f *FakeLog) Read(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, metaerr.NotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (f *FakeLog) Write(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isLeader {
		return metaerr.Conflict
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	f.data[key] = cp
	return nil
}

func (f *FakeLog) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isLeader {
		return metaerr.Conflict
	}
	delete(f.data, key)
	return nil
}

func (f *FakeLog) GetLeader(ctx context.Context) (topology.Addr, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader, f.hasLead, nil
}

func (f *FakeLog) GetAllNodes(ctx context.Context) ([]topology.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]topology.Addr, len(f.nodes))
	copy(out, f.nodes)
	return out, nil
}

func (f *FakeLog) GetServerStatus(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *FakeLog) Close() error { return nil }
