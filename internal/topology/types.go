// Package topology defines the meta node's data model: nodes, partitions,
// tables, topology revisions, replication offsets and pending mutation
// intents.
package topology

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Addr identifies a storage node by its canonical "ip:port" string.
type Addr string

// NewAddr joins an ip and port into the canonical Addr form.
func NewAddr(ip string, port int) Addr {
	return Addr(fmt.Sprintf("%s:%d", ip, port))
}

// IP returns the host portion of the address.
func (a Addr) IP() string {
	ip, _, _ := strings.Cut(string(a), ":")
	return ip
}

// Port returns the numeric port portion of the address, or 0 if malformed.
func (a Addr) Port() int {
	_, p, ok := strings.Cut(string(a), ":")
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

// NodeLiveness is a per-node liveness record: when the node last heartbeat
// and the derived UP/DOWN state as of that observation.
type NodeLiveness struct {
	LastHeartbeat time.Time
	Up            bool
}

// IsAlive reports whether the node's heartbeat age is within ttl of now.
func (n NodeLiveness) IsAlive(now time.Time, ttl time.Duration) bool {
	return n.Up && now.Sub(n.LastHeartbeat) <= ttl
}

// ReplicaState is the per-replica state within a partition's replica set.
type ReplicaState int

const (
	// ReplicaActive serves client traffic normally.
	ReplicaActive ReplicaState = iota
	// ReplicaStuck suspends client traffic during reconfiguration.
	ReplicaStuck
	// ReplicaSlowdown throttles traffic without fully suspending it.
	ReplicaSlowdown
)

func (s ReplicaState) String() string {
	switch s {
	case ReplicaActive:
		return "active"
	case ReplicaStuck:
		return "stuck"
	case ReplicaSlowdown:
		return "slowdown"
	default:
		return "unknown"
	}
}

// Replica is one member of a partition's replica set. Index 0 within a
// Partition's Replicas slice is always the master.
type Replica struct {
	Node  Addr
	State ReplicaState
}

// Partition is one shard of a table: an ordered replica set, replica 0
// being the master.
type Partition struct {
	Table     string
	ID        int
	Replicas  []Replica
}

// Master returns the partition's current master address.
// The invariant (exactly one master, always at index 0) is enforced by
// every mutation in the infostore package; Master panics if violated.
func (p *Partition) Master() Addr {
	if len(p.Replicas) == 0 {
		panic("topology: partition has no replicas")
	}
	return p.Replicas[0].Node
}

// HasReplica reports whether node appears anywhere in the replica set.
func (p *Partition) HasReplica(node Addr) bool {
	for _, r := range p.Replicas {
		if r.Node == node {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the partition.
func (p *Partition) Clone() *Partition {
	replicas := make([]Replica, len(p.Replicas))
	copy(replicas, p.Replicas)
	return &Partition{Table: p.Table, ID: p.ID, Replicas: replicas}
}

// Table is an ordered sequence of partitions identified by name.
type Table struct {
	Name       string
	Partitions []*Partition
}

// Clone returns a deep copy of the table and all of its partitions.
func (t *Table) Clone() *Table {
	parts := make([]*Partition, len(t.Partitions))
	for i, p := range t.Partitions {
		parts[i] = p.Clone()
	}
	return &Table{Name: t.Name, Partitions: parts}
}

// NodeOffset is a (filenum, offset) lexicographic position in a replica's
// write-ahead stream.
type NodeOffset struct {
	FileNum uint64
	Offset  uint64
}

// Less reports whether o is strictly behind other.
func (o NodeOffset) Less(other NodeOffset) bool {
	if o.FileNum != other.FileNum {
		return o.FileNum < other.FileNum
	}
	return o.Offset < other.Offset
}

// Sub returns an approximate byte distance other is ahead of o, assuming
// both offsets share the same filenum; if they don't, the distance is
// treated as unbounded (gap tolerance can never be satisfied across a file
// boundary without matching filenums).
func (o NodeOffset) Sub(other NodeOffset) (int64, bool) {
	if o.FileNum != other.FileNum {
		return 0, false
	}
	return int64(other.Offset) - int64(o.Offset), true
}

// NodeOffsetKey identifies a single replica's offset entry.
type NodeOffsetKey struct {
	Table     string
	Partition int
	Node      Addr
}

// OffsetCondition holds when candidate has caught up to reference within
// a configured gap tolerance.
type OffsetCondition struct {
	Table     string
	Partition int
	Reference Addr
	Candidate Addr
}

// TaskKind tags the variant of an UpdateTask.
type TaskKind int

const (
	TaskUpNode TaskKind = iota
	TaskDownNode
	TaskAddSlave
	TaskRemoveSlave
	TaskSetMaster
	TaskSetStuck
	TaskSetActive
	TaskAddTable
	TaskDropTable
)

func (k TaskKind) String() string {
	switch k {
	case TaskUpNode:
		return "UpNode"
	case TaskDownNode:
		return "DownNode"
	case TaskAddSlave:
		return "AddSlave"
	case TaskRemoveSlave:
		return "RemoveSlave"
	case TaskSetMaster:
		return "SetMaster"
	case TaskSetStuck:
		return "SetStuck"
	case TaskSetActive:
		return "SetActive"
	case TaskAddTable:
		return "AddTable"
	case TaskDropTable:
		return "DropTable"
	default:
		return "Unknown"
	}
}

// UpdateTask is an intent to mutate topology, represented as a tagged
// variant: Kind selects which of the remaining fields are meaningful.
type UpdateTask struct {
	Kind           TaskKind
	Node           Addr
	Table          string
	Partition      int
	PartitionCount int
	Placement      []Addr
}

// Key identifies a task's (kind, table, partition) slot for ConditionCron
// idempotency: two tasks with the same key target the same topology slot.
func (t UpdateTask) Key() string {
	return fmt.Sprintf("%s/%s/%d", t.Kind, t.Table, t.Partition)
}

// MigrationItem records moving a partition's ownership from Left to Right.
type MigrationItem struct {
	Table     string
	Partition int
	Left      Addr
	Right     Addr
}
