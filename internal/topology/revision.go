package topology

// Revision is one immutable topology snapshot: an epoch, the full table set
// and the full node liveness set as of that epoch. Revisions are never
// mutated in place — InfoStore.Apply and InfoStore.Refresh always build a
// new Revision and publish it by pointer swap, epoch last, so a reader that
// observes a given epoch is guaranteed a consistent view of tables and
// nodes (release-store discipline, ported from the teacher's atomic
// epoch/slot-map swap in internal/cluster/cluster.go).
type Revision struct {
	Epoch uint64
	Tables map[string]*Table
	Nodes  map[Addr]NodeLiveness
}

// NewEmptyRevision returns a zero-epoch revision with empty tables and nodes,
// the InfoStore's state before its first successful Refresh.
func NewEmptyRevision() *Revision {
	return &Revision{
		Epoch:  0,
		Tables: make(map[string]*Table),
		Nodes:  make(map[Addr]NodeLiveness),
	}
}

// Clone returns a deep copy of the revision, suitable as the base for a
// proposed mutation that must not be visible until committed.
func (r *Revision) Clone() *Revision {
	tables := make(map[string]*Table, len(r.Tables))
	for name, t := range r.Tables {
		tables[name] = t.Clone()
	}
	nodes := make(map[Addr]NodeLiveness, len(r.Nodes))
	for addr, st := range r.Nodes {
		nodes[addr] = st
	}
	return &Revision{Epoch: r.Epoch, Tables: tables, Nodes: nodes}
}

// TablesForNode returns every table in which node appears in any replica.
func (r *Revision) TablesForNode(node Addr) []string {
	var names []string
	for name, t := range r.Tables {
		for _, p := range t.Partitions {
			if p.HasReplica(node) {
				names = append(names, name)
				break
			}
		}
	}
	return names
}

// Validate checks the structural invariants that must hold before a
// Revision may be committed: no duplicate replicas within a partition,
// every partition has a master, and every referenced node is registered.
func (r *Revision) Validate() error {
	for name, t := range r.Tables {
		for _, p := range t.Partitions {
			if len(p.Replicas) == 0 {
				return &invariantError{msg: "table " + name + " partition has no replicas"}
			}
			seen := make(map[Addr]bool, len(p.Replicas))
			for _, rep := range p.Replicas {
				if seen[rep.Node] {
					return &invariantError{msg: "duplicate replica " + string(rep.Node) + " in " + name}
				}
				seen[rep.Node] = true
				if _, ok := r.Nodes[rep.Node]; !ok {
					return &invariantError{msg: "replica " + string(rep.Node) + " in " + name + " not a registered node"}
				}
			}
		}
	}
	return nil
}

type invariantError struct{ msg string }

func (e *invariantError) Error() string { return "topology: " + e.msg }
