package offsettable

import (
	"testing"

	"github.com/ccyuki/zeppelin/internal/topology"
)

func TestTable_UpdateThenGet(t *testing.T) {
	tbl := New()
	key := topology.NodeOffsetKey{Table: "T", Partition: 0, Node: "a:1"}

	if _, ok := tbl.Get(key); ok {
		t.Fatal("Get on empty table returned ok=true")
	}

	tbl.Update(key, topology.NodeOffset{FileNum: 1, Offset: 100})
	got, ok := tbl.Get(key)
	if !ok || got.FileNum != 1 || got.Offset != 100 {
		t.Fatalf("Get = %+v, %v, want {1 100}, true", got, ok)
	}
}

func TestTable_ForgetDropsOnlyMatchingPartition(t *testing.T) {
	tbl := New()
	keyP0 := topology.NodeOffsetKey{Table: "T", Partition: 0, Node: "a:1"}
	keyP1 := topology.NodeOffsetKey{Table: "T", Partition: 1, Node: "a:1"}
	tbl.Update(keyP0, topology.NodeOffset{FileNum: 1, Offset: 1})
	tbl.Update(keyP1, topology.NodeOffset{FileNum: 1, Offset: 1})

	tbl.Forget("T", 0)

	if _, ok := tbl.Get(keyP0); ok {
		t.Fatal("Get(p0) after Forget(p0) = ok, want forgotten")
	}
	if _, ok := tbl.Get(keyP1); !ok {
		t.Fatal("Get(p1) after Forget(p0) = not ok, want untouched")
	}
}

func TestTable_DebugDumpIsSortedAndComplete(t *testing.T) {
	tbl := New()
	tbl.Update(topology.NodeOffsetKey{Table: "T", Partition: 1, Node: "b:1"}, topology.NodeOffset{FileNum: 2, Offset: 20})
	tbl.Update(topology.NodeOffsetKey{Table: "T", Partition: 0, Node: "a:1"}, topology.NodeOffset{FileNum: 1, Offset: 10})

	lines := tbl.DebugDump()
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(lines))
	}
	if lines[0] > lines[1] {
		t.Fatalf("lines not sorted: %v", lines)
	}
}
