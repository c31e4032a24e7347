package topology

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ccyuki/zeppelin/pkg/metaerr"
)

// This file implements the persisted-state layout: the "nodes", "tables",
// "t_<name>" and "migrate" blobs are JSON (the teacher already serializes
// its own persisted cluster-state.json and wire-adjacent structures with
// encoding/json; no third-party serialization library appears anywhere in
// the retrieved pack, so none is introduced here). "epoch" is a raw uint64
// big-endian value, matching the wire layout named in the external
// interfaces rather than a JSON number; DecodeEpoch reads it back with a
// single binary.BigEndian.Uint64 call on every Refresh.

// MarshalNodes serializes the liveness snapshot for the "nodes" log key.
func MarshalNodes(nodes map[Addr]NodeLiveness) ([]byte, error) {
	return json.Marshal(nodes)
}

// UnmarshalNodes parses the "nodes" log key's value.
func UnmarshalNodes(data []byte) (map[Addr]NodeLiveness, error) {
	var nodes map[Addr]NodeLiveness
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("%w: unmarshal nodes: %v", metaerr.Corruption, err)
	}
	return nodes, nil
}

// MarshalTableNames serializes the table-name index for the "tables" log key.
func MarshalTableNames(names []string) ([]byte, error) {
	return json.Marshal(names)
}

// UnmarshalTableNames parses the "tables" log key's value.
func UnmarshalTableNames(data []byte) ([]string, error) {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("%w: unmarshal table list: %v", metaerr.Corruption, err)
	}
	return names, nil
}

// MarshalTable serializes a single table for its "t_<name>" log key.
func MarshalTable(t *Table) ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalTable parses a "t_<name>" log key's value.
func UnmarshalTable(data []byte) (*Table, error) {
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: unmarshal table: %v", metaerr.Corruption, err)
	}
	return &t, nil
}

// TableLogKey returns the log key holding a single table's structure.
func TableLogKey(name string) string {
	return "t_" + name
}

// MarshalMigrationItems serializes the migration queue for the "migrate" log key.
func MarshalMigrationItems(items []MigrationItem) ([]byte, error) {
	return json.Marshal(items)
}

// UnmarshalMigrationItems parses the "migrate" log key's value.
func UnmarshalMigrationItems(data []byte) ([]MigrationItem, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var items []MigrationItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: unmarshal migration queue: %v", metaerr.Corruption, err)
	}
	return items, nil
}

// EncodeEpoch renders an epoch as the big-endian uint64 value stored under
// the "epoch" log key.
func EncodeEpoch(epoch uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, epoch)
	return buf
}

// DecodeEpoch parses the "epoch" log key's value.
func DecodeEpoch(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: epoch value has length %d, want 8", metaerr.Corruption, len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

const (
	// NodesLogKey is the well-known log key for the liveness snapshot.
	NodesLogKey = "nodes"
	// TablesLogKey is the well-known log key for the table-name index.
	TablesLogKey = "tables"
	// MigrateLogKey is the well-known log key for the migration queue.
	MigrateLogKey = "migrate"
	// EpochLogKey is the well-known log key for the committed epoch.
	EpochLogKey = "epoch"
)
