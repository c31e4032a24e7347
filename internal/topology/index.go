package topology

import (
	"sync"

	"github.com/google/btree"
)

// tableNameItem is an ordered btree.Item over table names.
type tableNameItem string

func (t tableNameItem) Less(than btree.Item) bool {
	return t < than.(tableNameItem)
}

// TableIndex keeps an ordered index of table names alongside the InfoStore's
// revision pointer, so GetTableList can return a stably-ordered snapshot
// without re-sorting the revision's map on every call. Modeled on the
// sync.RWMutex + *btree.BTree pairing used for the MVCC key index.
type TableIndex struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

// NewTableIndex returns an empty index.
func NewTableIndex() *TableIndex {
	return &TableIndex{tree: btree.New(32)}
}

// Rebuild replaces the index contents with the table names of rev.
func (idx *TableIndex) Rebuild(rev *Revision) {
	tree := btree.New(32)
	for name := range rev.Tables {
		tree.ReplaceOrInsert(tableNameItem(name))
	}
	idx.mu.Lock()
	idx.tree = tree
	idx.mu.Unlock()
}

// List returns all table names in ascending order.
func (idx *TableIndex) List() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	names := make([]string, 0, idx.tree.Len())
	idx.tree.Ascend(func(item btree.Item) bool {
		names = append(names, string(item.(tableNameItem)))
		return true
	})
	return names
}
