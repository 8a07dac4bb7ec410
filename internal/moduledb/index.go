package moduledb

import (
	"sync"

	"github.com/google/btree"
)

// indexItem is one row of a table's in-memory secondary index: a record id
// mapped to the location/size of its newest live revision.
type indexItem struct {
	id, loc, size uint64
}

func (a indexItem) Less(than btree.Item) bool {
	return a.id < than.(indexItem).id
}

// index is an ordered, in-memory map from record id to its newest live
// revision, rebuilt from a table's record directory on load and kept
// current on every write. Ordering lets SearchRecords and compaction walk
// ids in order without touching the backing store.
type index struct {
	mu   sync.Mutex
	tree *btree.BTree
}

func newIndex() *index {
	return &index{tree: btree.New(32)}
}

func (x *index) insert(id, loc, size uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tree.ReplaceOrInsert(indexItem{id: id, loc: loc, size: size})
}

func (x *index) lookup(id uint64) (loc, size uint64, ok bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	item := x.tree.Get(indexItem{id: id})
	if item == nil {
		return 0, 0, false
	}
	it := item.(indexItem)
	return it.loc, it.size, true
}

func (x *index) remove(id uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tree.Delete(indexItem{id: id})
}

func (x *index) len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.tree.Len()
}

func (x *index) forEach(fn func(id, loc, size uint64)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tree.Ascend(func(i btree.Item) bool {
		it := i.(indexItem)
		fn(it.id, it.loc, it.size)
		return true
	})
}
