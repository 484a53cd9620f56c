package merge

import (
	"deltasync/pkg/common"

	"github.com/google/btree"
)

// Item is one surviving row, ordered by primary key.
type Item struct {
	Key      common.KeyType
	Row      common.Row
	Existing bool // key was present in the bucket file before this merge
	Changed  bool // row came from the change batch
}

func (i Item) Less(than btree.Item) bool {
	return i.Key < than.(Item).Key
}

// Table keeps the winning row per primary key.
type Table struct {
	tree  *btree.BTree
	order int // order column index, -1 when absent
}

func NewTable(degree, orderIdx int) *Table {
	return &Table{tree: btree.New(degree), order: orderIdx}
}

// Put offers a row. It wins when the key is new or its order value is greater than
// or equal to the current winner's; equal values go to the later arrival.
func (t *Table) Put(key common.KeyType, row common.Row, changed bool) {
	cur := t.tree.Get(Item{Key: key})
	if cur == nil {
		t.tree.ReplaceOrInsert(Item{Key: key, Row: row, Existing: !changed, Changed: changed})
		return
	}
	prev := cur.(Item)
	if t.order >= 0 && common.Compare(row[t.order], prev.Row[t.order]) < 0 {
		return
	}
	t.tree.ReplaceOrInsert(Item{Key: key, Row: row, Existing: prev.Existing, Changed: changed || prev.Changed})
}

func (t *Table) Iterator(fn func(item Item) bool) {
	t.tree.Ascend(func(i btree.Item) bool {
		return fn(i.(Item))
	})
}

func (t *Table) Count() int {
	return t.tree.Len()
}
