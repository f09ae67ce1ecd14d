// Provides in-memory secondary indexes for tables.

package keytable

import "slices"

// indexer is implemented by secondary indexes. The table calls it on every
// mutation so the index always reflects the live rows.
type indexer[K comparable, V any] interface {
	// insert indexes r under the key derived from its current value.
	insert(r *Row[K, V]) error
	// remove unindexes r using the key derived from its current value.
	remove(r *Row[K, V])
	// reset drops every entry.
	reset()
}

// UniqueIndex maps a derived key to at most one row.
//
// The index is built from the table's rows when created and kept
// synchronized by the table. Like the table, it is not safe for concurrent
// use.
type UniqueIndex[X comparable, K comparable, V any] struct {
	name    string
	keyFunc func(*Row[K, V]) X
	byKey   map[X]*Row[K, V]
}

// NewUniqueIndex creates a unique index on the given table.
//
// The keyFunc derives the index key from a row and may read any column. A
// KeyViolationError is returned if two existing rows share a key, in which
// case the index is not attached.
func NewUniqueIndex[X comparable, K comparable, V any](t *Table[K, V], name string, keyFunc func(*Row[K, V]) X) (*UniqueIndex[X, K, V], error) {
	idx := &UniqueIndex[X, K, V]{
		name:    name,
		keyFunc: keyFunc,
		byKey:   make(map[X]*Row[K, V]),
	}
	if err := t.attach(idx); err != nil {
		return nil, err
	}
	return idx, nil
}

// Get returns the row with the given key, or nil if not found.
func (idx *UniqueIndex[X, K, V]) Get(key X) *Row[K, V] {
	return idx.byKey[key]
}

// Len returns the number of indexed keys.
func (idx *UniqueIndex[X, K, V]) Len() int {
	return len(idx.byKey)
}

func (idx *UniqueIndex[X, K, V]) insert(r *Row[K, V]) error {
	key := idx.keyFunc(r)
	if prev, ok := idx.byKey[key]; ok && prev != r {
		return &KeyViolationError{Index: idx.name, Key: key, Row: r}
	}
	idx.byKey[key] = r
	return nil
}

func (idx *UniqueIndex[X, K, V]) remove(r *Row[K, V]) {
	key := idx.keyFunc(r)
	if idx.byKey[key] == r {
		delete(idx.byKey, key)
	}
}

func (idx *UniqueIndex[X, K, V]) reset() {
	clear(idx.byKey)
}

// Index maps a derived key to any number of rows.
//
// The index is built from the table's rows when created and kept
// synchronized by the table.
type Index[X comparable, K comparable, V any] struct {
	table   *Table[K, V]
	keyFunc func(*Row[K, V]) X
	byKey   map[X]map[*Row[K, V]]struct{}
}

// NewIndex creates a non-unique index on the given table.
func NewIndex[X comparable, K comparable, V any](t *Table[K, V], keyFunc func(*Row[K, V]) X) *Index[X, K, V] {
	idx := &Index[X, K, V]{
		table:   t,
		keyFunc: keyFunc,
		byKey:   make(map[X]map[*Row[K, V]]struct{}),
	}
	// A non-unique index never rejects a row.
	_ = t.attach(idx)
	return idx
}

// Get returns the rows matching key in key order.
func (idx *Index[X, K, V]) Get(key X) []*Row[K, V] {
	set := idx.byKey[key]
	out := make([]*Row[K, V], 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	slices.SortFunc(out, idx.table.compareRows)
	return out
}

// Len returns the number of distinct indexed keys.
func (idx *Index[X, K, V]) Len() int {
	return len(idx.byKey)
}

func (idx *Index[X, K, V]) insert(r *Row[K, V]) error {
	key := idx.keyFunc(r)
	if idx.byKey[key] == nil {
		idx.byKey[key] = make(map[*Row[K, V]]struct{})
	}
	idx.byKey[key][r] = struct{}{}
	return nil
}

func (idx *Index[X, K, V]) remove(r *Row[K, V]) {
	key := idx.keyFunc(r)
	delete(idx.byKey[key], r)
	if len(idx.byKey[key]) == 0 {
		delete(idx.byKey, key)
	}
}

func (idx *Index[X, K, V]) reset() {
	clear(idx.byKey)
}
