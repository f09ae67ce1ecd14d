package keytable

// keyIndex is the primary index: composite key to row.
//
// Key arity is fixed by the schema, so a flat map keyed by the key struct
// replaces a tree with one level per key column.
type keyIndex[K comparable, V any] struct {
	rows map[K]*Row[K, V]
}

func newKeyIndex[K comparable, V any]() keyIndex[K, V] {
	return keyIndex[K, V]{rows: map[K]*Row[K, V]{}}
}

// insert adds r. A taken key is rejected before anything is written.
func (x *keyIndex[K, V]) insert(r *Row[K, V]) error {
	if _, ok := x.rows[r.key]; ok {
		return &DuplicateKeyError{Key: r.key}
	}
	x.rows[r.key] = r
	return nil
}

// remove deletes r if it is the row stored under its key.
func (x *keyIndex[K, V]) remove(r *Row[K, V]) bool {
	if x.rows[r.key] != r {
		return false
	}
	delete(x.rows, r.key)
	return true
}

func (x *keyIndex[K, V]) find(k K) *Row[K, V] {
	return x.rows[k]
}

func (x *keyIndex[K, V]) contains(r *Row[K, V]) bool {
	return r != nil && x.rows[r.key] == r
}

func (x *keyIndex[K, V]) len() int {
	return len(x.rows)
}
