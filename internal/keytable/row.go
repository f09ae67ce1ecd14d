package keytable

import "github.com/maruel/ksid"

// Row is one record owned by a Table.
//
// The key group K is fixed when the row is created. The value group V can only
// be replaced through the owning table, either with Table.Update or with the
// row's own Update. Rows are compared by identity: two rows holding equal
// values are still distinct rows.
type Row[K comparable, V any] struct {
	id    ksid.ID
	key   K
	value V
	// table is the owner while the row is live. The table validates every
	// row passed to it against its own index, so a stale or foreign owner is
	// rejected rather than trusted.
	table *Table[K, V]
}

// ID returns the row's identifier, unique across tables.
func (r *Row[K, V]) ID() ksid.ID {
	return r.id
}

// Key returns the row's key columns.
func (r *Row[K, V]) Key() K {
	return r.key
}

// Value returns a copy of the row's non-key columns.
//
// The copy is shallow: slices and maps in V still alias the row's storage and
// must not be modified in place.
func (r *Row[K, V]) Value() V {
	return r.value
}

// Current reports whether the row is still part of a table.
func (r *Row[K, V]) Current() bool {
	return r.table != nil && r.table.current(r)
}

// Update replaces the row's non-key columns through its table.
func (r *Row[K, V]) Update(v V) error {
	if r.table == nil {
		return &NotCurrentError{ID: r.id}
	}
	return r.table.Update(r, v)
}

// UpdateRecord applies column changes through the row's table.
func (r *Row[K, V]) UpdateRecord(changes Record) error {
	if r.table == nil {
		return &NotCurrentError{ID: r.id}
	}
	return r.table.UpdateRecord(r, changes)
}

// Delete removes the row from its table. The row cannot be used afterwards.
func (r *Row[K, V]) Delete() error {
	if r.table == nil {
		return &NotCurrentError{ID: r.id}
	}
	return r.table.Delete(r)
}
