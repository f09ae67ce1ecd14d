package keytable

import (
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"reflect"
	"slices"

	"github.com/maruel/ksid"
)

// Options configures a Table.
type Options struct {
	// Types resolves column types. Defaults to NewTypes().
	Types *Types
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Name is attached to log records.
	Name string
}

// keyComparer is implemented by key types that define their own ordering.
type keyComparer[K any] interface {
	Compare(other K) int
}

// Table is an in-memory set of rows indexed by a composite key, with optional
// secondary indexes and change tracking.
//
// K is a struct holding exactly the key columns and V a struct holding exactly
// the other columns; columns map to fields by JSON name. Every mutation
// updates the primary index, the secondary indexes and the change tracker
// together, or none of them.
//
// A Table is not safe for concurrent use.
type Table[K comparable, V any] struct {
	schema  *Schema
	hooks   []TypeHook // per column, schema order
	bind    *binding
	compare func(a, b K) int
	log     *slog.Logger

	keys    keyIndex[K, V]
	byID    map[ksid.ID]*Row[K, V]
	indexes []indexer[K, V]
	changes tracker[K, V]
	sorted  []*Row[K, V] // nil when stale
}

// New parses the schema and binds it to K and V.
//
// The key columns must be exactly the fields of K and the remaining columns
// exactly the fields of V. Any mismatch is a SchemaError.
func New[K comparable, V any](columnSpec, keySpec string, opts *Options) (*Table[K, V], error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Types == nil {
		o.Types = NewTypes()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Name != "" {
		o.Logger = o.Logger.With("table", o.Name)
	}
	s, err := ParseSchema(columnSpec, keySpec, o.Types)
	if err != nil {
		return nil, err
	}
	b, err := bind(s, reflect.TypeFor[K](), reflect.TypeFor[V]())
	if err != nil {
		return nil, err
	}
	t := &Table[K, V]{
		schema: s,
		hooks:  make([]TypeHook, len(s.columns)),
		bind:   b,
		log:    o.Logger,
	}
	for i, c := range s.columns {
		t.hooks[i], _ = o.Types.Lookup(c.Type)
	}
	var zero K
	if _, ok := any(zero).(keyComparer[K]); ok {
		t.compare = func(x, y K) int { return any(x).(keyComparer[K]).Compare(y) }
	} else {
		t.compare = func(x, y K) int { return b.compareKeys(reflect.ValueOf(x), reflect.ValueOf(y)) }
	}
	t.resetState()
	return t, nil
}

// Schema returns the parsed schema.
func (t *Table[K, V]) Schema() *Schema {
	return t.schema
}

// Columns returns the column names in declared order.
func (t *Table[K, V]) Columns() []string {
	return t.schema.Columns()
}

// Key returns the key column names in declared order.
func (t *Table[K, V]) Key() []string {
	return t.schema.Key()
}

// Logger returns the table's logger, carrying the table name when one was
// set in Options.
func (t *Table[K, V]) Logger() *slog.Logger {
	return t.log
}

// Len returns the number of live rows.
func (t *Table[K, V]) Len() int {
	return t.keys.len()
}

// Add creates a row. It fails with DuplicateKeyError if the key is taken and
// with KeyViolationError if a unique index rejects the row; in both cases the
// table is unchanged.
func (t *Table[K, V]) Add(k K, v V) (*Row[K, V], error) {
	r := &Row[K, V]{id: ksid.NewID(), key: k, value: v}
	if err := t.insert(r); err != nil {
		return nil, err
	}
	t.changes.added(r)
	return r, nil
}

// AddRecord creates a row from a record. Absent key columns fail with
// MissingKeyError; absent value columns are zero.
func (t *Table[K, V]) AddRecord(rec Record) (*Row[K, V], error) {
	k, v, err := t.fromRecord(rec)
	if err != nil {
		return nil, err
	}
	return t.Add(k, v)
}

// Find returns the row with the given key, or nil if not found.
func (t *Table[K, V]) Find(k K) *Row[K, V] {
	return t.keys.find(k)
}

// FindRecord returns the row whose key columns match rec, or nil if not
// found. Every key column must be present.
func (t *Table[K, V]) FindRecord(rec Record) (*Row[K, V], error) {
	var k K
	if err := t.bind.keyFrom(rec, reflect.ValueOf(&k).Elem()); err != nil {
		return nil, err
	}
	return t.keys.find(k), nil
}

// Get returns the row with the given key, adding one with zero values if
// none exists.
func (t *Table[K, V]) Get(k K) (*Row[K, V], error) {
	if r := t.keys.find(k); r != nil {
		return r, nil
	}
	var v V
	return t.Add(k, v)
}

// GetRecord returns the row whose key columns match rec, adding one built
// from rec if none exists.
func (t *Table[K, V]) GetRecord(rec Record) (*Row[K, V], error) {
	r, err := t.FindRecord(rec)
	if err != nil || r != nil {
		return r, err
	}
	return t.AddRecord(rec)
}

// Lookup returns the live row with the given ID, or nil.
func (t *Table[K, V]) Lookup(id ksid.ID) *Row[K, V] {
	return t.byID[id]
}

// Prefix returns the rows whose leading key columns equal the ones supplied in
// rec, in key order. Key columns are read in order up to the first one
// missing from rec; with none supplied every row matches.
func (t *Table[K, V]) Prefix(rec Record) ([]*Row[K, V], error) {
	var k K
	kv := reflect.ValueOf(&k).Elem()
	n := 0
	for _, f := range t.bind.keys {
		val, ok := rec[f.name]
		if !ok || val == nil {
			break
		}
		if err := assign(kv.FieldByIndex(f.index), val); err != nil {
			return nil, fmt.Errorf("column %q: %w", f.name, err)
		}
		n++
	}
	if n == len(t.bind.keys) {
		if r := t.keys.find(k); r != nil {
			return []*Row[K, V]{r}, nil
		}
		return nil, nil
	}
	prefix := t.bind.keys[:n]
	var out []*Row[K, V]
	for _, r := range t.rows() {
		rv := reflect.ValueOf(r.key)
		match := true
		for _, f := range prefix {
			if compareValues(rv.FieldByIndex(f.index), kv.FieldByIndex(f.index)) != 0 {
				match = false
				break
			}
		}
		if match {
			out = append(out, r)
		}
	}
	return out, nil
}

// Update replaces the non-key columns of r.
//
// Updating to equal values changes nothing, including the change state.
// time.Time columns are equal when they hold the same instant.
// Secondary indexes are refreshed; if a unique index rejects the new values
// the row and all indexes keep their previous state.
func (t *Table[K, V]) Update(r *Row[K, V], v V) error {
	if !t.current(r) {
		return notCurrent(r)
	}
	if t.bind.equalValues(reflect.ValueOf(r.value), reflect.ValueOf(v)) {
		return nil
	}
	old := r.value
	for _, idx := range t.indexes {
		idx.remove(r)
	}
	r.value = v
	for i, idx := range t.indexes {
		if err := idx.insert(r); err != nil {
			for _, done := range t.indexes[:i] {
				done.remove(r)
			}
			r.value = old
			for _, idx := range t.indexes {
				_ = idx.insert(r)
			}
			return err
		}
	}
	t.changes.changed(r)
	return nil
}

// UpdateRecord applies column changes to r.
//
// Key columns may appear in changes only with their current value; anything
// else fails with ErrKeyImmutable.
func (t *Table[K, V]) UpdateRecord(r *Row[K, V], changes Record) error {
	if !t.current(r) {
		return notCurrent(r)
	}
	k := r.key
	kv := reflect.ValueOf(&k).Elem()
	for _, f := range t.bind.keys {
		val, ok := changes[f.name]
		if !ok {
			continue
		}
		if err := assign(kv.FieldByIndex(f.index), val); err != nil || k != r.key {
			return fmt.Errorf("column %q: %w", f.name, ErrKeyImmutable)
		}
	}
	v := r.value
	if err := t.bind.valueFrom(changes, reflect.ValueOf(&v).Elem()); err != nil {
		return err
	}
	return t.Update(r, v)
}

// Delete removes r from the table and every index. r is detached afterwards
// and further operations on it fail with NotCurrentError.
func (t *Table[K, V]) Delete(r *Row[K, V]) error {
	if !t.current(r) {
		return notCurrent(r)
	}
	t.keys.remove(r)
	for _, idx := range t.indexes {
		idx.remove(r)
	}
	delete(t.byID, r.id)
	r.table = nil
	t.sorted = nil
	t.changes.deleted(r)
	return nil
}

// Data returns the live rows in key order.
func (t *Table[K, V]) Data() []*Row[K, V] {
	return slices.Clone(t.rows())
}

// All returns an iterator over the live rows in key order, as of the start
// of the iteration.
func (t *Table[K, V]) All() iter.Seq[*Row[K, V]] {
	return func(yield func(*Row[K, V]) bool) {
		for _, r := range t.rows() {
			if !yield(r) {
				return
			}
		}
	}
}

// Record returns the columns of r as a record, without type hooks.
func (t *Table[K, V]) Record(r *Row[K, V]) Record {
	kv := reflect.ValueOf(r.key)
	vv := reflect.ValueOf(r.value)
	rec := make(Record, len(t.schema.columns))
	for _, c := range t.schema.columns {
		rec[c.Name], _ = t.bind.get(kv, vv, c.Name)
	}
	return rec
}

// SerializeRow passes every column of r through its type's serialize hook.
// Detached rows can be serialized too.
func (t *Table[K, V]) SerializeRow(r *Row[K, V]) (Record, error) {
	kv := reflect.ValueOf(r.key)
	vv := reflect.ValueOf(r.value)
	rec := make(Record, len(t.schema.columns))
	for i, c := range t.schema.columns {
		val, _ := t.bind.get(kv, vv, c.Name)
		s, err := t.hooks[i].serialize(val)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		rec[c.Name] = s
	}
	return rec, nil
}

// Serialize returns every live row, in key order, as serialized records.
func (t *Table[K, V]) Serialize() ([]Record, error) {
	rows := t.rows()
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec, err := t.SerializeRow(r)
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", r.id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Load replaces every row with the deserialized records, then checkpoints the
// change tracker.
//
// Load is all or nothing: if a record fails to deserialize or to insert, the
// table keeps its previous rows, indexes and change states.
func (t *Table[K, V]) Load(records iter.Seq[Record]) error {
	prevKeys, prevByID, prevChanges := t.keys, t.byID, t.changes
	t.resetState()
	n := 0
	for rec := range records {
		if err := t.loadRecord(rec); err != nil {
			for _, r := range t.byID {
				r.table = nil
			}
			t.keys, t.byID, t.changes, t.sorted = prevKeys, prevByID, prevChanges, nil
			t.reindex()
			t.log.Warn("Load rolled back", "record", n, "err", err)
			return fmt.Errorf("record %d: %w", n, err)
		}
		n++
	}
	for _, r := range prevByID {
		r.table = nil
	}
	t.ResetChanges()
	t.log.Debug("Table loaded", "rows", n)
	return nil
}

func (t *Table[K, V]) loadRecord(rec Record) error {
	dec := make(Record, len(rec))
	for name, val := range rec {
		i, ok := t.schema.byName[name]
		if !ok {
			return fmt.Errorf("unknown column %q", name)
		}
		d, err := t.hooks[i].deserialize(val)
		if err != nil {
			return fmt.Errorf("column %q: %w", name, err)
		}
		dec[name] = d
	}
	_, err := t.AddRecord(dec)
	return err
}

// Clear removes every row without tracking them as deleted. Removed rows are
// detached.
func (t *Table[K, V]) Clear() {
	for _, r := range t.byID {
		r.table = nil
	}
	t.resetState()
	t.log.Debug("Table cleared")
}

// ResetChanges checkpoints the change tracker: every live row becomes
// untouched and deleted rows are forgotten.
func (t *Table[K, V]) ResetChanges() {
	t.changes.checkpoint(t.keys.rows)
}

// Changes returns a snapshot of the change tracker.
func (t *Table[K, V]) Changes() ChangeSet[K, V] {
	return t.changes.snapshot(t.compareRows)
}

// HasChanges reports whether any row was added, changed or deleted since the
// last checkpoint.
func (t *Table[K, V]) HasChanges() bool {
	return t.changes.dirty != 0
}

// State returns the change state of r, or false if the table does not track
// r.
func (t *Table[K, V]) State(r *Row[K, V]) (ChangeState, bool) {
	return t.changes.lookup(r)
}

func (t *Table[K, V]) insert(r *Row[K, V]) error {
	if err := t.keys.insert(r); err != nil {
		return err
	}
	for i, idx := range t.indexes {
		if err := idx.insert(r); err != nil {
			for _, done := range t.indexes[:i] {
				done.remove(r)
			}
			t.keys.remove(r)
			return err
		}
	}
	t.byID[r.id] = r
	r.table = t
	t.sorted = nil
	return nil
}

func (t *Table[K, V]) fromRecord(rec Record) (k K, v V, err error) {
	if err = t.bind.keyFrom(rec, reflect.ValueOf(&k).Elem()); err != nil {
		return k, v, err
	}
	err = t.bind.valueFrom(rec, reflect.ValueOf(&v).Elem())
	return k, v, err
}

// attach indexes every live row in idx and registers it. On failure idx is
// left empty and unregistered.
func (t *Table[K, V]) attach(idx indexer[K, V]) error {
	for _, r := range t.rows() {
		if err := idx.insert(r); err != nil {
			idx.reset()
			return err
		}
	}
	t.indexes = append(t.indexes, idx)
	return nil
}

// reindex rebuilds every secondary index from the live rows.
func (t *Table[K, V]) reindex() {
	for _, idx := range t.indexes {
		idx.reset()
		for _, r := range t.keys.rows {
			_ = idx.insert(r)
		}
	}
}

func (t *Table[K, V]) resetState() {
	t.keys = newKeyIndex[K, V]()
	t.byID = map[ksid.ID]*Row[K, V]{}
	t.changes = newTracker[K, V]()
	t.sorted = nil
	for _, idx := range t.indexes {
		idx.reset()
	}
}

func (t *Table[K, V]) current(r *Row[K, V]) bool {
	return t.keys.contains(r)
}

func (t *Table[K, V]) compareRows(a, b *Row[K, V]) int {
	return t.compare(a.key, b.key)
}

// rows returns the cached sorted rows. The slice is never modified in place.
func (t *Table[K, V]) rows() []*Row[K, V] {
	if t.sorted == nil {
		t.sorted = make([]*Row[K, V], 0, t.keys.len())
		t.sorted = slices.AppendSeq(t.sorted, maps.Values(t.keys.rows))
		slices.SortFunc(t.sorted, t.compareRows)
	}
	return t.sorted
}

func notCurrent[K comparable, V any](r *Row[K, V]) error {
	if r == nil {
		return &NotCurrentError{}
	}
	return &NotCurrentError{ID: r.id}
}
