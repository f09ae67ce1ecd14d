package keytable

import "slices"

// ChangeState classifies a row relative to the last checkpoint.
type ChangeState uint8

const (
	// Untouched rows are live and unchanged since the last checkpoint.
	Untouched ChangeState = iota
	// Added rows were created since the last checkpoint.
	Added
	// Changed rows existed at the last checkpoint and were modified since.
	Changed
	// Deleted rows were removed since the last checkpoint.
	Deleted
)

func (s ChangeState) String() string {
	switch s {
	case Untouched:
		return "untouched"
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ChangeSet is a snapshot of the change tracker. Each slice is in key order
// and owned by the caller.
type ChangeSet[K comparable, V any] struct {
	Added     []*Row[K, V]
	Changed   []*Row[K, V]
	Deleted   []*Row[K, V]
	Untouched []*Row[K, V]
}

// Empty reports whether nothing needs to be written back.
func (c *ChangeSet[K, V]) Empty() bool {
	return len(c.Added) == 0 && len(c.Changed) == 0 && len(c.Deleted) == 0
}

// tracker partitions rows into the four change states. A row is in exactly
// one state; deleted rows stay tracked until the next checkpoint.
type tracker[K comparable, V any] struct {
	state map[*Row[K, V]]ChangeState
	// dirty counts rows that are not Untouched.
	dirty int
}

func newTracker[K comparable, V any]() tracker[K, V] {
	return tracker[K, V]{state: map[*Row[K, V]]ChangeState{}}
}

// checkpoint marks every row in live as untouched and forgets the rest.
func (c *tracker[K, V]) checkpoint(live map[K]*Row[K, V]) {
	c.state = make(map[*Row[K, V]]ChangeState, len(live))
	for _, r := range live {
		c.state[r] = Untouched
	}
	c.dirty = 0
}

func (c *tracker[K, V]) set(r *Row[K, V], s ChangeState) {
	prev, ok := c.state[r]
	if ok && prev != Untouched {
		c.dirty--
	}
	if s != Untouched {
		c.dirty++
	}
	c.state[r] = s
}

func (c *tracker[K, V]) added(r *Row[K, V]) {
	c.set(r, Added)
}

// changed moves an untouched row to Changed. Added and Changed rows keep their
// state.
func (c *tracker[K, V]) changed(r *Row[K, V]) {
	if c.state[r] == Untouched {
		c.set(r, Changed)
	}
}

func (c *tracker[K, V]) deleted(r *Row[K, V]) {
	c.set(r, Deleted)
}

func (c *tracker[K, V]) lookup(r *Row[K, V]) (ChangeState, bool) {
	s, ok := c.state[r]
	return s, ok
}

func (c *tracker[K, V]) snapshot(compare func(a, b *Row[K, V]) int) ChangeSet[K, V] {
	var out ChangeSet[K, V]
	for r, s := range c.state {
		switch s {
		case Untouched:
			out.Untouched = append(out.Untouched, r)
		case Added:
			out.Added = append(out.Added, r)
		case Changed:
			out.Changed = append(out.Changed, r)
		case Deleted:
			out.Deleted = append(out.Deleted, r)
		}
	}
	slices.SortFunc(out.Added, compare)
	slices.SortFunc(out.Changed, compare)
	slices.SortFunc(out.Deleted, compare)
	slices.SortFunc(out.Untouched, compare)
	return out
}
