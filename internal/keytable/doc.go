// Package keytable provides an embeddable, in-memory table indexed by a
// composite key, with secondary indexes and row-level change tracking.
//
// # Overview
//
// A [Table] holds rows of a fixed shape. The schema is declared as a column
// spec ("k1,k2,foo:date") and a key spec ("k1,k2") and bound to two structs:
// one holding the key columns, one holding the rest. Key columns are fixed
// when a row is created; the other columns change only through the table.
//
// # Indexes
//
// The primary index maps each composite key to exactly one row. [UniqueIndex]
// and [Index] map a key derived from any columns to one or many rows. Every
// mutation keeps all of them consistent with the live rows; a rejected
// mutation leaves them untouched.
//
// # Change Tracking
//
// Since the last checkpoint every row is untouched, added, changed or
// deleted. [Table.Changes] returns that partition so a persistence layer can
// write back only what changed, then call [Table.ResetChanges].
//
// # Serialization
//
// [Table.Serialize] and [Table.Load] pass column values through the hooks
// registered for their type in [Types]. The package itself performs no I/O.
//
// # Concurrency
//
// Tables are not safe for concurrent use. Use one table per goroutine or
// guard it with a lock.
package keytable
