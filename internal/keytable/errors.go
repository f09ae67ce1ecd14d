package keytable

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maruel/ksid"
)

// Sentinels matched by the structured error types below via errors.Is.
var (
	ErrSchema       = errors.New("invalid schema")
	ErrMissingKey   = errors.New("missing key")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrKeyViolation = errors.New("unique index violation")
	ErrNotCurrent   = errors.New("row is not current")
	// ErrKeyImmutable is returned when an update tries to change a key column.
	ErrKeyImmutable = errors.New("key columns cannot be changed")
)

// SchemaError reports a malformed column or key spec. A table is never
// constructed when it is returned.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string {
	return "invalid schema: " + e.Reason
}

// Is implements errors.Is.
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}

func schemaErrorf(format string, args ...any) error {
	return &SchemaError{Reason: fmt.Sprintf(format, args...)}
}

// MissingKeyError reports key columns absent from the supplied data.
type MissingKeyError struct {
	Columns []string
}

func (e *MissingKeyError) Error() string {
	return "missing key column(s): " + strings.Join(e.Columns, ", ")
}

// Is implements errors.Is.
func (e *MissingKeyError) Is(target error) bool {
	return target == ErrMissingKey
}

// DuplicateKeyError reports a composite key collision on insert. The table is
// left exactly as it was before the failed call.
type DuplicateKeyError struct {
	Key any
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key %+v", e.Key)
}

// Is implements errors.Is.
func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateKey
}

// KeyViolationError reports a collision in a unique secondary index.
//
// Row is the rejected *Row[K, V], i.e. the row that could not be indexed, not
// the one already holding the key.
type KeyViolationError struct {
	Index string
	Key   any
	Row   any
}

func (e *KeyViolationError) Error() string {
	if e.Index == "" {
		return fmt.Sprintf("unique index violation on %+v", e.Key)
	}
	return fmt.Sprintf("unique index %q violation on %+v", e.Index, e.Key)
}

// Is implements errors.Is.
func (e *KeyViolationError) Is(target error) bool {
	return target == ErrKeyViolation
}

// NotCurrentError reports an operation on a row that was deleted, replaced by
// a reload, or belongs to another table.
type NotCurrentError struct {
	ID ksid.ID
}

func (e *NotCurrentError) Error() string {
	return "row " + e.ID.String() + " is not current"
}

// Is implements errors.Is.
func (e *NotCurrentError) Is(target error) bool {
	return target == ErrNotCurrent
}
