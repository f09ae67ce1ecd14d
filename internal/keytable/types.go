// Column type hooks used when serializing and loading tables.

package keytable

import (
	"encoding/base64"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// DefaultType is the type assigned to columns declared without one. It is
// always registered and converts nothing.
const DefaultType = "default"

// TypeHook converts one column's values to and from their serialized form.
// A nil function means identity in that direction.
type TypeHook struct {
	Serialize   func(v any) (any, error)
	Deserialize func(v any) (any, error)
}

func (h TypeHook) serialize(v any) (any, error) {
	if h.Serialize == nil {
		return v, nil
	}
	return h.Serialize(v)
}

func (h TypeHook) deserialize(v any) (any, error) {
	if h.Deserialize == nil {
		return v, nil
	}
	return h.Deserialize(v)
}

// Types is a registry of named column type hooks.
//
// Register every type before constructing the tables that use it; a table
// copies the hooks it needs when it is created.
type Types struct {
	mu    sync.RWMutex
	hooks map[string]TypeHook
}

// NewTypes returns a registry holding only DefaultType.
func NewTypes() *Types {
	return &Types{hooks: map[string]TypeHook{DefaultType: {}}}
}

// StandardTypes returns a registry holding DefaultType plus "date"
// (time.Time as RFC 3339 keeping its UTC offset) and "blob" ([]byte as
// base64, with a nil slice stored as null and an empty one as "").
func StandardTypes() *Types {
	t := NewTypes()
	t.Register("date", TypeHook{Serialize: serializeDate, Deserialize: deserializeDate})
	t.Register("blob", TypeHook{Serialize: serializeBlob, Deserialize: deserializeBlob})
	return t
}

// Register adds or replaces the hooks for name.
func (t *Types) Register(name string, hook TypeHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks[name] = hook
}

// Lookup returns the hooks registered for name.
func (t *Types) Lookup(name string) (TypeHook, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.hooks[name]
	return h, ok
}

// Names returns the registered type names, sorted.
func (t *Types) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.hooks))
}

func serializeDate(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339Nano), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return t.Format(time.RFC3339Nano), nil
	default:
		return nil, fmt.Errorf("date: unsupported value %T", v)
	}
}

func deserializeDate(v any) (any, error) {
	switch s := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return s, nil
	case string:
		if s == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("date: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("date: unsupported value %T", v)
	}
}

func serializeBlob(v any) (any, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("blob: unsupported value %T", v)
	}
	if b == nil {
		return nil, nil
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func deserializeBlob(v any) (any, error) {
	switch s := v.(type) {
	case nil:
		return []byte(nil), nil
	case []byte:
		return s, nil
	case string:
		if s == "" {
			return []byte{}, nil
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("blob: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("blob: unsupported value %T", v)
	}
}
