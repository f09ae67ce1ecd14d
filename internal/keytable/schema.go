// Parses column and key specs into a validated schema.

package keytable

import (
	"slices"
	"strings"
	"unicode"
)

// Column is one declared column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Key  bool   `json:"key,omitempty"`
}

// Schema is the ordered column set and ordered composite key of a table.
type Schema struct {
	columns []Column
	key     []string
	byName  map[string]int
}

// ParseSchema parses a column spec and a key spec.
//
// The column spec is a comma or space separated list of "name" or
// "name:type" tokens; a column without a type gets DefaultType. The key spec
// lists the key columns in comparison order. Every type must be registered in
// types; a nil types means NewTypes().
func ParseSchema(columnSpec, keySpec string, types *Types) (*Schema, error) {
	if types == nil {
		types = NewTypes()
	}
	s := &Schema{byName: map[string]int{}}
	for _, tok := range splitSpec(columnSpec) {
		name, typ, found := strings.Cut(tok, ":")
		if !found {
			typ = DefaultType
		}
		if name == "" {
			return nil, schemaErrorf("column %q has no name", tok)
		}
		if typ == "" {
			return nil, schemaErrorf("column %q has an empty type", name)
		}
		if _, dup := s.byName[name]; dup {
			return nil, schemaErrorf("column %q declared twice", name)
		}
		if _, ok := types.Lookup(typ); !ok {
			return nil, schemaErrorf("column %q: type %q is not registered", name, typ)
		}
		s.byName[name] = len(s.columns)
		s.columns = append(s.columns, Column{Name: name, Type: typ})
	}
	if len(s.columns) == 0 {
		return nil, schemaErrorf("no columns")
	}
	for _, name := range splitSpec(keySpec) {
		i, ok := s.byName[name]
		if !ok {
			return nil, schemaErrorf("key column %q is not declared", name)
		}
		if s.columns[i].Key {
			return nil, schemaErrorf("key column %q listed twice", name)
		}
		s.columns[i].Key = true
		s.key = append(s.key, name)
	}
	if len(s.key) == 0 {
		return nil, schemaErrorf("no key")
	}
	return s, nil
}

func splitSpec(spec string) []string {
	return strings.FieldsFunc(spec, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

// Columns returns the column names in declared order.
func (s *Schema) Columns() []string {
	out := make([]string, len(s.columns))
	for i, c := range s.columns {
		out[i] = c.Name
	}
	return out
}

// Key returns the key column names in declared order.
func (s *Schema) Key() []string {
	return slices.Clone(s.key)
}

// Definitions returns a copy of the column definitions in declared order.
func (s *Schema) Definitions() []Column {
	return slices.Clone(s.columns)
}

// Column returns the definition of the named column.
func (s *Schema) Column(name string) (Column, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Column{}, false
	}
	return s.columns[i], true
}

// ValueColumns returns the non-key column names in declared order.
func (s *Schema) ValueColumns() []string {
	var out []string
	for _, c := range s.columns {
		if !c.Key {
			out = append(out, c.Name)
		}
	}
	return out
}

// ColumnSpec renders the schema back into the column spec syntax accepted by
// ParseSchema.
func (s *Schema) ColumnSpec() string {
	parts := make([]string, len(s.columns))
	for i, c := range s.columns {
		if c.Type == DefaultType {
			parts[i] = c.Name
		} else {
			parts[i] = c.Name + ":" + c.Type
		}
	}
	return strings.Join(parts, ",")
}

// KeySpec renders the key back into the key spec syntax.
func (s *Schema) KeySpec() string {
	return strings.Join(s.key, ",")
}
