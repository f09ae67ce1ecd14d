// Binds a parsed schema to the key and value struct types of a table.

package keytable

import (
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
)

// Record is the plain form of a row: column name to value.
type Record map[string]any

// field locates one column inside the key or value struct.
type field struct {
	name  string
	index []int
}

// binding maps schema columns onto the fields of K and V.
type binding struct {
	keyType   reflect.Type
	valueType reflect.Type
	keys      []field // schema key order
	values    []field // schema column order, non-key columns only
	isKey     map[string]bool
	valueIdx  map[string]int
}

func bind(s *Schema, keyType, valueType reflect.Type) (*binding, error) {
	keyFields, err := structFields(keyType)
	if err != nil {
		return nil, schemaErrorf("key type: %v", err)
	}
	valueFields, err := structFields(valueType)
	if err != nil {
		return nil, schemaErrorf("value type: %v", err)
	}
	b := &binding{
		keyType:   keyType,
		valueType: valueType,
		isKey:     map[string]bool{},
		valueIdx:  map[string]int{},
	}
	for _, name := range s.key {
		idx, ok := keyFields[name]
		if !ok {
			return nil, schemaErrorf("key column %q has no field in %s", name, keyType)
		}
		delete(keyFields, name)
		b.keys = append(b.keys, field{name: name, index: idx})
		b.isKey[name] = true
	}
	if len(keyFields) != 0 {
		return nil, schemaErrorf("field %q of %s is not a key column", slices.Sorted(maps.Keys(keyFields))[0], keyType)
	}
	for _, c := range s.columns {
		if c.Key {
			continue
		}
		idx, ok := valueFields[c.Name]
		if !ok {
			return nil, schemaErrorf("column %q has no field in %s", c.Name, valueType)
		}
		delete(valueFields, c.Name)
		b.valueIdx[c.Name] = len(b.values)
		b.values = append(b.values, field{name: c.Name, index: idx})
	}
	if len(valueFields) != 0 {
		return nil, schemaErrorf("field %q of %s is not a declared column", slices.Sorted(maps.Keys(valueFields))[0], valueType)
	}
	return b, nil
}

// structFields returns the exported fields of t keyed by their JSON name.
func structFields(t reflect.Type) (map[string][]int, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("must be a struct, got %s", t.Kind())
	}
	out := map[string][]int{}
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("json") == "-" {
			continue
		}
		name := jsonFieldName(&f)
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("JSON name %q used twice", name)
		}
		out[name] = f.Index
	}
	return out, nil
}

// jsonFieldName returns the JSON field name for a struct field.
func jsonFieldName(f *reflect.StructField) string {
	tag := f.Tag.Get("json")
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}

// get returns the value of a column of the row described by key and value.
func (b *binding) get(key, value reflect.Value, name string) (any, bool) {
	if b.isKey[name] {
		for _, f := range b.keys {
			if f.name == name {
				return key.FieldByIndex(f.index).Interface(), true
			}
		}
	}
	if i, ok := b.valueIdx[name]; ok {
		return value.FieldByIndex(b.values[i].index).Interface(), true
	}
	return nil, false
}

// keyFrom builds a key from a record. Absent or nil key columns are reported
// together in a MissingKeyError.
func (b *binding) keyFrom(rec Record, dst reflect.Value) error {
	var missing []string
	for _, f := range b.keys {
		v, ok := rec[f.name]
		if !ok || v == nil {
			missing = append(missing, f.name)
			continue
		}
		if err := assign(dst.FieldByIndex(f.index), v); err != nil {
			return fmt.Errorf("column %q: %w", f.name, err)
		}
	}
	if len(missing) != 0 {
		return &MissingKeyError{Columns: missing}
	}
	return nil
}

// valueFrom copies the non-key columns of rec into dst. Key columns are
// skipped; unknown columns are an error.
func (b *binding) valueFrom(rec Record, dst reflect.Value) error {
	for name, v := range rec {
		if b.isKey[name] {
			continue
		}
		i, ok := b.valueIdx[name]
		if !ok {
			return fmt.Errorf("unknown column %q", name)
		}
		if err := assign(dst.FieldByIndex(b.values[i].index), v); err != nil {
			return fmt.Errorf("column %q: %w", name, err)
		}
	}
	return nil
}

// compareKeys orders two keys column by column in key order.
func (b *binding) compareKeys(x, y reflect.Value) int {
	for _, f := range b.keys {
		if c := compareValues(x.FieldByIndex(f.index), y.FieldByIndex(f.index)); c != 0 {
			return c
		}
	}
	return 0
}

var timeType = reflect.TypeFor[time.Time]()

// equalValues reports whether two value groups hold the same columns. Times
// compare by instant, ignoring location and monotonic clock reading.
func (b *binding) equalValues(x, y reflect.Value) bool {
	for _, f := range b.values {
		fx, fy := x.FieldByIndex(f.index), y.FieldByIndex(f.index)
		if fx.Type() == timeType {
			if !fx.Interface().(time.Time).Equal(fy.Interface().(time.Time)) {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(fx.Interface(), fy.Interface()) {
			return false
		}
	}
	return true
}

func compareValues(x, y reflect.Value) int {
	if x.Type() == timeType {
		return x.Interface().(time.Time).Compare(y.Interface().(time.Time))
	}
	switch x.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return cmp.Compare(x.Int(), y.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return cmp.Compare(x.Uint(), y.Uint())
	case reflect.Float32, reflect.Float64:
		return cmp.Compare(x.Float(), y.Float())
	case reflect.String:
		return cmp.Compare(x.String(), y.String())
	case reflect.Bool:
		return cmp.Compare(boolInt(x.Bool()), boolInt(y.Bool()))
	default:
		return cmp.Compare(fmt.Sprint(x.Interface()), fmt.Sprint(y.Interface()))
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// assign stores v into dst, converting between numeric kinds when no
// precision is lost and falling back to a JSON round trip for composite
// values decoded generically.
func assign(dst reflect.Value, v any) error {
	if v == nil {
		dst.SetZero()
		return nil
	}
	src := reflect.ValueOf(v)
	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}
	if n, ok := v.(json.Number); ok && isNumeric(dst.Kind()) {
		return assignNumber(dst, n)
	}
	if isNumeric(src.Kind()) && isNumeric(dst.Kind()) {
		// A same-width conversion between signed and unsigned kinds survives
		// the round trip below, so the sign is checked first.
		if !signFits(src, dst.Kind()) {
			return fmt.Errorf("%v does not fit in %s", v, dst.Type())
		}
		c := src.Convert(dst.Type())
		if !c.Convert(src.Type()).Equal(src) {
			return fmt.Errorf("%v does not fit in %s", v, dst.Type())
		}
		dst.Set(c)
		return nil
	}
	if src.Kind() == dst.Kind() && src.Type().ConvertibleTo(dst.Type()) {
		dst.Set(src.Convert(dst.Type()))
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cannot use %T as %s", v, dst.Type())
	}
	p := reflect.New(dst.Type())
	if err := json.Unmarshal(data, p.Interface()); err != nil {
		return fmt.Errorf("cannot use %T as %s: %w", v, dst.Type(), err)
	}
	dst.Set(p.Elem())
	return nil
}

func assignNumber(dst reflect.Value, n json.Number) error {
	switch dst.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(string(n), 10, 64)
		if err != nil || dst.OverflowInt(i) {
			return fmt.Errorf("%s does not fit in %s", n, dst.Type())
		}
		dst.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u, err := strconv.ParseUint(string(n), 10, 64)
		if err != nil || dst.OverflowUint(u) {
			return fmt.Errorf("%s does not fit in %s", n, dst.Type())
		}
		dst.SetUint(u)
	default:
		f, err := n.Float64()
		if err != nil || dst.OverflowFloat(f) {
			return fmt.Errorf("%s does not fit in %s", n, dst.Type())
		}
		dst.SetFloat(f)
	}
	return nil
}

// signFits reports whether the numeric value src can be represented in kind
// dst as far as its sign is concerned.
func signFits(src reflect.Value, dst reflect.Kind) bool {
	switch {
	case isUnsigned(dst) && isSigned(src.Kind()):
		return src.Int() >= 0
	case isUnsigned(dst) && isFloat(src.Kind()):
		return src.Float() >= 0
	case isSigned(dst) && isUnsigned(src.Kind()):
		return src.Uint() <= math.MaxInt64
	default:
		return true
	}
}

func isSigned(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	default:
		return false
	}
}

func isUnsigned(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	default:
		return false
	}
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

// SchemaFromTypes derives column and key specs from the key and value struct
// types of a table, in field order with key columns first.
//
// Column types come from the `keytable:"name"` field tag; untagged fields get
// DefaultType.
func SchemaFromTypes[K, V any]() (columnSpec, keySpec string, err error) {
	keyCols, err := columnsFromType(reflect.TypeFor[K]())
	if err != nil {
		return "", "", schemaErrorf("key type: %v", err)
	}
	valueCols, err := columnsFromType(reflect.TypeFor[V]())
	if err != nil {
		return "", "", schemaErrorf("value type: %v", err)
	}
	var cols, key []string
	for _, c := range keyCols {
		cols = append(cols, c)
		name, _, _ := strings.Cut(c, ":")
		key = append(key, name)
	}
	cols = append(cols, valueCols...)
	return strings.Join(cols, ","), strings.Join(key, ","), nil
}

// columnsFromType lists "name[:type]" tokens for a struct using JSON Schema
// reflection, which yields properties in declaration order.
func columnsFromType(t reflect.Type) ([]string, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("must be a struct, got %s", t.Kind())
	}
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	schema := r.ReflectFromType(t)
	var out []string
	if schema.Properties == nil {
		return out, nil
	}
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		tok := pair.Key
		for i := range t.NumField() {
			f := t.Field(i)
			if f.IsExported() && jsonFieldName(&f) == pair.Key {
				if typ := f.Tag.Get("keytable"); typ != "" {
					tok += ":" + typ
				}
				break
			}
		}
		out = append(out, tok)
	}
	return out, nil
}
