// Package dataflow provides the core value types of the reactive dataflow
// runtime: tuples with stable identities, field accessors, comparators,
// pulses (timestamped change-sets) and changesets.
package dataflow

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// TupleID is a process-unique tuple identity. IDs are handed out in creation
// order and never reused.
type TupleID uint64

var lastTupleID atomic.Uint64

func nextTupleID() TupleID {
	return TupleID(lastTupleID.Add(1))
}

// Tuple is a row record whose identity is independent of its field values.
//
// Tuples are mutated in place by operators that declare the "modifies"
// metadata flag. That is safe because a graph evaluates one operator at a
// time and never runs two propagations concurrently; no reader can observe a
// half-written tuple. Operators that write fields must keep enough state to
// restore the previous values if their run is rolled back.
type Tuple struct {
	id     TupleID
	fields map[string]any
}

// NewTuple creates a tuple holding a copy of fields and assigns it a fresh
// identity.
func NewTuple(fields map[string]any) *Tuple {
	t := &Tuple{
		id:     nextTupleID(),
		fields: make(map[string]any, len(fields)),
	}
	for k, v := range fields {
		t.fields[k] = v
	}
	return t
}

// NewTuples creates one tuple per row, in order.
func NewTuples(rows ...map[string]any) []*Tuple {
	out := make([]*Tuple, len(rows))
	for i, row := range rows {
		out[i] = NewTuple(row)
	}
	return out
}

// ID returns the tuple identity.
func (t *Tuple) ID() TupleID { return t.id }

// Get returns the value of a top-level field, or nil.
func (t *Tuple) Get(field string) any {
	return t.fields[field]
}

// Has reports whether the field is set.
func (t *Tuple) Has(field string) bool {
	_, ok := t.fields[field]
	return ok
}

// Set writes a field in place. See the Tuple documentation for when this is
// allowed.
func (t *Tuple) Set(field string, value any) {
	t.fields[field] = value
}

// Unset deletes a field in place.
func (t *Tuple) Unset(field string) {
	delete(t.fields, field)
}

// Fields returns a shallow copy of the tuple's fields.
func (t *Tuple) Fields() map[string]any {
	out := make(map[string]any, len(t.fields))
	for k, v := range t.fields {
		out[k] = v
	}
	return out
}

// Names returns the field names in sorted order.
func (t *Tuple) Names() []string {
	names := make([]string, 0, len(t.fields))
	for k := range t.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// String returns a compact representation for debugging.
func (t *Tuple) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d{", t.id)
	for i, name := range t.Names() {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %v", name, t.fields[name])
	}
	sb.WriteString("}")
	return sb.String()
}

// Field is an accessor for a named, possibly nested, tuple field. A dotted
// name such as "price.close" walks into nested map[string]any values.
type Field struct {
	name string
	path []string
}

// NewField creates an accessor for name.
func NewField(name string) Field {
	return Field{name: name, path: strings.Split(name, ".")}
}

// NewFields creates one accessor per name.
func NewFields(names ...string) []Field {
	out := make([]Field, len(names))
	for i, n := range names {
		out[i] = NewField(n)
	}
	return out
}

// Name returns the accessor's field name.
func (f Field) Name() string { return f.name }

// IsZero reports whether the accessor was never initialized.
func (f Field) IsZero() bool { return f.name == "" }

// Root returns the top-level field the accessor reads from. Change tracking
// works on top-level names.
func (f Field) Root() string {
	if len(f.path) == 0 {
		return ""
	}
	return f.path[0]
}

// Get reads the field from t. Missing path segments yield nil.
func (f Field) Get(t *Tuple) any {
	if t == nil || len(f.path) == 0 {
		return nil
	}
	v := t.fields[f.path[0]]
	for _, seg := range f.path[1:] {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[seg]
	}
	return v
}

func (f Field) String() string { return f.name }

// FieldNames returns the root names of the given accessors.
func FieldNames(fields []Field) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !f.IsZero() {
			out = append(out, f.Root())
		}
	}
	return out
}
