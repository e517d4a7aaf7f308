package dataflow

import (
	"fmt"
	"strings"
)

// Order is a sort direction for one comparator field.
type Order int

const (
	Ascending Order = iota
	Descending
)

func (o Order) String() string {
	if o == Descending {
		return "descending"
	}
	return "ascending"
}

// ParseOrder maps an order name to an Order. The empty string means
// ascending.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(s) {
	case "", "ascending", "asc":
		return Ascending, nil
	case "descending", "desc":
		return Descending, nil
	}
	return Ascending, fmt.Errorf("unknown sort order %q", s)
}

// Comparator orders tuples by a list of fields. It is immutable once built;
// a new pointer is a new sort order, which is how sorted structures detect
// that a full resort is required.
type Comparator struct {
	fields []Field
	orders []Order
}

// NewComparator builds a comparator. Missing orders default to ascending.
func NewComparator(fields []Field, orders []Order) *Comparator {
	c := &Comparator{
		fields: append([]Field(nil), fields...),
		orders: make([]Order, len(fields)),
	}
	copy(c.orders, orders)
	return c
}

// Compare returns -1, 0 or 1. Tuples that agree on every field compare equal;
// callers that need a total order break ties themselves.
func (c *Comparator) Compare(a, b *Tuple) int {
	for i, f := range c.fields {
		r := CompareValues(f.Get(a), f.Get(b))
		if r == 0 {
			continue
		}
		if c.orders[i] == Descending {
			return -r
		}
		return r
	}
	return 0
}

// Fields returns the accessors the comparator reads.
func (c *Comparator) Fields() []Field {
	if c == nil {
		return nil
	}
	return c.fields
}

// Orders returns the per-field directions.
func (c *Comparator) Orders() []Order {
	if c == nil {
		return nil
	}
	return c.orders
}

func (c *Comparator) String() string {
	if c == nil {
		return "<none>"
	}
	parts := make([]string, len(c.fields))
	for i, f := range c.fields {
		parts[i] = f.Name() + " " + c.orders[i].String()
	}
	return strings.Join(parts, ", ")
}
