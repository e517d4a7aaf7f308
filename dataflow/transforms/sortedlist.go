package transforms

import (
	"slices"

	"github.com/paulrosenzweig/vega/dataflow"
)

// SortedList keeps a set of tuples ordered by a comparator that is supplied
// on every read. Adds and removes are buffered; Data applies them in one
// pass: filter removals, sort the additions, merge. When the comparator
// differs from the one used last time the whole list is re-sorted.
//
// Ties under the comparator are broken by TupleID, which follows creation
// order, so equal rows keep a stable relative order however often other rows
// come and go.
type SortedList struct {
	data    []*dataflow.Tuple
	members map[dataflow.TupleID]bool
	adds    []*dataflow.Tuple
	rems    map[dataflow.TupleID]bool
	cmp     *dataflow.Comparator
	sorted  bool
}

// NewSortedList returns an empty list.
func NewSortedList() *SortedList {
	return &SortedList{
		members: make(map[dataflow.TupleID]bool),
		sorted:  true,
	}
}

// Add inserts t. Adding a tuple that is already a member is an identity
// error.
func (s *SortedList) Add(t *dataflow.Tuple) error {
	id := t.ID()
	if s.members[id] {
		return &dataflow.IdentityError{Op: "insertion", ID: id, Reason: "tuple is already in the partition"}
	}
	// A tuple removed and re-added before the next read stays in rems so its
	// old position is dropped and it is merged in afresh.
	s.members[id] = true
	s.adds = append(s.adds, t)
	return nil
}

// Remove deletes t. Removing a tuple that is not a member is an identity
// error.
func (s *SortedList) Remove(t *dataflow.Tuple) error {
	id := t.ID()
	if !s.members[id] {
		return &dataflow.IdentityError{Op: "removal", ID: id, Reason: "tuple is not in the partition"}
	}
	delete(s.members, id)
	for i, a := range s.adds {
		if a.ID() == id {
			s.adds = slices.Delete(s.adds, i, i+1)
			return nil
		}
	}
	if s.rems == nil {
		s.rems = make(map[dataflow.TupleID]bool)
	}
	s.rems[id] = true
	return nil
}

// Has reports whether t is a member.
func (s *SortedList) Has(t *dataflow.Tuple) bool {
	return s.members[t.ID()]
}

// Size returns the number of members.
func (s *SortedList) Size() int {
	return len(s.members)
}

// Members returns the current members in no particular order without
// flushing pending changes.
func (s *SortedList) Members() []*dataflow.Tuple {
	out := make([]*dataflow.Tuple, 0, len(s.members))
	for _, t := range s.data {
		if !s.rems[t.ID()] {
			out = append(out, t)
		}
	}
	return append(out, s.adds...)
}

// Invalidate forces the next Data call to re-sort everything, for example
// after the values of sort fields changed in place.
func (s *SortedList) Invalidate() {
	s.sorted = false
}

// Data returns the members ordered by cmp. A nil comparator orders by
// TupleID. The returned slice is owned by the list and valid until the next
// mutation.
func (s *SortedList) Data(cmp *dataflow.Comparator) []*dataflow.Tuple {
	less := tupleCompare(cmp)

	if len(s.rems) > 0 {
		s.data = slices.DeleteFunc(s.data, func(t *dataflow.Tuple) bool {
			return s.rems[t.ID()]
		})
		s.rems = nil
	}

	if cmp != s.cmp || !s.sorted {
		s.data = append(s.data, s.adds...)
		s.adds = nil
		slices.SortStableFunc(s.data, less)
		s.cmp = cmp
		s.sorted = true
		return s.data
	}

	if len(s.adds) > 0 {
		slices.SortStableFunc(s.adds, less)
		s.data = merge(s.data, s.adds, less)
		s.adds = nil
	}
	return s.data
}

// Clone returns an independent copy with the same pending state.
func (s *SortedList) Clone() *SortedList {
	c := &SortedList{
		data:    slices.Clone(s.data),
		members: make(map[dataflow.TupleID]bool, len(s.members)),
		adds:    slices.Clone(s.adds),
		cmp:     s.cmp,
		sorted:  s.sorted,
	}
	for id := range s.members {
		c.members[id] = true
	}
	if len(s.rems) > 0 {
		c.rems = make(map[dataflow.TupleID]bool, len(s.rems))
		for id := range s.rems {
			c.rems[id] = true
		}
	}
	return c
}

func tupleCompare(cmp *dataflow.Comparator) func(a, b *dataflow.Tuple) int {
	return func(a, b *dataflow.Tuple) int {
		if cmp != nil {
			if c := cmp.Compare(a, b); c != 0 {
				return c
			}
		}
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		}
		return 0
	}
}

// merge combines two sorted slices; on ties the element from a comes first.
func merge(a, b []*dataflow.Tuple, cmp func(x, y *dataflow.Tuple) int) []*dataflow.Tuple {
	out := make([]*dataflow.Tuple, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if cmp(b[j], a[i]) < 0 {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
