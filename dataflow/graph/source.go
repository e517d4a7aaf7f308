package graph

import (
	"github.com/paulrosenzweig/vega/dataflow"
)

// SourceDefinition is the built-in operator that turns changesets into
// pulses. Its value is the slice of live tuples in insertion order.
var SourceDefinition = &Definition{
	Type:     "Source",
	Metadata: Metadata{Source: true, Generates: true},
	New: func(*Params) (Transform, error) {
		return newSource(), nil
	},
}

type fieldUndo struct {
	tuple *dataflow.Tuple
	field string
	value any
	had   bool
}

// source holds the live tuple set. A changeset is applied to a staged copy;
// field writes happen in place and are recorded so Rollback can restore
// them.
type source struct {
	live []*dataflow.Tuple
	ids  map[dataflow.TupleID]bool

	staged    bool
	next      []*dataflow.Tuple
	nextIDs   map[dataflow.TupleID]bool
	fieldUndo []fieldUndo
}

func newSource() *source {
	return &source{ids: make(map[dataflow.TupleID]bool)}
}

func (s *source) current() []*dataflow.Tuple {
	if s.staged {
		return s.next
	}
	return s.live
}

func (s *source) visit(fn func(*dataflow.Tuple)) {
	for _, t := range s.current() {
		fn(t)
	}
}

func (s *source) Value() any {
	return append([]*dataflow.Tuple(nil), s.current()...)
}

func (s *source) Evaluate(ctx *EvalContext) (*dataflow.Pulse, error) {
	out := dataflow.NewPulse(ctx.Stamp).WithSource(s.visit)
	cs := ctx.Changeset
	if cs.Empty() {
		return out, nil
	}

	removed := make(map[dataflow.TupleID]bool)
	var removedList []*dataflow.Tuple
	remove := func(t *dataflow.Tuple) {
		removed[t.ID()] = true
		removedList = append(removedList, t)
	}

	if cs.IsReplace() {
		for _, t := range s.live {
			remove(t)
		}
		out.Reset = true
	}
	for _, t := range cs.Removes() {
		if !s.ids[t.ID()] {
			return nil, &dataflow.IdentityError{Op: "removal", ID: t.ID(), Reason: "tuple is not in the source"}
		}
		if removed[t.ID()] {
			if cs.IsReplace() {
				continue
			}
			return nil, &dataflow.IdentityError{Op: "removal", ID: t.ID(), Reason: "tuple removed twice"}
		}
		remove(t)
	}
	for _, pred := range cs.RemovePredicates() {
		for _, t := range s.live {
			if !removed[t.ID()] && pred(t) {
				remove(t)
			}
		}
	}

	// A tuple removed and inserted by the same changeset stays live and is
	// reported as neither.
	inserted := make(map[dataflow.TupleID]bool, len(cs.Inserts()))
	var added []*dataflow.Tuple
	kept := make(map[dataflow.TupleID]bool)
	for _, t := range cs.Inserts() {
		switch {
		case inserted[t.ID()]:
			return nil, &dataflow.IdentityError{Op: "insertion", ID: t.ID(), Reason: "tuple inserted twice"}
		case removed[t.ID()]:
			kept[t.ID()] = true
		case s.ids[t.ID()]:
			return nil, &dataflow.IdentityError{Op: "insertion", ID: t.ID(), Reason: "tuple is already in the source"}
		default:
			added = append(added, t)
		}
		inserted[t.ID()] = true
	}

	s.next = make([]*dataflow.Tuple, 0, len(s.live)+len(added))
	s.nextIDs = make(map[dataflow.TupleID]bool, len(s.live)+len(added))
	for _, t := range s.live {
		if !removed[t.ID()] || kept[t.ID()] {
			s.next = append(s.next, t)
			s.nextIDs[t.ID()] = true
		}
	}
	for _, t := range added {
		s.next = append(s.next, t)
		s.nextIDs[t.ID()] = true
	}
	s.staged = true

	for _, t := range removedList {
		if !kept[t.ID()] {
			out.Removed = append(out.Removed, t)
		}
	}
	out.Added = added

	addedIDs := make(map[dataflow.TupleID]bool, len(added))
	for _, t := range added {
		addedIDs[t.ID()] = true
	}
	modified := make(map[dataflow.TupleID]bool)
	write := func(t *dataflow.Tuple, m dataflow.Modification) {
		v := m.Apply(t)
		s.fieldUndo = append(s.fieldUndo, fieldUndo{tuple: t, field: m.Field, value: t.Get(m.Field), had: t.Has(m.Field)})
		t.Set(m.Field, v)
		out.Modifies(m.Field)
		if !addedIDs[t.ID()] && !modified[t.ID()] {
			modified[t.ID()] = true
			out.Modified = append(out.Modified, t)
		}
	}
	for _, m := range cs.Modifications() {
		if m.Tuple != nil {
			if !s.nextIDs[m.Tuple.ID()] {
				return nil, &dataflow.IdentityError{Op: "modification", ID: m.Tuple.ID(), Reason: "tuple is not in the source"}
			}
			write(m.Tuple, m)
			continue
		}
		for _, t := range s.next {
			if m.Where(t) {
				write(t, m)
			}
		}
	}
	return out, nil
}

func (s *source) Commit() {
	if !s.staged {
		return
	}
	s.live, s.ids = s.next, s.nextIDs
	s.next, s.nextIDs, s.staged = nil, nil, false
	s.fieldUndo = nil
}

func (s *source) Rollback() {
	for i := len(s.fieldUndo) - 1; i >= 0; i-- {
		u := s.fieldUndo[i]
		if u.had {
			u.tuple.Set(u.field, u.value)
		} else {
			u.tuple.Unset(u.field)
		}
	}
	s.fieldUndo = nil
	s.next, s.nextIDs, s.staged = nil, nil, false
}
