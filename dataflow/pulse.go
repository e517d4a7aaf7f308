package dataflow

import "sort"

// VisitFlag selects which tuple sets Pulse.Visit walks.
type VisitFlag uint8

const (
	VisitAdded VisitFlag = 1 << iota
	VisitRemoved
	VisitModified
	// VisitSource walks the producer's full current tuple set.
	VisitSource

	VisitChanges = VisitAdded | VisitRemoved | VisitModified
)

// Pulse is a timestamped change-set flowing between operators.
//
// A tuple ID appears in at most one of Added, Removed and Modified. Modified
// tuples were present in an earlier pulse from the same producer and are
// still present.
type Pulse struct {
	Stamp    int64
	Added    []*Tuple
	Removed  []*Tuple
	Modified []*Tuple

	// Reset means the producer discarded its previous output. Consumers
	// rebuild from the source view instead of applying the lists.
	Reset bool
	// ValueChanged means the producer's value changed without tuple changes.
	ValueChanged bool

	fields    map[string]struct{}
	allFields bool
	source    func(func(*Tuple))
}

// NewPulse returns an empty pulse at stamp.
func NewPulse(stamp int64) *Pulse {
	return &Pulse{Stamp: stamp}
}

// Fork returns an empty pulse at the same stamp sharing the source view.
// Transforms that pass their input collection through use it as the starting
// point of their output.
func (p *Pulse) Fork() *Pulse {
	return &Pulse{Stamp: p.Stamp, source: p.source}
}

// Modifies records fields as touched by this pulse.
func (p *Pulse) Modifies(fields ...string) *Pulse {
	if p.fields == nil {
		p.fields = make(map[string]struct{}, len(fields))
	}
	for _, f := range fields {
		p.fields[f] = struct{}{}
	}
	return p
}

// ModifiesAll marks the touched field set as unknown: every field may have
// changed.
func (p *Pulse) ModifiesAll() *Pulse {
	p.allFields = true
	return p
}

// FieldsModified reports whether the pulse carries modified tuples and any
// of the named fields may have been touched. With no names it reports
// whether anything was touched at all.
func (p *Pulse) FieldsModified(fields ...string) bool {
	if len(p.Modified) == 0 {
		return false
	}
	if p.allFields {
		return true
	}
	if len(fields) == 0 {
		return len(p.fields) > 0
	}
	for _, f := range fields {
		if _, ok := p.fields[f]; ok {
			return true
		}
	}
	return false
}

// AllFieldsModified reports whether the touched set is unknown.
func (p *Pulse) AllFieldsModified() bool { return p.allFields }

// Fields returns the touched field names in sorted order.
func (p *Pulse) Fields() []string {
	out := make([]string, 0, len(p.fields))
	for f := range p.fields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// WithSource attaches the producer's full tuple set.
func (p *Pulse) WithSource(visit func(func(*Tuple))) *Pulse {
	p.source = visit
	return p
}

// HasSource reports whether a source view is attached.
func (p *Pulse) HasSource() bool { return p.source != nil }

// VisitSource calls fn for every tuple in the source view.
func (p *Pulse) VisitSource(fn func(*Tuple)) {
	if p.source != nil {
		p.source(fn)
	}
}

// Changed reports whether downstream operators have anything to react to.
func (p *Pulse) Changed() bool {
	return len(p.Added) > 0 || len(p.Removed) > 0 || len(p.Modified) > 0 ||
		p.Reset || p.ValueChanged
}

// Empty is the negation of Changed.
func (p *Pulse) Empty() bool { return !p.Changed() }

// Visit walks the selected tuple sets in the order added, removed, modified,
// source. It stops at the first error.
func (p *Pulse) Visit(flags VisitFlag, fn func(*Tuple) error) error {
	walk := func(ts []*Tuple) error {
		for _, t := range ts {
			if err := fn(t); err != nil {
				return err
			}
		}
		return nil
	}
	if flags&VisitAdded != 0 {
		if err := walk(p.Added); err != nil {
			return err
		}
	}
	if flags&VisitRemoved != 0 {
		if err := walk(p.Removed); err != nil {
			return err
		}
	}
	if flags&VisitModified != 0 {
		if err := walk(p.Modified); err != nil {
			return err
		}
	}
	if flags&VisitSource != 0 && p.source != nil {
		var err error
		p.source(func(t *Tuple) {
			if err == nil {
				err = fn(t)
			}
		})
		return err
	}
	return nil
}

// Validate checks that no tuple ID is listed twice.
func (p *Pulse) Validate() error {
	seen := make(map[TupleID]string, len(p.Added)+len(p.Removed)+len(p.Modified))
	check := func(list string, ts []*Tuple) error {
		for _, t := range ts {
			if prev, ok := seen[t.ID()]; ok {
				return &IdentityError{
					Op:     list,
					ID:     t.ID(),
					Reason: "already listed as " + prev,
				}
			}
			seen[t.ID()] = list
		}
		return nil
	}
	if err := check("added", p.Added); err != nil {
		return err
	}
	if err := check("removed", p.Removed); err != nil {
		return err
	}
	return check("modified", p.Modified)
}
