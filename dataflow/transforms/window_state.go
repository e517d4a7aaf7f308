package transforms

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/paulrosenzweig/vega/dataflow"
)

// Frame describes the window of one row within a sorted partition.
type Frame struct {
	Data  []*dataflow.Tuple
	Index int
	// I0 and I1 bound the window as the half-open range [I0, I1).
	I0, I1 int
	// Compare reports whether two rows are peers (0) under the sort order.
	Compare func(a, b *dataflow.Tuple) int
}

// Row returns the current row.
func (f *Frame) Row() *dataflow.Tuple { return f.Data[f.Index] }

// rowBounds computes the row-based window of row i in a partition of n rows.
// A nil bound is unbounded.
func rowBounds(i, n int, before, after *int) (int, int) {
	i0, i1 := 0, n
	if before != nil {
		i0 = max(0, i-abs(*before))
	}
	if after != nil {
		i1 = min(n, i+abs(*after)+1)
	}
	return i0, i1
}

// adjustRange widens [I0, I1) so that rows tied with either boundary row are
// inside the window.
func adjustRange(f *Frame) {
	d, cmp := f.Data, f.Compare
	r0, r1, last := f.I0, f.I1-1, len(d)-1
	if r0 > 0 && cmp(d[r0], d[r0-1]) == 0 {
		x := d[r0]
		f.I0 = sort.Search(len(d), func(j int) bool { return cmp(d[j], x) >= 0 })
	}
	if r1 < last && cmp(d[r1], d[r1+1]) == 0 {
		x := d[r1]
		f.I1 = sort.Search(len(d), func(j int) bool { return cmp(d[j], x) > 0 })
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// windowOp is the running state of one positional operation.
type windowOp struct {
	spec  OpSpec
	rank  int
	drank int
	cume  int
	prev  any
	next  int
	nextV any
}

func (w *windowOp) init() {
	w.rank, w.drank, w.cume = 1, 1, -1
	w.prev, w.next, w.nextV = nil, -1, nil
}

func (w *windowOp) nextRank(f *Frame) int {
	i := f.Index
	if i > 0 && f.Compare(f.Data[i-1], f.Data[i]) != 0 {
		w.rank = i + 1
	}
	return w.rank
}

func (w *windowOp) nextCume(f *Frame) float64 {
	d, i := f.Data, f.Index
	if w.cume < i {
		for i+1 < len(d) && f.Compare(d[i], d[i+1]) == 0 {
			i++
		}
		w.cume = i
	}
	return float64(1+w.cume) / float64(len(d))
}

func (w *windowOp) value(f *Frame) any {
	d, i := f.Data, f.Index
	field := w.spec.Field
	switch w.spec.Kind {
	case OpRowNumber:
		return i + 1
	case OpRank:
		return w.nextRank(f)
	case OpDenseRank:
		if i > 0 && f.Compare(d[i-1], d[i]) != 0 {
			w.drank++
		}
		return w.drank
	case OpPercentRank:
		r := w.nextRank(f)
		if n := len(d); n > 1 {
			return float64(r-1) / float64(n-1)
		}
		return 0.0
	case OpCumeDist:
		return w.nextCume(f)
	case OpNtile:
		return int(math.Ceil(w.spec.Param * w.nextCume(f)))
	case OpLag:
		if j := i - int(w.spec.Param); j >= 0 {
			return field.Get(d[j])
		}
		return nil
	case OpLead:
		if j := i + int(w.spec.Param); j < len(d) {
			return field.Get(d[j])
		}
		return nil
	case OpFirstValue:
		return field.Get(d[f.I0])
	case OpLastValue:
		return field.Get(d[f.I1-1])
	case OpNthValue:
		if j := f.I0 + int(w.spec.Param) - 1; j < f.I1 {
			return field.Get(d[j])
		}
		return nil
	case OpPrevValue:
		if v := field.Get(d[i]); v != nil {
			w.prev = v
		}
		return w.prev
	case OpNextValue:
		if i <= w.next {
			return w.nextV
		}
		for j := i; j < len(d); j++ {
			if v := field.Get(d[j]); v != nil {
				w.next, w.nextV = j, v
				return v
			}
		}
		w.next, w.nextV = len(d), nil
		return nil
	}
	return nil
}

type output struct {
	spec   OpSpec
	window *windowOp
	cell   *fieldCell
}

// WindowState computes the declared operations for the rows of one
// partition, visited in sorted order. Aggregates are maintained over a cell
// that slides with the window; only rows entering or leaving the window are
// visited when it moves.
type WindowState struct {
	outputs []output
	cells   []*fieldCell
	hasCell bool
	c0, c1  int
}

// NewWindowState prepares state for ops. Aggregates over the same field
// share one cell.
func NewWindowState(ops []OpSpec) *WindowState {
	s := &WindowState{outputs: make([]output, len(ops))}
	byField := make(map[string]*fieldCell)
	for i, spec := range ops {
		out := output{spec: spec}
		switch {
		case !spec.Kind.IsAggregate():
			out.window = &windowOp{spec: spec}
		case spec.Kind == OpCount || spec.Kind == OpValues:
			s.hasCell = true
		case spec.Kind == OpExponential || spec.Kind == OpExponentialB:
			// order dependent, recomputed from the frame rows
		default:
			s.hasCell = true
			c, ok := byField[spec.Field.Name()]
			if !ok {
				c = newFieldCell(spec.Field, 0)
				byField[spec.Field.Name()] = c
				s.cells = append(s.cells, c)
			}
			c.measures |= measuresFor(spec.Kind)
			out.cell = c
		}
		s.outputs[i] = out
	}
	s.Init()
	return s
}

// Init resets the state before a partition is visited.
func (s *WindowState) Init() {
	for _, o := range s.outputs {
		if o.window != nil {
			o.window.init()
		}
	}
	for _, c := range s.cells {
		c.reset()
	}
	s.c0, s.c1 = 0, 0
}

// Update computes every operation for the current row of f and passes the
// results to set in declaration order. Rows must be visited in order, with
// Init between partitions.
func (s *WindowState) Update(f *Frame, set func(name string, value any)) error {
	if s.hasCell {
		if err := s.slide(f); err != nil {
			return err
		}
	}
	for _, o := range s.outputs {
		var v any
		switch {
		case o.window != nil:
			v = o.window.value(f)
		case o.spec.Kind == OpCount:
			v = f.I1 - f.I0
		case o.spec.Kind == OpValues:
			v = windowValues(f, o.spec.Field)
		case o.spec.Kind == OpExponential || o.spec.Kind == OpExponentialB:
			e, err := exponential(f, o.spec)
			if err != nil {
				return err
			}
			v = e
		default:
			v = o.cell.value(o.spec.Kind)
		}
		set(o.spec.As, v)
	}
	return nil
}

// windowValues returns the window's rows, or their values of field when one
// is given.
func windowValues(f *Frame, field dataflow.Field) any {
	rows := f.Data[f.I0:f.I1]
	if field.IsZero() {
		return slices.Clone(rows)
	}
	vals := make([]any, len(rows))
	for i, t := range rows {
		vals[i] = field.Get(t)
	}
	return vals
}

// exponential smooths the valid values of the window in sort order with
// decay a: b = a*b + (1-a)*v. exponentialb reports b as is; exponential
// divides by the accumulated weight so that early rows are not biased
// towards zero. Both are nil without valid values.
func exponential(f *Frame, spec OpSpec) (any, error) {
	a := spec.Param
	var b, w float64
	valid := false
	for _, t := range f.Data[f.I0:f.I1] {
		v := spec.Field.Get(t)
		if isMissing(v) || !dataflow.IsValid(v) {
			continue
		}
		n, ok := dataflow.ToNumber(v)
		if !ok {
			return nil, fmt.Errorf("field %q of tuple #%d: %v (%T) is not a number", spec.Field.Name(), t.ID(), v, v)
		}
		b = a*b + (1-a)*n
		w = a*w + (1 - a)
		valid = true
	}
	if !valid {
		return nil, nil
	}
	if spec.Kind == OpExponentialB {
		return b, nil
	}
	return b / w, nil
}

// slide moves the aggregate cell from [c0, c1) to the frame's window.
func (s *WindowState) slide(f *Frame) error {
	d, i0, i1 := f.Data, f.I0, f.I1
	visit := func(from, to int, fn func(*fieldCell, *dataflow.Tuple) error) error {
		for i := from; i < to; i++ {
			for _, c := range s.cells {
				if err := fn(c, d[i]); err != nil {
					return err
				}
			}
		}
		return nil
	}
	rem := (*fieldCell).rem
	add := (*fieldCell).add

	if err := visit(s.c0, min(s.c1, i0), rem); err != nil {
		return err
	}
	if err := visit(max(s.c0, i1), s.c1, rem); err != nil {
		return err
	}
	if err := visit(i0, min(i1, s.c0), add); err != nil {
		return err
	}
	if err := visit(max(i0, s.c1), i1, add); err != nil {
		return err
	}
	s.c0, s.c1 = i0, i1
	return nil
}
