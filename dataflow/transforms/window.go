package transforms

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/paulrosenzweig/vega/dataflow"
	"github.com/paulrosenzweig/vega/dataflow/annotations"
	"github.com/paulrosenzweig/vega/dataflow/graph"
)

// WindowDefinition declares the Window operator: ordered, partitioned
// window and aggregate calculations written onto each input tuple.
var WindowDefinition = &graph.Definition{
	Type:     "Window",
	Metadata: graph.Metadata{Modifies: true},
	Params: []graph.ParamDef{
		{Name: "sort", Kind: graph.KindCompare},
		{Name: "groupby", Kind: graph.KindField, Array: true, Structural: true},
		{Name: "ops", Kind: graph.KindEnum, Array: true, Values: OpNames(), Required: true, Structural: true},
		{Name: "params", Kind: graph.KindNumber, Array: true, Nullable: true, Structural: true},
		{Name: "aggregate_params", Kind: graph.KindNumber, Array: true, Nullable: true, Structural: true},
		{Name: "fields", Kind: graph.KindField, Array: true, Nullable: true, Structural: true},
		{Name: "as", Kind: graph.KindString, Array: true, Nullable: true, Structural: true},
		{Name: "frame", Kind: graph.KindNumber, Array: true, Nullable: true, Length: 2, Default: []any{nil, 0}},
		{Name: "ignorePeers", Kind: graph.KindBoolean, Default: false},
	},
	New: func(p *graph.Params) (graph.Transform, error) {
		if _, err := newWindowConfig(p); err != nil {
			return nil, err
		}
		return NewWindow(), nil
	},
	Validate: func(p *graph.Params) error {
		_, err := newWindowConfig(p)
		return err
	},
}

type windowConfig struct {
	groupby     []dataflow.Field
	sort        *dataflow.Comparator
	ops         []OpSpec
	before      *int
	after       *int
	ignorePeers bool

	outputs     []string
	keyFields   []string
	sortFields  []string
	inputFields []string
}

func newWindowConfig(p *graph.Params) (*windowConfig, error) {
	cfg := &windowConfig{
		groupby:     p.Fields("groupby"),
		sort:        p.Comparator("sort"),
		ignorePeers: p.Bool("ignorePeers"),
	}

	names := p.Strings("ops")
	fields := p.Fields("fields")
	params := p.NullableNumbers("params")
	aggParams := p.NullableNumbers("aggregate_params")
	as := p.Strings("as")
	inputs := make(map[string]bool)
	for i, name := range names {
		var field dataflow.Field
		if i < len(fields) {
			field = fields[i]
		}
		source := params
		if kind, ok := LookupOp(name); ok && kind.IsAggregate() {
			source = aggParams
		}
		var param *float64
		if i < len(source) {
			param = source[i]
		}
		var out string
		if i < len(as) {
			out = as[i]
		}
		spec, err := NewOpSpec(name, field, param, out)
		if err != nil {
			return nil, err
		}
		cfg.ops = append(cfg.ops, spec)
		cfg.outputs = append(cfg.outputs, spec.As)
		if !spec.Field.IsZero() && !inputs[spec.Field.Root()] {
			inputs[spec.Field.Root()] = true
			cfg.inputFields = append(cfg.inputFields, spec.Field.Root())
		}
	}

	if frame := p.NullableNumbers("frame"); len(frame) == 2 {
		cfg.before = frameBound(frame[0])
		cfg.after = frameBound(frame[1])
	}

	cfg.keyFields = dataflow.FieldNames(cfg.groupby)
	if cfg.sort != nil {
		cfg.sortFields = dataflow.FieldNames(cfg.sort.Fields())
	}
	return cfg, nil
}

// frameBound converts a frame offset to a row count. Offsets that are not
// finite or exceed any partition an int can index are unbounded.
func frameBound(x *float64) *int {
	if x == nil || math.IsNaN(*x) || math.Abs(*x) >= maxParam {
		return nil
	}
	n := int(math.Abs(*x))
	return &n
}

// key derives the partition key of t. Without groupby fields every tuple
// shares the empty key.
func (c *windowConfig) key(t *dataflow.Tuple) string {
	if len(c.groupby) == 0 {
		return ""
	}
	vals := make([]any, len(c.groupby))
	for i, f := range c.groupby {
		vals[i] = f.Get(t)
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return fmt.Sprintf("%v", vals)
	}
	return string(b)
}

// peers compares rows without the identity tiebreak. With no sort order no
// two rows are peers.
func (c *windowConfig) peers() func(a, b *dataflow.Tuple) int {
	if c.sort == nil {
		return func(*dataflow.Tuple, *dataflow.Tuple) int { return -1 }
	}
	return c.sort.Compare
}

type partition struct {
	key   string
	list  *SortedList
	stamp int64
}

func (p *partition) clone() *partition {
	return &partition{key: p.key, list: p.list.Clone(), stamp: p.stamp}
}

func (p *partition) label() string {
	if p.key == "" {
		return "partition"
	}
	return "partition " + p.key
}

// PartitionInfo summarizes one partition of a Window.
type PartitionInfo struct {
	Key   string
	Size  int
	Stamp int64 // last run that recomputed the partition
}

type fieldUndo struct {
	tuple *dataflow.Tuple
	name  string
	old   any
	had   bool
}

func (u fieldUndo) restore() {
	if u.had {
		u.tuple.Set(u.name, u.old)
	} else {
		u.tuple.Unset(u.name)
	}
}

// windowTxn is the state a run stages. Partitions are copied on first touch
// so the committed ones stay intact until Commit.
type windowTxn struct {
	cfg     *windowConfig
	rebuilt bool
	parts   map[string]*partition
	order   []string // keys of partitions created this run
	keys    map[dataflow.TupleID]string
	dropped map[dataflow.TupleID]bool
	undo    []fieldUndo
}

// Window maintains one SortedList per partition and recomputes only the
// partitions a pulse touches.
type Window struct {
	cfg   *windowConfig
	parts map[string]*partition
	order []string
	keyOf map[dataflow.TupleID]string
	txn   *windowTxn
}

// NewWindow returns an empty Window transform.
func NewWindow() *Window {
	return &Window{
		parts: make(map[string]*partition),
		keyOf: make(map[dataflow.TupleID]string),
	}
}

func (w *Window) partition(key string) *partition {
	txn := w.txn
	if p, ok := txn.parts[key]; ok {
		return p
	}
	if !txn.rebuilt {
		if p, ok := w.parts[key]; ok {
			c := p.clone()
			txn.parts[key] = c
			return c
		}
	}
	p := &partition{key: key, list: NewSortedList()}
	txn.parts[key] = p
	txn.order = append(txn.order, key)
	return p
}

func (w *Window) keyFor(id dataflow.TupleID) (string, bool) {
	txn := w.txn
	if k, ok := txn.keys[id]; ok {
		return k, true
	}
	if txn.rebuilt || txn.dropped[id] {
		return "", false
	}
	k, ok := w.keyOf[id]
	return k, ok
}

func (w *Window) setKey(id dataflow.TupleID, key string) {
	w.txn.keys[id] = key
	delete(w.txn.dropped, id)
}

func (w *Window) dropKey(id dataflow.TupleID) {
	delete(w.txn.keys, id)
	w.txn.dropped[id] = true
}

// keys lists every partition visible to the running transaction in creation
// order.
func (w *Window) keys() []string {
	if w.txn == nil {
		return w.order
	}
	if w.txn.rebuilt {
		return w.txn.order
	}
	return append(slices.Clip(w.order), w.txn.order...)
}

type dirtySet struct {
	keys []string
	seen map[string]bool
}

func (d *dirtySet) add(key string) {
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if !d.seen[key] {
		d.seen[key] = true
		d.keys = append(d.keys, key)
	}
}

// Evaluate implements graph.Transform.
func (w *Window) Evaluate(ctx *graph.EvalContext) (*dataflow.Pulse, error) {
	in := ctx.Input()
	p := ctx.Params

	cfg := w.cfg
	if cfg == nil || p.Modified() {
		var err error
		if cfg, err = newWindowConfig(p); err != nil {
			return nil, err
		}
	}
	w.txn = &windowTxn{
		cfg:     cfg,
		parts:   make(map[string]*partition),
		keys:    make(map[dataflow.TupleID]string),
		dropped: make(map[dataflow.TupleID]bool),
	}

	var dirty dirtySet
	if ctx.Fresh() || in.Reset || p.StructuralModified() {
		if err := w.repartition(cfg, in, &dirty); err != nil {
			return nil, err
		}
	} else {
		if p.Modified("sort", "frame", "ignorePeers") {
			for _, key := range w.keys() {
				dirty.add(key)
			}
		}
		if err := w.route(cfg, in, &dirty); err != nil {
			return nil, err
		}
	}

	parts := make([]*partition, len(dirty.keys))
	for i, key := range dirty.keys {
		parts[i] = w.partition(key)
	}
	undo, err := executeOrdered(ctx.Context, NewWorkerPool(max(1, ctx.Workers)), parts,
		func(_ context.Context, part *partition) ([]fieldUndo, error) {
			return cfg.compute(part, ctx.Stamp)
		})
	for _, u := range undo {
		w.txn.undo = append(w.txn.undo, u...)
	}
	if err != nil {
		return nil, err
	}

	out := in.Fork()
	out.Added, out.Removed, out.Reset = in.Added, in.Removed, in.Reset
	skip := make(map[dataflow.TupleID]bool, len(in.Added)+len(in.Modified))
	for _, t := range in.Added {
		skip[t.ID()] = true
	}
	for _, t := range in.Modified {
		skip[t.ID()] = true
		out.Modified = append(out.Modified, t)
	}
	for _, part := range parts {
		for _, t := range part.list.Data(cfg.sort) {
			if !skip[t.ID()] {
				skip[t.ID()] = true
				out.Modified = append(out.Modified, t)
			}
		}
	}
	if in.AllFieldsModified() {
		out.ModifiesAll()
	} else if fs := in.Fields(); len(fs) > 0 {
		out.Modifies(fs...)
	}
	if len(parts) > 0 {
		out.Modifies(cfg.outputs...)
	}

	total := len(w.keys())
	ctx.Logger.Debug().Int("dirty", len(parts)).Int("partitions", total).Msg("window recomputed")
	ctx.Annotate(annotations.WindowPartitions, map[string]any{
		"dirty": len(parts),
		"total": total,
	})
	return out, nil
}

// repartition discards all partitions and assigns every tuple of the input's
// source view again.
func (w *Window) repartition(cfg *windowConfig, in *dataflow.Pulse, dirty *dirtySet) error {
	txn := w.txn
	if w.cfg != nil {
		var stale []string
		for _, name := range w.cfg.outputs {
			if !slices.Contains(cfg.outputs, name) {
				stale = append(stale, name)
			}
		}
		if len(stale) > 0 {
			for _, key := range w.order {
				for _, t := range w.parts[key].list.Members() {
					for _, name := range stale {
						if t.Has(name) {
							txn.undo = append(txn.undo, fieldUndo{tuple: t, name: name, old: t.Get(name), had: true})
							t.Unset(name)
						}
					}
				}
			}
		}
	}
	txn.rebuilt = true

	assign := func(t *dataflow.Tuple) error {
		key := cfg.key(t)
		if err := w.partition(key).list.Add(t); err != nil {
			return err
		}
		w.setKey(t.ID(), key)
		dirty.add(key)
		return nil
	}
	if in.HasSource() {
		return in.Visit(dataflow.VisitSource, assign)
	}
	return in.Visit(dataflow.VisitAdded, assign)
}

// route applies the input's changes to the partitions they belong to.
func (w *Window) route(cfg *windowConfig, in *dataflow.Pulse, dirty *dirtySet) error {
	for _, t := range in.Removed {
		key, ok := w.keyFor(t.ID())
		if !ok {
			return &dataflow.IdentityError{Op: "removal", ID: t.ID(), Reason: "tuple is not in any partition"}
		}
		if err := w.partition(key).list.Remove(t); err != nil {
			return err
		}
		w.dropKey(t.ID())
		dirty.add(key)
	}

	for _, t := range in.Added {
		if _, ok := w.keyFor(t.ID()); ok {
			return &dataflow.IdentityError{Op: "insertion", ID: t.ID(), Reason: "tuple is already partitioned"}
		}
		key := cfg.key(t)
		if err := w.partition(key).list.Add(t); err != nil {
			return err
		}
		w.setKey(t.ID(), key)
		dirty.add(key)
	}

	if len(in.Modified) == 0 {
		return nil
	}
	keysTouched := len(cfg.keyFields) > 0 && in.FieldsModified(cfg.keyFields...)
	sortTouched := len(cfg.sortFields) > 0 && in.FieldsModified(cfg.sortFields...)
	inputsTouched := len(cfg.inputFields) > 0 && in.FieldsModified(cfg.inputFields...)

	for _, t := range in.Modified {
		key, ok := w.keyFor(t.ID())
		if !ok {
			return &dataflow.IdentityError{Op: "modification", ID: t.ID(), Reason: "tuple is not in any partition"}
		}
		if keysTouched {
			if next := cfg.key(t); next != key {
				if err := w.partition(key).list.Remove(t); err != nil {
					return err
				}
				if err := w.partition(next).list.Add(t); err != nil {
					return err
				}
				w.setKey(t.ID(), next)
				dirty.add(key)
				dirty.add(next)
				continue
			}
		}
		switch {
		case sortTouched:
			w.partition(key).list.Invalidate()
			dirty.add(key)
		case inputsTouched:
			dirty.add(key)
		}
	}
	return nil
}

// compute sorts part and writes every operation's output onto its rows. The
// undo records are returned even on failure so the writes can be reverted.
func (c *windowConfig) compute(part *partition, stamp int64) ([]fieldUndo, error) {
	data := part.list.Data(c.sort)
	part.stamp = stamp

	state := NewWindowState(c.ops)
	f := &Frame{Data: data, Compare: c.peers()}
	ranged := c.sort != nil && !c.ignorePeers
	undo := make([]fieldUndo, 0, len(data)*len(c.ops))

	for i, t := range data {
		f.Index = i
		f.I0, f.I1 = rowBounds(i, len(data), c.before, c.after)
		if ranged {
			adjustRange(f)
		}
		err := state.Update(f, func(name string, v any) {
			undo = append(undo, fieldUndo{tuple: t, name: name, old: t.Get(name), had: t.Has(name)})
			t.Set(name, v)
		})
		if err != nil {
			return undo, fmt.Errorf("%s: %w", part.label(), err)
		}
	}
	return undo, nil
}

// Commit implements graph.Transactional.
func (w *Window) Commit() {
	txn := w.txn
	if txn == nil {
		return
	}
	w.txn = nil
	w.cfg = txn.cfg
	if txn.rebuilt {
		w.parts, w.order, w.keyOf = txn.parts, txn.order, txn.keys
		return
	}
	for key, p := range txn.parts {
		w.parts[key] = p
	}
	w.order = append(w.order, txn.order...)
	for id := range txn.dropped {
		delete(w.keyOf, id)
	}
	for id, key := range txn.keys {
		w.keyOf[id] = key
	}
}

// Rollback implements graph.Transactional.
func (w *Window) Rollback() {
	txn := w.txn
	if txn == nil {
		return
	}
	w.txn = nil
	for i := len(txn.undo) - 1; i >= 0; i-- {
		txn.undo[i].restore()
	}
}

// Value implements graph.Valuer with a summary of every partition.
func (w *Window) Value() any {
	keys := w.keys()
	out := make([]PartitionInfo, 0, len(keys))
	for _, key := range keys {
		p := w.lookup(key)
		out = append(out, PartitionInfo{Key: key, Size: p.list.Size(), Stamp: p.stamp})
	}
	return out
}

func (w *Window) lookup(key string) *partition {
	if w.txn != nil {
		if p, ok := w.txn.parts[key]; ok {
			return p
		}
	}
	return w.parts[key]
}
