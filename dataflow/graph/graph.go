// Package graph implements the dataflow graph: operator definitions and
// parameters, the rank-ordered scheduler that propagates pulses, and the
// built-in Source and Signal operators.
package graph

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/paulrosenzweig/vega/dataflow"
	"github.com/paulrosenzweig/vega/dataflow/annotations"
)

const tracerName = "github.com/paulrosenzweig/vega/dataflow/graph"

// Graph owns a set of operators and propagates changes through them.
//
// Runs are single-flight: a Run that starts while another is in flight waits
// for it, and waiting runs start in the order they asked. Within a run,
// operators are evaluated one at a time in rank order. The stamp is a logical
// clock: it is incremented once per run and never reset.
type Graph struct {
	id        uuid.UUID
	name      string
	registry  *Registry
	log       zerolog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	collector *annotations.Collector
	workers   int

	flight *semaphore.Weighted

	mu         sync.Mutex
	ops        []*Operator
	pending    []edge
	ranksDirty bool
	stamp      int64
	running    bool
	closed     bool
}

type edge struct {
	producer *Operator
	consumer *Operator
	param    string // non-empty for parameter references
	remove   bool
}

// NewGraph creates an empty graph that instantiates operators from reg. A nil
// registry means NewRegistry().
func NewGraph(reg *Registry, opts ...Option) *Graph {
	o := options{
		logger:  zerolog.Nop(),
		workers: 1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if reg == nil {
		reg = NewRegistry()
	}
	if o.tracer == nil {
		o.tracer = otel.GetTracerProvider()
	}
	if o.workers < 1 {
		o.workers = 1
	}

	id := uuid.New()
	if o.name == "" {
		o.name = id.String()
	}

	return &Graph{
		id:        id,
		name:      o.name,
		registry:  reg,
		log:       o.logger.With().Str("graph", o.name).Logger(),
		metrics:   newMetrics(o.registry, o.name),
		tracer:    o.tracer.Tracer(tracerName),
		collector: annotations.NewCollector(o.handler),
		workers:   o.workers,
		flight:    semaphore.NewWeighted(1),
	}
}

// ID returns the graph's unique identifier.
func (g *Graph) ID() uuid.UUID { return g.id }

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Metrics returns the graph's collectors.
func (g *Graph) Metrics() *Metrics { return g.metrics }

// Stamp returns the stamp of the most recent run.
func (g *Graph) Stamp() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stamp
}

// Operators returns the operators in insertion order.
func (g *Graph) Operators() []*Operator {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Operator(nil), g.ops...)
}

// Add instantiates an operator of type typ, consuming the pulses of inputs.
// Parameter errors are reported here, before any pulse is processed. The new
// operator is evaluated in the next run.
func (g *Graph) Add(typ string, params map[string]any, inputs ...*Operator) (*Operator, error) {
	return g.add(typ, "", params, inputs)
}

// AddNamed is Add with an explicit operator name.
func (g *Graph) AddNamed(name, typ string, params map[string]any, inputs ...*Operator) (*Operator, error) {
	return g.add(typ, name, params, inputs)
}

func (g *Graph) add(typ, name string, params map[string]any, inputs []*Operator) (*Operator, error) {
	def, ok := g.registry.Lookup(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	p, err := ResolveParams(def, params)
	if err != nil {
		return nil, err
	}
	refs := p.references()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	for _, in := range inputs {
		if in == nil || in.graph != g {
			return nil, ErrForeignOperator
		}
	}
	for _, r := range refs {
		if r == nil || r.graph != g {
			return nil, ErrForeignOperator
		}
	}

	t, err := def.New(p)
	if err != nil {
		return nil, err
	}

	op := &Operator{
		id:        len(g.ops),
		def:       def,
		transform: t,
		graph:     g,
		params:    p,
		fresh:     true,
		refs:      make(map[string]*Operator, len(refs)),
	}
	op.name = name
	if op.name == "" {
		op.name = fmt.Sprintf("%s#%d", typ, op.id)
	}
	g.ops = append(g.ops, op)

	for _, in := range inputs {
		g.addEdge(edge{producer: in, consumer: op})
	}
	for param, r := range refs {
		g.addEdge(edge{producer: r, consumer: op, param: param})
	}
	g.ranksDirty = true

	g.log.Debug().Str("operator", op.name).Int("inputs", len(inputs)).Msg("operator added")
	return op, nil
}

// AddSource adds a Source operator named name.
func (g *Graph) AddSource(name string) (*Operator, error) {
	return g.add(SourceDefinition.Type, name, nil, nil)
}

// AddSignal adds a Signal operator named name holding value.
func (g *Graph) AddSignal(name string, value any) (*Operator, error) {
	op, err := g.add(SignalDefinition.Type, name, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := g.Update(op, value); err != nil {
		return nil, err
	}
	return op, nil
}

// Connect makes consumer read producer's pulses. Connections made while a
// run is in flight take effect, with ranks recomputed, before the next run.
func (g *Graph) Connect(consumer, producer *Operator) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	if consumer.graph != g || producer.graph != g {
		return ErrForeignOperator
	}
	if consumer == producer || reachable(consumer, producer, g.pending) {
		return fmt.Errorf("connecting %s to %s: %w", producer.name, consumer.name, ErrCycle)
	}
	g.addEdge(edge{producer: producer, consumer: consumer})
	g.ranksDirty = true
	return nil
}

// SetParam stages a parameter change on op. The value is validated now and
// takes effect in the next run, where the operator sees it as modified.
func (g *Graph) SetParam(op *Operator, name string, value any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	if op.graph != g {
		return ErrForeignOperator
	}
	next, err := op.params.with(map[string]any{name: value})
	if err != nil {
		return err
	}
	if op.def.Validate != nil {
		if err := op.def.Validate(next); err != nil {
			return err
		}
	}

	ref, isRef := value.(Reference)
	if isRef {
		if ref.Op == nil || ref.Op.graph != g {
			return ErrForeignOperator
		}
		if ref.Op == op || reachable(op, ref.Op, g.pending) {
			return fmt.Errorf("binding %s.%s to %s: %w", op.name, name, ref.Op.name, ErrCycle)
		}
		g.addEdge(edge{producer: ref.Op, consumer: op, param: name})
		g.ranksDirty = true
	} else if _, wasRef := op.refs[name]; wasRef || g.pendingRef(op, name) {
		g.addEdge(edge{consumer: op, param: name, remove: true})
		g.ranksDirty = true
	}

	if op.pendingParams == nil {
		op.pendingParams = make(map[string]any)
	}
	op.pendingParams[name] = value
	return nil
}

// Update stages a new value for a Signal operator.
func (g *Graph) Update(signal *Operator, value any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	if signal.graph != g {
		return ErrForeignOperator
	}
	if signal.def != SignalDefinition {
		return fmt.Errorf("%s is not a signal", signal.name)
	}
	signal.pendingValue = value
	signal.hasPending = true
	return nil
}

// Run applies cs to source and propagates the result. It blocks until the
// run completes. ctx bounds only the wait for an in-flight run; a run that
// has started always completes, either committing every evaluated operator
// or rolling all of them back.
//
// A nil source runs only staged parameter and signal updates.
func (g *Graph) Run(ctx context.Context, source *Operator, cs *dataflow.Changeset) error {
	if source != nil {
		if source.graph != g {
			return ErrForeignOperator
		}
		if !source.def.Metadata.Source {
			return fmt.Errorf("%s: %w", source.name, ErrNotSource)
		}
	}
	if err := g.flight.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.flight.Release(1)
	return g.run(context.WithoutCancel(ctx), source, cs)
}

// RunAsync is Run without blocking. The channel receives the run's result
// and is then closed.
func (g *Graph) RunAsync(ctx context.Context, source *Operator, cs *dataflow.Changeset) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- g.Run(ctx, source, cs)
	}()
	return done
}

// Evaluate runs staged parameter and signal updates.
func (g *Graph) Evaluate(ctx context.Context) error {
	return g.Run(ctx, nil, nil)
}

// Close waits for any in-flight run, closes transforms that hold resources
// and detaches every operator. Later calls fail with ErrClosed.
func (g *Graph) Close() error {
	if err := g.flight.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer g.flight.Release(1)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	g.closed = true

	var errs []error
	for _, op := range g.ops {
		if c, ok := op.transform.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s: %w", op.name, err))
			}
		}
		op.inputs = nil
		op.targets = nil
		op.refs = nil
	}
	g.pending = nil
	return errors.Join(errs...)
}

// addEdge applies e, or queues it while a run is in flight. Caller holds mu.
func (g *Graph) addEdge(e edge) {
	if g.running {
		g.pending = append(g.pending, e)
		return
	}
	g.applyEdge(e)
}

func (g *Graph) applyEdge(e edge) {
	c := e.consumer
	if e.param == "" {
		c.inputs = append(c.inputs, e.producer)
		e.producer.targets = append(e.producer.targets, c)
		return
	}
	if old, ok := c.refs[e.param]; ok {
		old.targets = removeOne(old.targets, c)
		delete(c.refs, e.param)
	}
	if !e.remove {
		c.refs[e.param] = e.producer
		e.producer.targets = append(e.producer.targets, c)
	}
}

func (g *Graph) pendingRef(op *Operator, param string) bool {
	for _, e := range g.pending {
		if e.consumer == op && e.param == param && !e.remove {
			return true
		}
	}
	return false
}

func removeOne(ops []*Operator, op *Operator) []*Operator {
	for i, o := range ops {
		if o == op {
			return append(ops[:i], ops[i+1:]...)
		}
	}
	return ops
}

// staged is the work a run took over from the graph's pending state.
type staged struct {
	params   map[string]any
	value    any
	hasValue bool
}

// runState is the evaluation state local to one run.
type runState struct {
	stamp     int64
	source    *Operator
	changeset *dataflow.Changeset
	staged    map[*Operator]staged
	evaluated []*Operator
	pulses    map[*Operator]*dataflow.Pulse
	values    map[*Operator]any
	params    map[*Operator]*Params
	failed    *Operator
}

func (g *Graph) run(ctx context.Context, source *Operator, cs *dataflow.Changeset) error {
	start := time.Now()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	for _, e := range g.pending {
		g.applyEdge(e)
	}
	g.pending = nil
	if g.ranksDirty {
		if err := computeRanks(g.ops); err != nil {
			g.mu.Unlock()
			return err
		}
		g.ranksDirty = false
	}
	g.stamp++
	r := &runState{
		stamp:     g.stamp,
		source:    source,
		changeset: cs,
		staged:    make(map[*Operator]staged),
		pulses:    make(map[*Operator]*dataflow.Pulse),
		values:    make(map[*Operator]any),
		params:    make(map[*Operator]*Params),
	}
	queue := &operatorHeap{key: func(o *Operator) int { return o.rank }}
	queued := make(map[*Operator]bool)
	enqueue := func(op *Operator) {
		if !queued[op] {
			queued[op] = true
			heap.Push(queue, op)
		}
	}
	for _, op := range g.ops {
		if op.pendingParams != nil || op.hasPending {
			r.staged[op] = staged{params: op.pendingParams, value: op.pendingValue, hasValue: op.hasPending}
			op.pendingParams, op.pendingValue, op.hasPending = nil, nil, false
			enqueue(op)
		} else if op.fresh {
			enqueue(op)
		}
	}
	if source != nil {
		enqueue(source)
	}
	g.running = true
	g.mu.Unlock()

	sourceName := ""
	if source != nil {
		sourceName = source.name
	}
	log := g.log.With().Int64("stamp", r.stamp).Logger()
	log.Debug().Str("source", sourceName).Int("dirty", queue.Len()).Msg("run started")
	g.collector.AddTiming(annotations.RunBegin, start, map[string]any{
		"stamp":  r.stamp,
		"source": sourceName,
	})

	ctx, span := g.tracer.Start(ctx, "dataflow.Run",
		trace.WithAttributes(
			attribute.String("dataflow.graph", g.name),
			attribute.Int64("dataflow.stamp", r.stamp),
			attribute.String("dataflow.source", sourceName),
		),
	)
	defer span.End()

	var runErr error
	for queue.Len() > 0 {
		op := heap.Pop(queue).(*Operator)
		// Each operator evaluates at most once per stamp.
		if op.stamp >= r.stamp {
			continue
		}
		opStart := time.Now()
		pulse, err := g.evaluate(ctx, r, op, log)
		if err != nil {
			runErr = &EvalError{Operator: op.name, Type: op.def.Type, Stamp: r.stamp, Err: err}
			// the failing operator may hold partial staged state
			r.failed = op
			break
		}
		g.metrics.Evaluated.Inc()
		r.evaluated = append(r.evaluated, op)
		r.pulses[op] = pulse

		if !pulse.Changed() {
			g.metrics.Suppressed.Inc()
			g.collector.AddTiming(annotations.OperatorSuppressed, opStart, map[string]any{
				"operator": op.name,
				"stamp":    r.stamp,
				"targets":  len(op.targets),
			})
			continue
		}
		g.collector.AddTiming(annotations.OperatorEvaluated, opStart, map[string]any{
			"operator": op.name,
			"stamp":    r.stamp,
			"added":    len(pulse.Added),
			"removed":  len(pulse.Removed),
			"modified": len(pulse.Modified),
		})
		for _, t := range op.targets {
			enqueue(t)
		}
	}

	elapsed := time.Since(start)
	g.metrics.Duration.Observe(elapsed.Seconds())
	if runErr != nil {
		g.rollback(r)
		g.metrics.Runs.WithLabelValues("error").Inc()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		log.Error().Err(runErr).Dur("elapsed", elapsed).Msg("run failed")
		g.collector.AddTiming(annotations.RunComplete, start, map[string]any{
			"stamp": r.stamp,
			"error": runErr.Error(),
		})
		return runErr
	}

	g.commit(r)
	g.metrics.Runs.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int("dataflow.evaluated", len(r.evaluated)))
	span.SetStatus(codes.Ok, "")
	log.Debug().Int("evaluated", len(r.evaluated)).Dur("elapsed", elapsed).Msg("run completed")
	g.collector.AddTiming(annotations.RunComplete, start, map[string]any{
		"stamp":     r.stamp,
		"operators": len(r.evaluated),
	})
	return nil
}

func (g *Graph) evaluate(ctx context.Context, r *runState, op *Operator, log zerolog.Logger) (*dataflow.Pulse, error) {
	ctx, span := g.tracer.Start(ctx, "dataflow.Evaluate",
		trace.WithAttributes(
			attribute.String("dataflow.operator", op.name),
			attribute.String("dataflow.type", op.def.Type),
			attribute.Int("dataflow.rank", op.rank),
		),
	)
	defer span.End()

	params, err := g.paramsFor(r, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	inputs := make([]*dataflow.Pulse, len(op.inputs))
	for i, in := range op.inputs {
		if p, ok := r.pulses[in]; ok {
			inputs[i] = p
			continue
		}
		if in.pulse == nil {
			inputs[i] = dataflow.NewPulse(r.stamp)
			continue
		}
		p := in.pulse.Fork()
		p.Stamp = r.stamp
		inputs[i] = p
	}

	ec := &EvalContext{
		Context:   ctx,
		Stamp:     r.stamp,
		Params:    params,
		Inputs:    inputs,
		Logger:    log.With().Str("operator", op.name).Logger(),
		Workers:   g.workers,
		op:        op,
		collector: g.collector,
	}
	if op == r.source {
		ec.Changeset = r.changeset
	}
	if st, ok := r.staged[op]; ok && st.hasValue {
		ec.Update, ec.Updated = st.value, true
	}

	pulse, err := op.transform.Evaluate(ec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if pulse == nil {
		pulse = dataflow.NewPulse(r.stamp)
	}
	pulse.Stamp = r.stamp

	r.params[op] = params
	if v, ok := op.transform.(Valuer); ok {
		r.values[op] = v.Value()
	}
	span.SetAttributes(attribute.Bool("dataflow.changed", pulse.Changed()))
	return pulse, nil
}

// paramsFor builds the parameters op sees in this run: staged changes applied
// and references re-read from operators that changed.
func (g *Graph) paramsFor(r *runState, op *Operator) (*Params, error) {
	params := op.params
	if st, ok := r.staged[op]; ok && st.params != nil {
		next, err := op.params.with(st.params)
		if err != nil {
			return nil, err
		}
		params = next
	} else if !op.fresh {
		params = op.params.settled()
	}

	for name, ref := range op.refs {
		p, evaluated := r.pulses[ref]
		changed := evaluated && p.Changed()
		if !changed && !op.fresh && !params.Modified(name) {
			continue
		}
		v := ref.value
		if evaluated {
			v = r.values[ref]
		}
		pd, _ := op.def.Param(name)
		if v == nil {
			v = pd.Default
		}
		var resolved any
		if v != nil {
			var err error
			if resolved, err = resolveParam(op.def.Type, pd, v); err != nil {
				return nil, err
			}
		}
		params = params.set(name, resolved)
	}
	return params, nil
}

func (g *Graph) commit(r *runState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, op := range r.evaluated {
		if t, ok := op.transform.(Transactional); ok {
			t.Commit()
		}
		op.params = r.params[op]
		op.pulse = r.pulses[op]
		if v, ok := r.values[op]; ok {
			op.value = v
		}
		op.stamp = r.stamp
		op.fresh = false
	}
	g.running = false
}

func (g *Graph) rollback(r *runState) {
	if r.failed != nil {
		if t, ok := r.failed.transform.(Transactional); ok {
			t.Rollback()
		}
	}
	for i := len(r.evaluated) - 1; i >= 0; i-- {
		if t, ok := r.evaluated[i].transform.(Transactional); ok {
			t.Rollback()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// Staged updates that were not superseded while the run was in flight
	// stay staged for the next run.
	for op, st := range r.staged {
		for name, v := range st.params {
			if op.pendingParams == nil {
				op.pendingParams = make(map[string]any)
			}
			if _, newer := op.pendingParams[name]; !newer {
				op.pendingParams[name] = v
			}
		}
		if st.hasValue && !op.hasPending {
			op.pendingValue, op.hasPending = st.value, true
		}
	}
	g.running = false
}
