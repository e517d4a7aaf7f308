package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/paulrosenzweig/vega/dataflow"
	"github.com/paulrosenzweig/vega/dataflow/annotations"
)

func TestRanksAreStableTopologicalOrder(t *testing.T) {
	g := NewGraph(testRegistry(nil, nil))
	src, err := g.AddSource("src")
	require.NoError(t, err)

	// added out of dependency order on purpose
	a, err := g.Add("Relay", nil, src)
	require.NoError(t, err)
	c, err := g.Add("Relay", nil)
	require.NoError(t, err)
	b, err := g.Add("Relay", nil, a)
	require.NoError(t, err)
	require.NoError(t, g.Connect(c, b))

	require.NoError(t, g.Run(context.Background(), src, nil))

	assert.Equal(t, 0, src.Rank())
	assert.Equal(t, 1, a.Rank())
	assert.Equal(t, 2, b.Rank())
	assert.Equal(t, 3, c.Rank())

	// an independent operator added later takes the next free rank after
	// everything it does not depend on
	d, err := g.Add("Relay", nil)
	require.NoError(t, err)
	require.NoError(t, g.Run(context.Background(), src, nil))
	assert.Equal(t, 4, d.Rank())
}

func TestConnectRejectsCycles(t *testing.T) {
	g := NewGraph(testRegistry(nil, nil))
	src, _ := g.AddSource("src")
	a, _ := g.Add("Relay", nil, src)
	b, _ := g.Add("Relay", nil, a)

	err := g.Connect(a, b)
	assert.ErrorIs(t, err, ErrCycle)
	err = g.Connect(a, a)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestRunPropagatesChanges(t *testing.T) {
	var relays []*relay
	g := NewGraph(testRegistry(&relays, nil))
	src, _ := g.AddSource("src")
	a, _ := g.Add("Relay", nil, src)
	b, _ := g.Add("Relay", nil, a)

	ctx := context.Background()
	require.NoError(t, g.Run(ctx, src, dataflow.NewChangeset().InsertValues(rows(1, 2, 3)...)))

	assert.Equal(t, int64(1), g.Stamp())
	for _, op := range []*Operator{src, a, b} {
		assert.Equal(t, int64(1), op.Stamp(), op.Name())
		assert.Len(t, op.Pulse().Added, 3, op.Name())
	}
	live := src.Value().([]*dataflow.Tuple)
	require.Len(t, live, 3)
	assert.Equal(t, 1, live[0].Get("v"))

	// the downstream pulse carries the source view
	count := 0
	b.Pulse().VisitSource(func(*dataflow.Tuple) { count++ })
	assert.Equal(t, 3, count)

	ev, commits, _ := relays[1].counts()
	assert.Equal(t, 1, ev)
	assert.Equal(t, 1, commits)
}

func TestEmptyPulseSuppressesTargets(t *testing.T) {
	var relays []*relay
	reg := prometheus.NewRegistry()
	g := NewGraph(testRegistry(&relays, nil), WithMetrics(reg), WithName("suppress"))
	src, _ := g.AddSource("src")
	_, _ = g.Add("Relay", nil, src)

	ctx := context.Background()
	require.NoError(t, g.Run(ctx, src, dataflow.NewChangeset().InsertValues(rows(1)...)))
	ev, _, _ := relays[0].counts()
	require.Equal(t, 1, ev)

	require.NoError(t, g.Run(ctx, src, dataflow.NewChangeset()))
	ev, _, _ = relays[0].counts()
	assert.Equal(t, 1, ev, "relay must not run on an empty source pulse")
	assert.Equal(t, int64(2), src.Stamp())
	assert.True(t, src.Pulse().Empty())

	assert.Equal(t, 1.0, testutil.ToFloat64(g.Metrics().Suppressed))
	assert.Equal(t, 2.0, testutil.ToFloat64(g.Metrics().Runs.WithLabelValues("ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(g.Metrics().Evaluated))
}

func TestEvaluationErrorRollsBack(t *testing.T) {
	var relays []*relay
	var validators []*validator
	g := NewGraph(testRegistry(&relays, &validators))
	src, _ := g.AddSource("src")
	a, _ := g.Add("Relay", nil, src)
	v, _ := g.Add("Validator", nil, a)

	ctx := context.Background()
	first := dataflow.NewTuple(map[string]any{"v": 1})
	require.NoError(t, g.Run(ctx, src, dataflow.NewChangeset().Insert(first)))
	publishedPulse := a.Pulse()

	cs := dataflow.NewChangeset().
		InsertValues(map[string]any{"v": 2, "bad": true}).
		Modify(first, "v", 100)
	err := g.Run(ctx, src, cs)
	require.Error(t, err)

	var evalErr *EvalError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, v.Name(), evalErr.Operator)
	assert.Equal(t, int64(2), evalErr.Stamp)
	assert.ErrorIs(t, err, errBadRow)

	// nothing from stamp 2 is visible
	assert.Len(t, src.Value().([]*dataflow.Tuple), 1)
	assert.Equal(t, 1, first.Get("v"), "in-place field write must be undone")
	assert.Same(t, publishedPulse, a.Pulse())
	assert.Equal(t, int64(1), a.Stamp())

	_, _, rollbacks := relays[0].counts()
	assert.Equal(t, 1, rollbacks)
	_, _, rollbacks = validators[0].counts()
	assert.Equal(t, 1, rollbacks, "the failing operator discards its partial state too")

	// the graph stays usable and the stamp keeps counting
	require.NoError(t, g.Run(ctx, src, dataflow.NewChangeset().InsertValues(rows(3)...)))
	assert.Equal(t, int64(3), g.Stamp())
	assert.Len(t, src.Value().([]*dataflow.Tuple), 2)
}

func TestSourceIdentityErrors(t *testing.T) {
	g := NewGraph(nil)
	src, _ := g.AddSource("src")
	ctx := context.Background()

	stranger := dataflow.NewTuple(nil)
	err := g.Run(ctx, src, dataflow.NewChangeset().Remove(stranger))
	assert.ErrorIs(t, err, dataflow.ErrIdentity)

	err = g.Run(ctx, src, dataflow.NewChangeset().Modify(stranger, "v", 1))
	assert.ErrorIs(t, err, dataflow.ErrIdentity)

	tup := dataflow.NewTuple(nil)
	require.NoError(t, g.Run(ctx, src, dataflow.NewChangeset().Insert(tup)))
	err = g.Run(ctx, src, dataflow.NewChangeset().Insert(tup))
	assert.ErrorIs(t, err, dataflow.ErrIdentity)
}

func TestSourceChangesetSemantics(t *testing.T) {
	g := NewGraph(nil)
	src, _ := g.AddSource("src")
	ctx := context.Background()

	ts := dataflow.NewTuples(rows(1, 2, 3, 4)...)
	require.NoError(t, g.Run(ctx, src, dataflow.NewChangeset().Insert(ts...)))

	fresh := dataflow.NewTuple(map[string]any{"v": 5})
	cs := dataflow.NewChangeset().
		Remove(ts[0]).
		RemoveWhere(func(t *dataflow.Tuple) bool { return t.Get("v") == 4 }).
		Insert(fresh).
		Modify(ts[1], "v", 20).
		Modify(fresh, "v", 50)
	require.NoError(t, g.Run(ctx, src, cs))

	p := src.Pulse()
	require.NoError(t, p.Validate())
	assert.Equal(t, []*dataflow.Tuple{fresh}, p.Added)
	assert.ElementsMatch(t, []*dataflow.Tuple{ts[0], ts[3]}, p.Removed)
	assert.Equal(t, []*dataflow.Tuple{ts[1]}, p.Modified, "added tuples are not reported as modified")
	assert.Equal(t, []string{"v"}, p.Fields())
	assert.Equal(t, []*dataflow.Tuple{ts[1], ts[2], fresh}, src.Value())

	require.NoError(t, g.Run(ctx, src, dataflow.NewChangeset().Replace(ts[2])))
	p = src.Pulse()
	assert.True(t, p.Reset)
	assert.Empty(t, p.Added, "a tuple kept by Replace is neither added nor removed")
	assert.ElementsMatch(t, []*dataflow.Tuple{ts[1], fresh}, p.Removed)
	assert.Equal(t, []*dataflow.Tuple{ts[2]}, src.Value())
}

func TestConcurrentRunsQueue(t *testing.T) {
	var relays []*relay
	g := NewGraph(testRegistry(&relays, nil))
	src, _ := g.AddSource("src")
	_, _ = g.Add("Relay", nil, src)

	r := relays[0]
	r.block = make(chan struct{})
	r.entered = make(chan struct{})
	release := r.block

	first := g.RunAsync(context.Background(), src, dataflow.NewChangeset().InsertValues(rows(1)...))
	<-r.entered

	second := g.RunAsync(context.Background(), src, dataflow.NewChangeset().InsertValues(rows(2)...))
	select {
	case err := <-second:
		t.Fatalf("second run finished while the first was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(1), g.Stamp())

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, int64(2), g.Stamp())
	ev, _, _ := r.counts()
	assert.Equal(t, 2, ev)
}

func TestRunWaitHonorsContext(t *testing.T) {
	var relays []*relay
	g := NewGraph(testRegistry(&relays, nil))
	src, _ := g.AddSource("src")
	_, _ = g.Add("Relay", nil, src)

	r := relays[0]
	r.block = make(chan struct{})
	r.entered = make(chan struct{})
	release := r.block

	first := g.RunAsync(context.Background(), src, dataflow.NewChangeset().InsertValues(rows(1)...))
	<-r.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Run(ctx, src, dataflow.NewChangeset().InsertValues(rows(2)...))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-first)
	assert.Len(t, src.Value().([]*dataflow.Tuple), 1)
}

func TestConnectDuringRunIsDeferred(t *testing.T) {
	var relays []*relay
	g := NewGraph(testRegistry(&relays, nil))
	src, _ := g.AddSource("src")
	_, _ = g.Add("Relay", nil, src)
	late, _ := g.Add("Relay", nil)

	ctx := context.Background()
	require.NoError(t, g.Run(ctx, src, nil))

	blocker := relays[0]
	blocker.block = make(chan struct{})
	blocker.entered = make(chan struct{})
	release := blocker.block

	done := g.RunAsync(ctx, src, dataflow.NewChangeset().InsertValues(rows(1)...))
	<-blocker.entered
	require.NoError(t, g.Connect(late, src))
	close(release)
	require.NoError(t, <-done)

	ev, _, _ := relays[1].counts()
	assert.Equal(t, 1, ev, "the new edge is not used by the run in flight")
	assert.Empty(t, late.Inputs())

	require.NoError(t, g.Run(ctx, src, dataflow.NewChangeset().InsertValues(rows(2)...)))
	ev, _, _ = relays[1].counts()
	assert.Equal(t, 2, ev)
	assert.Equal(t, []*Operator{src}, late.Inputs())
	assert.Greater(t, late.Rank(), src.Rank())
}

func TestParamReferenceToSignal(t *testing.T) {
	var relays []*relay
	g := NewGraph(testRegistry(&relays, nil))
	factor, err := g.AddSignal("factor", 2)
	require.NoError(t, err)
	op, err := g.Add("Relay", map[string]any{"factor": Ref(factor)})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, g.Evaluate(ctx))
	r := relays[0]
	assert.Equal(t, 2.0, r.lastParams.Number("factor"))
	assert.Greater(t, op.Rank(), factor.Rank())
	assert.Equal(t, 2, factor.Value())

	require.NoError(t, g.Update(factor, 3))
	require.NoError(t, g.Evaluate(ctx))
	assert.True(t, r.lastParams.Modified("factor"))
	assert.Equal(t, 3.0, r.lastParams.Number("factor"))

	// same value again: the signal does not change, the relay is not run
	require.NoError(t, g.Update(factor, 3))
	require.NoError(t, g.Evaluate(ctx))
	ev, _, _ := r.counts()
	assert.Equal(t, 2, ev)

	// a reference that would close a loop is refused
	err = g.SetParam(op, "factor", Ref(op))
	assert.ErrorIs(t, err, ErrCycle)
}

func TestSetParam(t *testing.T) {
	var relays []*relay
	g := NewGraph(testRegistry(&relays, nil))
	op, err := g.Add("Relay", map[string]any{"by": []string{"a"}})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, g.Evaluate(ctx))

	r := relays[0]
	assert.True(t, r.lastParams.StructuralModified(), "first evaluation sees every parameter as new")

	require.NoError(t, g.SetParam(op, "factor", 4))
	require.NoError(t, g.Evaluate(ctx))
	assert.True(t, r.lastParams.Modified("factor"))
	assert.False(t, r.lastParams.StructuralModified())
	assert.Equal(t, []string{"a"}, dataflow.FieldNames(r.lastParams.Fields("by")))

	require.NoError(t, g.SetParam(op, "by", []string{"b"}))
	require.NoError(t, g.Evaluate(ctx))
	assert.True(t, r.lastParams.StructuralModified())

	err = g.SetParam(op, "factor", "lots")
	assert.True(t, dataflow.IsConfigError(err))
	err = g.SetParam(op, "nope", 1)
	assert.True(t, dataflow.IsConfigError(err))
}

func TestAddValidation(t *testing.T) {
	g := NewGraph(testRegistry(nil, nil))
	_, err := g.Add("Nope", nil)
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = g.Add("Relay", map[string]any{"factor": "x"})
	assert.True(t, dataflow.IsConfigError(err))

	other := NewGraph(nil)
	foreign, _ := other.AddSource("foreign")
	_, err = g.Add("Relay", nil, foreign)
	assert.ErrorIs(t, err, ErrForeignOperator)

	relay, _ := g.Add("Relay", nil)
	err = g.Run(context.Background(), relay, nil)
	assert.ErrorIs(t, err, ErrNotSource)
}

func TestCloseDetaches(t *testing.T) {
	g := NewGraph(testRegistry(nil, nil))
	src, _ := g.AddSource("src")
	a, _ := g.Add("Relay", nil, src)

	require.NoError(t, g.Close())
	assert.Empty(t, a.Inputs())
	assert.ErrorIs(t, g.Run(context.Background(), src, nil), ErrClosed)
	_, err := g.Add("Relay", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, g.Close(), ErrClosed)
}

func TestRunSpansAndAnnotations(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	collector := annotations.NewCollector(func(annotations.Event) {})

	var validators []*validator
	g := NewGraph(testRegistry(nil, &validators),
		WithTracerProvider(tp),
		WithAnnotations(collector.Add),
	)
	src, _ := g.AddSource("src")
	_, _ = g.Add("Validator", nil, src)

	ctx := context.Background()
	require.NoError(t, g.Run(ctx, src, dataflow.NewChangeset().InsertValues(rows(1)...)))
	err := g.Run(ctx, src, dataflow.NewChangeset().InsertValues(map[string]any{"bad": true}))
	require.Error(t, err)

	var runs, evals int
	var failed bool
	for _, s := range recorder.Ended() {
		switch s.Name() {
		case "dataflow.Run":
			runs++
			if s.Status().Description != "" {
				failed = true
			}
		case "dataflow.Evaluate":
			evals++
		}
	}
	assert.Equal(t, 2, runs)
	assert.Equal(t, 4, evals)
	assert.True(t, failed)

	assert.Len(t, collector.Named(annotations.RunBegin), 2)
	complete := collector.Named(annotations.RunComplete)
	require.Len(t, complete, 2)
	assert.Contains(t, complete[1].Data, "error")
	assert.Len(t, collector.Named(annotations.OperatorEvaluated), 3)
}

func TestEvalErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := error(&EvalError{Operator: "w", Type: "Window", Stamp: 4, Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "evaluating w (Window) at stamp 4: boom", err.Error())
}
