package annotations

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	var seen []string
	c := NewCollector(func(e Event) { seen = append(seen, e.Name) })
	require.True(t, c.Enabled())

	c.AddTiming(RunBegin, time.Now(), map[string]any{"stamp": int64(1)})
	c.Add(Event{Name: OperatorEvaluated})
	c.Add(Event{Name: OperatorEvaluated})

	assert.Equal(t, []string{RunBegin, OperatorEvaluated, OperatorEvaluated}, seen)
	assert.Len(t, c.Events(), 3)
	assert.Len(t, c.Named(OperatorEvaluated), 2)

	c.Reset()
	assert.Empty(t, c.Events())
}

func TestCollectorDisabled(t *testing.T) {
	c := NewCollector(nil)
	assert.False(t, c.Enabled())
	c.Add(Event{Name: RunBegin})
	assert.Empty(t, c.Events())

	var nilCollector *Collector
	assert.False(t, nilCollector.Enabled())
	nilCollector.AddTiming(RunBegin, time.Now(), nil)
}

func TestOutputFormatter(t *testing.T) {
	f := NewOutputFormatter(&bytes.Buffer{}).WithColor(false)

	tests := []struct {
		name  string
		event Event
		want  []string
	}{
		{"begin", Event{Name: RunBegin, Data: map[string]any{"stamp": int64(3), "source": "data"}},
			[]string{"run 3 starting at data"}},
		{"complete", Event{Name: RunComplete, Data: map[string]any{"stamp": int64(3), "operators": 2}},
			[]string{"run 3 done with 2 operators"}},
		{"failed", Event{Name: RunComplete, Data: map[string]any{"stamp": int64(3), "error": "boom"}},
			[]string{"run 3 failed: boom"}},
		{"evaluated", Event{Name: OperatorEvaluated, Data: map[string]any{"operator": "Window#1", "added": 4}},
			[]string{"Window#1: +4 -0 ~0"}},
		{"suppressed", Event{Name: OperatorSuppressed, Data: map[string]any{"operator": "Window#1", "targets": 2}},
			[]string{"no change, 2 targets skipped"}},
		{"partitions", Event{Name: WindowPartitions, Data: map[string]any{"operator": "Window#1", "dirty": 1, "total": 3}},
			[]string{"1 partitions of 3 recomputed"}},
		{"feed", Event{Name: StorageFeed, Data: map[string]any{"table": "points", "inserted": 2, "removed": 1}},
			[]string{"table points: +2 -1 ~0"}},
		{"generic", Event{Name: "custom/thing", Data: map[string]any{"b": 2, "a": 1}},
			[]string{"custom/thing a=1 b=2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := f.Format(tt.event)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}

	assert.True(t, strings.HasPrefix(f.Format(Event{Name: RunBegin, Latency: 2 * time.Millisecond}), "[2.0ms]"))
}

func TestOutputFormatterHandle(t *testing.T) {
	var buf bytes.Buffer
	f := NewOutputFormatter(&buf)
	f.Handle(Event{Name: OperatorEvaluated, Data: map[string]any{"operator": "Source#0"}})
	assert.Contains(t, buf.String(), "Source#0")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}
