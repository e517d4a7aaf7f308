package render

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulrosenzweig/vega/dataflow"
)

func TestTuples(t *testing.T) {
	rows := dataflow.NewTuples(
		map[string]any{"name": "a", "v": 5, "total": 12.0},
		map[string]any{"name": "b", "v": 3, "total": 7.5},
		map[string]any{"name": "c", "v": nil},
	)

	t.Run("DerivedColumns", func(t *testing.T) {
		out := Tuples(rows)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.GreaterOrEqual(t, len(lines), 5)
		assert.Contains(t, lines[0], "name")
		assert.Less(t, strings.Index(lines[0], "name"), strings.Index(lines[0], "total"))
		assert.Contains(t, out, "12")
		assert.Contains(t, out, "7.5")
		assert.Contains(t, out, "null")
		assert.Contains(t, out, "3 rows")
	})

	t.Run("ExplicitColumns", func(t *testing.T) {
		out := Tuples(rows, "total")
		assert.NotContains(t, out, "name")
		assert.Contains(t, out, "total")
	})

	t.Run("Empty", func(t *testing.T) {
		out := Tuples(nil, "v")
		assert.Contains(t, out, "No rows")
	})

	t.Run("ShowID", func(t *testing.T) {
		f := NewFormatter()
		f.ShowID = true
		out := f.Tuples(rows[:1])
		assert.Contains(t, out, "tuple")
	})
}

func TestValue(t *testing.T) {
	f := NewFormatter()
	tu := dataflow.NewTuple(nil)

	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "null"},
		{"string", "x", "x"},
		{"int", 3, "3"},
		{"float", 2.5, "2.5"},
		{"integral float", 12.0, "12"},
		{"bool", true, "true"},
		{"time", time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), "2024-01-01 12:00:00"},
		{"list", []any{1, nil, "a"}, "[1, null, a]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Value(tt.in))
		})
	}
	assert.True(t, strings.HasPrefix(f.Value(tu), "#"))

	f.Precision = 2
	assert.Equal(t, "3.14", f.Value(3.14159))

	f.MaxWidth = 3
	assert.Equal(t, "abc...", f.Value("abcdef"))
}

func TestPulse(t *testing.T) {
	added := dataflow.NewTuples(map[string]any{"v": 1})
	p := dataflow.NewPulse(4)
	p.Added = added
	out := Pulse(p)
	assert.Contains(t, out, "Pulse 4")
	assert.Contains(t, out, "Added")
	assert.NotContains(t, out, "Removed")

	empty := Pulse(dataflow.NewPulse(5))
	assert.Contains(t, empty, "No changes")
	assert.Contains(t, Pulse(nil), "No pulse")
}
