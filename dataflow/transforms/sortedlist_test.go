package transforms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulrosenzweig/vega/dataflow"
)

func byV(order dataflow.Order) *dataflow.Comparator {
	return dataflow.NewComparator(dataflow.NewFields("v"), []dataflow.Order{order})
}

func vals(ts []*dataflow.Tuple, field string) []any {
	out := make([]any, len(ts))
	for i, t := range ts {
		out[i] = t.Get(field)
	}
	return out
}

func ids(ts []*dataflow.Tuple) []dataflow.TupleID {
	out := make([]dataflow.TupleID, len(ts))
	for i, t := range ts {
		out[i] = t.ID()
	}
	return out
}

func valueRows(vs ...any) []*dataflow.Tuple {
	out := make([]*dataflow.Tuple, len(vs))
	for i, v := range vs {
		out[i] = dataflow.NewTuple(map[string]any{"v": v})
	}
	return out
}

func TestSortedListOrdersByComparator(t *testing.T) {
	s := NewSortedList()
	for _, tu := range valueRows(5, 3, 1, 3) {
		require.NoError(t, s.Add(tu))
	}
	asc := byV(dataflow.Ascending)
	assert.Equal(t, []any{1, 3, 3, 5}, vals(s.Data(asc), "v"))

	// a new comparator resorts everything
	desc := byV(dataflow.Descending)
	assert.Equal(t, []any{5, 3, 3, 1}, vals(s.Data(desc), "v"))

	// nil orders by creation
	assert.Equal(t, []any{5, 3, 1, 3}, vals(s.Data(nil), "v"))
	assert.Equal(t, 4, s.Size())
}

func TestSortedListIncrementalMerge(t *testing.T) {
	cmp := byV(dataflow.Ascending)
	s := NewSortedList()
	rows := valueRows(4, 2, 8)
	for _, tu := range rows {
		require.NoError(t, s.Add(tu))
	}
	require.Equal(t, []any{2, 4, 8}, vals(s.Data(cmp), "v"))

	more := valueRows(5, 1, 9)
	for _, tu := range more {
		require.NoError(t, s.Add(tu))
	}
	require.NoError(t, s.Remove(rows[0]))
	assert.Equal(t, []any{1, 2, 5, 8, 9}, vals(s.Data(cmp), "v"))
	assert.False(t, s.Has(rows[0]))
	assert.True(t, s.Has(more[1]))
}

func TestSortedListStableTies(t *testing.T) {
	cmp := byV(dataflow.Ascending)
	s := NewSortedList()
	ties := valueRows(7, 7, 7)
	others := valueRows(1, 9)
	for _, tu := range append(append([]*dataflow.Tuple{}, ties...), others...) {
		require.NoError(t, s.Add(tu))
	}
	want := ids(ties)

	for round := 0; round < 5; round++ {
		extra := valueRows(7, 3)
		for _, tu := range extra {
			require.NoError(t, s.Add(tu))
		}
		s.Data(cmp)
		for _, tu := range extra {
			require.NoError(t, s.Remove(tu))
		}
		data := s.Data(cmp)
		require.Len(t, data, 5)
		assert.Equal(t, want, ids(data[1:4]), "round %d", round)
	}
}

func TestSortedListReaddRepositions(t *testing.T) {
	cmp := byV(dataflow.Ascending)
	s := NewSortedList()
	rows := valueRows(1, 2, 3)
	for _, tu := range rows {
		require.NoError(t, s.Add(tu))
	}
	s.Data(cmp)

	require.NoError(t, s.Remove(rows[0]))
	rows[0].Set("v", 10)
	require.NoError(t, s.Add(rows[0]))
	assert.Equal(t, []any{2, 3, 10}, vals(s.Data(cmp), "v"))
	assert.Equal(t, 3, s.Size())
}

func TestSortedListInvalidate(t *testing.T) {
	cmp := byV(dataflow.Ascending)
	s := NewSortedList()
	rows := valueRows(1, 2, 3)
	for _, tu := range rows {
		require.NoError(t, s.Add(tu))
	}
	s.Data(cmp)

	rows[0].Set("v", 4)
	s.Invalidate()
	assert.Equal(t, []any{2, 3, 4}, vals(s.Data(cmp), "v"))
}

func TestSortedListIdentityErrors(t *testing.T) {
	s := NewSortedList()
	tu := dataflow.NewTuple(map[string]any{"v": 1})
	require.NoError(t, s.Add(tu))

	err := s.Add(tu)
	assert.ErrorIs(t, err, dataflow.ErrIdentity)

	other := dataflow.NewTuple(map[string]any{"v": 2})
	err = s.Remove(other)
	assert.ErrorIs(t, err, dataflow.ErrIdentity)

	// removing a pending add cancels it
	require.NoError(t, s.Add(other))
	require.NoError(t, s.Remove(other))
	assert.Equal(t, []any{1}, vals(s.Data(nil), "v"))
}

func TestSortedListCloneIsIndependent(t *testing.T) {
	cmp := byV(dataflow.Ascending)
	s := NewSortedList()
	rows := valueRows(3, 1)
	for _, tu := range rows {
		require.NoError(t, s.Add(tu))
	}
	s.Data(cmp)

	c := s.Clone()
	require.NoError(t, c.Remove(rows[0]))
	require.NoError(t, c.Add(dataflow.NewTuple(map[string]any{"v": 2})))

	assert.Equal(t, []any{1, 2}, vals(c.Data(cmp), "v"))
	assert.Equal(t, []any{1, 3}, vals(s.Data(cmp), "v"))
	assert.Len(t, s.Members(), 2)
}
