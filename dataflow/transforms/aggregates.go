package transforms

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/paulrosenzweig/vega/dataflow"
)

// measures flags which statistics a fieldCell maintains.
type measures uint8

const (
	measureNumeric measures = 1 << iota
	measureQuantiles
	measureExtremes
	measureDistinct
)

func measuresFor(k OpKind) measures {
	switch k {
	case OpSum, OpProduct, OpMean, OpAverage, OpVariance, OpVarianceP, OpStdev, OpStdevP, OpStderr:
		return measureNumeric
	case OpMedian, OpQ1, OpQ3:
		return measureNumeric | measureQuantiles
	case OpMin, OpMax, OpArgmin, OpArgmax:
		return measureExtremes
	case OpDistinct:
		return measureDistinct
	}
	return 0
}

type extreme struct {
	value any
	tuple *dataflow.Tuple
}

// fieldCell holds the running statistics of one input field over the
// current window. Rows enter with add and leave with rem, so sliding the
// window by one row costs one add and one rem instead of a full rescan.
type fieldCell struct {
	field    dataflow.Field
	measures measures

	valid   int
	missing int

	sum      float64
	product  float64 // product of the non-zero values
	zeros    int
	mean     float64
	dev      float64
	sorted   []float64
	extremes []extreme
	counts   map[any]int
}

func newFieldCell(field dataflow.Field, m measures) *fieldCell {
	c := &fieldCell{field: field, measures: m}
	c.reset()
	return c
}

func (c *fieldCell) reset() {
	c.valid, c.missing = 0, 0
	c.sum, c.product, c.zeros = 0, 1, 0
	c.mean, c.dev = 0, 0
	c.sorted = c.sorted[:0]
	c.extremes = c.extremes[:0]
	if c.measures&measureDistinct != 0 {
		c.counts = make(map[any]int)
	}
}

func isMissing(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func (c *fieldCell) number(t *dataflow.Tuple, v any) (float64, error) {
	n, ok := dataflow.ToNumber(v)
	if !ok {
		return 0, fmt.Errorf("field %q of tuple #%d: %v (%T) is not a number", c.field.Name(), t.ID(), v, v)
	}
	return n, nil
}

func (c *fieldCell) add(t *dataflow.Tuple) error {
	v := c.field.Get(t)
	if c.counts != nil {
		c.counts[valueKey(v)]++
	}
	if isMissing(v) {
		c.missing++
		return nil
	}
	if !dataflow.IsValid(v) {
		return nil
	}

	if c.measures&measureNumeric != 0 {
		n, err := c.number(t, v)
		if err != nil {
			return err
		}
		c.valid++
		c.sum += n
		if n == 0 {
			c.zeros++
		} else {
			c.product *= n
		}
		d := n - c.mean
		c.mean += d / float64(c.valid)
		c.dev += d * (n - c.mean)
		if c.measures&measureQuantiles != 0 {
			i, _ := slices.BinarySearch(c.sorted, n)
			c.sorted = slices.Insert(c.sorted, i, n)
		}
	} else {
		c.valid++
	}

	if c.measures&measureExtremes != 0 {
		e := extreme{value: v, tuple: t}
		i, _ := slices.BinarySearchFunc(c.extremes, e, compareExtremes)
		c.extremes = slices.Insert(c.extremes, i, e)
	}
	return nil
}

func (c *fieldCell) rem(t *dataflow.Tuple) error {
	v := c.field.Get(t)
	if c.counts != nil {
		k := valueKey(v)
		if c.counts[k]--; c.counts[k] <= 0 {
			delete(c.counts, k)
		}
	}
	if isMissing(v) {
		c.missing--
		return nil
	}
	if !dataflow.IsValid(v) {
		return nil
	}

	if c.measures&measureNumeric != 0 {
		n, err := c.number(t, v)
		if err != nil {
			return err
		}
		c.valid--
		c.sum -= n
		if n == 0 {
			c.zeros--
		} else {
			c.product /= n
		}
		if c.valid == 0 {
			c.mean, c.dev, c.product = 0, 0, 1
		} else {
			d := n - c.mean
			c.mean -= d / float64(c.valid)
			c.dev -= d * (n - c.mean)
		}
		if c.measures&measureQuantiles != 0 {
			if i, found := slices.BinarySearch(c.sorted, n); found {
				c.sorted = slices.Delete(c.sorted, i, i+1)
			}
		}
	} else {
		c.valid--
	}

	if c.measures&measureExtremes != 0 {
		e := extreme{value: v, tuple: t}
		if i, found := slices.BinarySearchFunc(c.extremes, e, compareExtremes); found {
			c.extremes = slices.Delete(c.extremes, i, i+1)
		}
	}
	return nil
}

// compareExtremes orders by value, then by tuple creation order.
func compareExtremes(a, b extreme) int {
	if c := dataflow.CompareValues(a.value, b.value); c != 0 {
		return c
	}
	switch {
	case a.tuple.ID() < b.tuple.ID():
		return -1
	case a.tuple.ID() > b.tuple.ID():
		return 1
	}
	return 0
}

func (c *fieldCell) value(k OpKind) any {
	switch k {
	case OpValid:
		return c.valid
	case OpMissing:
		return c.missing
	case OpDistinct:
		return len(c.counts)
	case OpSum:
		return c.sum
	case OpProduct:
		if c.valid == 0 {
			return nil
		}
		if c.zeros > 0 {
			return 0.0
		}
		return c.product
	case OpMean, OpAverage:
		if c.valid == 0 {
			return nil
		}
		return c.mean
	case OpVariance:
		if c.valid < 2 {
			return nil
		}
		return c.dev / float64(c.valid-1)
	case OpVarianceP:
		if c.valid < 2 {
			return nil
		}
		return c.dev / float64(c.valid)
	case OpStdev:
		if c.valid < 2 {
			return nil
		}
		return math.Sqrt(c.dev / float64(c.valid-1))
	case OpStdevP:
		if c.valid < 2 {
			return nil
		}
		return math.Sqrt(c.dev / float64(c.valid))
	case OpStderr:
		if c.valid < 2 {
			return nil
		}
		return math.Sqrt(c.dev / float64(c.valid*(c.valid-1)))
	case OpMedian:
		return quantile(c.sorted, 0.5)
	case OpQ1:
		return quantile(c.sorted, 0.25)
	case OpQ3:
		return quantile(c.sorted, 0.75)
	case OpMin:
		if len(c.extremes) == 0 {
			return nil
		}
		return c.extremes[0].value
	case OpMax:
		if len(c.extremes) == 0 {
			return nil
		}
		return c.extremes[len(c.extremes)-1].value
	case OpArgmin:
		if len(c.extremes) == 0 {
			return nil
		}
		return c.extremes[0].tuple
	case OpArgmax:
		n := len(c.extremes)
		if n == 0 {
			return nil
		}
		// earliest tuple among those holding the maximum
		maxValue := c.extremes[n-1].value
		i := sort.Search(n, func(i int) bool {
			return dataflow.CompareValues(c.extremes[i].value, maxValue) >= 0
		})
		return c.extremes[i].tuple
	}
	return nil
}

// quantile interpolates linearly between closest ranks of sorted values.
func quantile(sorted []float64, p float64) any {
	n := len(sorted)
	if n == 0 {
		return nil
	}
	h := float64(n-1) * p
	lo := int(math.Floor(h))
	if lo+1 >= n {
		return sorted[n-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// valueKey maps a field value to a comparable map key. Numbers of different
// Go types that are equal share a key.
func valueKey(v any) any {
	switch x := v.(type) {
	case nil, bool, string:
		return x
	case time.Time:
		return x.UnixNano()
	}
	if n, ok := dataflow.ToNumber(v); ok {
		if math.IsNaN(n) {
			return "NaN"
		}
		return n
	}
	return fmt.Sprintf("%T:%v", v, v)
}
