package dataflow

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// CompareValues compares two field values and returns:
//
//	-1 if left < right
//	 0 if left == right
//	 1 if left > right
//
// The ordering is consistent across types so it can back a sort:
//   - nil is less than any non-nil value
//   - values of different kinds order by kind: bool < number < string < time < other
//   - numbers compare across int, uint and float representations
//   - NaN sorts before every other number and equals itself
//   - unknown types fall back to comparing their string form
func CompareValues(left, right any) int {
	if left == nil && right == nil {
		return 0
	}
	if left == nil {
		return -1
	}
	if right == nil {
		return 1
	}

	lk, rk := kindOf(left), kindOf(right)
	if lk != rk {
		return compareInts(int64(lk), int64(rk))
	}

	switch lk {
	case kindBool:
		l, r := left.(bool), right.(bool)
		if l == r {
			return 0
		}
		if !l {
			return -1
		}
		return 1
	case kindNumber:
		l, _ := ToNumber(left)
		r, _ := ToNumber(right)
		return compareFloats(l, r)
	case kindString:
		return strings.Compare(left.(string), right.(string))
	case kindTime:
		l, r := left.(time.Time), right.(time.Time)
		switch {
		case l.Before(r):
			return -1
		case l.After(r):
			return 1
		}
		return 0
	}

	// Fall back to string comparison for unknown types
	return strings.Compare(fmt.Sprintf("%v", left), fmt.Sprintf("%v", right))
}

// ValuesEqual reports whether two values compare equal under CompareValues.
func ValuesEqual(a, b any) bool {
	return CompareValues(a, b) == 0
}

type valueKind int

const (
	kindNil valueKind = iota
	kindBool
	kindNumber
	kindString
	kindTime
	kindOther
)

func kindOf(v any) valueKind {
	switch v.(type) {
	case nil:
		return kindNil
	case bool:
		return kindBool
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return kindNumber
	case string:
		return kindString
	case time.Time:
		return kindTime
	}
	return kindOther
}

// ToNumber coerces a numeric field value to float64. The second result is
// false when the value has no numeric interpretation.
func ToNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// IsValid reports whether a value counts as present for aggregation:
// not nil and not NaN.
func IsValid(v any) bool {
	if v == nil {
		return false
	}
	if f, ok := v.(float64); ok && math.IsNaN(f) {
		return false
	}
	if f, ok := v.(float32); ok && math.IsNaN(float64(f)) {
		return false
	}
	return true
}

func compareInts(a, b int64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func compareFloats(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return -1
	case bNaN:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
