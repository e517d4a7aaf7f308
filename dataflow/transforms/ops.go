package transforms

import (
	"math"

	"github.com/paulrosenzweig/vega/dataflow"
)

// OpKind enumerates every window and aggregate operation the Window
// transform supports.
type OpKind uint8

const (
	// window operations
	OpRowNumber OpKind = iota
	OpRank
	OpDenseRank
	OpPercentRank
	OpCumeDist
	OpNtile
	OpLag
	OpLead
	OpFirstValue
	OpLastValue
	OpNthValue
	OpPrevValue
	OpNextValue

	// aggregate operations
	OpCount
	OpValid
	OpMissing
	OpDistinct
	OpSum
	OpProduct
	OpMean
	OpAverage
	OpVariance
	OpVarianceP
	OpStdev
	OpStdevP
	OpStderr
	OpMedian
	OpQ1
	OpQ3
	OpMin
	OpMax
	OpArgmin
	OpArgmax
	OpExponential
	OpExponentialB
	OpValues

	numOps
)

type opInfo struct {
	name      string
	aggregate bool
	field     bool // requires an input field
	numeric   bool // input values must be numbers
	param     paramRule
}

type paramRule uint8

const (
	paramNone paramRule = iota
	// optional, defaults to 1, must not be negative
	paramOffset
	// required, must be greater than zero
	paramPositive
	// required decay weight in [0, 1), read from aggregate_params
	paramDecay
)

// maxParam bounds integer parameters so that offsets and tile counts stay
// far from int overflow when combined with row positions.
const maxParam = math.MaxInt32

// opTable is indexed by OpKind.
var opTable = [numOps]opInfo{
	OpRowNumber:   {name: "row_number"},
	OpRank:        {name: "rank"},
	OpDenseRank:   {name: "dense_rank"},
	OpPercentRank: {name: "percent_rank"},
	OpCumeDist:    {name: "cume_dist"},
	OpNtile:       {name: "ntile", param: paramPositive},
	OpLag:         {name: "lag", field: true, param: paramOffset},
	OpLead:        {name: "lead", field: true, param: paramOffset},
	OpFirstValue:  {name: "first_value", field: true},
	OpLastValue:   {name: "last_value", field: true},
	OpNthValue:    {name: "nth_value", field: true, param: paramPositive},
	OpPrevValue:   {name: "prev_value", field: true},
	OpNextValue:   {name: "next_value", field: true},

	OpCount:     {name: "count", aggregate: true},
	OpValid:     {name: "valid", aggregate: true, field: true},
	OpMissing:   {name: "missing", aggregate: true, field: true},
	OpDistinct:  {name: "distinct", aggregate: true, field: true},
	OpSum:       {name: "sum", aggregate: true, field: true, numeric: true},
	OpProduct:   {name: "product", aggregate: true, field: true, numeric: true},
	OpMean:      {name: "mean", aggregate: true, field: true, numeric: true},
	OpAverage:   {name: "average", aggregate: true, field: true, numeric: true},
	OpVariance:  {name: "variance", aggregate: true, field: true, numeric: true},
	OpVarianceP: {name: "variancep", aggregate: true, field: true, numeric: true},
	OpStdev:     {name: "stdev", aggregate: true, field: true, numeric: true},
	OpStdevP:    {name: "stdevp", aggregate: true, field: true, numeric: true},
	OpStderr:    {name: "stderr", aggregate: true, field: true, numeric: true},
	OpMedian:    {name: "median", aggregate: true, field: true, numeric: true},
	OpQ1:        {name: "q1", aggregate: true, field: true, numeric: true},
	OpQ3:        {name: "q3", aggregate: true, field: true, numeric: true},
	OpMin:       {name: "min", aggregate: true, field: true},
	OpMax:       {name: "max", aggregate: true, field: true},
	OpArgmin:    {name: "argmin", aggregate: true, field: true},
	OpArgmax:    {name: "argmax", aggregate: true, field: true},

	OpExponential:  {name: "exponential", aggregate: true, field: true, numeric: true, param: paramDecay},
	OpExponentialB: {name: "exponentialb", aggregate: true, field: true, numeric: true, param: paramDecay},

	// without a field, values collects the window's rows
	OpValues: {name: "values", aggregate: true},
}

var opsByName = func() map[string]OpKind {
	m := make(map[string]OpKind, numOps)
	for k := OpKind(0); k < numOps; k++ {
		m[opTable[k].name] = k
	}
	return m
}()

// OpNames lists every operation name in declaration order.
func OpNames() []string {
	names := make([]string, numOps)
	for k := OpKind(0); k < numOps; k++ {
		names[k] = opTable[k].name
	}
	return names
}

// LookupOp maps an operation name to its kind.
func LookupOp(name string) (OpKind, bool) {
	k, ok := opsByName[name]
	return k, ok
}

func (k OpKind) String() string {
	if k < numOps {
		return opTable[k].name
	}
	return "unknown"
}

// IsAggregate reports whether k is computed over the window frame rather
// than from the row's position.
func (k OpKind) IsAggregate() bool { return k < numOps && opTable[k].aggregate }

// OpSpec is one resolved operation of a Window transform.
type OpSpec struct {
	Kind  OpKind
	Field dataflow.Field // zero when the operation takes no field
	Param float64
	As    string
}

// NewOpSpec validates an operation and derives its output name. A nil param
// means the parameter was not given. Window operations take their parameter
// from the params array, aggregates from aggregate_params.
func NewOpSpec(name string, field dataflow.Field, param *float64, as string) (OpSpec, error) {
	kind, ok := LookupOp(name)
	if !ok {
		return OpSpec{}, dataflow.NewConfigError("Window", "ops", "unrecognized operation %q", name)
	}
	info := opTable[kind]
	spec := OpSpec{Kind: kind, Field: field, As: as}

	if info.field && field.IsZero() {
		return OpSpec{}, dataflow.NewConfigError("Window", "fields", "%s requires a field", name)
	}

	switch info.param {
	case paramOffset:
		spec.Param = 1
		if param != nil && *param != 0 {
			if !(*param > 0) || *param > maxParam || *param != math.Trunc(*param) {
				return OpSpec{}, dataflow.NewConfigError("Window", "params", "%s offset must be an integer in [0, %d]", name, maxParam)
			}
			spec.Param = *param
		}
	case paramPositive:
		if param == nil || !(*param > 0) || *param > maxParam {
			return OpSpec{}, dataflow.NewConfigError("Window", "params", "%s parameter must be in (0, %d]", name, maxParam)
		}
		spec.Param = math.Floor(*param)
		if spec.Param < 1 {
			spec.Param = 1
		}
	case paramDecay:
		if param == nil || !(*param >= 0 && *param < 1) {
			return OpSpec{}, dataflow.NewConfigError("Window", "aggregate_params", "%s decay must be in [0, 1)", name)
		}
		spec.Param = *param
	}

	if spec.As == "" {
		spec.As = name
		if !field.IsZero() {
			spec.As = name + "_" + field.Name()
		}
	}
	return spec, nil
}
