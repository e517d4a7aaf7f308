// Package render formats tuples and pulses as markdown tables.
package render

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/paulrosenzweig/vega/dataflow"
)

// Formatter renders tuples as markdown tables.
type Formatter struct {
	// MaxWidth truncates longer cell values. Zero disables truncation.
	MaxWidth int
	// TruncateString is appended to truncated values.
	TruncateString string
	// Precision is the number of decimals for floats; negative prints the
	// shortest exact form.
	Precision int
	// ShowID adds a leading "tuple" column with each tuple's id.
	ShowID bool
}

// NewFormatter creates a formatter with default settings.
func NewFormatter() *Formatter {
	return &Formatter{
		MaxWidth:       50,
		TruncateString: "...",
		Precision:      -1,
	}
}

// Tuples renders ts with the given columns. With no columns, the sorted
// union of every tuple's field names is used.
func (f *Formatter) Tuples(ts []*dataflow.Tuple, columns ...string) string {
	if len(columns) == 0 {
		columns = Columns(ts)
	}
	if len(ts) == 0 {
		return fmt.Sprintf("_Columns: %v_\n\n_No rows_\n", columns)
	}

	headers := columns
	if f.ShowID {
		headers = append([]string{"tuple"}, columns...)
	}
	alignment := make([]tw.Align, len(headers))
	for i := range alignment {
		alignment[i] = tw.AlignNone
	}

	out := &strings.Builder{}
	table := tablewriter.NewTable(out,
		tablewriter.WithRenderer(renderer.NewMarkdown()),
		tablewriter.WithAlignment(alignment),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
	table.Header(headers)
	for _, t := range ts {
		row := make([]string, 0, len(headers))
		if f.ShowID {
			row = append(row, strconv.FormatUint(uint64(t.ID()), 10))
		}
		for _, c := range columns {
			if !t.Has(c) {
				row = append(row, "")
				continue
			}
			row = append(row, f.Value(t.Get(c)))
		}
		table.Append(row)
	}
	table.Render()

	fmt.Fprintf(out, "\n_%d rows_\n", len(ts))
	return out.String()
}

// Pulse renders the added, removed and modified sets of p, skipping empty
// ones.
func (f *Formatter) Pulse(p *dataflow.Pulse, columns ...string) string {
	if p == nil {
		return "_No pulse_\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "### Pulse %d\n", p.Stamp)
	if p.Reset {
		b.WriteString("\n_reset_\n")
	}
	sections := []struct {
		name   string
		tuples []*dataflow.Tuple
	}{
		{"Added", p.Added},
		{"Removed", p.Removed},
		{"Modified", p.Modified},
	}
	empty := true
	for _, s := range sections {
		if len(s.tuples) == 0 {
			continue
		}
		empty = false
		fmt.Fprintf(&b, "\n#### %s\n\n", s.name)
		b.WriteString(f.Tuples(s.tuples, columns...))
	}
	if empty {
		b.WriteString("\n_No changes_\n")
	}
	return b.String()
}

// Value formats a single field value.
func (f *Formatter) Value(v any) string {
	var s string
	switch v := v.(type) {
	case nil:
		s = "null"
	case string:
		s = v
	case float64:
		s = strconv.FormatFloat(v, 'f', f.Precision, 64)
	case float32:
		s = strconv.FormatFloat(float64(v), 'f', f.Precision, 32)
	case time.Time:
		s = v.Format("2006-01-02 15:04:05")
	case *dataflow.Tuple:
		if v == nil {
			s = "null"
		} else {
			s = "#" + strconv.FormatUint(uint64(v.ID()), 10)
		}
	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = f.Value(e)
		}
		s = "[" + strings.Join(parts, ", ") + "]"
	default:
		s = fmt.Sprintf("%v", v)
	}
	if f.MaxWidth > 0 && len(s) > f.MaxWidth {
		s = s[:f.MaxWidth] + f.TruncateString
	}
	return s
}

// Columns returns the sorted union of field names across ts.
func Columns(ts []*dataflow.Tuple) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range ts {
		for _, name := range t.Names() {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Tuples renders ts with a default formatter.
func Tuples(ts []*dataflow.Tuple, columns ...string) string {
	return NewFormatter().Tuples(ts, columns...)
}

// Pulse renders p with a default formatter.
func Pulse(p *dataflow.Pulse, columns ...string) string {
	return NewFormatter().Pulse(p, columns...)
}
