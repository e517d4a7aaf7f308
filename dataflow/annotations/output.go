package annotations

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// OutputFormatter formats events for human-readable display.
type OutputFormatter struct {
	useColor bool
	writer   io.Writer
}

// NewOutputFormatter creates a formatter, enabling color when w is a
// terminal.
func NewOutputFormatter(w io.Writer) *OutputFormatter {
	if w == nil {
		w = os.Stdout
	}

	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	return &OutputFormatter{
		useColor: useColor,
		writer:   w,
	}
}

// WithColor forces color on or off.
func (f *OutputFormatter) WithColor(on bool) *OutputFormatter {
	f.useColor = on
	return f
}

// Handle implements Handler: it prints events as they occur.
func (f *OutputFormatter) Handle(event Event) {
	if out := f.Format(event); out != "" {
		fmt.Fprintln(f.writer, out)
	}
}

// Format converts an event to a human-readable string.
func (f *OutputFormatter) Format(event Event) string {
	latency := f.formatLatency(event.Latency)
	d := event.Data

	switch event.Name {
	case RunBegin:
		return fmt.Sprintf("%s %s run %v starting at %v",
			latency,
			f.colorize("===", color.FgYellow),
			d["stamp"],
			d["source"])

	case RunComplete:
		if errVal, failed := d["error"]; failed {
			return fmt.Sprintf("%s %s run %v failed: %v",
				latency,
				f.colorize("✗", color.FgRed),
				d["stamp"],
				errVal)
		}
		return fmt.Sprintf("%s %s run %v done with %s",
			latency,
			f.colorize("===", color.FgGreen),
			d["stamp"],
			f.colorizeCount("operators", intOf(d["operators"])))

	case OperatorEvaluated:
		return fmt.Sprintf("%s %s: +%d -%d ~%d",
			latency,
			f.colorize(fmt.Sprint(d["operator"]), color.FgCyan),
			intOf(d["added"]),
			intOf(d["removed"]),
			intOf(d["modified"]))

	case OperatorSuppressed:
		return fmt.Sprintf("%s %s: no change, %d targets skipped",
			latency,
			f.colorize(fmt.Sprint(d["operator"]), color.FgBlue),
			intOf(d["targets"]))

	case WindowPartitions:
		return fmt.Sprintf("%s %s: %s of %d recomputed",
			latency,
			d["operator"],
			f.colorizeCount("partitions", intOf(d["dirty"])),
			intOf(d["total"]))

	case StorageFeed:
		return fmt.Sprintf("%s table %v: +%d -%d ~%d %s",
			latency,
			d["table"],
			intOf(d["inserted"]),
			intOf(d["removed"]),
			intOf(d["modified"]),
			f.colorize("fed", color.FgMagenta))
	}

	// Generic format for other events
	var parts []string
	for k, v := range d {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s %s %s", latency, event.Name, strings.Join(parts, " "))
}

// formatLatency formats a duration as [XXXms] or [XXXµs] with color coding.
func (f *OutputFormatter) formatLatency(d time.Duration) string {
	if d < time.Millisecond {
		s := fmt.Sprintf("[%dµs]", d.Microseconds())
		if !f.useColor {
			return s
		}
		return color.GreenString(s)
	}

	ms := float64(d.Microseconds()) / 1000.0
	s := fmt.Sprintf("[%.1fms]", ms)
	if !f.useColor {
		return s
	}

	switch {
	case ms < 50:
		return color.GreenString(s)
	case ms < 200:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

// colorizeCount formats a count with a label, colored by label.
func (f *OutputFormatter) colorizeCount(label string, count int) string {
	text := fmt.Sprintf("%d %s", count, label)
	if !f.useColor {
		return text
	}

	switch label {
	case "operators":
		return color.CyanString(text)
	case "tuples":
		return color.MagentaString(text)
	case "partitions":
		return color.BlueString(text)
	}
	return text
}

func (f *OutputFormatter) colorize(text string, attrs ...color.Attribute) string {
	if !f.useColor {
		return text
	}
	return color.New(attrs...).Sprint(text)
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

// ConsoleHandler creates a handler that prints formatted events to stderr.
func ConsoleHandler() Handler {
	return NewOutputFormatter(os.Stderr).Handle
}
