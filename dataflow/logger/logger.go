// Package logger builds the zerolog loggers used by graphs, storage and the
// CLI.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Options configures New.
type Options struct {
	// Level is a zerolog level name. Empty means info.
	Level string
	// Format is FormatConsole or FormatJSON. Empty means console.
	Format string
	// Writer defaults to stderr.
	Writer io.Writer
	// Service is attached to every entry as the "service" field.
	Service string
	// Caller adds the calling file and line.
	Caller bool
}

// New builds a logger from opts.
func New(opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = l
	}

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	switch opts.Format {
	case "", FormatConsole:
		w = consoleWriter(w)
	case FormatJSON:
	default:
		return zerolog.Nop(), fmt.Errorf("unsupported log format %q", opts.Format)
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if opts.Service != "" {
		ctx = ctx.Str("service", opts.Service)
	}
	if opts.Caller {
		ctx = ctx.Caller()
	}
	return ctx.Logger(), nil
}

// Nop returns a logger that discards everything.
func Nop() zerolog.Logger { return zerolog.Nop() }

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	noColor := true
	if f, ok := out.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
	}
	return zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    noColor,
		TimeFormat: time.RFC3339,
		FormatLevel: func(i any) string {
			return strings.ToUpper(fmt.Sprintf("[%5s]", i))
		},
		FormatMessage: func(i any) string {
			if i == nil {
				return ""
			}
			return fmt.Sprintf("| %s |", i)
		},
		FormatCaller: func(i any) string {
			return filepath.Base(fmt.Sprintf("%s", i))
		},
		PartsExclude: []string{zerolog.TimestampFieldName},
	}
}
