// Package config loads vegaflow settings. Sources are layered in order:
// built-in defaults, config files, VEGAFLOW_ environment variables and
// command-line flags, each overriding the previous.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"

	"github.com/paulrosenzweig/vega/dataflow/logger"
)

// EnvPrefix is the prefix of environment overrides. VEGAFLOW_GRAPH_NAME sets
// graph.name; the first underscore after the prefix separates the section.
const EnvPrefix = "VEGAFLOW_"

type Config struct {
	Log     LogConfig     `koanf:"log"`
	Graph   GraphConfig   `koanf:"graph"`
	Metrics MetricsConfig `koanf:"metrics"`
	Storage StorageConfig `koanf:"storage"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

type GraphConfig struct {
	Name             string `koanf:"name"`
	PartitionWorkers int    `koanf:"partition_workers"`
}

type MetricsConfig struct {
	// Textfile receives the graph's metrics in the Prometheus text format
	// when a command finishes. Empty disables metrics.
	Textfile string `koanf:"textfile"`
}

type StorageConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// Defaults returns the built-in settings.
func Defaults() map[string]any {
	return map[string]any{
		"log.level":               "info",
		"log.format":              logger.FormatConsole,
		"log.caller":              false,
		"graph.name":              "vegaflow",
		"graph.partition_workers": 1,
		"metrics.textfile":        "",
		"storage.path":            ".vegaflow",
		"storage.in_memory":       false,
	}
}

// LoadOptions selects the sources Load reads beyond the defaults.
type LoadOptions struct {
	Files []string
	// Environ is consulted for EnvPrefix variables when true.
	Environ bool
	// Flags are applied last. Only flags the user set override earlier
	// sources.
	Flags *flag.FlagSet
}

// Load layers the configured sources and validates the result.
func Load(opts LoadOptions) (*Config, error) {
	ko := koanf.New(".")
	if err := ko.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	for _, f := range opts.Files {
		parser, err := parserFor(f)
		if err != nil {
			return nil, err
		}
		if err := ko.Load(file.Provider(f), parser); err != nil {
			return nil, fmt.Errorf("error reading config %s: %w", f, err)
		}
	}

	if opts.Environ {
		if err := ko.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
			return nil, fmt.Errorf("error reading environment: %w", err)
		}
	}

	if opts.Flags != nil {
		if err := ko.Load(posflag.Provider(opts.Flags, ".", ko), nil); err != nil {
			return nil, fmt.Errorf("error reading flag config: %w", err)
		}
	}

	var cfg Config
	if err := ko.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that decoding alone cannot.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case logger.FormatConsole, logger.FormatJSON:
	default:
		return fmt.Errorf("config: log.format must be %q or %q, got %q",
			logger.FormatConsole, logger.FormatJSON, c.Log.Format)
	}
	if c.Graph.PartitionWorkers < 0 {
		return fmt.Errorf("config: graph.partition_workers must not be negative")
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("config: storage.path is required unless storage.in_memory is set")
	}
	return nil
}

// LoggerOptions maps the log section onto logger.Options.
func (c *Config) LoggerOptions(service string) logger.Options {
	return logger.Options{
		Level:   c.Log.Level,
		Format:  c.Log.Format,
		Service: service,
		Caller:  c.Log.Caller,
	}
}

// RegisterFlags adds a flag for every setting to f. Flag names are the
// dotted config keys.
func RegisterFlags(f *flag.FlagSet) {
	d := Defaults()
	f.StringSlice("config", nil, "path to one or more config files (merged in order)")
	f.String("log.level", d["log.level"].(string), "log level (trace, debug, info, warn, error)")
	f.String("log.format", d["log.format"].(string), "log format (console or json)")
	f.Bool("log.caller", false, "include caller file and line in log entries")
	f.String("graph.name", d["graph.name"].(string), "graph name used in logs and metrics")
	f.Int("graph.partition_workers", d["graph.partition_workers"].(int), "goroutines per window evaluation (0 uses every CPU)")
	f.String("metrics.textfile", "", "write Prometheus metrics to this file on exit")
	f.String("storage.path", d["storage.path"].(string), "badger directory")
	f.Bool("storage.in_memory", false, "keep rows in memory only")
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	}
	return nil, fmt.Errorf("unsupported config file extension: %s", path)
}

// envKey maps VEGAFLOW_GRAPH_PARTITION_WORKERS to graph.partition_workers.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}
