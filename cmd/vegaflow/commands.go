package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/paulrosenzweig/vega/dataflow"
	"github.com/paulrosenzweig/vega/dataflow/annotations"
	"github.com/paulrosenzweig/vega/dataflow/graph"
	"github.com/paulrosenzweig/vega/dataflow/render"
	"github.com/paulrosenzweig/vega/dataflow/storage"
	"github.com/paulrosenzweig/vega/dataflow/transforms"
)

func addCommands(root *cobra.Command, a *app) {
	cmd := &cobra.Command{
		Use:   "load table file",
		Short: "Store the rows of a JSON or YAML file in a table",
		Args:  cobra.ExactArgs(2),
		RunE:  a.load,
	}
	cmd.Flags().String("key", "", "field holding each row's key (default: row position)")
	root.AddCommand(cmd)

	cmd = &cobra.Command{
		Use:   "window spec",
		Short: "Run the window transform described by a YAML spec over a table",
		Args:  cobra.ExactArgs(1),
		RunE:  a.window,
	}
	cmd.Flags().String("table", "rows", "table to read")
	cmd.Flags().String("data", "", "read rows from this file instead of the store")
	cmd.Flags().StringSlice("columns", nil, "columns to print (default: all)")
	cmd.Flags().Int("precision", -1, "decimals for floating point output")
	cmd.Flags().Bool("ids", false, "print tuple ids")
	root.AddCommand(cmd)

	cmd = &cobra.Command{
		Use:   "tables",
		Short: "List the tables in the store",
		Args:  cobra.NoArgs,
		RunE:  a.tables,
	}
	root.AddCommand(cmd)

	cmd = &cobra.Command{
		Use:   "version",
		Short: "Print the vegaflow version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			rev := "unknown"
			if info, ok := debug.ReadBuildInfo(); ok {
				for _, s := range info.Settings {
					if s.Key == "vcs.revision" {
						rev = s.Value
					}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "vegaflow %s (%s, %s)\n", version, rev, runtime.Version())
		},
	}
	root.AddCommand(cmd)
}

func (a *app) handler(cmd *cobra.Command) annotations.Handler {
	if !a.verbose {
		return nil
	}
	return annotations.NewOutputFormatter(cmd.ErrOrStderr()).Handle
}

func (a *app) openStore(cmd *cobra.Command, inMemory bool) (*storage.Store, error) {
	return storage.Open(storage.Options{
		Path:        a.cfg.Storage.Path,
		InMemory:    inMemory || a.cfg.Storage.InMemory,
		Logger:      a.log,
		Annotations: a.handler(cmd),
	})
}

func (a *app) load(cmd *cobra.Command, args []string) error {
	name, path := args[0], args[1]
	keyField, _ := cmd.Flags().GetString("key")

	rows, err := readRows(path)
	if err != nil {
		return err
	}
	keyed, err := keyRows(rows, keyField)
	if err != nil {
		return err
	}

	store, err := a.openStore(cmd, false)
	if err != nil {
		return err
	}
	defer store.Close()
	tbl, err := store.Table(name)
	if err != nil {
		return err
	}
	if err := tbl.PutAll(keyed); err != nil {
		return err
	}
	a.log.Info().Str("table", name).Int("rows", len(keyed)).Msg("rows loaded")
	fmt.Fprintf(cmd.OutOrStdout(), "loaded %d rows into %s\n", len(keyed), name)
	return nil
}

func (a *app) tables(cmd *cobra.Command, _ []string) error {
	store, err := a.openStore(cmd, false)
	if err != nil {
		return err
	}
	defer store.Close()
	names, err := store.Tables()
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

func (a *app) window(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	tableName, _ := flags.GetString("table")
	dataPath, _ := flags.GetString("data")
	columns, _ := flags.GetStringSlice("columns")
	precision, _ := flags.GetInt("precision")
	showIDs, _ := flags.GetBool("ids")

	spec, err := readWindowSpec(args[0])
	if err != nil {
		return err
	}

	store, err := a.openStore(cmd, dataPath != "")
	if err != nil {
		return err
	}
	defer store.Close()
	tbl, err := store.Table(tableName)
	if err != nil {
		return err
	}
	if dataPath != "" {
		rows, err := readRows(dataPath)
		if err != nil {
			return err
		}
		keyed, err := keyRows(rows, "")
		if err != nil {
			return err
		}
		if err := tbl.PutAll(keyed); err != nil {
			return err
		}
	}

	reg := graph.NewRegistry()
	if err := transforms.Register(reg); err != nil {
		return err
	}
	workers := a.cfg.Graph.PartitionWorkers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	opts := []graph.Option{
		graph.WithName(a.cfg.Graph.Name),
		graph.WithLogger(a.log),
		graph.WithPartitionWorkers(workers),
		graph.WithAnnotations(a.handler(cmd)),
	}
	var metrics *prometheus.Registry
	if a.cfg.Metrics.Textfile != "" {
		metrics = prometheus.NewRegistry()
		opts = append(opts, graph.WithMetrics(metrics))
	}
	g := graph.NewGraph(reg, opts...)
	defer g.Close()

	src, err := g.AddSource(tableName)
	if err != nil {
		return err
	}
	win, err := g.Add("Window", spec.params(), src)
	if err != nil {
		return err
	}
	stats, err := tbl.Feed(cmd.Context(), g, src)
	if err != nil {
		return err
	}

	parts, _ := win.Value().([]transforms.PartitionInfo)
	a.log.Debug().
		Int("inserted", stats.Inserted).
		Int("partitions", len(parts)).
		Msg("window computed")

	tuples, _ := src.Value().([]*dataflow.Tuple)
	f := render.NewFormatter()
	f.Precision = precision
	f.ShowID = showIDs
	fmt.Fprint(cmd.OutOrStdout(), f.Tuples(tuples, columns...))

	if metrics != nil {
		if err := prometheus.WriteToTextfile(a.cfg.Metrics.Textfile, metrics); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}
	return nil
}
