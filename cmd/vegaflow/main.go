// Command vegaflow loads rows into a badger store and runs window
// transforms over them.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/paulrosenzweig/vega/dataflow/config"
	"github.com/paulrosenzweig/vega/dataflow/logger"
)

var version = "dev"

// app carries what every command needs once flags are parsed.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	verbose bool
}

func newRootCommand() *cobra.Command {
	a := &app{log: logger.Nop()}
	root := &cobra.Command{
		Use:           "vegaflow",
		Short:         "Incremental window computations over stored rows",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}
	config.RegisterFlags(root.PersistentFlags())
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "print run annotations")
	addCommands(root, a)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	files, err := cmd.Flags().GetStringSlice("config")
	if err != nil {
		return err
	}
	cfg, err := config.Load(config.LoadOptions{
		Files:   files,
		Environ: true,
		Flags:   cmd.Flags(),
	})
	if err != nil {
		return err
	}
	opts := cfg.LoggerOptions("vegaflow")
	opts.Writer = cmd.ErrOrStderr()
	log, err := logger.New(opts)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	a.log.Debug().Strs("config", files).Msg("configuration loaded")
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
