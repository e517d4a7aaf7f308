// Package transforms holds the data transforms that run on a dataflow graph.
package transforms

import "github.com/paulrosenzweig/vega/dataflow/graph"

// Definitions lists every transform this package provides.
func Definitions() []*graph.Definition {
	return []*graph.Definition{WindowDefinition}
}

// Register adds every transform of this package to reg.
func Register(reg *graph.Registry) error {
	for _, def := range Definitions() {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
