package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// windowSpec is the file form of a Window transform:
//
//	sort: [-v]
//	groupby: [g]
//	ops: [sum, rank]
//	fields: [v, null]
//	as: [total, null]
//	frame: [null, 0]
type windowSpec struct {
	Sort            []string   `yaml:"sort"`
	Order           []string   `yaml:"order"`
	Groupby         []string   `yaml:"groupby"`
	Ops             []string   `yaml:"ops"`
	Fields          []*string  `yaml:"fields"`
	Params          []*float64 `yaml:"params"`
	AggregateParams []*float64 `yaml:"aggregate_params"`
	As              []*string  `yaml:"as"`
	Frame           []*int     `yaml:"frame"`
	IgnorePeers     bool       `yaml:"ignorePeers"`
}

func readWindowSpec(path string) (*windowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading window spec: %w", err)
	}
	var spec windowSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing window spec %s: %w", path, err)
	}
	if len(spec.Ops) == 0 {
		return nil, fmt.Errorf("window spec %s has no ops", path)
	}
	return &spec, nil
}

// params converts the spec into Window operator parameters.
func (s *windowSpec) params() map[string]any {
	p := map[string]any{
		"ops":         s.Ops,
		"ignorePeers": s.IgnorePeers,
	}
	if len(s.Sort) > 0 {
		p["sort"] = map[string]any{"field": s.Sort, "order": s.Order}
	}
	if len(s.Groupby) > 0 {
		p["groupby"] = s.Groupby
	}
	if s.Fields != nil {
		p["fields"] = nullableStrings(s.Fields)
	}
	if s.As != nil {
		p["as"] = nullableStrings(s.As)
	}
	if s.Params != nil {
		p["params"] = nullableNumbers(s.Params)
	}
	if s.AggregateParams != nil {
		p["aggregate_params"] = nullableNumbers(s.AggregateParams)
	}
	if s.Frame != nil {
		out := make([]any, len(s.Frame))
		for i, v := range s.Frame {
			if v != nil {
				out[i] = *v
			}
		}
		p["frame"] = out
	}
	return p
}

func nullableNumbers(in []*float64) []any {
	out := make([]any, len(in))
	for i, v := range in {
		if v != nil {
			out[i] = *v
		}
	}
	return out
}

func nullableStrings(in []*string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		if s != nil {
			out[i] = *s
		}
	}
	return out
}

// readRows loads a list of objects from a JSON or YAML file.
func readRows(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rows: %w", err)
	}
	var rows []map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &rows)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &rows)
	default:
		return nil, fmt.Errorf("unsupported rows file extension: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing rows %s: %w", path, err)
	}
	return rows, nil
}

// keyRows assigns each row a storage key: the value of keyField, or the
// row's position when keyField is empty.
func keyRows(rows []map[string]any, keyField string) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(rows))
	for i, row := range rows {
		key := fmt.Sprintf("%08d", i)
		if keyField != "" {
			v, ok := row[keyField]
			if !ok || v == nil {
				return nil, fmt.Errorf("row %d has no %q field", i, keyField)
			}
			key = fmt.Sprint(v)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("duplicate row key %q", key)
		}
		out[key] = row
	}
	return out, nil
}
