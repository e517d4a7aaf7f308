package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/paulrosenzweig/vega/dataflow"
	"github.com/paulrosenzweig/vega/dataflow/annotations"
	"github.com/paulrosenzweig/vega/dataflow/graph"
)

// Row is one stored record.
type Row struct {
	Key    string
	Fields map[string]any
}

// Table is a keyed set of rows stored under row/<table>/<key>. Values are
// JSON objects, so numbers read back as float64.
type Table struct {
	store  *Store
	name   string
	prefix []byte

	mu    sync.Mutex
	feeds map[feedKey]*feedState
}

type feedKey struct {
	graph  uuid.UUID
	source int
}

// feedState is what a table last published to one source operator.
type feedState struct {
	tuples map[string]*dataflow.Tuple
	rows   map[string]map[string]any
}

// FeedStats counts the changes one Feed call sent.
type FeedStats struct {
	Inserted int
	Removed  int
	Modified int
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

func (t *Table) key(k string) []byte {
	return append(append([]byte(nil), t.prefix...), k...)
}

// Put stores row under key, replacing any previous row.
func (t *Table) Put(key string, row map[string]any) error {
	return t.PutAll(map[string]map[string]any{key: row})
}

// PutAll stores several rows in one transaction.
func (t *Table) PutAll(rows map[string]map[string]any) error {
	if t.store.isClosed() {
		return ErrClosed
	}
	err := t.store.db.Update(func(txn *badger.Txn) error {
		for k, row := range rows {
			if k == "" {
				return fmt.Errorf("empty row key")
			}
			val, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("encoding row %q: %w", k, err)
			}
			if err := txn.Set(t.key(k), val); err != nil {
				return fmt.Errorf("failed to write row %q: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("table %s: %w", t.name, err)
	}
	t.store.log.Trace().Str("table", t.name).Int("rows", len(rows)).Msg("rows stored")
	return nil
}

// Delete removes the rows with the given keys. Missing keys are ignored.
func (t *Table) Delete(keys ...string) error {
	if t.store.isClosed() {
		return ErrClosed
	}
	return t.store.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(t.key(k)); err != nil && err != badger.ErrKeyNotFound {
				return fmt.Errorf("failed to delete row %q: %w", k, err)
			}
		}
		return nil
	})
}

// Get returns the row stored under key.
func (t *Table) Get(key string) (map[string]any, bool, error) {
	if t.store.isClosed() {
		return nil, false, ErrClosed
	}
	var row map[string]any
	err := t.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(t.key(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("table %s: reading %q: %w", t.name, key, err)
	}
	return row, true, nil
}

// Rows returns every row in key order.
func (t *Table) Rows() ([]Row, error) {
	if t.store.isClosed() {
		return nil, ErrClosed
	}
	var rows []Row
	err := t.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = t.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(t.prefix):])
			var fields map[string]any
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &fields)
			}); err != nil {
				return fmt.Errorf("decoding row %q: %w", key, err)
			}
			rows = append(rows, Row{Key: key, Fields: fields})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", t.name, err)
	}
	return rows, nil
}

// Feed brings source up to date with the table. Rows not yet published are
// inserted, rows deleted since the last feed are removed and changed fields
// are modified in place on the published tuples. The published state only
// advances when the graph run succeeds, so a failed feed can be retried.
//
// A field dropped from a stored row is modified to nil.
func (t *Table) Feed(ctx context.Context, g *graph.Graph, source *graph.Operator) (FeedStats, error) {
	start := time.Now()
	rows, err := t.Rows()
	if err != nil {
		return FeedStats{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fk := feedKey{graph: g.ID(), source: source.ID()}
	st, ok := t.feeds[fk]
	if !ok {
		st = &feedState{tuples: map[string]*dataflow.Tuple{}, rows: map[string]map[string]any{}}
	}

	var stats FeedStats
	cs := dataflow.NewChangeset()
	next := &feedState{
		tuples: make(map[string]*dataflow.Tuple, len(rows)),
		rows:   make(map[string]map[string]any, len(rows)),
	}
	for _, r := range rows {
		next.rows[r.Key] = r.Fields
		tu, published := st.tuples[r.Key]
		if !published {
			tu = dataflow.NewTuple(r.Fields)
			cs.Insert(tu)
			stats.Inserted++
			next.tuples[r.Key] = tu
			continue
		}
		next.tuples[r.Key] = tu
		if diffRow(cs, tu, st.rows[r.Key], r.Fields) {
			stats.Modified++
		}
	}

	gone := make([]string, 0)
	for k := range st.tuples {
		if _, ok := next.tuples[k]; !ok {
			gone = append(gone, k)
		}
	}
	sort.Strings(gone)
	for _, k := range gone {
		cs.Remove(st.tuples[k])
		stats.Removed++
	}

	if !cs.Empty() {
		if err := g.Run(ctx, source, cs); err != nil {
			return FeedStats{}, fmt.Errorf("feeding table %s: %w", t.name, err)
		}
	}
	t.feeds[fk] = next

	t.store.log.Debug().
		Str("table", t.name).
		Int("inserted", stats.Inserted).
		Int("removed", stats.Removed).
		Int("modified", stats.Modified).
		Msg("table fed")
	if t.store.collector.Enabled() {
		t.store.collector.AddTiming(annotations.StorageFeed, start, map[string]any{
			"table":    t.name,
			"inserted": stats.Inserted,
			"removed":  stats.Removed,
			"modified": stats.Modified,
		})
	}
	return stats, nil
}

// diffRow adds a modification to cs for every field that differs between the
// previously published row and the stored one.
func diffRow(cs *dataflow.Changeset, tu *dataflow.Tuple, prev, cur map[string]any) bool {
	names := make([]string, 0, len(prev)+len(cur))
	for name := range cur {
		names = append(names, name)
	}
	for name := range prev {
		if _, ok := cur[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	changed := false
	for _, name := range names {
		old, had := prev[name]
		v, has := cur[name]
		if had == has && dataflow.ValuesEqual(old, v) {
			continue
		}
		cs.Modify(tu, name, v)
		changed = true
	}
	return changed
}
