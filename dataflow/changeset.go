package dataflow

// Modification is a staged field write. Exactly one of Tuple and Where is
// set; Value is used when Fn is nil.
type Modification struct {
	Tuple *Tuple
	Where func(*Tuple) bool
	Field string
	Value any
	Fn    func(*Tuple) any
}

// Apply computes the value to write into t.
func (m Modification) Apply(t *Tuple) any {
	if m.Fn != nil {
		return m.Fn(t)
	}
	return m.Value
}

// Changeset collects edits addressed to a source operator. Edits are applied
// in a fixed order when the source evaluates: removals, then insertions, then
// modifications.
type Changeset struct {
	inserts []*Tuple
	removes []*Tuple
	where   []func(*Tuple) bool
	mods    []Modification
	replace bool
}

// NewChangeset returns an empty changeset.
func NewChangeset() *Changeset {
	return &Changeset{}
}

// Insert adds tuples.
func (c *Changeset) Insert(ts ...*Tuple) *Changeset {
	c.inserts = append(c.inserts, ts...)
	return c
}

// InsertValues wraps each row in a new tuple and adds it.
func (c *Changeset) InsertValues(rows ...map[string]any) *Changeset {
	return c.Insert(NewTuples(rows...)...)
}

// Remove removes tuples by identity.
func (c *Changeset) Remove(ts ...*Tuple) *Changeset {
	c.removes = append(c.removes, ts...)
	return c
}

// RemoveWhere removes every live tuple matching pred.
func (c *Changeset) RemoveWhere(pred func(*Tuple) bool) *Changeset {
	c.where = append(c.where, pred)
	return c
}

// Modify sets field on t to value.
func (c *Changeset) Modify(t *Tuple, field string, value any) *Changeset {
	c.mods = append(c.mods, Modification{Tuple: t, Field: field, Value: value})
	return c
}

// ModifyWhere sets field to fn(t) on every live tuple matching pred.
func (c *Changeset) ModifyWhere(pred func(*Tuple) bool, field string, fn func(*Tuple) any) *Changeset {
	c.mods = append(c.mods, Modification{Where: pred, Field: field, Fn: fn})
	return c
}

// Replace removes every live tuple and inserts ts. The resulting pulse is
// marked Reset.
func (c *Changeset) Replace(ts ...*Tuple) *Changeset {
	c.replace = true
	c.inserts = append(c.inserts, ts...)
	return c
}

// Empty reports whether the changeset carries no edits.
func (c *Changeset) Empty() bool {
	return c == nil || (!c.replace && len(c.inserts) == 0 && len(c.removes) == 0 &&
		len(c.where) == 0 && len(c.mods) == 0)
}

// Inserts returns the tuples to add.
func (c *Changeset) Inserts() []*Tuple { return c.inserts }

// Removes returns the tuples to remove by identity.
func (c *Changeset) Removes() []*Tuple { return c.removes }

// RemovePredicates returns the RemoveWhere predicates.
func (c *Changeset) RemovePredicates() []func(*Tuple) bool { return c.where }

// Modifications returns the staged field writes in call order.
func (c *Changeset) Modifications() []Modification { return c.mods }

// IsReplace reports whether Replace was called.
func (c *Changeset) IsReplace() bool { return c.replace }
