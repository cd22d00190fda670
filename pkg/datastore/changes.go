package datastore

import (
	"fmt"

	"github.com/sdcio/dsruntime/pkg/convert"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/tree"
)

// Change is one record of a change iterator.
type Change struct {
	Op   tree.Op
	Path string
	// Prev is the previous value of a modified, deleted or moved leaf or
	// leaf-list entry.
	Prev        any
	PrevDefault bool
	// Value is the new value of a created or modified leaf or leaf-list
	// entry.
	Value any
	// After names the entry preceding a created or moved entry of a
	// user-ordered list or leaf-list, "" when it is the first one.
	After string
	// Ordered is set for entries of user-ordered lists and leaf-lists.
	Ordered bool
	Kind    schema.NodeKind
}

func (c *Change) String() string {
	switch c.Op {
	case tree.OpCreated:
		return fmt.Sprintf("created %s: %v", c.Path, c.Value)
	case tree.OpModified:
		return fmt.Sprintf("modified %s: %v -> %v", c.Path, c.Prev, c.Value)
	case tree.OpDeleted:
		return fmt.Sprintf("deleted %s: %v", c.Path, c.Prev)
	case tree.OpMoved:
		return fmt.Sprintf("moved %s after %q", c.Path, c.After)
	}
	return "unknown change " + c.Path
}

func newChange(tc *tree.Change) *Change {
	n := tc.Node
	c := &Change{
		Op:          tc.Op,
		Path:        n.Path().String(),
		PrevDefault: tc.PrevDefault,
		After:       tc.After,
		Ordered:     n.Schema != nil && schema.IsUserOrdered(n.Schema),
		Kind:        n.Kind(),
	}
	switch c.Kind {
	case schema.KindLeaf, schema.KindLeafList, schema.KindAnydata:
	default:
		return c
	}
	switch tc.Op {
	case tree.OpCreated:
		c.Value = convert.GoValue(n.Value)
	case tree.OpModified:
		c.Value = convert.GoValue(n.Value)
		c.Prev = convert.GoValue(tc.Prev)
	case tree.OpDeleted:
		v := tc.Prev
		if v == nil {
			v = n.Value
		}
		c.Prev = convert.GoValue(v)
	case tree.OpMoved:
		c.Value = convert.GoValue(n.Value)
		c.Prev = c.Value
	}
	return c
}

// ChangeIterator walks the changes of one event in document order. It
// works on a snapshot taken when it was created and cannot be restarted.
type ChangeIterator struct {
	changes []*tree.Change
	next    int
}

func newChangeIterator(changes []*tree.Change, scope schema.Path) *ChangeIterator {
	it := &ChangeIterator{}
	for _, c := range changes {
		if len(scope) == 0 || c.Path().HasPrefix(scope) {
			it.changes = append(it.changes, c)
		}
	}
	return it
}

// Next returns the next change, false once the sequence is exhausted.
func (it *ChangeIterator) Next() (*Change, bool) {
	if it.next >= len(it.changes) {
		return nil, false
	}
	c := it.changes[it.next]
	it.next++
	return newChange(c), true
}

// All drains the remaining changes.
func (it *ChangeIterator) All() []*Change {
	var result []*Change
	for {
		c, ok := it.Next()
		if !ok {
			return result
		}
		result = append(result, c)
	}
}

// Len returns the number of changes the iterator holds in total.
func (it *ChangeIterator) Len() int {
	return len(it.changes)
}

// UpdateConfigCache applies changes to m, a Map that mirrors the
// configuration the changes were computed against.
func UpdateConfigCache(m *convert.Map, changes []*Change) error {
	for _, c := range changes {
		p, err := schema.ParsePath(c.Path)
		if err != nil {
			return err
		}
		switch c.Op {
		case tree.OpCreated, tree.OpModified:
			var after *string
			if c.Ordered && c.Op == tree.OpCreated {
				a := c.After
				after = &a
			}
			v := c.Value
			if c.Kind == schema.KindContainer {
				if _, ok := lookup(*m, p); ok {
					continue
				}
				v = convert.Map{}
			}
			if err := convert.SetPath(m, p, v, after); err != nil {
				return fmt.Errorf("%s: %w", c, err)
			}
		case tree.OpDeleted:
			convert.DeletePath(m, p)
		case tree.OpMoved:
			if err := convert.MovePath(m, p, c.After); err != nil {
				return fmt.Errorf("%s: %w", c, err)
			}
		}
	}
	return nil
}

func lookup(m convert.Map, p schema.Path) (any, bool) {
	var cur any = m
	for _, el := range p {
		cm, ok := cur.(convert.Map)
		if !ok {
			return nil, false
		}
		if cur, ok = cm.Get(el.Name); !ok {
			if cur, ok = cm.Get(el.Module + ":" + el.Name); !ok {
				return nil, false
			}
		}
		if len(el.Keys) == 0 {
			continue
		}
		entries, _ := cur.([]convert.Map)
		cur = nil
		for _, e := range entries {
			if entryHasKeys(e, el.Keys) {
				cur = e
				break
			}
		}
		if cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func entryHasKeys(e convert.Map, kvs []schema.KeyValue) bool {
	for _, kv := range kvs {
		v, ok := e.Get(kv.Name)
		if !ok || fmt.Sprint(v) != kv.Value {
			return false
		}
	}
	return true
}
