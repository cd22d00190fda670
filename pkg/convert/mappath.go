package convert

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/sdcio/dsruntime/pkg/schema"
)

// SetPath stores v at p inside m, creating the containers and list entries
// on the way. A list entry or leaf-list value that does not exist yet is
// placed according to after: nil appends it, "" makes it the first one,
// anything else names the preceding instance by predicate (lists) or value
// (leaf-lists).
func SetPath(m *Map, p schema.Path, v any, after *string) error {
	if len(p) == 0 {
		sub, ok := v.(Map)
		if !ok {
			return fmt.Errorf("cannot set %T at the root", v)
		}
		*m = sub
		return nil
	}
	el := p[0]
	key := mapKey(*m, el)
	last := len(p) == 1

	switch {
	case len(el.Keys) == 0:
		if last {
			m.Set(key, v)
			return nil
		}
		sub := m.GetMap(key)
		if sub == nil {
			sub = Map{}
		}
		if err := SetPath(&sub, p[1:], v, after); err != nil {
			return err
		}
		m.Set(key, sub)
		return nil

	case el.Keys[0].Name == ".":
		cur, _ := m.Get(key)
		values, _ := asList(cur)
		for _, x := range values {
			if sameValue(x, el.Keys[0].Value) {
				return nil
			}
		}
		if v == nil {
			v = el.Keys[0].Value
		}
		idx, err := insertIndex(len(values), after, func(i int, a string) bool { return sameValue(values[i], a) })
		if err != nil {
			return err
		}
		values = append(values, nil)
		copy(values[idx+1:], values[idx:])
		values[idx] = v
		m.Set(key, values)
		return nil
	}

	cur, _ := m.Get(key)
	entries, err := asMapList(p.String(), cur)
	if err != nil {
		return err
	}
	for i := range entries {
		if entryMatches(entries[i], el.Keys) {
			if last {
				if sub, ok := v.(Map); ok {
					entries[i] = sub
				}
				m.Set(key, entries)
				return nil
			}
			if err := SetPath(&entries[i], p[1:], v, after); err != nil {
				return err
			}
			m.Set(key, entries)
			return nil
		}
	}

	entry := Map{}
	if sub, ok := v.(Map); ok && last {
		entry = sub.Clone()
	}
	for _, kv := range el.Keys {
		if _, ok := entry.Get(kv.Name); !ok {
			entry = append(Map{{Key: kv.Name, Value: kv.Value}}, entry...)
		}
	}
	if !last {
		if err := SetPath(&entry, p[1:], v, nil); err != nil {
			return err
		}
		after = nil
	}
	idx, err := insertIndex(len(entries), after, func(i int, a string) bool {
		kvs, err := parsePredicates(a)
		return err == nil && entryMatches(entries[i], kvs)
	})
	if err != nil {
		return err
	}
	entries = append(entries, nil)
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = entry
	m.Set(key, entries)
	return nil
}

// DeletePath removes the node at p from m and reports whether it existed.
// Lists and leaf-lists left without instances are removed as well.
func DeletePath(m *Map, p schema.Path) bool {
	if len(p) == 0 {
		return false
	}
	el := p[0]
	key := mapKey(*m, el)
	last := len(p) == 1

	switch {
	case len(el.Keys) == 0:
		if last {
			return m.Delete(key)
		}
		sub := m.GetMap(key)
		if sub == nil || !DeletePath(&sub, p[1:]) {
			return false
		}
		m.Set(key, sub)
		return true

	case el.Keys[0].Name == ".":
		cur, _ := m.Get(key)
		values, _ := asList(cur)
		for i, x := range values {
			if sameValue(x, el.Keys[0].Value) {
				values = append(values[:i], values[i+1:]...)
				if len(values) == 0 {
					m.Delete(key)
				} else {
					m.Set(key, values)
				}
				return true
			}
		}
		return false
	}

	cur, _ := m.Get(key)
	entries, err := asMapList(p.String(), cur)
	if err != nil {
		return false
	}
	for i := range entries {
		if !entryMatches(entries[i], el.Keys) {
			continue
		}
		if !last {
			if !DeletePath(&entries[i], p[1:]) {
				return false
			}
			m.Set(key, entries)
			return true
		}
		entries = append(entries[:i], entries[i+1:]...)
		if len(entries) == 0 {
			m.Delete(key)
		} else {
			m.Set(key, entries)
		}
		return true
	}
	return false
}

// MovePath repositions the list entry or leaf-list value at p, see SetPath
// for the meaning of after.
func MovePath(m *Map, p schema.Path, after string) error {
	if len(p) == 0 {
		return fmt.Errorf("cannot move the root")
	}
	el := p[len(p)-1]
	if len(el.Keys) == 0 {
		return fmt.Errorf("%s is not a list entry or leaf-list value", p)
	}
	parent := m
	if len(p) > 1 {
		var found bool
		if parent, found = descend(m, p[:len(p)-1]); !found {
			return fmt.Errorf("%s not found", p.Parent())
		}
	}
	cur, _ := parent.Get(mapKey(*parent, el))
	var v any
	if el.Keys[0].Name == "." {
		values, _ := asList(cur)
		for _, x := range values {
			if sameValue(x, el.Keys[0].Value) {
				v = x
			}
		}
	} else {
		entries, err := asMapList(p.String(), cur)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if entryMatches(e, el.Keys) {
				v = e
			}
		}
	}
	if v == nil || !DeletePath(m, p) {
		return fmt.Errorf("%s not found", p)
	}
	return SetPath(m, p, v, &after)
}

// descend returns the container or list entry Map at p. The result is
// for reading only.
func descend(m *Map, p schema.Path) (*Map, bool) {
	cur := m
	for _, el := range p {
		v, ok := cur.Get(mapKey(*cur, el))
		if !ok {
			return nil, false
		}
		if len(el.Keys) == 0 {
			sub, ok := v.(Map)
			if !ok {
				return nil, false
			}
			cur = &sub
			continue
		}
		entries, err := asMapList("", v)
		if err != nil {
			return nil, false
		}
		var next *Map
		for i := range entries {
			if entryMatches(entries[i], el.Keys) {
				next = &entries[i]
				break
			}
		}
		if next == nil {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// mapKey returns the key used for el in m, preferring an existing
// module-qualified one.
func mapKey(m Map, el schema.PathElem) string {
	if el.Module != "" {
		q := el.Module + ":" + el.Name
		if _, ok := m.Get(q); ok {
			return q
		}
	}
	return el.Name
}

func insertIndex(n int, after *string, match func(i int, after string) bool) (int, error) {
	switch {
	case after == nil:
		return n, nil
	case *after == "":
		return 0, nil
	}
	for i := 0; i < n; i++ {
		if match(i, *after) {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("preceding instance %q not found", *after)
}

func parsePredicates(s string) ([]schema.KeyValue, error) {
	p, err := schema.ParsePath("x" + s)
	if err != nil {
		return nil, err
	}
	if len(p) != 1 {
		return nil, fmt.Errorf("malformed predicate %q", s)
	}
	return p[0].Keys, nil
}

func entryMatches(entry Map, kvs []schema.KeyValue) bool {
	for _, kv := range kvs {
		v, ok := entry.Get(kv.Name)
		if !ok || !sameValue(v, kv.Value) {
			return false
		}
	}
	return true
}

// sameValue compares a Map value with its string form in a path.
func sameValue(v any, s string) bool {
	switch x := v.(type) {
	case string:
		return x == s
	case []byte:
		return base64.StdEncoding.EncodeToString(x) == s
	case float64:
		f, err := strconv.ParseFloat(s, 64)
		return err == nil && f == x
	case nil:
		return s == ""
	}
	return fmt.Sprint(v) == s
}
