package schema

import (
	"fmt"

	"github.com/openconfig/goyang/pkg/yang"

	"github.com/sdcio/dsruntime/pkg/types"
)

// Resolved is a path checked against the schema: Path has every module
// filled in and keys in schema order, Entries holds one entry per element.
type Resolved struct {
	Path    Path
	Entries []*yang.Entry
}

// Entry returns the entry addressed by the path, or the schema root for the
// empty path.
func (r *Resolved) Entry() *yang.Entry {
	if len(r.Entries) == 0 {
		return nil
	}
	return r.Entries[len(r.Entries)-1]
}

// Module returns the module of the first path element.
func (r *Resolved) Module() string {
	if len(r.Path) == 0 {
		return ""
	}
	return r.Path[0].Module
}

// ResolveString parses and resolves s.
func (s *Schema) ResolveString(p string) (*Resolved, error) {
	path, err := ParsePath(p)
	if err != nil {
		return nil, types.NewInvalidPathError(p, "%v", err)
	}
	return s.Resolve(path)
}

// Resolve checks p against the schema.
func (s *Schema) Resolve(p Path) (*Resolved, error) {
	r := &Resolved{
		Path:    make(Path, 0, len(p)),
		Entries: make([]*yang.Entry, 0, len(p)),
	}
	var parent *yang.Entry
	for i, el := range p {
		var e *yang.Entry
		if i == 0 {
			var err error
			e, err = s.TopLevel(el.Module, el.Name)
			if err != nil {
				return nil, types.NewInvalidPathError(p.String(), "%v", err)
			}
		} else {
			e = Child(parent, el.Module, el.Name, false)
			if e == nil {
				return nil, types.NewInvalidPathError(p.String(), "unknown element %q below %q", el.Name, parent.Name)
			}
		}
		keys, err := normalizeKeys(e, el.Keys)
		if err != nil {
			return nil, types.NewInvalidPathError(p.String(), "%v", err)
		}
		r.Path = append(r.Path, PathElem{Module: ModuleName(e), Name: e.Name, Keys: keys})
		r.Entries = append(r.Entries, e)
		parent = e
	}
	return r, nil
}

func normalizeKeys(e *yang.Entry, kvs []KeyValue) ([]KeyValue, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	switch KindOf(e) {
	case KindLeafList:
		if len(kvs) != 1 || kvs[0].Name != "." {
			return nil, fmt.Errorf("leaf-list %q only accepts a [.=value] predicate", e.Name)
		}
		return kvs, nil
	case KindList:
	default:
		return nil, fmt.Errorf("%s %q does not accept predicates", KindOf(e), e.Name)
	}
	given := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if _, dup := given[kv.Name]; dup {
			return nil, fmt.Errorf("duplicate key %q for list %q", kv.Name, e.Name)
		}
		given[kv.Name] = kv.Value
	}
	result := make([]KeyValue, 0, len(kvs))
	for _, k := range Keys(e) {
		if v, ok := given[k]; ok {
			result = append(result, KeyValue{Name: k, Value: v})
			delete(given, k)
		}
	}
	if len(given) > 0 {
		for _, kv := range kvs {
			if _, ok := given[kv.Name]; ok {
				return nil, fmt.Errorf("%q is not a key of list %q", kv.Name, e.Name)
			}
		}
	}
	return result, nil
}
