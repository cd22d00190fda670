package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openconfig/gnmi/proto/gnmi"
)

// KeyValue is one list key predicate, or the value predicate of a
// leaf-list entry when Name is ".".
type KeyValue struct {
	Name  string
	Value string
}

type PathElem struct {
	Module string
	Name   string
	Keys   []KeyValue
}

// Key returns the value of the named key predicate.
func (e PathElem) Key(name string) (string, bool) {
	for _, k := range e.Keys {
		if k.Name == name {
			return k.Value, true
		}
	}
	return "", false
}

func (e PathElem) matches(o PathElem) bool {
	if e.Name != o.Name {
		return false
	}
	if e.Module != "" && o.Module != "" && e.Module != o.Module {
		return false
	}
	return true
}

// Path is a data path such as /example:network/interface[name='eth0']/up.
type Path []PathElem

// ParsePath parses the data path syntax: '/'-separated elements, each an
// optionally module-qualified name followed by zero or more [key=value]
// predicates. Values may be single or double quoted.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "/" {
		return Path{}, nil
	}
	path := Path{}
	i := 0
	if s[0] == '/' {
		i++
	}
	for i < len(s) {
		start := i
		for i < len(s) && s[i] != '/' && s[i] != '[' {
			i++
		}
		name := strings.TrimSpace(s[start:i])
		if name == "" {
			return nil, fmt.Errorf("path %q: empty element at offset %d", s, start)
		}
		elem := PathElem{Name: name}
		if idx := strings.Index(name, ":"); idx >= 0 {
			elem.Module = name[:idx]
			elem.Name = name[idx+1:]
			if elem.Module == "" || elem.Name == "" {
				return nil, fmt.Errorf("path %q: malformed element %q", s, name)
			}
		}
		for i < len(s) && s[i] == '[' {
			kv, next, err := parsePredicate(s, i+1)
			if err != nil {
				return nil, err
			}
			elem.Keys = append(elem.Keys, kv)
			i = next
		}
		path = append(path, elem)
		if i < len(s) {
			if s[i] != '/' {
				return nil, fmt.Errorf("path %q: unexpected %q at offset %d", s, s[i], i)
			}
			i++
		}
	}
	return path, nil
}

func parsePredicate(s string, i int) (KeyValue, int, error) {
	ks := i
	for i < len(s) && s[i] != '=' && s[i] != ']' {
		i++
	}
	if i >= len(s) || s[i] != '=' {
		return KeyValue{}, 0, fmt.Errorf("path %q: predicate at offset %d has no value", s, ks)
	}
	key := strings.TrimSpace(s[ks:i])
	if idx := strings.Index(key, ":"); idx >= 0 {
		key = key[idx+1:]
	}
	if key == "" {
		return KeyValue{}, 0, fmt.Errorf("path %q: predicate at offset %d has no key", s, ks)
	}
	i++
	for i < len(s) && s[i] == ' ' {
		i++
	}
	var val string
	if i < len(s) && (s[i] == '\'' || s[i] == '"') {
		q := s[i]
		i++
		vs := i
		for i < len(s) && s[i] != q {
			i++
		}
		if i >= len(s) {
			return KeyValue{}, 0, fmt.Errorf("path %q: unterminated quote at offset %d", s, vs-1)
		}
		val = s[vs:i]
		i++
		for i < len(s) && s[i] == ' ' {
			i++
		}
		if i >= len(s) || s[i] != ']' {
			return KeyValue{}, 0, fmt.Errorf("path %q: missing ']' at offset %d", s, i)
		}
	} else {
		vs := i
		for i < len(s) && s[i] != ']' {
			i++
		}
		if i >= len(s) {
			return KeyValue{}, 0, fmt.Errorf("path %q: missing ']'", s)
		}
		val = strings.TrimSpace(s[vs:i])
	}
	return KeyValue{Name: key, Value: val}, i + 1, nil
}

// MustParsePath is ParsePath for constant paths.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string {
	if len(p) == 0 {
		return "/"
	}
	sb := &strings.Builder{}
	prevMod := ""
	for _, e := range p {
		sb.WriteByte('/')
		if e.Module != "" && e.Module != prevMod {
			sb.WriteString(e.Module)
			sb.WriteByte(':')
		}
		if e.Module != "" {
			prevMod = e.Module
		}
		sb.WriteString(e.Name)
		sb.WriteString(e.Predicates())
	}
	return sb.String()
}

// Predicates renders the keys of e as [name='value'] predicates.
func (e PathElem) Predicates() string {
	sb := &strings.Builder{}
	for _, k := range e.Keys {
		sb.WriteByte('[')
		sb.WriteString(k.Name)
		sb.WriteByte('=')
		sb.WriteString(quote(k.Value))
		sb.WriteByte(']')
	}
	return sb.String()
}

func quote(v string) string {
	if strings.Contains(v, "'") {
		return `"` + v + `"`
	}
	return "'" + v + "'"
}

func (p Path) Parent() Path {
	if len(p) == 0 {
		return p
	}
	return p[:len(p)-1]
}

// Append returns a copy of p extended by elems.
func (p Path) Append(elems ...PathElem) Path {
	r := make(Path, 0, len(p)+len(elems))
	r = append(r, p...)
	return append(r, elems...)
}

// HasPrefix reports whether prefix addresses p or one of its ancestors.
// Key predicates absent from prefix act as wildcards.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i, pe := range prefix {
		if !pe.matches(p[i]) {
			return false
		}
		for _, k := range pe.Keys {
			v, ok := p[i].Key(k.Name)
			if !ok || v != k.Value {
				return false
			}
		}
	}
	return true
}

// Overlaps reports whether one of a and b is a prefix of the other.
func Overlaps(a, b Path) bool {
	return a.HasPrefix(b) || b.HasPrefix(a)
}

func (p Path) ToGNMI() *gnmi.Path {
	gp := &gnmi.Path{Elem: make([]*gnmi.PathElem, 0, len(p))}
	for _, e := range p {
		name := e.Name
		if e.Module != "" {
			name = e.Module + ":" + e.Name
		}
		ge := &gnmi.PathElem{Name: name}
		if len(e.Keys) > 0 {
			ge.Key = make(map[string]string, len(e.Keys))
			for _, k := range e.Keys {
				ge.Key[k.Name] = k.Value
			}
		}
		gp.Elem = append(gp.Elem, ge)
	}
	return gp
}

// FromGNMI converts a gNMI path; the prefix, if any, is prepended. Keys
// come out sorted by name since gNMI carries them as a map; Resolve puts
// them back into schema order. The origin is ignored.
func FromGNMI(prefix, gp *gnmi.Path) Path {
	p := Path{}
	for _, x := range []*gnmi.Path{prefix, gp} {
		if x == nil {
			continue
		}
		for _, ge := range x.GetElem() {
			e := PathElem{Name: ge.GetName()}
			if idx := strings.Index(e.Name, ":"); idx >= 0 {
				e.Module = e.Name[:idx]
				e.Name = e.Name[idx+1:]
			}
			names := make([]string, 0, len(ge.GetKey()))
			for k := range ge.GetKey() {
				names = append(names, k)
			}
			sort.Strings(names)
			for _, k := range names {
				e.Keys = append(e.Keys, KeyValue{Name: k, Value: ge.GetKey()[k]})
			}
			p = append(p, e)
		}
	}
	return p
}
