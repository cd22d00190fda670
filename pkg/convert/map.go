package convert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v2"
)

// Item is one entry of a Map.
type Item struct {
	Key   string
	Value any
}

// Map is the caller facing form of a data tree: an ordered mapping from
// element name to value. A value is a scalar, a Map for a container, a
// []Map for a list or a []any for a leaf-list.
type Map []Item

// Get returns the value stored under key.
func (m Map) Get(key string) (any, bool) {
	for _, it := range m {
		if it.Key == key {
			return it.Value, true
		}
	}
	return nil, false
}

// GetMap returns the container stored under key, or nil.
func (m Map) GetMap(key string) Map {
	v, _ := m.Get(key)
	sub, _ := v.(Map)
	return sub
}

// Set replaces the value under key, or appends it.
func (m *Map) Set(key string, v any) {
	for i := range *m {
		if (*m)[i].Key == key {
			(*m)[i].Value = v
			return
		}
	}
	*m = append(*m, Item{Key: key, Value: v})
}

// Delete removes key and reports whether it was present.
func (m *Map) Delete(key string) bool {
	for i := range *m {
		if (*m)[i].Key == key {
			*m = append((*m)[:i], (*m)[i+1:]...)
			return true
		}
	}
	return false
}

func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for _, it := range m {
		keys = append(keys, it.Key)
	}
	return keys
}

// Clone returns a deep copy of m.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	result := make(Map, 0, len(m))
	for _, it := range m {
		result = append(result, Item{Key: it.Key, Value: cloneValue(it.Value)})
	}
	return result
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Map:
		return x.Clone()
	case []Map:
		r := make([]Map, 0, len(x))
		for _, e := range x {
			r = append(r, e.Clone())
		}
		return r
	case []any:
		r := make([]any, 0, len(x))
		for _, e := range x {
			r = append(r, cloneValue(e))
		}
		return r
	case []byte:
		return bytes.Clone(x)
	case json.RawMessage:
		return json.RawMessage(bytes.Clone(x))
	}
	return v
}

// MarshalJSON writes the items in order.
func (m Map) MarshalJSON() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	for i, it := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(it.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(it.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", it.Key, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON keeps the document order of the object keys. Nested
// objects become Maps, arrays []any and numbers json.Number.
func (m *Map) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	v, err := decodeJSON(dec)
	if err != nil {
		return err
	}
	switch x := v.(type) {
	case Map:
		*m = x
	case nil:
		*m = nil
	default:
		return fmt.Errorf("expected a json object, got %T", v)
	}
	return nil
}

func decodeJSON(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			m := Map{}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", kt)
				}
				v, err := decodeJSON(dec)
				if err != nil {
					return nil, err
				}
				m = append(m, Item{Key: key, Value: v})
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return m, nil
		case '[':
			l := []any{}
			for dec.More() {
				v, err := decodeJSON(dec)
				if err != nil {
					return nil, err
				}
				l = append(l, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return l, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	}
	return tok, nil
}

// ParseJSON reads an ordered Map from r.
func ParseJSON(r io.Reader) (Map, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m := Map{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// MarshalYAML renders the items in order.
func (m Map) MarshalYAML() (interface{}, error) {
	return toMapSlice(m), nil
}

func toMapSlice(v any) any {
	switch x := v.(type) {
	case Map:
		ms := make(yaml.MapSlice, 0, len(x))
		for _, it := range x {
			ms = append(ms, yaml.MapItem{Key: it.Key, Value: toMapSlice(it.Value)})
		}
		return ms
	case []Map:
		l := make([]any, 0, len(x))
		for _, e := range x {
			l = append(l, toMapSlice(e))
		}
		return l
	case []any:
		l := make([]any, 0, len(x))
		for _, e := range x {
			l = append(l, toMapSlice(e))
		}
		return l
	case json.RawMessage:
		var decoded any
		if err := yaml.Unmarshal(x, &decoded); err == nil {
			return decoded
		}
		return string(x)
	}
	return v
}

// UnmarshalYAML keeps the document order of mapping keys.
func (m *Map) UnmarshalYAML(unmarshal func(interface{}) error) error {
	ms := yaml.MapSlice{}
	if err := unmarshal(&ms); err != nil {
		return err
	}
	v, err := fromMapSlice(ms)
	if err != nil {
		return err
	}
	*m = v.(Map)
	return nil
}

func fromMapSlice(v any) (any, error) {
	switch x := v.(type) {
	case yaml.MapSlice:
		m := make(Map, 0, len(x))
		for _, it := range x {
			key, ok := it.Key.(string)
			if !ok {
				key = fmt.Sprint(it.Key)
			}
			val, err := fromMapSlice(it.Value)
			if err != nil {
				return nil, err
			}
			m = append(m, Item{Key: key, Value: val})
		}
		return m, nil
	case []interface{}:
		l := make([]any, 0, len(x))
		for _, e := range x {
			ev, err := fromMapSlice(e)
			if err != nil {
				return nil, err
			}
			l = append(l, ev)
		}
		return l, nil
	case map[interface{}]interface{}:
		return nil, fmt.Errorf("unexpected unordered mapping")
	}
	return v, nil
}

// ParseYAML reads an ordered Map from b.
func ParseYAML(b []byte) (Map, error) {
	m := Map{}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
