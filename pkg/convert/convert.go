// Copyright 2024 Nokia
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package convert translates between data trees and Maps.
package convert

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/openconfig/goyang/pkg/yang"

	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/tree"
	"github.com/sdcio/dsruntime/pkg/types"
	"github.com/sdcio/dsruntime/pkg/utils"
)

type nativeOptions struct {
	output     bool
	noDefaults bool
}

type NativeOption func(*nativeOptions)

// Output makes ToNative read the map as the output of the rpc or action
// it is called for.
func Output() NativeOption {
	return func(o *nativeOptions) { o.output = true }
}

// NoDefaults stops ToNative from adding schema defaults.
func NoDefaults() NativeOption {
	return func(o *nativeOptions) { o.noDefaults = true }
}

// ToNative builds a data tree holding m as the content of the node at
// (an empty at or "/" stands for the root). The node at is created with
// its ancestors and returned; the tree is reachable through Root. Schema
// defaults are filled in unless NoDefaults is given.
func ToNative(sch *schema.Schema, m Map, at string, opts ...NativeOption) (*tree.Node, error) {
	o := &nativeOptions{}
	for _, opt := range opts {
		opt(o)
	}

	var ctxNode *tree.Node
	if at == "" || at == "/" {
		ctxNode = tree.NewRoot(sch)
	} else {
		res, err := sch.ResolveString(at)
		if err != nil {
			return nil, err
		}
		if schema.KindOf(res.Entry()).IsOperation() {
			ctxNode, err = tree.NewOperation(sch, res, o.output)
		} else {
			ctxNode, err = tree.NewRoot(sch).Ensure(res)
		}
		if err != nil {
			return nil, err
		}
		switch ctxNode.Kind() {
		case schema.KindLeaf, schema.KindLeafList, schema.KindAnydata:
			return nil, types.NewInvalidPathError(at, "%s %q cannot hold a mapping", ctxNode.Kind(), ctxNode.Name)
		}
	}

	c := &converter{sch: sch}
	if err := c.fill(ctxNode, m); err != nil {
		return nil, err
	}
	if !o.noDefaults {
		tree.FillDefaults(ctxNode.Root(), tree.DefaultsAll)
		if ctxNode.Kind().IsOperation() {
			tree.FillDefaults(ctxNode, tree.DefaultsAll)
		}
	}
	return ctxNode, nil
}

type converter struct {
	sch *schema.Schema
}

func splitKey(key string) (module, name string) {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}

func childPath(parent *tree.Node, key string) string {
	p := parent.Path().String()
	if p == "/" {
		return p + key
	}
	return p + "/" + key
}

func (c *converter) lookup(parent *tree.Node, key string) (*yang.Entry, error) {
	module, name := splitKey(key)
	if parent.IsRoot() {
		e, err := c.sch.TopLevel(module, name)
		if err != nil {
			return nil, types.NewUnknownElementError(childPath(parent, key), "%v", err)
		}
		return e, nil
	}
	e := schema.Child(parent.Schema, module, name, parent.IsOutput())
	if e == nil {
		return nil, types.NewUnknownElementError(childPath(parent, key), "no schema node %q below %q", key, parent.Name)
	}
	return e, nil
}

func (c *converter) fill(parent *tree.Node, m Map) error {
	for _, it := range m {
		e, err := c.lookup(parent, it.Key)
		if err != nil {
			return err
		}
		path := childPath(parent, it.Key)
		switch schema.KindOf(e) {
		case schema.KindLeaf:
			tv, err := LeafValue(e, it.Value)
			if err != nil {
				return types.NewTypeMismatchError(path, err)
			}
			parent.EnsureChild(e).SetValue(tv)
		case schema.KindAnydata:
			tv, err := LeafValue(e, it.Value)
			if err != nil {
				return types.NewTypeMismatchError(path, err)
			}
			parent.EnsureChild(e).SetValue(tv)
		case schema.KindLeafList:
			items, ok := asList(it.Value)
			if !ok {
				return types.NewTypeMismatchError(path, fmt.Errorf("expected a sequence for leaf-list, got %T", it.Value))
			}
			for _, v := range items {
				tv, err := LeafValue(e, v)
				if err != nil {
					return types.NewTypeMismatchError(path, err)
				}
				for _, x := range parent.Instances(schema.ModuleName(e), e.Name) {
					if utils.EqualValues(x.Value, tv) {
						return types.NewInvalidPathError(path, "duplicate leaf-list value %q", utils.TypedValueToString(tv))
					}
				}
				parent.Append(e).SetValue(tv)
			}
		case schema.KindList:
			entries, err := asMapList(path, it.Value)
			if err != nil {
				return err
			}
			for _, em := range entries {
				if err := c.fillListEntry(parent, e, path, em); err != nil {
					return err
				}
			}
		case schema.KindContainer, schema.KindNotification, schema.KindRPC, schema.KindAction:
			var sub Map
			switch v := it.Value.(type) {
			case Map:
				sub = v
			case nil:
			default:
				return types.NewTypeMismatchError(path, fmt.Errorf("expected a mapping for %s, got %T", schema.KindOf(e), it.Value))
			}
			if err := c.fill(parent.EnsureChild(e), sub); err != nil {
				return err
			}
		default:
			return types.NewUnknownElementError(path, "unsupported schema node kind %s", schema.KindOf(e))
		}
	}
	return nil
}

func (c *converter) fillListEntry(parent *tree.Node, e *yang.Entry, path string, em Map) error {
	keys := schema.Keys(e)
	entry := parent.Append(e)
	for _, k := range keys {
		v, ok := em.Get(k)
		if !ok {
			entry.Remove()
			return types.NewInvalidPathError(path, "list entry is missing the key %q", k)
		}
		ke := schema.Child(e, "", k, false)
		tv, err := LeafValue(ke, v)
		if err != nil {
			entry.Remove()
			return types.NewTypeMismatchError(path+"/"+k, err)
		}
		entry.EnsureChild(ke).SetValue(tv)
	}
	for _, x := range parent.Instances(entry.Module, entry.Name) {
		if x != entry && x.ID() == entry.ID() {
			entry.Remove()
			return types.NewInvalidPathError(path, "duplicate list entry %s", entry.PathElem().Predicates())
		}
	}
	rest := make(Map, 0, len(em))
	for _, it := range em {
		if _, isKey := keyIndex(keys, it.Key); !isKey {
			rest = append(rest, it)
		}
	}
	return c.fill(entry, rest)
}

func keyIndex(keys []string, key string) (int, bool) {
	_, name := splitKey(key)
	for i, k := range keys {
		if k == name {
			return i, true
		}
	}
	return -1, false
}

func asList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		r := make([]any, 0, len(x))
		for _, s := range x {
			r = append(r, s)
		}
		return r, true
	case nil:
		return nil, true
	}
	return nil, false
}

func asMapList(path string, v any) ([]Map, error) {
	switch x := v.(type) {
	case []Map:
		return x, nil
	case []any:
		r := make([]Map, 0, len(x))
		for _, e := range x {
			m, ok := e.(Map)
			if !ok {
				return nil, types.NewTypeMismatchError(path, fmt.Errorf("expected a mapping per list entry, got %T", e))
			}
			r = append(r, m)
		}
		return r, nil
	case nil:
		return nil, nil
	}
	return nil, types.NewTypeMismatchError(path, fmt.Errorf("expected a sequence for list, got %T", v))
}

// LeafValue coerces the native value v into the type of the leaf or
// leaf-list e. anydata and anyxml content is carried as json.
func LeafValue(e *yang.Entry, v any) (*gnmi.TypedValue, error) {
	if schema.KindOf(e) == schema.KindAnydata {
		var b []byte
		switch x := v.(type) {
		case json.RawMessage:
			b = x
		case string:
			b = []byte(x)
		default:
			var err error
			if b, err = json.Marshal(v); err != nil {
				return nil, err
			}
		}
		if !json.Valid(b) {
			return nil, fmt.Errorf("anydata content is not valid json")
		}
		return &gnmi.TypedValue{Value: &gnmi.TypedValue_JsonIetfVal{JsonIetfVal: b}}, nil
	}
	return utils.ConvertJsonValueToTv(v, e)
}

// GoValue returns the native value of a leaf: bool, int64, uint64, float64
// for decimal64, string, []byte for binary, nil for empty and
// json.RawMessage for anydata.
func GoValue(tv *gnmi.TypedValue) any {
	v, err := utils.GetValue(tv)
	if err != nil {
		return utils.TypedValueToString(tv)
	}
	return v
}

// Options control FromNative.
type Options struct {
	// IncludeDefaults keeps leaves that hold their schema default without
	// being set.
	IncludeDefaults bool
	// KeepEmptyContainers keeps non-presence containers without content.
	KeepEmptyContainers bool
	// Qualified prefixes a name with its module where the module differs
	// from the one of the parent, as RFC 7951 does.
	Qualified bool
}

// FromNative returns the content of n as a Map.
func FromNative(n *tree.Node, opts Options) Map {
	m := Map{}
	if n == nil {
		return m
	}
	done := map[string]struct{}{}
	for _, c := range n.Children() {
		id := c.Module + ":" + c.Name
		if _, ok := done[id]; ok {
			continue
		}
		key := c.Name
		if opts.Qualified && (n.IsRoot() || c.Module != n.Module) {
			key = c.Module + ":" + c.Name
		}
		switch c.Kind() {
		case schema.KindLeaf, schema.KindAnydata:
			if c.Default && !opts.IncludeDefaults {
				continue
			}
			m = append(m, Item{Key: key, Value: GoValue(c.Value)})
		case schema.KindLeafList:
			done[id] = struct{}{}
			var values []any
			for _, x := range n.Instances(c.Module, c.Name) {
				values = append(values, GoValue(x.Value))
			}
			m = append(m, Item{Key: key, Value: values})
		case schema.KindList:
			done[id] = struct{}{}
			var entries []Map
			for _, x := range n.Instances(c.Module, c.Name) {
				entries = append(entries, FromNative(x, opts))
			}
			m = append(m, Item{Key: key, Value: entries})
		default:
			sub := FromNative(c, opts)
			if len(sub) == 0 && !opts.KeepEmptyContainers && c.Kind() == schema.KindContainer && !schema.IsPresence(c.Schema) {
				continue
			}
			m = append(m, Item{Key: key, Value: sub})
		}
	}
	return m
}

// FromNativeAt returns the Map for the subtree at n, nested below the
// names of its ancestors so that the result reads from the root.
func FromNativeAt(n *tree.Node, opts Options) Map {
	if n == nil || n.IsRoot() {
		return FromNative(n, opts)
	}
	var content any
	switch n.Kind() {
	case schema.KindLeaf, schema.KindAnydata:
		content = GoValue(n.Value)
	case schema.KindLeafList:
		content = []any{GoValue(n.Value)}
	default:
		content = FromNative(n, opts)
	}
	for x := n; !x.IsRoot(); x = x.Parent {
		key := x.Name
		if opts.Qualified && (x.Parent.IsRoot() || x.Module != x.Parent.Module) {
			key = x.Module + ":" + x.Name
		}
		if x.Kind() == schema.KindList {
			if x != n {
				entry := Map{}
				for _, kv := range x.KeyValues() {
					if _, dup := content.(Map).Get(kv.Name); dup {
						continue
					}
					if kn := x.Child("", kv.Name); kn != nil {
						entry = append(entry, Item{Key: kv.Name, Value: GoValue(kn.Value)})
					}
				}
				entry = append(entry, content.(Map)...)
				content = entry
			}
			content = []Map{content.(Map)}
		}
		if x.Parent.IsRoot() {
			return Map{{Key: key, Value: content}}
		}
		content = Map{{Key: key, Value: content}}
	}
	return content.(Map)
}
