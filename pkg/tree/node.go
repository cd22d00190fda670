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

// Package tree implements the owned data tree the engine and the converter
// operate on. Every instance is a Node: list entries and leaf-list entries
// are individual nodes sharing their name with their siblings.
package tree

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/openconfig/goyang/pkg/yang"
	"google.golang.org/protobuf/proto"

	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/types"
	"github.com/sdcio/dsruntime/pkg/utils"
)

type Node struct {
	Schema *yang.Entry
	Name   string
	Module string
	Parent *Node
	// Value of a leaf, a leaf-list entry or an anydata node
	Value *gnmi.TypedValue
	// Default marks a leaf filled in from its schema default
	Default bool

	// output is set on rpc and action nodes carrying their output
	output   bool
	children []*Node
}

// NewRoot returns an empty tree for sch.
func NewRoot(sch *schema.Schema) *Node {
	return &Node{Schema: sch.Root()}
}

// NewOperation returns a tree holding the rpc or action res points to, with
// all its ancestors. The operation node is returned; output selects whether
// its children are the input or the output of the operation.
func NewOperation(sch *schema.Schema, res *schema.Resolved, output bool) (*Node, error) {
	if !schema.KindOf(res.Entry()).IsOperation() {
		return nil, types.NewInvalidPathError(res.Path.String(), "not an rpc or action")
	}
	op, err := NewRoot(sch).Ensure(res)
	if err != nil {
		return nil, err
	}
	op.output = output
	return op, nil
}

func (n *Node) newChild(e *yang.Entry) *Node {
	return &Node{
		Schema: e,
		Name:   e.Name,
		Module: schema.ModuleName(e),
		Parent: n,
	}
}

// IsRoot reports whether n is the root of a tree.
func (n *Node) IsRoot() bool {
	return n.Parent == nil && n.Name == ""
}

// Root returns the root of the tree n belongs to.
func (n *Node) Root() *Node {
	r := n
	for r.Parent != nil {
		r = r.Parent
	}
	return r
}

func (n *Node) Kind() schema.NodeKind {
	if n.IsRoot() {
		return schema.KindContainer
	}
	return schema.KindOf(n.Schema)
}

// IsOutput reports whether n is an operation node carrying its output.
func (n *Node) IsOutput() bool {
	return n.output
}

// Children returns the child nodes of n in tree order. The slice must not
// be modified.
func (n *Node) Children() []*Node {
	return n.children
}

// Child returns the first child called name. An empty module matches any.
func (n *Node) Child(module, name string) *Node {
	for _, c := range n.children {
		if c.Name == name && (module == "" || c.Module == module) {
			return c
		}
	}
	return nil
}

// Instances returns the children that share module and name.
func (n *Node) Instances(module, name string) []*Node {
	var result []*Node
	for _, c := range n.children {
		if c.Name == name && (module == "" || c.Module == module) {
			result = append(result, c)
		}
	}
	return result
}

// HasChildren reports whether n has child nodes.
func (n *Node) HasChildren() bool {
	return len(n.children) > 0
}

// insert adds c behind the last sibling of the same name, or at the end.
func (n *Node) insert(c *Node) {
	c.Parent = n
	last := -1
	for i, x := range n.children {
		if x.Name == c.Name && x.Module == c.Module {
			last = i
		}
	}
	if last < 0 {
		n.children = append(n.children, c)
		return
	}
	n.children = append(n.children, nil)
	copy(n.children[last+2:], n.children[last+1:])
	n.children[last+1] = c
}

func (n *Node) indexOf(c *Node) int {
	for i, x := range n.children {
		if x == c {
			return i
		}
	}
	return -1
}

// Remove detaches n from its parent.
func (n *Node) Remove() {
	p := n.Parent
	if p == nil {
		return
	}
	if i := p.indexOf(n); i >= 0 {
		p.children = append(p.children[:i], p.children[i+1:]...)
	}
	n.Parent = nil
}

// Clear removes all children of n.
func (n *Node) Clear() {
	for _, c := range n.children {
		c.Parent = nil
	}
	n.children = nil
}

// SetValue stores an explicit value on a leaf or leaf-list entry.
func (n *Node) SetValue(tv *gnmi.TypedValue) {
	n.Value = tv
	n.Default = false
}

// KeyValues returns the keys identifying a list entry, in schema order, or
// the value of a leaf-list entry as the "." key.
func (n *Node) KeyValues() []schema.KeyValue {
	switch n.Kind() {
	case schema.KindList:
		keys := schema.Keys(n.Schema)
		kvs := make([]schema.KeyValue, 0, len(keys))
		for _, k := range keys {
			kv := schema.KeyValue{Name: k}
			if kn := n.Child("", k); kn != nil {
				kv.Value = utils.TypedValueToString(kn.Value)
			}
			kvs = append(kvs, kv)
		}
		return kvs
	case schema.KindLeafList:
		return []schema.KeyValue{{Name: ".", Value: utils.TypedValueToString(n.Value)}}
	}
	return nil
}

// PathElem returns the path element addressing n below its parent.
func (n *Node) PathElem() schema.PathElem {
	return schema.PathElem{Module: n.Module, Name: n.Name, Keys: n.KeyValues()}
}

// Path returns the absolute path of n.
func (n *Node) Path() schema.Path {
	var elems []schema.PathElem
	for x := n; x != nil && !x.IsRoot(); x = x.Parent {
		elems = append(elems, x.PathElem())
	}
	p := make(schema.Path, len(elems))
	for i, e := range elems {
		p[len(elems)-1-i] = e
	}
	return p
}

// ID identifies n among its siblings.
func (n *Node) ID() string {
	return n.Module + ":" + n.Name + n.PathElem().Predicates()
}

func (n *Node) String() string {
	return n.Path().String()
}

// Predicate returns the predicate of a list entry, or the value of a
// leaf-list entry, as used to name the preceding entry of a user-ordered
// instance.
func (n *Node) Predicate() string {
	if n.Kind() == schema.KindLeafList {
		return utils.TypedValueToString(n.Value)
	}
	return n.PathElem().Predicates()
}

// IsDefault reports whether n only exists because of schema defaults: a
// default leaf or a non-presence container holding nothing but defaults.
func (n *Node) IsDefault() bool {
	switch n.Kind() {
	case schema.KindLeaf:
		return n.Default
	case schema.KindContainer:
		if n.IsRoot() || schema.IsPresence(n.Schema) {
			return false
		}
		for _, c := range n.children {
			if !c.IsDefault() {
				return false
			}
		}
		return true
	}
	return false
}

// matches reports whether c is addressed by el. Keys missing from el act as
// wildcards.
func matches(c *Node, el schema.PathElem) bool {
	if c.Name != el.Name || (el.Module != "" && c.Module != el.Module) {
		return false
	}
	for _, kv := range el.Keys {
		var cur *Node
		if kv.Name == "." {
			cur = c
		} else if cur = c.Child("", kv.Name); cur == nil {
			return false
		}
		if !valueMatches(cur, kv.Value) {
			return false
		}
	}
	return true
}

func valueMatches(n *Node, s string) bool {
	if utils.TypedValueToString(n.Value) == s {
		return true
	}
	// non canonical input such as 1.5 for a decimal rendered 1.50
	tv, err := utils.Convert(s, n.Schema)
	if err != nil {
		return false
	}
	return utils.EqualValues(tv, n.Value)
}

// Find returns the first node below n addressed by p.
func (n *Node) Find(p schema.Path) *Node {
	cur := n
	for _, el := range p {
		var next *Node
		for _, c := range cur.children {
			if matches(c, el) {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// FindAll returns every node below n addressed by p, where list keys left
// out of p match all entries.
func (n *Node) FindAll(p schema.Path) []*Node {
	cur := []*Node{n}
	for _, el := range p {
		var next []*Node
		for _, x := range cur {
			for _, c := range x.children {
				if matches(c, el) {
					next = append(next, c)
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		cur = next
	}
	return cur
}

// Ensure returns the node res addresses below the root n, creating it and
// its ancestors as needed. List elements need all their keys, the key
// leaves are created along with the entry. A leaf-list element needs its
// value as the "." key.
func (n *Node) Ensure(res *schema.Resolved) (*Node, error) {
	if !n.IsRoot() {
		return nil, fmt.Errorf("ensure %s: not a root node", res.Path)
	}
	cur := n
	for i, el := range res.Path {
		e := res.Entries[i]
		var next *Node
		for _, c := range cur.children {
			if matches(c, el) {
				next = c
				break
			}
		}
		if next != nil {
			cur = next
			continue
		}

		next = cur.newChild(e)
		switch schema.KindOf(e) {
		case schema.KindList:
			keys := schema.Keys(e)
			if len(el.Keys) != len(keys) {
				return nil, types.NewInvalidPathError(res.Path.String(), "list %q requires the keys %s", e.Name, strings.Join(keys, ", "))
			}
			for _, kv := range el.Keys {
				ke := schema.Child(e, "", kv.Name, false)
				tv, err := utils.Convert(kv.Value, ke)
				if err != nil {
					return nil, types.NewTypeMismatchError(res.Path.String(), err)
				}
				kn := next.newChild(ke)
				kn.Value = tv
				next.children = append(next.children, kn)
			}
		case schema.KindLeafList:
			if len(el.Keys) != 1 {
				return nil, types.NewInvalidPathError(res.Path.String(), "leaf-list %q requires a value", e.Name)
			}
			tv, err := utils.Convert(el.Keys[0].Value, e)
			if err != nil {
				return nil, types.NewTypeMismatchError(res.Path.String(), err)
			}
			next.Value = tv
		}
		cur.insert(next)
		cur = next
	}
	return cur, nil
}

// EnsureChild returns the child of n for the schema entry e, creating it
// when missing. It is meant for containers, leaves and anydata; list and
// leaf-list instances are added with Append.
func (n *Node) EnsureChild(e *yang.Entry) *Node {
	for _, c := range n.children {
		if c.Schema == e {
			return c
		}
	}
	c := n.newChild(e)
	n.insert(c)
	return c
}

// Append adds a new instance for the schema entry e behind its siblings.
func (n *Node) Append(e *yang.Entry) *Node {
	c := n.newChild(e)
	n.insert(c)
	return c
}

// Position selects where Move places a user-ordered instance.
type Position int

const (
	PositionLast Position = iota
	PositionFirst
	PositionBefore
	PositionAfter
)

func (p Position) String() string {
	switch p {
	case PositionFirst:
		return "first"
	case PositionBefore:
		return "before"
	case PositionAfter:
		return "after"
	}
	return "last"
}

// ParsePosition accepts first, last, before and after.
func ParsePosition(s string) (Position, error) {
	switch strings.ToLower(s) {
	case "", "last":
		return PositionLast, nil
	case "first":
		return PositionFirst, nil
	case "before":
		return PositionBefore, nil
	case "after":
		return PositionAfter, nil
	}
	return PositionLast, fmt.Errorf("unknown position %q", s)
}

// Move repositions n among the instances sharing its name. anchor is
// required for PositionBefore and PositionAfter and must be such an
// instance.
func (n *Node) Move(pos Position, anchor *Node) error {
	p := n.Parent
	if p == nil {
		return fmt.Errorf("cannot move a detached node")
	}
	if (pos == PositionBefore || pos == PositionAfter) && (anchor == nil || anchor.Parent != p || anchor.Name != n.Name || anchor.Module != n.Module) {
		return fmt.Errorf("move %s: anchor is not a sibling instance", n)
	}
	if anchor == n {
		return nil
	}
	i := p.indexOf(n)
	p.children = append(p.children[:i], p.children[i+1:]...)

	first, last := -1, -1
	for j, x := range p.children {
		if x.Name == n.Name && x.Module == n.Module {
			if first < 0 {
				first = j
			}
			last = j
		}
	}
	at := i
	switch {
	case first < 0:
	case pos == PositionFirst:
		at = first
	case pos == PositionLast:
		at = last + 1
	case pos == PositionBefore:
		at = p.indexOf(anchor)
	case pos == PositionAfter:
		at = p.indexOf(anchor) + 1
	}
	p.children = append(p.children, nil)
	copy(p.children[at+1:], p.children[at:])
	p.children[at] = n
	return nil
}

// Clone returns a deep copy of n. The copy is detached, its descendants
// point to their copied parents.
func (n *Node) Clone() *Node {
	c := &Node{
		Schema:  n.Schema,
		Name:    n.Name,
		Module:  n.Module,
		Default: n.Default,
		output:  n.output,
	}
	c.Value = cloneValue(n.Value)
	if len(n.children) > 0 {
		c.children = make([]*Node, 0, len(n.children))
		for _, x := range n.children {
			xc := x.Clone()
			xc.Parent = c
			c.children = append(c.children, xc)
		}
	}
	return c
}

// counterpart returns the child of n that stands for the same instance as
// o, which belongs to another tree.
func (n *Node) counterpart(o *Node) *Node {
	for _, c := range n.children {
		if c.Name != o.Name || c.Module != o.Module {
			continue
		}
		switch o.Kind() {
		case schema.KindList:
			if sameKeys(c, o) {
				return c
			}
		case schema.KindLeafList:
			if utils.EqualValues(c.Value, o.Value) {
				return c
			}
		default:
			return c
		}
	}
	return nil
}

func sameKeys(a, b *Node) bool {
	for _, k := range schema.Keys(a.Schema) {
		ak, bk := a.Child("", k), b.Child("", k)
		if ak == nil || bk == nil || !utils.EqualValues(ak.Value, bk.Value) {
			return false
		}
	}
	return true
}

// Merge folds src, a node of another tree for the same schema position,
// into n. Leaf values of src win, new instances are appended.
func (n *Node) Merge(src *Node) {
	for _, sc := range src.children {
		dc := n.counterpart(sc)
		if dc == nil {
			n.insert(sc.Clone())
			continue
		}
		switch sc.Kind() {
		case schema.KindLeaf, schema.KindAnydata:
			if sc.Default && !dc.Default {
				continue
			}
			dc.Value = cloneValue(sc.Value)
			dc.Default = sc.Default
		case schema.KindLeafList:
		default:
			dc.Merge(sc)
		}
	}
}

// Replace swaps the content of n for a copy of the content of src.
func (n *Node) Replace(src *Node) {
	n.Clear()
	for _, sc := range src.children {
		c := sc.Clone()
		c.Parent = n
		n.children = append(n.children, c)
	}
	if src.Value != nil {
		n.Value = cloneValue(src.Value)
		n.Default = src.Default
	}
}

func cloneValue(tv *gnmi.TypedValue) *gnmi.TypedValue {
	if tv == nil {
		return nil
	}
	return proto.Clone(tv).(*gnmi.TypedValue)
}

// Walk calls f for n and every descendant in tree order. Returning
// ErrSkipChildren from f skips the descendants of the node.
func (n *Node) Walk(f func(*Node) error) error {
	if err := f(n); err != nil {
		if err == ErrSkipChildren {
			return nil
		}
		return err
	}
	for _, c := range n.children {
		if err := c.Walk(f); err != nil {
			return err
		}
	}
	return nil
}

// ErrSkipChildren is returned by a Walk function to not descend further.
var ErrSkipChildren = errors.New("skip children")

// Prune removes the non-presence containers below n that were left without
// content.
func (n *Node) Prune() {
	kept := n.children[:0]
	for _, c := range n.children {
		c.Prune()
		switch c.Kind() {
		case schema.KindContainer:
			if !schema.IsPresence(c.Schema) && len(c.children) == 0 {
				c.Parent = nil
				continue
			}
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(n.children); i++ {
		n.children[i] = nil
	}
	n.children = kept
}

// schemaChildren returns the schema entries that may appear below n.
func (n *Node) schemaChildren() []*yang.Entry {
	if n.IsRoot() {
		var result []*yang.Entry
		mods := make([]string, 0, len(n.Schema.Dir))
		for m := range n.Schema.Dir {
			mods = append(mods, m)
		}
		sort.Strings(mods)
		for _, m := range mods {
			result = append(result, schema.Children(n.Schema.Dir[m], false)...)
		}
		return result
	}
	return schema.Children(n.Schema, n.output)
}
