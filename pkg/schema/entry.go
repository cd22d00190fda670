package schema

import (
	"sort"
	"strings"

	"github.com/openconfig/goyang/pkg/yang"
)

// NodeKind is the data-tree relevant classification of a schema entry.
type NodeKind int

const (
	KindUnknown NodeKind = iota
	KindModule
	KindContainer
	KindList
	KindLeaf
	KindLeafList
	KindRPC
	KindAction
	KindNotification
	KindAnydata
	KindChoice
	KindCase
	KindInput
	KindOutput
)

func (k NodeKind) String() string {
	switch k {
	case KindModule:
		return "module"
	case KindContainer:
		return "container"
	case KindList:
		return "list"
	case KindLeaf:
		return "leaf"
	case KindLeafList:
		return "leaf-list"
	case KindRPC:
		return "rpc"
	case KindAction:
		return "action"
	case KindNotification:
		return "notification"
	case KindAnydata:
		return "anydata"
	case KindChoice:
		return "choice"
	case KindCase:
		return "case"
	case KindInput:
		return "input"
	case KindOutput:
		return "output"
	}
	return "unknown"
}

func KindOf(e *yang.Entry) NodeKind {
	if e == nil {
		return KindUnknown
	}
	switch {
	case e.RPC != nil:
		if e.Parent != nil && e.Parent.Parent != nil {
			// rpcs hang directly off the module entry, actions below data nodes
			return KindAction
		}
		return KindRPC
	case e.Kind == yang.NotificationEntry:
		return KindNotification
	case e.Kind == yang.InputEntry:
		return KindInput
	case e.Kind == yang.OutputEntry:
		return KindOutput
	case e.Kind == yang.AnyDataEntry, e.Kind == yang.AnyXMLEntry:
		return KindAnydata
	case e.IsChoice():
		return KindChoice
	case e.IsCase():
		return KindCase
	case e.IsLeaf():
		return KindLeaf
	case e.IsLeafList():
		return KindLeafList
	case e.IsList():
		return KindList
	case e.Parent == nil && e.Node != nil:
		if _, ok := e.Node.(*yang.Module); ok {
			return KindModule
		}
		return KindContainer
	case e.IsDir():
		return KindContainer
	}
	return KindUnknown
}

// IsData reports whether entries of this kind are data tree nodes.
func (k NodeKind) IsData() bool {
	switch k {
	case KindContainer, KindList, KindLeaf, KindLeafList, KindAnydata:
		return true
	}
	return false
}

// IsOperation reports whether the entry is an rpc or action.
func (k NodeKind) IsOperation() bool {
	return k == KindRPC || k == KindAction
}

// Keys returns the list key names in schema order.
func Keys(e *yang.Entry) []string {
	if e == nil || e.Key == "" {
		return nil
	}
	return strings.Fields(e.Key)
}

func IsUserOrdered(e *yang.Entry) bool {
	if e == nil || e.ListAttr == nil || e.ListAttr.OrderedBy == nil {
		return false
	}
	return e.ListAttr.OrderedBy.Name == "user"
}

// IsConfig reports whether the entry holds configuration, walking up to the
// first explicit config statement.
func IsConfig(e *yang.Entry) bool {
	for p := e; p != nil; p = p.Parent {
		if p.Config == yang.TSFalse {
			return false
		}
		switch KindOf(p) {
		case KindNotification, KindInput, KindOutput:
			return false
		}
	}
	return true
}

func IsPresence(e *yang.Entry) bool {
	if e == nil || e.Extra == nil {
		return false
	}
	return len(e.Extra["presence"]) > 0
}

func IsMandatory(e *yang.Entry) bool {
	return e != nil && e.Mandatory.Value()
}

// Default returns the single default value of a leaf.
func Default(e *yang.Entry) (string, bool) {
	if e == nil || !e.IsLeaf() {
		return "", false
	}
	return e.SingleDefaultValue()
}

// ModuleName returns the name of the module that defines e.
func ModuleName(e *yang.Entry) string {
	if e == nil {
		return ""
	}
	if e.Node != nil {
		if m := yang.RootNode(e.Node); m != nil {
			if m.BelongsTo != nil {
				return m.BelongsTo.Name
			}
			return m.Name
		}
	}
	if e.Parent != nil {
		return ModuleName(e.Parent)
	}
	return e.Name
}

// Children returns the data children of e sorted by name, descending
// through choices and cases. For rpcs and actions the input children are
// returned unless output is set.
func Children(e *yang.Entry, output bool) []*yang.Entry {
	if e == nil {
		return nil
	}
	dir := e.Dir
	if e.RPC != nil {
		io := e.RPC.Input
		if output {
			io = e.RPC.Output
		}
		if io == nil {
			return nil
		}
		dir = io.Dir
	}
	names := make([]string, 0, len(dir))
	for name := range dir {
		names = append(names, name)
	}
	sort.Strings(names)
	result := make([]*yang.Entry, 0, len(dir))
	for _, name := range names {
		c := dir[name]
		switch KindOf(c) {
		case KindChoice, KindCase:
			result = append(result, Children(c, false)...)
		default:
			result = append(result, c)
		}
	}
	return result
}

// Child resolves the child called name, transparently descending through
// choices and cases. For rpcs and actions it looks into input, or output
// if output is set. module, when set, must match the defining module.
func Child(e *yang.Entry, module, name string, output bool) *yang.Entry {
	if e == nil {
		return nil
	}
	if e.RPC != nil {
		io := e.RPC.Input
		if output {
			io = e.RPC.Output
		}
		if io == nil {
			return nil
		}
		e = io
	}
	c := findChild(e, name)
	if c == nil {
		return nil
	}
	if module != "" && ModuleName(c) != module {
		return nil
	}
	return c
}

func findChild(e *yang.Entry, name string) *yang.Entry {
	if e == nil || e.Dir == nil {
		return nil
	}
	if c, ok := e.Dir[name]; ok {
		switch KindOf(c) {
		case KindChoice, KindCase:
		default:
			return c
		}
	}
	for _, c := range e.Dir {
		switch KindOf(c) {
		case KindChoice, KindCase:
			if found := findChild(c, name); found != nil {
				return found
			}
		}
	}
	return nil
}

// DataParent returns the closest ancestor that is a data node, rpc, action
// or notification, skipping choices, cases and input/output.
func DataParent(e *yang.Entry) *yang.Entry {
	for p := e.Parent; p != nil; p = p.Parent {
		switch KindOf(p) {
		case KindChoice, KindCase, KindInput, KindOutput:
			continue
		}
		return p
	}
	return nil
}
