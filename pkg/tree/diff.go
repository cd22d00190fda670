package tree

import (
	"github.com/openconfig/gnmi/proto/gnmi"

	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/utils"
)

// Op is the kind of a change between two trees.
type Op int

const (
	OpCreated Op = iota + 1
	OpModified
	OpDeleted
	OpMoved
)

func (o Op) String() string {
	switch o {
	case OpCreated:
		return "created"
	case OpModified:
		return "modified"
	case OpDeleted:
		return "deleted"
	case OpMoved:
		return "moved"
	}
	return "unknown"
}

// Change is one difference between two trees.
type Change struct {
	Op Op
	// Node is the affected node. It belongs to the new tree, except for
	// OpDeleted where it belongs to the old one.
	Node *Node
	// Prev is the previous value of a modified or deleted leaf.
	Prev        *gnmi.TypedValue
	PrevDefault bool
	// After names the instance preceding a created or moved entry of a
	// user-ordered list or leaf-list, "" when it became the first one. See
	// Node.Predicate.
	After string
}

// Path returns the path of the affected node.
func (c *Change) Path() schema.Path {
	return c.Node.Path()
}

// Diff returns the changes turning old into new in document order of new,
// deletions of a level following the creations and modifications of that
// level. Every created or deleted descendant is reported on its own.
func Diff(old, new *Node) []*Change {
	var result []*Change
	diffChildren(&result, old, new)
	return result
}

func diffChildren(out *[]*Change, o, n *Node) {
	moved := movedInstances(o, n)
	seen := make(map[*Node]struct{}, len(o.children))
	for _, nc := range n.children {
		oc := o.counterpart(nc)
		if oc == nil {
			addSubtree(out, OpCreated, nc)
			continue
		}
		seen[oc] = struct{}{}
		switch nc.Kind() {
		case schema.KindLeaf, schema.KindAnydata:
			if !utils.EqualValues(oc.Value, nc.Value) {
				*out = append(*out, &Change{Op: OpModified, Node: nc, Prev: oc.Value, PrevDefault: oc.Default})
			}
		case schema.KindLeafList:
			if _, ok := moved[nc]; ok {
				*out = append(*out, &Change{Op: OpMoved, Node: nc, After: predecessor(nc)})
			}
		default:
			if _, ok := moved[nc]; ok {
				*out = append(*out, &Change{Op: OpMoved, Node: nc, After: predecessor(nc)})
			}
			diffChildren(out, oc, nc)
		}
	}
	for _, oc := range o.children {
		if _, ok := seen[oc]; !ok {
			addSubtree(out, OpDeleted, oc)
		}
	}
}

func addSubtree(out *[]*Change, op Op, n *Node) {
	_ = n.Walk(func(x *Node) error {
		c := &Change{Op: op, Node: x}
		switch op {
		case OpCreated:
			if isUserOrdered(x) {
				c.After = predecessor(x)
			}
		case OpDeleted:
			c.Prev = x.Value
			c.PrevDefault = x.Default
		}
		*out = append(*out, c)
		return nil
	})
}

func isUserOrdered(n *Node) bool {
	switch n.Kind() {
	case schema.KindList, schema.KindLeafList:
		return schema.IsUserOrdered(n.Schema)
	}
	return false
}

// predecessor names the instance in front of n, "" if n is the first.
func predecessor(n *Node) string {
	var prev *Node
	for _, x := range n.Parent.children {
		if x == n {
			break
		}
		if x.Name == n.Name && x.Module == n.Module {
			prev = x
		}
	}
	if prev == nil {
		return ""
	}
	return prev.Predicate()
}

// movedInstances returns the user-ordered instances of n whose relative
// order changed compared to o. The instances outside of the longest common
// subsequence of both orders count as moved.
func movedInstances(o, n *Node) map[*Node]struct{} {
	var result map[*Node]struct{}
	groups := map[string][]*Node{}
	var names []string
	for _, nc := range n.children {
		if !isUserOrdered(nc) {
			continue
		}
		k := nc.Module + ":" + nc.Name
		if _, ok := groups[k]; !ok {
			names = append(names, k)
		}
		groups[k] = append(groups[k], nc)
	}
	for _, k := range names {
		// common instances in new order, with their index in old order
		var common []*Node
		var oldIdx []int
		oldPos := map[*Node]int{}
		i := 0
		for _, oc := range o.children {
			if oc.Module+":"+oc.Name == k {
				oldPos[oc] = i
				i++
			}
		}
		for _, nc := range groups[k] {
			if oc := o.counterpart(nc); oc != nil {
				common = append(common, nc)
				oldIdx = append(oldIdx, oldPos[oc])
			}
		}
		keep := longestIncreasing(oldIdx)
		for j, nc := range common {
			if !keep[j] {
				if result == nil {
					result = map[*Node]struct{}{}
				}
				result[nc] = struct{}{}
			}
		}
	}
	return result
}

// longestIncreasing marks the members of a longest strictly increasing
// subsequence of s.
func longestIncreasing(s []int) []bool {
	keep := make([]bool, len(s))
	if len(s) == 0 {
		return keep
	}
	length := make([]int, len(s))
	prev := make([]int, len(s))
	best := 0
	for i := range s {
		length[i] = 1
		prev[i] = -1
		for j := 0; j < i; j++ {
			if s[j] < s[i] && length[j]+1 > length[i] {
				length[i] = length[j] + 1
				prev[i] = j
			}
		}
		if length[i] > length[best] {
			best = i
		}
	}
	for i := best; i >= 0; i = prev[i] {
		keep[i] = true
	}
	return keep
}
