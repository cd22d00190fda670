package tree

import (
	"fmt"
	"strings"

	"github.com/openconfig/goyang/pkg/yang"

	"github.com/sdcio/dsruntime/pkg/config"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/types"
	"github.com/sdcio/dsruntime/pkg/utils"
)

// Validate checks the tree below n against the schema constraints that do
// not need XPath evaluation: mandatory leaves, list keys, element counts
// and leafref targets. must and when statements are not evaluated.
func Validate(n *Node, disabled config.Validators) types.ValidationResult {
	result := types.ValidationResult{}
	_ = n.Walk(func(x *Node) error {
		switch x.Kind() {
		case schema.KindLeaf, schema.KindLeafList:
			if !disabled.Leafref {
				validateLeafref(result, x)
			}
			return ErrSkipChildren
		case schema.KindAnydata:
			return ErrSkipChildren
		case schema.KindList:
			if !disabled.ListKeys {
				validateKeys(result, x)
			}
		}
		if !x.IsRoot() {
			if !disabled.Mandatory {
				validateMandatory(result, x)
			}
			if !disabled.MaxElements {
				validateElementCounts(result, x)
			}
		}
		return nil
	})
	return result
}

func addError(r types.ValidationResult, n *Node, format string, args ...any) {
	r.AddEntry(types.NewValidationResultEntry(n.Module, n.Path().String(), fmt.Sprintf(format, args...), types.ValidationResultEntryTypeError))
}

func validateKeys(r types.ValidationResult, n *Node) {
	for _, k := range schema.Keys(n.Schema) {
		if kn := n.Child("", k); kn == nil || kn.Value == nil {
			addError(r, n, "list entry is missing the key %q", k)
		}
	}
}

func validateMandatory(r types.ValidationResult, n *Node) {
	for _, e := range n.schemaChildren() {
		if !schema.IsMandatory(e) {
			continue
		}
		switch schema.KindOf(e) {
		case schema.KindLeaf, schema.KindAnydata:
			if childBySchema(n, e) == nil {
				addError(r, n, "mandatory %s %q is missing", schema.KindOf(e), e.Name)
			}
		}
	}
}

func validateElementCounts(r types.ValidationResult, n *Node) {
	for _, e := range n.schemaChildren() {
		switch schema.KindOf(e) {
		case schema.KindList, schema.KindLeafList:
		default:
			continue
		}
		if e.ListAttr == nil {
			continue
		}
		count := uint64(0)
		for _, c := range n.children {
			if c.Schema == e {
				count++
			}
		}
		if e.ListAttr.MaxElements > 0 && count > e.ListAttr.MaxElements {
			addError(r, n, "%q has %d elements, at most %d are allowed", e.Name, count, e.ListAttr.MaxElements)
		}
		if count > 0 && count < e.ListAttr.MinElements {
			addError(r, n, "%q has %d elements, at least %d are required", e.Name, count, e.ListAttr.MinElements)
		}
	}
}

func validateLeafref(r types.ValidationResult, n *Node) {
	yt := n.Schema.Type
	if yt == nil || yt.Kind != yang.Yleafref || yt.OptionalInstance || n.Value == nil {
		return
	}
	for _, t := range LeafrefTargets(n, yt.Path) {
		if utils.EqualValues(t.Value, n.Value) || valueMatches(t, utils.TypedValueToString(n.Value)) {
			return
		}
	}
	addError(r, n, "leafref %s: no instance with value %q", yt.Path, utils.TypedValueToString(n.Value))
}

// LeafrefTargets returns the nodes the leafref path of n selects, with
// predicates ignored.
func LeafrefTargets(n *Node, path string) []*Node {
	path = stripPredicates(path)
	var cur []*Node
	if strings.HasPrefix(path, "/") {
		cur = []*Node{n.Root()}
	} else {
		cur = []*Node{n}
	}
	for _, el := range strings.Split(strings.Trim(path, "/"), "/") {
		if el == "" || el == "." {
			continue
		}
		var next []*Node
		if el == ".." {
			for _, x := range cur {
				if x.Parent != nil {
					next = append(next, x.Parent)
				}
			}
		} else {
			if i := strings.Index(el, ":"); i >= 0 {
				el = el[i+1:]
			}
			for _, x := range cur {
				next = append(next, x.Instances("", el)...)
			}
		}
		cur = next
	}
	return cur
}

func stripPredicates(p string) string {
	sb := &strings.Builder{}
	depth := 0
	for _, r := range p {
		switch {
		case r == '[':
			depth++
		case r == ']':
			depth--
		case depth == 0:
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(sb.String())
}
