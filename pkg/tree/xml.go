package tree

import (
	"github.com/beevik/etree"
	"github.com/openconfig/goyang/pkg/yang"

	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/utils"
)

// ToXML yields the xml representation of the tree below n. Elements carry
// an xmlns attribute where their module differs from their parent's.
// Default leaves are only present with includeDefaults.
func ToXML(n *Node, includeDefaults bool) *etree.Document {
	doc := etree.NewDocument()
	if n.IsRoot() {
		for _, c := range n.children {
			toXML(&doc.Element, c, "", includeDefaults)
		}
		return doc
	}
	toXML(&doc.Element, n, "", includeDefaults)
	return doc
}

func toXML(parent *etree.Element, n *Node, parentModule string, includeDefaults bool) {
	if n.IsDefault() && !includeDefaults {
		return
	}
	ns := ""
	if n.Module != parentModule {
		ns = namespace(n.Schema)
	}
	switch n.Kind() {
	case schema.KindLeaf, schema.KindLeafList, schema.KindAnydata:
		utils.TypedValueToXML(parent, n.Value, n.Name, ns)
		return
	}
	elem := parent.CreateElement(n.Name)
	if ns != "" {
		elem.CreateAttr("xmlns", ns)
	}
	for _, c := range n.children {
		toXML(elem, c, n.Module, includeDefaults)
	}
}

func namespace(e *yang.Entry) string {
	if e == nil || e.Node == nil {
		return ""
	}
	m := yang.RootNode(e.Node)
	if m == nil || m.Namespace == nil {
		return ""
	}
	return m.Namespace.Name
}
