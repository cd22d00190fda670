package utils

import (
	"slices"
	"strings"

	"github.com/beevik/etree"
	"github.com/openconfig/gnmi/proto/gnmi"
)

// TypedValueToXML adds an element called name holding tv to parent. Empty
// leaves become empty elements; namespace, when set, is added as xmlns.
func TypedValueToXML(parent *etree.Element, tv *gnmi.TypedValue, name string, namespace string) *etree.Element {
	elem := parent.CreateElement(name)
	if namespace != "" {
		elem.CreateAttr("xmlns", namespace)
	}
	if IsEmptyValue(tv) {
		return elem
	}
	elem.SetText(TypedValueToString(tv))
	return elem
}

// XmlRecursiveSortElementsByTagName - is a function used in testing to recursively sort XML elements by their tag name
func XmlRecursiveSortElementsByTagName(element *etree.Element) {
	// Sort the child elements by their tag name
	slices.SortStableFunc(element.Child, func(i, j etree.Token) int {
		ci, oki := i.(*etree.Element)
		cj, okj := j.(*etree.Element)

		if oki && okj {
			comp := strings.Compare(ci.Tag, cj.Tag)
			if comp != 0 {
				return comp
			}
			attributes := []string{"name", "index"}
			for _, a := range attributes {
				if cic := ci.SelectElement(a); cic != nil {
					cjc := cj.SelectElement(a)
					if cjc == nil {
						return 1
					}
					return strings.Compare(cic.Text(), cjc.Text())
				}
			}
		}
		return 0
	})

	// Recurse into each child element to sort their children
	for _, child := range element.Child {
		if celem, ok := child.(*etree.Element); ok {
			XmlRecursiveSortElementsByTagName(celem)
		}
	}
}
