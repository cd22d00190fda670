package tree

import (
	"github.com/openconfig/goyang/pkg/yang"
	log "github.com/sirupsen/logrus"

	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/utils"
)

// DefaultsScope limits which schema nodes FillDefaults populates.
type DefaultsScope int

const (
	DefaultsAll DefaultsScope = iota
	DefaultsConfig
)

// FillDefaults adds the default leaves the schema declares below n.
// Non-presence containers are created when they end up holding defaults.
// Leaves inside a choice are left alone, the active case is not tracked.
func FillDefaults(n *Node, scope DefaultsScope) {
	for _, e := range n.schemaChildren() {
		if scope == DefaultsConfig && !schema.IsConfig(e) {
			continue
		}
		if e.Parent != nil && schema.KindOf(e.Parent) == schema.KindCase {
			continue
		}
		switch schema.KindOf(e) {
		case schema.KindLeaf:
			def, ok := schema.Default(e)
			if !ok || childBySchema(n, e) != nil {
				continue
			}
			tv, err := utils.Convert(def, e)
			if err != nil {
				log.Debugf("ignoring default %q of %s: %v", def, e.Path(), err)
				continue
			}
			c := n.newChild(e)
			c.Value = tv
			c.Default = true
			n.insert(c)
		case schema.KindContainer:
			if c := childBySchema(n, e); c != nil {
				FillDefaults(c, scope)
				continue
			}
			if schema.IsPresence(e) {
				continue
			}
			c := n.newChild(e)
			FillDefaults(c, scope)
			if len(c.children) > 0 {
				n.insert(c)
			}
		case schema.KindList:
			for _, c := range n.children {
				if c.Schema == e {
					FillDefaults(c, scope)
				}
			}
		}
	}
}

// ClearDefaults removes the default leaves below n together with the
// non-presence containers that held nothing else.
func ClearDefaults(n *Node) {
	kept := n.children[:0]
	for _, c := range n.children {
		if c.Kind() == schema.KindContainer && c.IsDefault() {
			c.Parent = nil
			continue
		}
		if c.Kind() == schema.KindLeaf && c.Default {
			c.Parent = nil
			continue
		}
		ClearDefaults(c)
		kept = append(kept, c)
	}
	for i := len(kept); i < len(n.children); i++ {
		n.children[i] = nil
	}
	n.children = kept
}

func childBySchema(n *Node, e *yang.Entry) *Node {
	for _, c := range n.children {
		if c.Schema == e {
			return c
		}
	}
	return nil
}
