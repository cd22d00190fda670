package tree

import (
	"time"

	"github.com/openconfig/gnmi/proto/gnmi"

	"github.com/sdcio/dsruntime/pkg/schema"
)

// ToUpdates returns one update per leaf, leaf-list entry and anydata node
// below n, plus one without value per empty presence container or list
// entry. Default leaves are skipped unless includeDefaults is set.
func ToUpdates(n *Node, includeDefaults bool) []*gnmi.Update {
	var result []*gnmi.Update
	_ = n.Walk(func(x *Node) error {
		switch x.Kind() {
		case schema.KindLeaf, schema.KindLeafList, schema.KindAnydata:
			if x.Default && !includeDefaults {
				return nil
			}
			result = append(result, &gnmi.Update{Path: x.Path().ToGNMI(), Val: cloneValue(x.Value)})
			return ErrSkipChildren
		case schema.KindContainer:
			if !x.IsRoot() && schema.IsPresence(x.Schema) && len(x.children) == 0 {
				result = append(result, &gnmi.Update{Path: x.Path().ToGNMI()})
			}
		}
		return nil
	})
	return result
}

// ToNotification wraps the updates of n into a notification.
func ToNotification(n *Node, includeDefaults bool) *gnmi.Notification {
	return &gnmi.Notification{
		Timestamp: time.Now().UnixNano(),
		Update:    ToUpdates(n, includeDefaults),
	}
}

// LoadUpdates adds the content of updates, as produced by ToUpdates, to the
// root n.
func (n *Node) LoadUpdates(sch *schema.Schema, updates []*gnmi.Update) error {
	for _, u := range updates {
		res, err := sch.Resolve(schema.FromGNMI(nil, u.GetPath()))
		if err != nil {
			return err
		}
		x, err := n.Ensure(res)
		if err != nil {
			return err
		}
		switch x.Kind() {
		case schema.KindLeaf, schema.KindAnydata:
			x.SetValue(cloneValue(u.GetVal()))
		}
	}
	return nil
}
