package cmd

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/openconfig/gnmi/proto/gnmi"
	"google.golang.org/protobuf/encoding/prototext"

	"github.com/sdcio/dsruntime/pkg/convert"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/utils"
)

func printNotifications(ns []*gnmi.Notification) error {
	for _, n := range ns {
		switch format {
		case "json":
			fmt.Println(utils.IndentProtoJSON(n))
		case "flat":
			for _, upd := range n.GetUpdate() {
				p := schema.FromGNMI(n.GetPrefix(), upd.GetPath())
				fmt.Printf("%s: %s\n", p, utils.TypedValueToString(upd.GetVal()))
			}
			for _, del := range n.GetDelete() {
				fmt.Printf("%s: deleted\n", schema.FromGNMI(n.GetPrefix(), del))
			}
		case "xml":
			s, err := notificationToXML(n)
			if err != nil {
				return err
			}
			fmt.Print(s)
		default:
			fmt.Println(prototext.Format(n))
		}
	}
	return nil
}

// notificationToXML renders the updates of n as one element tree per
// update, nested below the names of the update path.
func notificationToXML(n *gnmi.Notification) (string, error) {
	doc := etree.NewDocument()
	for _, upd := range n.GetUpdate() {
		p := schema.FromGNMI(n.GetPrefix(), upd.GetPath())
		parent := &doc.Element
		for i, e := range p {
			if i == len(p)-1 {
				break
			}
			parent = parent.CreateElement(e.Name)
			for _, k := range e.Keys {
				parent.CreateElement(k.Name).SetText(k.Value)
			}
		}
		var b []byte
		switch v := upd.GetVal().GetValue().(type) {
		case *gnmi.TypedValue_JsonIetfVal:
			b = v.JsonIetfVal
		case *gnmi.TypedValue_JsonVal:
			b = v.JsonVal
		default:
			name := "data"
			if len(p) > 0 {
				name = p[len(p)-1].Name
			}
			utils.TypedValueToXML(parent, upd.GetVal(), name, "")
			continue
		}
		if len(p) == 0 {
			m, err := convert.ParseJSON(bytes.NewReader(b))
			if err != nil {
				return "", err
			}
			mapToXML(parent, m)
			continue
		}
		last := p[len(p)-1]
		b = bytes.TrimSpace(b)
		if len(b) > 0 && b[0] == '{' {
			m, err := convert.ParseJSON(bytes.NewReader(b))
			if err != nil {
				return "", err
			}
			elem := parent.CreateElement(last.Name)
			for _, k := range last.Keys {
				if _, ok := m.Get(k.Name); !ok {
					elem.CreateElement(k.Name).SetText(k.Value)
				}
			}
			mapToXML(elem, m)
			continue
		}
		parent.CreateElement(last.Name).SetText(strings.Trim(string(b), `"`))
	}
	doc.Indent(2)
	return doc.WriteToString()
}

func mapToXML(parent *etree.Element, m convert.Map) {
	for _, it := range m {
		name := it.Key
		if i := strings.Index(name, ":"); i >= 0 {
			name = name[i+1:]
		}
		valueToXML(parent, name, it.Value)
	}
}

func valueToXML(parent *etree.Element, name string, v any) {
	switch v := v.(type) {
	case convert.Map:
		mapToXML(parent.CreateElement(name), v)
	case []convert.Map:
		for _, e := range v {
			mapToXML(parent.CreateElement(name), e)
		}
	case []any:
		for _, e := range v {
			valueToXML(parent, name, e)
		}
	case nil:
		parent.CreateElement(name)
	default:
		parent.CreateElement(name).SetText(fmt.Sprint(v))
	}
}
