package cmd

import (
	"strings"
	"testing"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUpdates(t *testing.T) {
	upds, err := parseUpdates([]string{`/example:system/hostname:::"r1"`})
	require.NoError(t, err)
	require.Len(t, upds, 1)
	assert.Equal(t, "example:system", upds[0].GetPath().GetElem()[0].GetName())
	assert.Equal(t, `"r1"`, string(upds[0].GetVal().GetJsonIetfVal()))

	_, err = parseUpdates([]string{"/example:system/hostname"})
	assert.Error(t, err)
}

func TestNotificationToXML(t *testing.T) {
	n := &gnmi.Notification{Update: []*gnmi.Update{{
		Path: &gnmi.Path{Elem: []*gnmi.PathElem{
			{Name: "example:network"},
			{Name: "interface", Key: map[string]string{"name": "eth0"}},
		}},
		Val: &gnmi.TypedValue{Value: &gnmi.TypedValue_JsonIetfVal{JsonIetfVal: []byte(`{"mtu":1500,"tags":["a","b"]}`)}},
	}}}
	s, err := notificationToXML(n)
	require.NoError(t, err)
	want := `<network>
  <interface>
    <name>eth0</name>
    <mtu>1500</mtu>
    <tags>a</tags>
    <tags>b</tags>
  </interface>
</network>
`
	assert.Equal(t, want, s)
}

func TestNotificationToXMLLeaf(t *testing.T) {
	n := &gnmi.Notification{Update: []*gnmi.Update{{
		Path: &gnmi.Path{Elem: []*gnmi.PathElem{{Name: "example:system"}, {Name: "hostname"}}},
		Val:  &gnmi.TypedValue{Value: &gnmi.TypedValue_StringVal{StringVal: "r1"}},
	}}}
	s, err := notificationToXML(n)
	require.NoError(t, err)
	assert.Equal(t, "<system>\n  <hostname>r1</hostname>\n</system>", strings.TrimSpace(s))
}
