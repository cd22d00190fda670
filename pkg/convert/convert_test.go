package convert

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/types"
	"github.com/sdcio/dsruntime/pkg/utils/testhelper"
)

func TestToNativeRoundTrip(t *testing.T) {
	sch := testhelper.LoadSchema(t)

	tests := []struct {
		name string
		in   Map
	}{
		{
			name: "empty",
			in:   Map{},
		},
		{
			name: "leaves of several types",
			in: Map{
				{Key: "system", Value: Map{
					{Key: "hostname", Value: "foobar"},
					{Key: "mtu", Value: uint64(9000)},
					{Key: "temperature-offset", Value: 1.5},
					{Key: "debug", Value: nil},
					{Key: "retry-count", Value: int64(-3)},
					{Key: "ntp-server", Value: []any{"10.0.0.2", "10.0.0.1"}},
				}},
			},
		},
		{
			name: "integer bounds",
			in: Map{
				{Key: "system", Value: Map{
					{Key: "retry-count", Value: int64(math.MinInt8)},
					{Key: "uptime-limit", Value: int64(math.MinInt64)},
					{Key: "counter", Value: uint64(math.MaxUint64)},
				}},
			},
		},
		{
			name: "typedef range, enumeration, binary and identityref",
			in: Map{
				{Key: "system", Value: Map{
					{Key: "load-threshold", Value: uint64(100)},
					{Key: "log-level", Value: "debug"},
					{Key: "banner", Value: []byte{0x00, 0x01, 0xfe, 0xff}},
					{Key: "alarm-kind", Value: "example:overheat"},
				}},
			},
		},
		{
			name: "union takes the numeric member",
			in: Map{
				{Key: "system", Value: Map{{Key: "port-or-name", Value: uint64(8080)}}},
			},
		},
		{
			name: "union falls back to the string member",
			in: Map{
				{Key: "system", Value: Map{{Key: "port-or-name", Value: "http"}}},
			},
		},
		{
			name: "lists keep entry order",
			in: Map{
				{Key: "network", Value: Map{
					{Key: "interface", Value: []Map{
						{{Key: "name", Value: "eth1"}, {Key: "up", Value: true}},
						{{Key: "name", Value: "eth0"}, {Key: "address", Value: "10.0.0.1/24"}},
					}},
					{Key: "route", Value: []Map{
						{{Key: "prefix", Value: "0.0.0.0/0"}, {Key: "vrf", Value: "default"}, {Key: "next-hop", Value: "10.0.0.254"}},
					}},
				}},
			},
		},
		{
			name: "presence container without content",
			in: Map{
				{Key: "syslog", Value: Map{}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := ToNative(sch, tt.in, "/")
			if err != nil {
				t.Fatalf("ToNative: %v", err)
			}
			got := FromNative(n, Options{})
			if diff := cmp.Diff(tt.in, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFromNativeDefaults(t *testing.T) {
	sch := testhelper.LoadSchema(t)

	n, err := ToNative(sch, Map{{Key: "system", Value: Map{{Key: "hostname", Value: "foobar"}}}}, "")
	if err != nil {
		t.Fatal(err)
	}

	without := FromNative(n, Options{})
	if diff := cmp.Diff(Map{{Key: "system", Value: Map{{Key: "hostname", Value: "foobar"}}}}, without); diff != "" {
		t.Errorf("defaults leaked into the result (-want +got):\n%s", diff)
	}

	with := FromNative(n, Options{IncludeDefaults: true})
	sys := with.GetMap("system")
	for key, want := range map[string]any{
		"hostname":  "foobar",
		"timezone":  "UTC",
		"mtu":       uint64(1500),
		"log-level": "info",
	} {
		got, ok := sys.Get(key)
		if !ok {
			t.Errorf("%s missing with IncludeDefaults", key)
			continue
		}
		if !cmp.Equal(want, got) {
			t.Errorf("%s = %v (%T), want %v (%T)", key, got, got, want, want)
		}
	}

	noDefaults, err := ToNative(sch, Map{}, "/", NoDefaults())
	if err != nil {
		t.Fatal(err)
	}
	if got := FromNative(noDefaults, Options{IncludeDefaults: true, KeepEmptyContainers: true}); len(got) != 0 {
		t.Errorf("NoDefaults tree has content: %v", got)
	}
}

func TestFromNativeQualified(t *testing.T) {
	sch := testhelper.LoadSchema(t)

	n, err := ToNative(sch, Map{{Key: "example:system", Value: Map{{Key: "hostname", Value: "foobar"}}}}, "/")
	if err != nil {
		t.Fatal(err)
	}
	want := Map{{Key: "example:system", Value: Map{{Key: "hostname", Value: "foobar"}}}}
	if diff := cmp.Diff(want, FromNative(n, Options{Qualified: true})); diff != "" {
		t.Errorf("qualified names mismatch (-want +got):\n%s", diff)
	}
}

func TestToNativeErrors(t *testing.T) {
	sch := testhelper.LoadSchema(t)

	tests := []struct {
		name    string
		in      Map
		at      string
		wantErr error
	}{
		{
			name:    "unknown top level node",
			in:      Map{{Key: "bogus", Value: Map{}}},
			wantErr: types.ErrUnknownElement,
		},
		{
			name:    "unknown leaf",
			in:      Map{{Key: "system", Value: Map{{Key: "bogus", Value: "x"}}}},
			wantErr: types.ErrUnknownElement,
		},
		{
			name:    "value out of range",
			in:      Map{{Key: "system", Value: Map{{Key: "mtu", Value: uint64(20)}}}},
			wantErr: types.ErrTypeMismatch,
		},
		{
			name:    "int8 overflow",
			in:      Map{{Key: "system", Value: Map{{Key: "retry-count", Value: int64(128)}}}},
			wantErr: types.ErrTypeMismatch,
		},
		{
			name:    "int8 underflow",
			in:      Map{{Key: "system", Value: Map{{Key: "retry-count", Value: int64(-129)}}}},
			wantErr: types.ErrTypeMismatch,
		},
		{
			name:    "typedef range overflow",
			in:      Map{{Key: "system", Value: Map{{Key: "load-threshold", Value: uint64(101)}}}},
			wantErr: types.ErrTypeMismatch,
		},
		{
			name:    "negative uint64",
			in:      Map{{Key: "system", Value: Map{{Key: "counter", Value: int64(-1)}}}},
			wantErr: types.ErrTypeMismatch,
		},
		{
			name:    "unknown enum value",
			in:      Map{{Key: "system", Value: Map{{Key: "log-level", Value: "verbose"}}}},
			wantErr: types.ErrTypeMismatch,
		},
		{
			name:    "identity not derived from the base",
			in:      Map{{Key: "system", Value: Map{{Key: "alarm-kind", Value: "example:bogus"}}}},
			wantErr: types.ErrTypeMismatch,
		},
		{
			name:    "no union member fits",
			in:      Map{{Key: "system", Value: Map{{Key: "port-or-name", Value: true}}}},
			wantErr: types.ErrTypeMismatch,
		},
		{
			name:    "binary that is not base64",
			in:      Map{{Key: "system", Value: Map{{Key: "banner", Value: "not base64!"}}}},
			wantErr: types.ErrTypeMismatch,
		},
		{
			name:    "string for a boolean",
			in:      Map{{Key: "network", Value: Map{{Key: "interface", Value: []Map{{{Key: "name", Value: "eth0"}, {Key: "up", Value: "maybe"}}}}}}},
			wantErr: types.ErrTypeMismatch,
		},
		{
			name:    "scalar for a container",
			in:      Map{{Key: "system", Value: "foobar"}},
			wantErr: types.ErrTypeMismatch,
		},
		{
			name:    "list entry without key",
			in:      Map{{Key: "network", Value: Map{{Key: "interface", Value: []Map{{{Key: "up", Value: true}}}}}}},
			wantErr: types.ErrInvalidPath,
		},
		{
			name: "duplicate list entry",
			in: Map{{Key: "network", Value: Map{{Key: "interface", Value: []Map{
				{{Key: "name", Value: "eth0"}},
				{{Key: "name", Value: "eth0"}},
			}}}}},
			wantErr: types.ErrInvalidPath,
		},
		{
			name:    "duplicate leaf-list value",
			in:      Map{{Key: "system", Value: Map{{Key: "dns-search", Value: []any{"a", "a"}}}}},
			wantErr: types.ErrInvalidPath,
		},
		{
			name:    "output leaf in rpc input",
			in:      Map{{Key: "message", Value: "bye"}},
			at:      "/poweroff",
			wantErr: types.ErrUnknownElement,
		},
		{
			name:    "mapping below a leaf",
			in:      Map{{Key: "x", Value: "y"}},
			at:      "/system/hostname",
			wantErr: types.ErrInvalidPath,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ToNative(sch, tt.in, tt.at)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestToNativeOperations(t *testing.T) {
	sch := testhelper.LoadSchema(t)

	in, err := ToNative(sch, Map{{Key: "behaviour", Value: "success"}}, "/poweroff")
	if err != nil {
		t.Fatal(err)
	}
	if in.Kind() != schema.KindRPC {
		t.Fatalf("context node kind = %s, want rpc", in.Kind())
	}
	if diff := cmp.Diff(Map{{Key: "behaviour", Value: "success"}}, FromNative(in, Options{})); diff != "" {
		t.Errorf("rpc input mismatch (-want +got):\n%s", diff)
	}

	out, err := ToNative(sch, Map{{Key: "message", Value: "bye"}}, "/poweroff", Output())
	if err != nil {
		t.Fatal(err)
	}
	if !out.IsOutput() {
		t.Error("rpc node built with Output() does not report IsOutput")
	}
	if diff := cmp.Diff(Map{{Key: "message", Value: "bye"}}, FromNative(out, Options{})); diff != "" {
		t.Errorf("rpc output mismatch (-want +got):\n%s", diff)
	}

	action, err := ToNative(sch, Map{}, "/alarms/alarm[name=fan]/trigger")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Map{{Key: "duration", Value: uint64(1)}}, FromNative(action, Options{IncludeDefaults: true})); diff != "" {
		t.Errorf("action input defaults mismatch (-want +got):\n%s", diff)
	}
	if got := action.Parent.Path().String(); got != "/example:alarms/alarm[name='fan']" {
		t.Errorf("action parent = %s", got)
	}
}

func TestFromNativeAt(t *testing.T) {
	sch := testhelper.LoadSchema(t)

	root, err := ToNative(sch, Map{{Key: "network", Value: Map{{Key: "interface", Value: []Map{
		{{Key: "name", Value: "eth0"}, {Key: "address", Value: "10.0.0.1/24"}},
		{{Key: "name", Value: "eth1"}},
	}}}}}, "/")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want Map
	}{
		{
			name: "leaf in list entry",
			path: "/network/interface[name=eth0]/address",
			want: Map{{Key: "network", Value: Map{{Key: "interface", Value: []Map{
				{{Key: "name", Value: "eth0"}, {Key: "address", Value: "10.0.0.1/24"}},
			}}}}},
		},
		{
			name: "key leaf",
			path: "/network/interface[name=eth1]/name",
			want: Map{{Key: "network", Value: Map{{Key: "interface", Value: []Map{
				{{Key: "name", Value: "eth1"}},
			}}}}},
		},
		{
			name: "list entry",
			path: "/network/interface[name=eth1]",
			want: Map{{Key: "network", Value: Map{{Key: "interface", Value: []Map{
				{{Key: "name", Value: "eth1"}},
			}}}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := schema.ParsePath(tt.path)
			if err != nil {
				t.Fatal(err)
			}
			n := root.Find(p)
			if n == nil {
				t.Fatalf("%s not found", tt.path)
			}
			if diff := cmp.Diff(tt.want, FromNativeAt(n, Options{})); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMapJSON(t *testing.T) {
	doc := `{"zeta":1,"alpha":{"b":"x","a":[true,null]},"list":[{"k":"v"}]}`
	m, err := ParseJSON(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"zeta", "alpha", "list"}, m.Keys()); diff != "" {
		t.Errorf("key order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b", "a"}, m.GetMap("alpha").Keys()); diff != "" {
		t.Errorf("nested key order mismatch (-want +got):\n%s", diff)
	}
	if v, _ := m.Get("zeta"); v != json.Number("1") {
		t.Errorf("zeta = %#v, want json.Number(1)", v)
	}

	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != doc {
		t.Errorf("marshal = %s, want %s", b, doc)
	}

	if _, err := ParseJSON(strings.NewReader(`[1,2]`)); err == nil {
		t.Error("array document accepted as a Map")
	}
}

func TestMapYAML(t *testing.T) {
	doc := "system:\n  hostname: foobar\n  ntp-server:\n  - b\n  - a\nnetwork: {}\n"
	m, err := ParseYAML([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"system", "network"}, m.Keys()); diff != "" {
		t.Errorf("key order mismatch (-want +got):\n%s", diff)
	}
	if v, _ := m.GetMap("system").Get("ntp-server"); !cmp.Equal(v, []any{"b", "a"}) {
		t.Errorf("ntp-server = %#v", v)
	}

	sch := testhelper.LoadSchema(t)
	n, err := ToNative(sch, m, "/")
	if err != nil {
		t.Fatal(err)
	}
	got := FromNative(n, Options{})
	if diff := cmp.Diff([]string{"system"}, got.Keys()); diff != "" {
		t.Errorf("empty np container kept (-want +got):\n%s", diff)
	}
}

func TestMapClone(t *testing.T) {
	m := Map{{Key: "a", Value: Map{{Key: "b", Value: []any{"x"}}}}}
	c := m.Clone()
	sub := c.GetMap("a")
	sub.Set("b", []any{"y"})
	if v, _ := m.GetMap("a").Get("b"); !cmp.Equal(v, []any{"x"}) {
		t.Errorf("clone shares state with the original: %v", v)
	}
}
