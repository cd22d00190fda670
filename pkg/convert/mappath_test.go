package convert

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sdcio/dsruntime/pkg/schema"
)

func mustPath(t *testing.T, s string) schema.Path {
	t.Helper()
	p, err := schema.ParsePath(s)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func strPtr(s string) *string { return &s }

func TestSetPath(t *testing.T) {
	m := Map{}
	steps := []struct {
		path  string
		value any
		after *string
	}{
		{path: "/system/hostname", value: "foobar"},
		{path: "/network/interface[name=eth1]", value: Map{{Key: "name", Value: "eth1"}}},
		{path: "/network/interface[name=eth0]", value: Map{{Key: "name", Value: "eth0"}}, after: strPtr("")},
		{path: "/network/interface[name=eth2]/up", value: true},
		{path: "/system/ntp-server[.=b]", value: "b"},
		{path: "/system/ntp-server[.=a]", value: "a", after: strPtr("")},
		{path: "/system/ntp-server[.=c]", value: "c", after: strPtr("a")},
		{path: "/system/hostname", value: "bar"},
	}
	for _, s := range steps {
		if err := SetPath(&m, mustPath(t, s.path), s.value, s.after); err != nil {
			t.Fatalf("SetPath(%s): %v", s.path, err)
		}
	}
	want := Map{
		{Key: "system", Value: Map{
			{Key: "hostname", Value: "bar"},
			{Key: "ntp-server", Value: []any{"a", "c", "b"}},
		}},
		{Key: "network", Value: Map{
			{Key: "interface", Value: []Map{
				{{Key: "name", Value: "eth0"}},
				{{Key: "name", Value: "eth1"}},
				{{Key: "name", Value: "eth2"}, {Key: "up", Value: true}},
			}},
		}},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if err := SetPath(&m, mustPath(t, "/system/ntp-server[.=d]"), "d", strPtr("missing")); err == nil {
		t.Error("SetPath after a missing instance succeeded")
	}
}

func TestDeletePath(t *testing.T) {
	m := Map{
		{Key: "system", Value: Map{
			{Key: "hostname", Value: "foobar"},
			{Key: "ntp-server", Value: []any{"a"}},
		}},
		{Key: "network", Value: Map{
			{Key: "interface", Value: []Map{
				{{Key: "name", Value: "eth0"}, {Key: "up", Value: true}},
				{{Key: "name", Value: "eth1"}},
			}},
		}},
	}
	for _, p := range []string{
		"/system/ntp-server[.=a]",
		"/network/interface[name=eth0]/up",
		"/network/interface[name=eth1]",
		"/system/hostname",
	} {
		if !DeletePath(&m, mustPath(t, p)) {
			t.Fatalf("DeletePath(%s) found nothing", p)
		}
	}
	if DeletePath(&m, mustPath(t, "/system/contact")) {
		t.Error("DeletePath of a missing leaf reported success")
	}
	want := Map{
		{Key: "system", Value: Map{}},
		{Key: "network", Value: Map{
			{Key: "interface", Value: []Map{
				{{Key: "name", Value: "eth0"}},
			}},
		}},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestMovePath(t *testing.T) {
	m := Map{
		{Key: "network", Value: Map{
			{Key: "interface", Value: []Map{
				{{Key: "name", Value: "eth0"}},
				{{Key: "name", Value: "eth1"}},
				{{Key: "name", Value: "eth2"}},
			}},
		}},
		{Key: "system", Value: Map{
			{Key: "ntp-server", Value: []any{"a", "b", "c"}},
		}},
	}
	if err := MovePath(&m, mustPath(t, "/network/interface[name=eth2]"), ""); err != nil {
		t.Fatal(err)
	}
	if err := MovePath(&m, mustPath(t, "/network/interface[name=eth0]"), "[name='eth1']"); err != nil {
		t.Fatal(err)
	}
	if err := MovePath(&m, mustPath(t, "/system/ntp-server[.=a]"), "c"); err != nil {
		t.Fatal(err)
	}
	want := Map{
		{Key: "network", Value: Map{
			{Key: "interface", Value: []Map{
				{{Key: "name", Value: "eth2"}},
				{{Key: "name", Value: "eth1"}},
				{{Key: "name", Value: "eth0"}},
			}},
		}},
		{Key: "system", Value: Map{
			{Key: "ntp-server", Value: []any{"b", "c", "a"}},
		}},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if err := MovePath(&m, mustPath(t, "/network/interface[name=eth9]"), ""); err == nil {
		t.Error("moving a missing entry succeeded")
	}
}
