package memengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdcio/dsruntime/pkg/config"
	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/tree"
	"github.com/sdcio/dsruntime/pkg/types"
	"github.com/sdcio/dsruntime/pkg/utils"
	"github.com/sdcio/dsruntime/pkg/utils/testhelper"
)

func testConfig(store *config.StartupStore) *config.EngineConfig {
	if store == nil {
		store = &config.StartupStore{Type: config.StoreTypeMemory}
	}
	return &config.EngineConfig{
		Name:                "test",
		Startup:             store,
		Validation:          &config.Validation{},
		CallbackTimeout:     time.Second,
		OperTimeout:         200 * time.Millisecond,
		CommitTimeout:       5 * time.Second,
		NotificationTimeout: time.Second,
	}
}

func newEngine(t *testing.T) (*Engine, *schema.Schema) {
	t.Helper()
	sch := testhelper.LoadSchema(t)
	e, err := New(context.Background(), testConfig(nil), sch)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e, sch
}

func str(s string) *gnmi.TypedValue {
	return &gnmi.TypedValue{Value: &gnmi.TypedValue_StringVal{StringVal: s}}
}

// record is one event a test subscriber saw.
type record struct {
	sub   uint32
	phase engine.Phase
}

// recorder answers the events of a connection with handle, logging them.
type recorder struct {
	mu     sync.Mutex
	events []record
	handle func(ev *engine.Event) engine.Reply
}

func (r *recorder) seen() []record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]record(nil), r.events...)
}

func serve(t *testing.T, c engine.Conn, r *recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, err := c.Events().Wait(ctx, 20*time.Millisecond)
			if err != nil {
				return
			}
			for _, ev := range c.Events().Drain() {
				r.mu.Lock()
				r.events = append(r.events, record{sub: ev.SubID, phase: ev.Phase})
				r.mu.Unlock()
				reply := engine.Reply{}
				if r.handle != nil {
					reply = r.handle(ev)
				}
				ev.Respond(reply)
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func connect(t *testing.T, e *Engine) engine.Conn {
	t.Helper()
	c, err := e.Connect(context.Background())
	require.NoError(t, err)
	return c
}

func startSession(t *testing.T, c engine.Conn, ds engine.Datastore) engine.Session {
	t.Helper()
	s, err := c.StartSession(context.Background(), ds)
	require.NoError(t, err)
	return s
}

func leafString(t *testing.T, root *tree.Node, path string) string {
	t.Helper()
	n := root.Find(schema.MustParsePath(path))
	if n == nil {
		return ""
	}
	return utils.TypedValueToString(n.Value)
}

func TestApplyHostname(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	sub := connect(t, e)
	rec := &recorder{}
	serve(t, sub, rec)
	require.NoError(t, sub.Subscribe(ctx, &engine.SubscribeRequest{
		ID: 1, Kind: engine.SubModuleChange, Datastore: engine.Running, Module: "example",
	}))

	s := startSession(t, connect(t, e), engine.Running)
	require.NoError(t, s.SetItem("/example:system/hostname", str("foobar")))
	assert.True(t, s.HasChanges())
	require.NoError(t, s.Apply(ctx, 0))
	assert.False(t, s.HasChanges())

	assert.Equal(t, []record{{1, engine.PhaseChange}, {1, engine.PhaseDone}}, rec.seen())

	root, err := s.Get(ctx, "/example:system", nil)
	require.NoError(t, err)
	assert.Equal(t, "foobar", leafString(t, root, "/example:system/hostname"))
	assert.Equal(t, "UTC", leafString(t, root, "/example:system/timezone"), "default filled")

	// applying the same content again changes nothing and sends nothing
	require.NoError(t, s.SetItem("/example:system/hostname", str("foobar")))
	require.NoError(t, s.Apply(ctx, 0))
	assert.Len(t, rec.seen(), 2)
}

func TestVetoAbortsNotifiedSubscribers(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	c := connect(t, e)
	rec := &recorder{handle: func(ev *engine.Event) engine.Reply {
		if ev.SubID == 2 && ev.Phase == engine.PhaseChange {
			return engine.Reply{Err: errors.New("hostname not allowed")}
		}
		return engine.Reply{}
	}}
	serve(t, c, rec)
	for id, prio := range map[uint32]uint32{1: 10, 2: 20, 3: 30} {
		require.NoError(t, c.Subscribe(ctx, &engine.SubscribeRequest{
			ID: id, Kind: engine.SubModuleChange, Datastore: engine.Running, Module: "example", Priority: prio,
		}))
	}

	s := startSession(t, connect(t, e), engine.Running)
	require.NoError(t, s.SetItem("/example:system/hostname", str("foobar")))
	err := s.Apply(ctx, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrCommit), "got %v", err)
	assert.Equal(t, "hostname not allowed", types.Message(err))
	assert.False(t, s.HasChanges(), "a failed apply drops the edit")

	assert.Equal(t, []record{
		{1, engine.PhaseChange},
		{2, engine.PhaseChange},
		{1, engine.PhaseAbort},
	}, rec.seen())

	root, err := s.Get(ctx, "/example:system/hostname", nil)
	require.NoError(t, err)
	assert.False(t, root.HasChildren())
}

func TestUpdatePhaseAddsEdit(t *testing.T) {
	ctx := context.Background()
	e, sch := newEngine(t)
	c := connect(t, e)
	serve(t, c, &recorder{handle: func(ev *engine.Event) engine.Reply {
		if ev.Phase != engine.PhaseUpdate {
			return engine.Reply{}
		}
		edit := tree.NewRoot(sch)
		res, err := sch.ResolveString("/example:system/contact")
		if err != nil {
			return engine.Reply{Err: err}
		}
		n, err := edit.Ensure(res)
		if err != nil {
			return engine.Reply{Err: err}
		}
		n.SetValue(str("noc@example.com"))
		return engine.Reply{Data: edit}
	}})
	require.NoError(t, c.Subscribe(ctx, &engine.SubscribeRequest{
		ID: 1, Kind: engine.SubModuleChange, Datastore: engine.Running, Module: "example", Flags: engine.FlagUpdate,
	}))

	s := startSession(t, connect(t, e), engine.Running)
	require.NoError(t, s.SetItem("/example:system/hostname", str("r1")))
	require.NoError(t, s.Apply(ctx, 0))
	root, err := s.Get(ctx, "/example:system", nil)
	require.NoError(t, err)
	assert.Equal(t, "noc@example.com", leafString(t, root, "/example:system/contact"))
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	s := startSession(t, connect(t, e), engine.Running)

	require.NoError(t, s.SetItem("/example:syslog", nil))
	err := s.Validate(ctx)
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
	assert.True(t, s.HasChanges(), "validate keeps the edit")

	err = s.Apply(ctx, 0)
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	require.NoError(t, s.SwitchDatastore(engine.Candidate))
	require.NoError(t, s.SetItem("/example:syslog", nil))
	require.NoError(t, s.Apply(ctx, 0), "candidate accepts incomplete content")
}

func TestEditErrors(t *testing.T) {
	e, _ := newEngine(t)
	s := startSession(t, connect(t, e), engine.Running)

	tests := []struct {
		name  string
		path  string
		value *gnmi.TypedValue
		kind  types.ErrorKind
	}{
		{name: "unknown element", path: "/example:system/nope", value: str("x"), kind: types.KindInvalidPath},
		{name: "state data", path: "/example:state/status", value: str("x"), kind: types.KindInvalidPath},
		{name: "missing value", path: "/example:system/hostname", kind: types.KindTypeMismatch},
		{name: "bad syntax", path: "/example:system[", value: str("x"), kind: types.KindInvalidPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.SetItem(tt.path, tt.value)
			assert.Equal(t, tt.kind, types.KindOf(err), "got %v", err)
		})
	}
	assert.False(t, s.HasChanges())

	require.NoError(t, s.SetItem("/example:system/hostname", str("a")))
	assert.Equal(t, types.KindInvalidState, types.KindOf(s.SwitchDatastore(engine.Startup)))
	require.NoError(t, s.Discard())
	require.NoError(t, s.SwitchDatastore(engine.FactoryDefault))
	assert.Equal(t, types.KindInvalidState, types.KindOf(s.SetItem("/example:system/hostname", str("a"))))
}

func TestMoveAndDelete(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	s := startSession(t, connect(t, e), engine.Running)
	for _, srv := range []string{"a", "b", "c"} {
		require.NoError(t, s.SetItem(fmt.Sprintf("/example:system/ntp-server[.='%s']", srv), nil))
	}
	require.NoError(t, s.MoveItem("/example:system/ntp-server[.='c']", tree.PositionFirst, ""))
	require.NoError(t, s.MoveItem("/example:system/ntp-server[.='a']", tree.PositionAfter, "b"))
	require.NoError(t, s.Apply(ctx, 0))

	root, err := s.Get(ctx, "/example:system/ntp-server", nil)
	require.NoError(t, err)
	var got []string
	for _, n := range root.Child("example", "system").Instances("example", "ntp-server") {
		got = append(got, utils.TypedValueToString(n.Value))
	}
	assert.Equal(t, []string{"c", "b", "a"}, got)

	err = s.MoveItem("/example:system/dns-search[.='x']", tree.PositionFirst, "")
	assert.Equal(t, types.KindInvalidPath, types.KindOf(err))

	require.NoError(t, s.DeleteItem("/example:system/ntp-server"))
	require.NoError(t, s.DeleteItem("/example:network/interface[name='missing']"))
	require.NoError(t, s.Apply(ctx, 0))
	root, err = s.Get(ctx, "/example:system/ntp-server", nil)
	require.NoError(t, err)
	assert.False(t, root.HasChildren())
}

func TestLocks(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	c := connect(t, e)
	a := startSession(t, c, engine.Running)
	b := startSession(t, c, engine.Running)

	require.NoError(t, a.Lock(ctx, "example", 0))
	err := b.Lock(ctx, "example", 50*time.Millisecond)
	assert.Equal(t, types.KindLocked, types.KindOf(err), "got %v", err)
	err = b.Lock(ctx, "", 0)
	assert.Equal(t, types.KindLocked, types.KindOf(err), "whole datastore conflicts with a module lock")

	require.NoError(t, b.SetItem("/example:system/hostname", str("b")))
	assert.Equal(t, types.KindLocked, types.KindOf(b.Apply(ctx, 0)))

	// a lock of another datastore does not conflict
	require.NoError(t, b.SwitchDatastore(engine.Startup))
	require.NoError(t, b.Lock(ctx, "example", 0))
	require.NoError(t, b.Unlock("example"))
	require.NoError(t, b.SwitchDatastore(engine.Running))

	go func() {
		time.Sleep(50 * time.Millisecond)
		a.Unlock("example")
	}()
	require.NoError(t, b.Lock(ctx, "example", time.Second), "lock is handed over once released")
	assert.Equal(t, types.KindInvalidState, types.KindOf(a.Unlock("example")))

	require.NoError(t, b.Stop(ctx))
	require.NoError(t, a.Lock(ctx, "example", 0), "stopping a session releases its locks")
}

func TestOperationalData(t *testing.T) {
	ctx := context.Background()
	e, sch := newEngine(t)
	provider := connect(t, e)
	serve(t, provider, &recorder{handle: func(ev *engine.Event) engine.Reply {
		root := tree.NewRoot(sch)
		res, err := sch.ResolveString("/example:state/sensor[name='cpu']/value")
		if err != nil {
			return engine.Reply{Err: err}
		}
		n, err := root.Ensure(res)
		if err != nil {
			return engine.Reply{Err: err}
		}
		n.SetValue(&gnmi.TypedValue{Value: &gnmi.TypedValue_IntVal{IntVal: 42}})
		return engine.Reply{Data: root}
	}})
	require.NoError(t, provider.Subscribe(ctx, &engine.SubscribeRequest{
		ID: 1, Kind: engine.SubOperData, Datastore: engine.Operational, Module: "example", Path: "/example:state/sensor",
	}))

	c := connect(t, e)
	run := startSession(t, c, engine.Running)
	require.NoError(t, run.SetItem("/example:system/hostname", str("r1")))
	require.NoError(t, run.Apply(ctx, 0))

	oper := startSession(t, c, engine.Operational)
	require.NoError(t, oper.SetItem("/example:state/status", str("up")))
	assert.False(t, oper.HasChanges(), "operational edits are direct")

	root, err := oper.Get(ctx, "/example:*", nil)
	require.NoError(t, err)
	assert.Equal(t, "r1", leafString(t, root, "/example:system/hostname"))
	assert.Equal(t, "up", leafString(t, root, "/example:state/status"))
	assert.Equal(t, "42", leafString(t, root, "/example:state/sensor[name='cpu']/value"))

	root, err = oper.Get(ctx, "/", &engine.GetOptions{NoState: true})
	require.NoError(t, err)
	assert.Nil(t, root.Child("example", "state"))

	root, err = oper.Get(ctx, "/", &engine.GetOptions{NoConfig: true, NoSubs: true})
	require.NoError(t, err)
	assert.Nil(t, root.Child("example", "system"))
	assert.Equal(t, "up", leafString(t, root, "/example:state/status"))
	assert.Nil(t, root.Find(schema.MustParsePath("/example:state/sensor")))

	require.NoError(t, oper.DeleteOperItem("/example:system/hostname"))
	root, err = oper.Get(ctx, "/example:system/hostname", &engine.GetOptions{NoSubs: true})
	require.NoError(t, err)
	assert.False(t, root.HasChildren(), "hidden configuration")

	require.NoError(t, oper.DiscardItems("/"))
	root, err = oper.Get(ctx, "/", &engine.GetOptions{NoSubs: true})
	require.NoError(t, err)
	assert.Equal(t, "r1", leafString(t, root, "/example:system/hostname"))
	assert.Equal(t, "", leafString(t, root, "/example:state/status"))

	assert.Equal(t, types.KindInvalidState, types.KindOf(run.DeleteOperItem("/example:system/hostname")))
}

func TestOperationalPullTimeout(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	provider := connect(t, e)
	// nobody drains the events of provider
	require.NoError(t, provider.Subscribe(ctx, &engine.SubscribeRequest{
		ID: 1, Kind: engine.SubOperData, Datastore: engine.Operational, Module: "example", Path: "/example:state",
	}))
	s := startSession(t, connect(t, e), engine.Operational)
	_, err := s.Get(ctx, "/example:state", &engine.GetOptions{Timeout: 50 * time.Millisecond})
	assert.Equal(t, types.KindTimeout, types.KindOf(err), "got %v", err)

	// a pull outside the subscribed path does not wait for it
	_, err = s.Get(ctx, "/example:system", &engine.GetOptions{Timeout: 50 * time.Millisecond})
	assert.NoError(t, err)
}

func TestRPC(t *testing.T) {
	ctx := context.Background()
	e, sch := newEngine(t)
	provider := connect(t, e)
	rec := &recorder{handle: func(ev *engine.Event) engine.Reply {
		if ev.Phase != engine.PhaseRPC {
			return engine.Reply{}
		}
		switch utils.TypedValueToString(ev.Input.Child("", "behaviour").Value) {
		case "failure":
			return engine.Reply{Err: errors.New("poweroff refused")}
		case "timeout":
			time.Sleep(300 * time.Millisecond)
		}
		res, err := sch.ResolveString("/example:poweroff")
		if err != nil {
			return engine.Reply{Err: err}
		}
		out, err := tree.NewOperation(sch, res, true)
		if err != nil {
			return engine.Reply{Err: err}
		}
		out.EnsureChild(schema.Child(out.Schema, "", "message", true)).SetValue(str("ok"))
		return engine.Reply{Data: out}
	}}
	serve(t, provider, rec)

	s := startSession(t, connect(t, e), engine.Running)
	call := func(behaviour string, timeout time.Duration) (*tree.Node, error) {
		res, err := sch.ResolveString("/example:poweroff")
		require.NoError(t, err)
		in, err := tree.NewOperation(sch, res, false)
		require.NoError(t, err)
		in.EnsureChild(schema.Child(in.Schema, "", "behaviour", false)).SetValue(&gnmi.TypedValue{Value: &gnmi.TypedValue_StringVal{StringVal: behaviour}})
		return s.RPCSend(ctx, in, timeout)
	}

	_, err := call("success", 0)
	assert.Equal(t, types.KindNotFound, types.KindOf(err), "no subscriber yet")

	require.NoError(t, provider.Subscribe(ctx, &engine.SubscribeRequest{
		ID: 1, Kind: engine.SubRPC, Module: "example", Path: "/example:poweroff",
	}))
	out, err := call("success", 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", utils.TypedValueToString(out.Child("", "message").Value))
	assert.True(t, out.IsOutput())

	_, err = call("failure", 0)
	assert.Equal(t, types.KindOperation, types.KindOf(err))
	assert.Equal(t, "poweroff refused", types.Message(err))

	_, err = call("timeout", 100*time.Millisecond)
	assert.Equal(t, types.KindTimeout, types.KindOf(err))
}

func TestNotification(t *testing.T) {
	ctx := context.Background()
	e, sch := newEngine(t)
	listener := connect(t, e)
	got := make(chan string, 1)
	serve(t, listener, &recorder{handle: func(ev *engine.Event) engine.Reply {
		got <- utils.TypedValueToString(ev.Input.Child("", "description").Value)
		return engine.Reply{}
	}})
	require.NoError(t, listener.Subscribe(ctx, &engine.SubscribeRequest{
		ID: 1, Kind: engine.SubNotification, Module: "example",
	}))

	res, err := sch.ResolveString("/example:alarm-triggered/description")
	require.NoError(t, err)
	root := tree.NewRoot(sch)
	n, err := root.Ensure(res)
	require.NoError(t, err)
	n.SetValue(str("fan failure"))

	s := startSession(t, connect(t, e), engine.Running)
	require.NoError(t, s.NotificationSend(ctx, n.Parent))
	select {
	case d := <-got:
		assert.Equal(t, "fan failure", d)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestCandidateCommit(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	c := connect(t, e)
	cand := startSession(t, c, engine.Candidate)
	require.NoError(t, cand.SetItem("/example:system/hostname", str("staged")))
	require.NoError(t, cand.Apply(ctx, 0))

	run := startSession(t, c, engine.Running)
	root, err := run.Get(ctx, "/example:system/hostname", nil)
	require.NoError(t, err)
	assert.False(t, root.HasChildren(), "running untouched before the commit")

	require.NoError(t, run.CopyConfig(ctx, engine.Candidate, "", 0))
	root, err = run.Get(ctx, "/example:system/hostname", nil)
	require.NoError(t, err)
	assert.Equal(t, "staged", leafString(t, root, "/example:system/hostname"))

	// the candidate mirrors running again
	require.NoError(t, run.SetItem("/example:system/hostname", str("direct")))
	require.NoError(t, run.Apply(ctx, 0))
	root, err = cand.Get(ctx, "/example:system/hostname", nil)
	require.NoError(t, err)
	assert.Equal(t, "direct", leafString(t, root, "/example:system/hostname"))
}

func TestStartupSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	sch := testhelper.LoadSchema(t)
	store := &config.StartupStore{Type: config.StoreTypeBadger, Dir: t.TempDir()}

	e, err := New(ctx, testConfig(store), sch)
	require.NoError(t, err)
	c, err := e.Connect(ctx)
	require.NoError(t, err)
	s, err := c.StartSession(ctx, engine.Startup)
	require.NoError(t, err)
	require.NoError(t, s.SetItem("/example:system/hostname", str("persisted")))
	require.NoError(t, s.Apply(ctx, 0))
	require.NoError(t, e.Close(ctx))

	e, err = New(ctx, testConfig(store), sch)
	require.NoError(t, err)
	defer e.Close(ctx)
	c, err = e.Connect(ctx)
	require.NoError(t, err)
	s, err = c.StartSession(ctx, engine.Running)
	require.NoError(t, err)
	root, err := s.Get(ctx, "/example:system/hostname", nil)
	require.NoError(t, err)
	assert.Equal(t, "persisted", leafString(t, root, "/example:system/hostname"), "running starts from startup")
}

func TestReplaceConfig(t *testing.T) {
	ctx := context.Background()
	e, sch := newEngine(t)
	s := startSession(t, connect(t, e), engine.Running)
	require.NoError(t, s.SetItem("/example:system/hostname", str("old")))
	require.NoError(t, s.SetItem("/example:network/interface[name='eth0']/up", &gnmi.TypedValue{Value: &gnmi.TypedValue_BoolVal{BoolVal: true}}))
	require.NoError(t, s.Apply(ctx, 0))

	cfg := tree.NewRoot(sch)
	res, err := sch.ResolveString("/example:system/contact")
	require.NoError(t, err)
	n, err := cfg.Ensure(res)
	require.NoError(t, err)
	n.SetValue(str("ops"))
	require.NoError(t, s.ReplaceConfig(ctx, cfg, "example", 0))

	root, err := s.Get(ctx, "/", nil)
	require.NoError(t, err)
	assert.Equal(t, "ops", leafString(t, root, "/example:system/contact"))
	assert.Equal(t, "", leafString(t, root, "/example:system/hostname"))
	assert.Nil(t, root.Child("example", "network"))
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	c := connect(t, e)
	require.NoError(t, c.Subscribe(ctx, &engine.SubscribeRequest{ID: 7, Kind: engine.SubModuleChange, Datastore: engine.Running, Module: "example"}))
	err := c.Subscribe(ctx, &engine.SubscribeRequest{ID: 7, Kind: engine.SubModuleChange, Datastore: engine.Running, Module: "example"})
	assert.Equal(t, types.KindInvalidState, types.KindOf(err))
	err = c.Subscribe(ctx, &engine.SubscribeRequest{ID: 8, Kind: engine.SubModuleChange, Module: "nope"})
	assert.Equal(t, types.KindUnknownElement, types.KindOf(err))

	require.NoError(t, c.Unsubscribe(ctx, 7))
	assert.Equal(t, types.KindNotFound, types.KindOf(c.Unsubscribe(ctx, 7)))

	// nothing listens any more, so the apply does not wait
	s := startSession(t, c, engine.Running)
	require.NoError(t, s.SetItem("/example:system/hostname", str("x")))
	require.NoError(t, s.Apply(ctx, 0))
}
