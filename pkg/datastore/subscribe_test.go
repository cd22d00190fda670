package datastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdcio/dsruntime/pkg/config"
	"github.com/sdcio/dsruntime/pkg/convert"
	"github.com/sdcio/dsruntime/pkg/dispatch"
	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/tree"
	"github.com/sdcio/dsruntime/pkg/types"
	"github.com/sdcio/dsruntime/pkg/utils/testhelper"
)

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) get() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func TestHostnameChange(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	sub := startSession(t, c, engine.Running)

	j := &journal{}
	_, err := sub.SubscribeModuleChange(ctx, testhelper.ExampleModule, "", func(ctx context.Context, ev *ModuleChangeEvent) error {
		it, err := ev.Changes("")
		if err != nil {
			return err
		}
		for _, ch := range it.All() {
			j.add("%s %s", ev.Phase, ch)
		}
		return nil
	}, nil)
	require.NoError(t, err)

	s := startSession(t, c, engine.Running)
	require.NoError(t, setLeaf(t, s, "/example:system/hostname", "foobar"))

	want := []string{
		"change created /example:system/hostname: foobar",
		"done created /example:system/hostname: foobar",
	}
	if diff := cmp.Diff(want, j.get()); diff != "" {
		t.Errorf("unexpected callbacks (-want +got):\n%s", diff)
	}

	data, err := s.GetData(ctx, "/example:system", nil)
	require.NoError(t, err)
	hostname, _ := data.GetMap("system").Get("hostname")
	assert.Equal(t, "foobar", hostname)
}

func TestVetoAbortsNotifiedSubscribers(t *testing.T) {
	for _, model := range []dispatch.Model{Blocking, Cooperative} {
		t.Run(model.String(), func(t *testing.T) {
			ctx := context.Background()
			c := connect(t, newEngine(t), nil)
			s := startSession(t, c, engine.Running)
			j := &journal{}
			for _, tc := range []struct {
				name string
				prio uint32
				veto bool
			}{
				{name: "first", prio: 10},
				{name: "second", prio: 20, veto: true},
				{name: "third", prio: 30},
			} {
				_, err := s.SubscribeModuleChange(ctx, testhelper.ExampleModule, "", func(ctx context.Context, ev *ModuleChangeEvent) error {
					j.add("%s %s", tc.name, ev.Phase)
					if tc.veto && ev.Phase == engine.PhaseChange {
						return errors.New("hostname is reserved")
					}
					return nil
				}, &SubscribeOptions{Priority: tc.prio, Model: model})
				require.NoError(t, err)
			}

			err := setLeaf(t, startSession(t, c, engine.Running), "/example:system/hostname", "reserved")
			require.ErrorIs(t, err, types.ErrCommit)
			assert.Contains(t, err.Error(), "hostname is reserved")

			want := []string{"first change", "second change", "first abort"}
			if diff := cmp.Diff(want, j.get()); diff != "" {
				t.Errorf("unexpected callbacks (-want +got):\n%s", diff)
			}
			_, err = s.GetItem(ctx, "/example:system/hostname")
			assert.ErrorIs(t, err, types.ErrNotFound)
		})
	}
}

func TestChangeIterator(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)

	type result struct {
		all, scoped, again []string
		exhausted          bool
	}
	var got result
	_, err := s.SubscribeModuleChange(ctx, testhelper.ExampleModule, "", func(ctx context.Context, ev *ModuleChangeEvent) error {
		if ev.Phase != engine.PhaseChange {
			return nil
		}
		it, err := ev.Changes("")
		if err != nil {
			return err
		}
		for {
			ch, ok := it.Next()
			if !ok {
				break
			}
			got.all = append(got.all, ch.Path)
		}
		_, more := it.Next()
		got.exhausted = !more

		it, _ = ev.Changes("")
		for _, ch := range it.All() {
			got.again = append(got.again, ch.Path)
		}
		it, err = ev.Changes("/example:network")
		if err != nil {
			return err
		}
		for _, ch := range it.All() {
			got.scoped = append(got.scoped, ch.Path)
		}
		return nil
	}, nil)
	require.NoError(t, err)

	require.NoError(t, s.SetItem("/example:system/hostname", "iter"))
	require.NoError(t, s.SetItem("/example:network/interface[name='eth0']/address", "10.0.0.1"))
	require.NoError(t, s.Apply(ctx))

	assert.True(t, got.exhausted)
	assert.Equal(t, got.all, got.again)
	assert.Contains(t, got.all, "/example:system/hostname")
	assert.Contains(t, got.all, "/example:network/interface[name='eth0']/address")
	require.NotEmpty(t, got.scoped)
	for _, p := range got.scoped {
		assert.True(t, strings.HasPrefix(p, "/example:network"), p)
	}
	assert.NotContains(t, got.scoped, "/example:system/hostname")
}

// plain turns Maps into Go maps so that key order does not matter.
func plain(v any) any {
	switch x := v.(type) {
	case convert.Map:
		out := map[string]any{}
		for _, it := range x {
			out[it.Key] = plain(it.Value)
		}
		return out
	case []convert.Map:
		out := make([]any, 0, len(x))
		for _, e := range x {
			out = append(out, plain(e))
		}
		return out
	case []any:
		out := make([]any, 0, len(x))
		for _, e := range x {
			out = append(out, plain(e))
		}
		return out
	}
	return v
}

func TestConfigCacheFollowsChanges(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)
	require.NoError(t, setLeaf(t, s, "/example:system/hostname", "h1"))

	var mu sync.Mutex
	cache := convert.Map{}
	var phases []engine.Phase
	_, err := s.SubscribeModuleChange(ctx, testhelper.ExampleModule, "", func(ctx context.Context, ev *ModuleChangeEvent) error {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, ev.Phase)
		if ev.Phase != engine.PhaseDone {
			return nil
		}
		it, err := ev.Changes("")
		if err != nil {
			return err
		}
		return UpdateConfigCache(&cache, it.All())
	}, &SubscribeOptions{Enabled: true})
	require.NoError(t, err)

	check := func(t *testing.T) {
		t.Helper()
		data, err := s.GetData(ctx, "/example:*", nil)
		require.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		if diff := cmp.Diff(plain(data), plain(cache)); diff != "" {
			t.Errorf("cache differs from the datastore (-want +got):\n%s", diff)
		}
	}
	check(t)

	require.NoError(t, s.SetItem("/example:network/interface[name='eth0']", convert.Map{{Key: "address", Value: "10.0.0.1"}}))
	require.NoError(t, s.SetItem("/example:network/interface[name='eth1']", nil))
	require.NoError(t, s.SetItem("/example:system/ntp-server", "ntp1"))
	require.NoError(t, s.Apply(ctx))
	check(t)

	require.NoError(t, s.MoveItem("/example:network/interface[name='eth1']", tree.PositionFirst, ""))
	require.NoError(t, s.Apply(ctx))
	check(t)

	require.NoError(t, s.DeleteItem("/example:system/hostname"))
	require.NoError(t, s.SetItem("/example:system/contact", "ops"))
	require.NoError(t, s.DeleteItem("/example:network/interface[name='eth0']"))
	require.NoError(t, s.Apply(ctx))
	check(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, engine.PhaseEnabled, phases[0])
	assert.Equal(t, engine.PhaseDone, phases[1])
}

func TestEnabledCallbackRejects(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)
	require.NoError(t, setLeaf(t, s, "/example:system/hostname", "h1"))

	var seen convert.Map
	_, err := s.SubscribeModuleChange(ctx, testhelper.ExampleModule, "/example:system", func(ctx context.Context, ev *ModuleChangeEvent) error {
		seen = ev.Config()
		return errors.New("cannot apply the current configuration")
	}, &SubscribeOptions{Enabled: true})
	assert.ErrorIs(t, err, types.ErrCommit)
	assert.Equal(t, 0, c.Registry().Len())
	hostname, _ := seen.GetMap("system").Get("hostname")
	assert.Equal(t, "h1", hostname)
}

func TestUpdatePhaseAddsEdits(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)

	var changeErr error
	_, err := s.SubscribeModuleChange(ctx, testhelper.ExampleModule, "/example:system", func(ctx context.Context, ev *ModuleChangeEvent) error {
		switch ev.Phase {
		case engine.PhaseUpdate:
			it, err := ev.Changes("/example:system/hostname")
			if err != nil {
				return err
			}
			if it.Len() > 0 {
				return ev.AddEdit("/example:system/contact", "auto")
			}
		case engine.PhaseChange:
			changeErr = ev.AddEdit("/example:system/contact", "late")
		}
		return nil
	}, &SubscribeOptions{Update: true})
	require.NoError(t, err)

	require.NoError(t, setLeaf(t, s, "/example:system/hostname", "edited"))
	assert.ErrorIs(t, changeErr, types.ErrInvalidState)

	v, err := s.GetItem(ctx, "/example:system/contact")
	require.NoError(t, err)
	assert.Equal(t, "auto", v.Value)

	_, err = s.SubscribeModuleChange(ctx, testhelper.ExampleModule, "", func(context.Context, *ModuleChangeEvent) error { return nil },
		&SubscribeOptions{Update: true, DoneOnly: true})
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestUnsubscribeFromOwnCallback(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)

	var self atomic.Pointer[dispatch.Subscription]
	var unsubErr, disconnectErr error
	sub, err := s.SubscribeModuleChange(ctx, testhelper.ExampleModule, "", func(ctx context.Context, ev *ModuleChangeEvent) error {
		if ev.Phase == engine.PhaseChange {
			unsubErr = self.Load().Unsubscribe(ctx)
			disconnectErr = c.Disconnect(ctx)
		}
		return nil
	}, nil)
	require.NoError(t, err)
	self.Store(sub)

	require.NoError(t, setLeaf(t, s, "/example:system/hostname", "self"))
	assert.ErrorIs(t, unsubErr, types.ErrInvalidState)
	assert.ErrorIs(t, disconnectErr, types.ErrInvalidState)

	require.NoError(t, sub.Unsubscribe(ctx))
	assert.Equal(t, 0, c.Registry().Len())
}

func TestDisconnectFromOwnCallbackWithBackgroundContext(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), &config.DispatchConfig{UnsubscribeWait: 200 * time.Millisecond})
	s := startSession(t, c, engine.Running)

	var unsubErr, disconnectErr error
	var self atomic.Pointer[dispatch.Subscription]
	sub, err := s.SubscribeModuleChange(ctx, testhelper.ExampleModule, "", func(_ context.Context, ev *ModuleChangeEvent) error {
		if ev.Phase == engine.PhaseChange {
			unsubErr = self.Load().Unsubscribe(context.Background())
			disconnectErr = c.Disconnect(context.Background())
		}
		return nil
	}, nil)
	require.NoError(t, err)
	self.Store(sub)

	require.NoError(t, setLeaf(t, s, "/example:system/hostname", "self"))
	assert.ErrorIs(t, unsubErr, types.ErrInvalidState)
	assert.ErrorIs(t, disconnectErr, types.ErrInvalidState)
	assert.False(t, sub.Closed())

	// the connection is still usable
	require.NoError(t, setLeaf(t, s, "/example:system/hostname", "again"))
	require.NoError(t, c.Disconnect(ctx))
	assert.Equal(t, 0, c.Registry().Len())
}

func TestSessionStopKeepsSubscriptions(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)

	var calls atomic.Int32
	sub, err := s.SubscribeModuleChange(ctx, testhelper.ExampleModule, "", func(_ context.Context, ev *ModuleChangeEvent) error {
		if ev.Phase == engine.PhaseDone {
			calls.Add(1)
		}
		return nil
	}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Stop(ctx))
	assert.False(t, sub.Closed())

	other := startSession(t, c, engine.Running)
	require.NoError(t, setLeaf(t, other, "/example:system/hostname", "after-stop"))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestOperationalPull(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)

	var req *OperDataRequest
	_, err := s.SubscribeOperData(ctx, testhelper.ExampleModule, "/example:state", func(ctx context.Context, r *OperDataRequest) (convert.Map, error) {
		req = r
		return convert.Map{
			{Key: "state", Value: convert.Map{{Key: "status", Value: "ok"}}},
		}, nil
	}, nil)
	require.NoError(t, err)

	oper := startSession(t, c, engine.Operational)
	v, err := oper.GetItem(ctx, "/example:state/status")
	require.NoError(t, err)
	assert.Equal(t, "ok", v.Value)
	require.NotNil(t, req)
	assert.Equal(t, "/example:state", req.Path)
	assert.Equal(t, "/example:state/status", req.RequestPath)

	data, err := oper.GetData(ctx, "/example:state", &GetOptions{NoSubs: true})
	if err == nil {
		_, ok := data.GetMap("state").Get("status")
		assert.False(t, ok)
	} else {
		assert.ErrorIs(t, err, types.ErrNotFound)
	}

	_, err = s.SubscribeOperData(ctx, testhelper.ExampleModule, "", nil, nil)
	assert.ErrorIs(t, err, types.ErrInvalidPath)
}

func TestOperationalPullTimeout(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)

	_, err := s.SubscribeOperData(ctx, testhelper.ExampleModule, "/example:state", func(ctx context.Context, r *OperDataRequest) (convert.Map, error) {
		time.Sleep(300 * time.Millisecond)
		return nil, nil
	}, nil)
	require.NoError(t, err)

	oper := startSession(t, c, engine.Operational)
	start := time.Now()
	_, err = oper.GetData(ctx, "/example:state", &GetOptions{Timeout: 50 * time.Millisecond})
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestPoweroff(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)

	_, err := s.SubscribeRPC(ctx, "/example:poweroff", func(ctx context.Context, ev *RPCEvent) (convert.Map, error) {
		b, _ := ev.Input.Get("behaviour")
		switch b {
		case "failure":
			return nil, errors.New("power supply stuck")
		case "timeout":
			time.Sleep(300 * time.Millisecond)
		}
		return convert.Map{{Key: "message", Value: "bye"}}, nil
	}, nil)
	require.NoError(t, err)

	input := func(b string) convert.Map { return convert.Map{{Key: "behaviour", Value: b}} }

	t.Run("success", func(t *testing.T) {
		out, err := s.RPCSend(ctx, "/example:poweroff", input("success"), nil)
		require.NoError(t, err)
		msg, _ := out.Get("message")
		assert.Equal(t, "bye", msg)
	})
	t.Run("failure", func(t *testing.T) {
		_, err := s.RPCSend(ctx, "/example:poweroff", input("failure"), nil)
		assert.ErrorIs(t, err, types.ErrOperation)
		assert.Contains(t, err.Error(), "power supply stuck")
	})
	t.Run("timeout", func(t *testing.T) {
		_, err := s.RPCSend(ctx, "/example:poweroff", input("timeout"), &RPCOptions{Timeout: 50 * time.Millisecond})
		assert.ErrorIs(t, err, types.ErrTimeout)
	})
	t.Run("not an operation", func(t *testing.T) {
		_, err := s.RPCSend(ctx, "/example:system", nil, nil)
		assert.ErrorIs(t, err, types.ErrInvalidPath)
	})
}

func TestNotificationDelivery(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)

	got := make(chan *NotificationEvent, 1)
	_, err := s.SubscribeNotification(ctx, testhelper.ExampleModule, "", func(ctx context.Context, ev *NotificationEvent) error {
		got <- ev
		return nil
	}, &SubscribeOptions{Model: Cooperative})
	require.NoError(t, err)

	require.NoError(t, s.NotificationSend(ctx, "/example:alarm-triggered", convert.Map{
		{Key: "description", Value: "fan failure"},
	}))

	select {
	case ev := <-got:
		assert.Equal(t, "/example:alarm-triggered", ev.Path)
		d, _ := ev.Notification.Get("description")
		assert.Equal(t, "fan failure", d)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	err = s.NotificationSend(ctx, "/example:system", nil)
	assert.ErrorIs(t, err, types.ErrInvalidPath)
}

func sendAlarm(t *testing.T, s *Session, description string) {
	t.Helper()
	require.NoError(t, s.NotificationSend(context.Background(), "/example:alarm-triggered", convert.Map{
		{Key: "description", Value: description},
	}))
}

type notifSeen struct {
	Type        engine.NotifType
	Description string
}

func nextNotification(t *testing.T, got <-chan *NotificationEvent) notifSeen {
	t.Helper()
	select {
	case ev := <-got:
		d, _ := ev.Notification.Get("description")
		desc, _ := d.(string)
		return notifSeen{Type: ev.Type, Description: desc}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
	return notifSeen{}
}

func TestNotificationReplay(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)

	sendAlarm(t, s, "too early")
	start := time.Now()
	sendAlarm(t, s, "first")
	sendAlarm(t, s, "second")

	got := make(chan *NotificationEvent, 8)
	_, err := s.SubscribeNotification(ctx, testhelper.ExampleModule, "/example:alarm-triggered", func(ctx context.Context, ev *NotificationEvent) error {
		got <- ev
		return nil
	}, &SubscribeOptions{StartTime: start})
	require.NoError(t, err)
	sendAlarm(t, s, "third")

	var seen []notifSeen
	for range 4 {
		seen = append(seen, nextNotification(t, got))
	}
	want := []notifSeen{
		{Type: engine.NotifReplay, Description: "first"},
		{Type: engine.NotifReplay, Description: "second"},
		{Type: engine.NotifReplayComplete},
		{Type: engine.NotifRealtime, Description: "third"},
	}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestNotificationStopTime(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)

	got := make(chan *NotificationEvent, 8)
	_, err := s.SubscribeNotification(ctx, testhelper.ExampleModule, "", func(ctx context.Context, ev *NotificationEvent) error {
		got <- ev
		return nil
	}, &SubscribeOptions{StopTime: time.Now().Add(200 * time.Millisecond), Model: Cooperative})
	require.NoError(t, err)

	sendAlarm(t, s, "in time")
	assert.Equal(t, notifSeen{Type: engine.NotifRealtime, Description: "in time"}, nextNotification(t, got))
	assert.Equal(t, notifSeen{Type: engine.NotifStop}, nextNotification(t, got))

	sendAlarm(t, s, "too late")
	select {
	case ev := <-got:
		t.Fatalf("notification after the stop event: %s %s", ev.Type, ev.Path)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotificationTimesRejected(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)
	cb := func(ctx context.Context, ev *NotificationEvent) error { return nil }
	now := time.Now()

	tests := []struct {
		name string
		opts *SubscribeOptions
	}{
		{name: "start time in the future", opts: &SubscribeOptions{StartTime: now.Add(time.Hour)}},
		{name: "stop time passed", opts: &SubscribeOptions{StopTime: now.Add(-time.Second)}},
		{name: "stop time before start time", opts: &SubscribeOptions{StartTime: now.Add(-time.Minute), StopTime: now.Add(-time.Second)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SubscribeNotification(ctx, testhelper.ExampleModule, "", cb, tt.opts)
			assert.ErrorIs(t, err, types.ErrInvalidState)
		})
	}
	t.Run("change subscription with start time", func(t *testing.T) {
		_, err := s.SubscribeModuleChange(ctx, testhelper.ExampleModule, "", func(ctx context.Context, ev *ModuleChangeEvent) error {
			return nil
		}, &SubscribeOptions{StartTime: now})
		assert.ErrorIs(t, err, types.ErrInvalidState)
	})
	assert.Zero(t, c.reg.Len())
}
