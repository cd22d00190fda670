package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdcio/dsruntime/pkg/config"
	"github.com/sdcio/dsruntime/pkg/convert"
	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/engine/memengine"
	"github.com/sdcio/dsruntime/pkg/types"
	"github.com/sdcio/dsruntime/pkg/utils/testhelper"
)

func engineConfig(store *config.StartupStore) *config.EngineConfig {
	if store == nil {
		store = &config.StartupStore{Type: config.StoreTypeMemory}
	}
	return &config.EngineConfig{
		Name:                "datastore-test",
		Startup:             store,
		Validation:          &config.Validation{},
		CallbackTimeout:     2 * time.Second,
		OperTimeout:         time.Second,
		CommitTimeout:       5 * time.Second,
		NotificationTimeout: time.Second,
		NotificationLog:     16,
	}
}

func newEngine(t *testing.T) *memengine.Engine {
	t.Helper()
	e, err := memengine.New(context.Background(), engineConfig(nil), testhelper.LoadSchema(t))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func connect(t *testing.T, e engine.Engine, cfg *config.DispatchConfig) *Connection {
	t.Helper()
	c, err := Connect(context.Background(), e, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Disconnect(context.Background()) })
	return c
}

func startSession(t *testing.T, c *Connection, ds engine.Datastore) *Session {
	t.Helper()
	s, err := c.StartSession(context.Background(), ds)
	require.NoError(t, err)
	return s
}

func setLeaf(t *testing.T, s *Session, path string, value any) error {
	t.Helper()
	require.NoError(t, s.SetItem(path, value))
	return s.Apply(context.Background())
}

func TestSessionStateMachine(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)

	assert.Equal(t, StateNoPendingEdit, s.State())
	// nothing to check or commit yet
	require.NoError(t, s.Validate(ctx))
	require.NoError(t, s.Apply(ctx))
	assert.Equal(t, StateNoPendingEdit, s.State())

	require.NoError(t, s.SetItem("/example:system/hostname", "foobar"))
	assert.Equal(t, StateEditing, s.State())
	assert.True(t, s.HasChanges())

	require.NoError(t, s.Validate(ctx))
	assert.Equal(t, StateValidated, s.State())

	require.NoError(t, s.SetItem("/example:system/contact", "noc"))
	assert.Equal(t, StateEditing, s.State())

	err := s.SwitchDatastore(engine.Candidate)
	assert.ErrorIs(t, err, types.ErrInvalidState)
	assert.Equal(t, engine.Running, s.Datastore())

	require.NoError(t, s.Apply(ctx))
	assert.Equal(t, StateNoPendingEdit, s.State())
	assert.False(t, s.HasChanges())

	v, err := s.GetItem(ctx, "/example:system/hostname")
	require.NoError(t, err)
	assert.Equal(t, "foobar", v.Value)
	assert.False(t, v.Default)

	v, err = s.GetItem(ctx, "/example:system/timezone")
	require.NoError(t, err)
	assert.Equal(t, "UTC", v.Value)
	assert.True(t, v.Default)

	require.NoError(t, s.SwitchDatastore(engine.Candidate))
	assert.Equal(t, engine.Candidate, s.Datastore())

	require.NoError(t, s.SetItem("/example:system/contact", "other"))
	require.NoError(t, s.Discard())
	assert.Equal(t, StateNoPendingEdit, s.State())
	assert.False(t, s.HasChanges())
}

func TestFailedApplyDropsEdit(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)

	// presence container without its mandatory leaf
	require.NoError(t, s.SetItem("/example:syslog", nil))
	err := s.Apply(ctx)
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Equal(t, StateNoPendingEdit, s.State())
	assert.False(t, s.HasChanges())

	_, err = s.GetItem(ctx, "/example:syslog")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSetItemErrors(t *testing.T) {
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)

	tests := []struct {
		name  string
		path  string
		value any
		want  error
	}{
		{name: "type mismatch", path: "/example:system/mtu", value: "abc", want: types.ErrTypeMismatch},
		{name: "map on a leaf", path: "/example:system/hostname", value: convert.Map{}, want: types.ErrTypeMismatch},
		{name: "scalar on a container", path: "/example:system", value: "x", want: types.ErrTypeMismatch},
		{name: "malformed path", path: "/example:system/hostname[", want: types.ErrInvalidPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.SetItem(tt.path, tt.value)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	t.Run("unknown node", func(t *testing.T) {
		err := s.SetItem("/example:system/nope", "x")
		require.Error(t, err)
		assert.NotZero(t, types.KindOf(err))
	})
	t.Run("list entry without keys", func(t *testing.T) {
		err := s.SetItem("/example:network/interface", nil)
		require.Error(t, err)
	})
	assert.Equal(t, StateNoPendingEdit, s.State())
}

func TestLeafListAndListItems(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)

	require.NoError(t, s.SetItem("/example:system/ntp-server", "ntp1"))
	require.NoError(t, s.SetItem("/example:system/ntp-server", "ntp2"))
	require.NoError(t, s.SetItem("/example:network/interface[name='eth0']", convert.Map{{Key: "address", Value: "10.0.0.1"}}))
	require.NoError(t, s.SetItem("/example:network/interface[name='eth1']", nil))
	require.NoError(t, s.Apply(ctx))

	vals, err := s.GetItems(ctx, "/example:system/ntp-server", nil)
	require.NoError(t, err)
	var servers []any
	for _, v := range vals {
		servers = append(servers, v.Value)
	}
	assert.Equal(t, []any{"ntp1", "ntp2"}, servers)

	v, err := s.GetItem(ctx, "/example:network/interface[name='eth0']/address")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", v.Value)

	vals, err = s.GetItems(ctx, "/example:network/interface", nil)
	require.NoError(t, err)
	require.Len(t, vals, 2)
	entry, ok := vals[0].Value.(convert.Map)
	require.True(t, ok)
	name, _ := entry.Get("name")
	assert.Equal(t, "eth0", name)

	_, err = s.GetItem(ctx, "/example:network/interface")
	assert.ErrorIs(t, err, types.ErrInvalidPath)
	_, err = s.GetItem(ctx, "/example:system/contact")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLockExclusion(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	holder := startSession(t, c, engine.Running)
	other := startSession(t, c, engine.Running)

	require.NoError(t, holder.Lock(ctx, testhelper.ExampleModule, 0))

	err := other.Lock(ctx, testhelper.ExampleModule, 50*time.Millisecond)
	assert.ErrorIs(t, err, types.ErrLocked)
	err = other.Lock(ctx, "", 0)
	assert.ErrorIs(t, err, types.ErrLocked)

	err = setLeaf(t, other, "/example:system/hostname", "blocked")
	assert.ErrorIs(t, err, types.ErrLocked)

	released := make(chan struct{})
	go func() {
		defer close(released)
		time.Sleep(50 * time.Millisecond)
		holder.Unlock(testhelper.ExampleModule)
	}()
	require.NoError(t, other.Lock(ctx, testhelper.ExampleModule, 2*time.Second))
	<-released

	require.NoError(t, setLeaf(t, other, "/example:system/hostname", "allowed"))

	// locks go with the session
	require.NoError(t, other.Stop(ctx))
	require.NoError(t, holder.Lock(ctx, testhelper.ExampleModule, 0))
}

func TestStartupPersistence(t *testing.T) {
	ctx := context.Background()
	store := &config.StartupStore{Type: config.StoreTypeBadger, Dir: t.TempDir()}

	e, err := memengine.New(ctx, engineConfig(store), testhelper.LoadSchema(t))
	require.NoError(t, err)
	c, err := Connect(ctx, e, nil)
	require.NoError(t, err)

	running := startSession(t, c, engine.Running)
	require.NoError(t, setLeaf(t, running, "/example:system/hostname", "persisted"))
	startup := startSession(t, c, engine.Startup)
	require.NoError(t, startup.CopyConfig(ctx, engine.Running, ""))

	require.NoError(t, c.Disconnect(ctx))
	require.NoError(t, e.Close(ctx))

	e, err = memengine.New(ctx, engineConfig(store), testhelper.LoadSchema(t))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(context.Background()) })
	c = connect(t, e, nil)

	s := startSession(t, c, engine.Running)
	v, err := s.GetItem(ctx, "/example:system/hostname")
	require.NoError(t, err)
	assert.Equal(t, "persisted", v.Value)
}

func TestReplaceConfig(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), nil)
	s := startSession(t, c, engine.Running)
	require.NoError(t, setLeaf(t, s, "/example:system/contact", "old"))

	m := convert.Map{
		{Key: "system", Value: convert.Map{{Key: "hostname", Value: "replaced"}}},
	}
	require.NoError(t, s.ReplaceConfig(ctx, m, testhelper.ExampleModule))

	data, err := s.GetData(ctx, "/example:system", nil)
	require.NoError(t, err)
	assert.Equal(t, convert.Map{{Key: "hostname", Value: "replaced"}}, data.GetMap("system"))

	err = s.ReplaceConfig(ctx, m, "no-such-module")
	assert.ErrorIs(t, err, types.ErrUnknownElement)
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	c, err := Connect(ctx, e, nil)
	require.NoError(t, err)
	s := startSession(t, c, engine.Running)
	require.NoError(t, s.SetItem("/example:system/hostname", "pending"))

	require.NoError(t, c.Disconnect(ctx))
	require.NoError(t, c.Disconnect(ctx))

	_, err = c.StartSession(ctx, engine.Running)
	assert.ErrorIs(t, err, types.ErrInvalidState)
	_, err = c.AcquireSchemaContext()
	assert.ErrorIs(t, err, types.ErrInvalidState)

	// the pending edit died with the session
	c2 := connect(t, e, nil)
	_, err = startSession(t, c2, engine.Running).GetItem(ctx, "/example:system/hostname")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestExternalDriver(t *testing.T) {
	ctx := context.Background()
	c := connect(t, newEngine(t), &config.DispatchConfig{Driver: config.DriverExternal})

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.EventLoop().Run(loopCtx) }()
	require.Eventually(t, c.EventLoop().Running, time.Second, 5*time.Millisecond)

	var phases []engine.Phase
	s := startSession(t, c, engine.Running)
	_, err := s.SubscribeModuleChange(ctx, testhelper.ExampleModule, "", func(ctx context.Context, ev *ModuleChangeEvent) error {
		phases = append(phases, ev.Phase)
		return nil
	}, &SubscribeOptions{Model: Cooperative})
	require.NoError(t, err)
	require.NoError(t, setLeaf(t, startSession(t, c, engine.Running), "/example:system/hostname", "external"))
	assert.Equal(t, []engine.Phase{engine.PhaseChange, engine.PhaseDone}, phases)

	err = c.Disconnect(ctx)
	assert.ErrorIs(t, err, types.ErrInvalidState)

	cancel()
	<-done
	require.NoError(t, c.Disconnect(ctx))
}
