package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdcio/dsruntime/pkg/types"
)

func TestEventSource_PostDrain(t *testing.T) {
	s, err := NewEventSource()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	ready, err := s.Wait(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ready, "empty source reported readable")

	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, s.Post(NewEvent(i, SubModuleChange, PhaseChange)))
	}
	assert.Equal(t, 3, s.Len())

	ready, err = s.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ready)

	evs := s.Drain()
	require.Len(t, evs, 3)
	for i, ev := range evs {
		assert.Equal(t, uint32(i+1), ev.SubID)
	}

	ready, err = s.Wait(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ready, "drained source still readable")
}

func TestEventSource_CloseAnswersGone(t *testing.T) {
	s, err := NewEventSource()
	require.NoError(t, err)

	ev := NewEvent(7, SubOperData, PhaseOperPull)
	require.NoError(t, s.Post(ev))
	require.NoError(t, s.Close())

	r, err := ev.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, r.Gone)

	assert.ErrorIs(t, s.Post(NewEvent(8, SubRPC, PhaseRPC)), ErrSourceClosed)
	_, err = s.Wait(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, ErrSourceClosed)
	assert.NoError(t, s.Close(), "second close")
}

func TestEventSource_CloseWhileWaiting(t *testing.T) {
	s, err := NewEventSource()
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := s.Wait(context.Background(), 10*time.Second)
		waitErr <- err
	}()
	// let the waiter enter poll
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, ErrSourceClosed)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Close")
	}
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
}

func TestEvent_RespondOnce(t *testing.T) {
	ev := NewEvent(1, SubRPC, PhaseRPC)
	ev.Respond(Reply{Err: errors.New("first")})
	ev.Respond(Reply{Err: errors.New("second")})

	r, err := ev.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.EqualError(t, r.Err, "first")
}

func TestEvent_WaitTimeout(t *testing.T) {
	ev := NewEvent(1, SubOperData, PhaseOperPull)
	_, err := ev.Wait(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, types.ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ev.Wait(ctx, 0)
	assert.ErrorIs(t, err, types.ErrTimeout)
}

func TestParseDatastore(t *testing.T) {
	for _, ds := range []Datastore{Running, Candidate, Startup, Operational, FactoryDefault} {
		got, err := ParseDatastore(ds.String())
		require.NoError(t, err)
		assert.Equal(t, ds, got)
	}
	_, err := ParseDatastore("bogus")
	assert.Error(t, err)
	assert.True(t, Candidate.IsConventional())
	assert.False(t, Operational.IsConventional())
}
