package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/pool"
	"github.com/sdcio/dsruntime/pkg/types"
)

// Subscription is a registered callback.
type Subscription struct {
	r       *Registry
	req     engine.SubscribeRequest
	handler Handler
	model   Model
	closed  atomic.Bool

	// Blocking
	queue *pool.WorkerPoolQueue[*engine.Event]
	// Cooperative
	lane *pool.Lane
	// closed once no callback of the subscription runs any more
	done chan struct{}
	// held while a callback runs, Unsubscribe takes it to mark the
	// subscription closed between two callbacks
	slot chan struct{}
}

func (s *Subscription) ID() uint32 { return s.req.ID }

func (s *Subscription) Request() engine.SubscribeRequest { return s.req }

func (s *Subscription) Model() Model { return s.model }

func (s *Subscription) Closed() bool { return s.closed.Load() }

func (s *Subscription) String() string {
	return fmt.Sprintf("subscription %d (%s %s)", s.req.ID, s.req.Kind, s.req.Module)
}

// eventTask runs one event of a cooperative subscription.
type eventTask struct {
	s  *Subscription
	ev *engine.Event
}

func (t *eventTask) Run(context.Context) error {
	queueDepth.Dec()
	t.s.invoke(t.ev)
	return nil
}

// enqueue schedules ev, it reports false when the subscription no longer
// takes events.
func (s *Subscription) enqueue(ev *engine.Event) bool {
	if s.closed.Load() {
		return false
	}
	queueDepth.Inc()
	var err error
	switch s.model {
	case Blocking:
		err = s.queue.Put(ev)
	case Cooperative:
		err = s.lane.Submit(&eventTask{s: s, ev: ev})
	}
	if err != nil {
		queueDepth.Dec()
		return false
	}
	return true
}

func (s *Subscription) consume() {
	defer close(s.done)
	for {
		ev, ok := s.queue.Get()
		if !ok {
			return
		}
		queueDepth.Dec()
		s.invoke(ev)
	}
}

// invoke runs the handler for ev and answers it. Events reaching a closed
// subscription are answered as gone.
func (s *Subscription) invoke(ev *engine.Event) {
	s.slot <- struct{}{}
	if s.closed.Load() {
		<-s.slot
		gone(ev)
		return
	}
	kind := s.req.Kind.String()
	eventsDispatched.WithLabelValues(kind, ev.Phase.String(), s.model.String()).Inc()
	start := time.Now()
	reply := s.call(ev)
	<-s.slot
	callbackDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if reply.Err != nil {
		callbackErrors.WithLabelValues(kind, ev.Phase.String()).Inc()
		log.Debugf("%s: %s callback failed: %v", s, ev.Phase, reply.Err)
	}
	ev.Respond(reply)
}

func (s *Subscription) call(ev *engine.Event) (reply engine.Reply) {
	defer func() {
		if r := recover(); r != nil {
			err := &pool.PanicError{Value: r, Stack: debug.Stack()}
			log.Errorf("%s: %s callback panicked: %v\n%s", s, ev.Phase, r, err.Stack)
			reply = engine.Reply{Err: err}
		}
	}()
	return s.handler.Handle(withInvocation(s.r.ctx, s.r, s.req.ID), ev)
}

// Unsubscribe removes the subscription from the engine and the registry.
// Events not yet started are answered as gone and a running callback is
// waited for. Called from a callback of the subscription itself it fails
// with an InvalidStateError and leaves the subscription in place: directly
// when ctx is the callback's context, otherwise once the running callback
// did not return within the unsubscribe wait of the registry.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	if reg, id, ok := Invocation(ctx); ok && reg == s.r && id == s.req.ID {
		return types.NewInvalidStateError("%s cannot be removed from its own callback", s)
	}
	if s.closed.Load() {
		return nil
	}
	if ok, err := s.close(ctx); !ok {
		return err
	}
	err := s.r.conn.Unsubscribe(ctx, s.req.ID)
	if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrConnection) {
		err = nil
	}
	s.r.remove(s)
	if serr := s.stop(ctx); serr != nil && err == nil {
		err = serr
	}
	log.Debugf("%s removed", s)
	return err
}

// close marks the subscription closed once no callback of it runs. It
// reports false when the subscription was closed already.
func (s *Subscription) close(ctx context.Context) (bool, error) {
	select {
	case s.slot <- struct{}{}:
	default:
		t := time.NewTimer(s.r.unsubscribeWait)
		defer t.Stop()
		select {
		case s.slot <- struct{}{}:
		case <-ctx.Done():
			return false, ctx.Err()
		case <-t.C:
			return false, types.NewInvalidStateError("%s: callback still running after %s, a subscription cannot be removed from its own callback", s, s.r.unsubscribeWait)
		}
	}
	defer func() { <-s.slot }()
	return s.closed.CompareAndSwap(false, true), nil
}

// stop answers the queued events as gone and waits for the running
// callback, or for ctx. Called once closed is set.
func (s *Subscription) stop(ctx context.Context) error {
	switch s.model {
	case Blocking:
		for _, ev := range s.queue.Drain() {
			queueDepth.Dec()
			gone(ev)
		}
		s.queue.Close()
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case Cooperative:
		s.lane.Purge(func(t pool.Task) {
			if et, ok := t.(*eventTask); ok {
				queueDepth.Dec()
				gone(et.ev)
			}
		})
		return s.lane.Close(ctx)
	}
	return nil
}
