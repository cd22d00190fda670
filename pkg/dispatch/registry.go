// Copyright 2024 Nokia
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dispatch routes the events of an engine connection to the
// callbacks registered for them. Every subscription runs one callback at a
// time, either on its own goroutine or as tasks on a shared worker pool.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"

	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/pool"
	"github.com/sdcio/dsruntime/pkg/types"
)

type listKey struct {
	module string
	kind   engine.SubKind
}

// Registry is the subscription table of one connection.
type Registry struct {
	conn    engine.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	workers int
	// how long Unsubscribe waits for a running callback of the
	// subscription it removes
	unsubscribeWait time.Duration

	seq  atomic.Uint32
	subs *xsync.MapOf[uint32, *Subscription]

	mu    sync.Mutex
	lists map[listKey][]*Subscription
	// created on the first cooperative subscription
	tasks *pool.SharedTaskPool

	closed atomic.Bool
}

// NewRegistry returns a registry for the subscriptions of conn. workers
// sizes the shared pool of cooperative callbacks. unsubscribeWait bounds
// how long removing a subscription waits for its running callback before
// reporting the removal as coming from that callback.
func NewRegistry(conn engine.Conn, workers int, unsubscribeWait time.Duration) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		conn:            conn,
		ctx:             ctx,
		cancel:          cancel,
		workers:         workers,
		unsubscribeWait: unsubscribeWait,
		subs:            xsync.NewMapOf[uint32, *Subscription](),
		lists:           map[listKey][]*Subscription{},
	}
}

func (r *Registry) sharedPool() *pool.SharedTaskPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tasks == nil {
		r.tasks = pool.NewSharedTaskPool(r.ctx, r.workers)
	}
	return r.tasks
}

// Add registers a subscription for req with the engine. The registry
// issues the id, req.ID is ignored.
func (r *Registry) Add(ctx context.Context, req engine.SubscribeRequest, h Handler, model Model) (*Subscription, error) {
	if r.closed.Load() {
		return nil, types.NewInvalidStateError("subscription registry is closed")
	}
	req.ID = r.seq.Add(1)
	s := &Subscription{
		r:       r,
		req:     req,
		handler: h,
		model:   model,
		done:    make(chan struct{}),
		slot:    make(chan struct{}, 1),
	}
	switch model {
	case Blocking:
		s.queue = pool.NewWorkerPoolQueue[*engine.Event]()
		go s.consume()
	case Cooperative:
		s.lane = r.sharedPool().NewLane()
		close(s.done)
	default:
		return nil, types.NewInvalidStateError("unknown dispatch model %s", model)
	}
	r.subs.Store(s.req.ID, s)
	r.insert(s)

	if err := r.conn.Subscribe(ctx, &s.req); err != nil {
		s.closed.Store(true)
		r.remove(s)
		s.stop(context.Background())
		return nil, err
	}
	log.Debugf("subscription %d registered: %s module=%q path=%q priority=%d model=%s",
		s.req.ID, req.Kind, req.Module, req.Path, req.Priority, model)
	return s, nil
}

// insert keeps the list of (module, kind) ordered by priority, then
// registration.
func (r *Registry) insert(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := listKey{module: s.req.Module, kind: s.req.Kind}
	l := r.lists[k]
	i := sort.Search(len(l), func(i int) bool { return l[i].req.Priority > s.req.Priority })
	l = append(l, nil)
	copy(l[i+1:], l[i:])
	l[i] = s
	r.lists[k] = l
}

func (r *Registry) remove(s *Subscription) {
	r.subs.Delete(s.req.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	k := listKey{module: s.req.Module, kind: s.req.Kind}
	l := r.lists[k]
	for i, x := range l {
		if x == s {
			l = append(l[:i], l[i+1:]...)
			break
		}
	}
	if len(l) == 0 {
		delete(r.lists, k)
		return
	}
	r.lists[k] = l
}

// Get returns the subscription with id.
func (r *Registry) Get(id uint32) (*Subscription, bool) {
	return r.subs.Load(id)
}

// List returns the subscriptions of kind on module in priority order.
func (r *Registry) List(module string, kind engine.SubKind) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Subscription(nil), r.lists[listKey{module: module, kind: kind}]...)
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	return r.subs.Size()
}

// Dispatch hands ev to the callback of its subscription. Events of removed
// subscriptions are answered as gone.
func (r *Registry) Dispatch(ev *engine.Event) {
	s, ok := r.subs.Load(ev.SubID)
	if !ok || !s.enqueue(ev) {
		gone(ev)
	}
}

func gone(ev *engine.Event) {
	eventsGone.WithLabelValues(ev.Kind.String()).Inc()
	ev.Respond(engine.Reply{Gone: true})
}

// InCallback reports whether ctx belongs to a callback of this registry.
func (r *Registry) InCallback(ctx context.Context) bool {
	reg, _, ok := Invocation(ctx)
	return ok && reg == r
}

// Close removes all subscriptions, waiting for their running callbacks.
// The registry takes no new subscriptions afterwards. When a subscription
// cannot be removed, its error is returned and Close may be called again.
func (r *Registry) Close(ctx context.Context) error {
	if r.InCallback(ctx) {
		return types.NewInvalidStateError("registry cannot be closed from one of its callbacks")
	}
	r.closed.Store(true)
	var errs []error
	r.subs.Range(func(_ uint32, s *Subscription) bool {
		if err := s.Unsubscribe(ctx); err != nil && !errors.Is(err, types.ErrNotFound) {
			errs = append(errs, err)
		}
		return true
	})
	if len(errs) > 0 {
		// a callback may still be running on the shared pool
		return errors.Join(errs...)
	}
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = nil
	r.mu.Unlock()
	if tasks != nil {
		if err := tasks.Close(); err != nil {
			return err
		}
	}
	r.cancel()
	return nil
}
