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

// Package memengine is an in-process datastore engine. It keeps one tree
// per datastore, persists startup through a cache.Client and runs the
// subscriber protocol of package engine against the connections made to
// it.
package memengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/sdcio/dsruntime/pkg/cache"
	"github.com/sdcio/dsruntime/pkg/config"
	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/tree"
	"github.com/sdcio/dsruntime/pkg/types"
)

const maxParallelPulls = 16

type Engine struct {
	cfg       *config.EngineConfig
	schemaCtx *schema.Context
	startup   cache.Client

	// dsMu guards stores. A nil candidate mirrors running.
	dsMu   sync.RWMutex
	stores map[engine.Datastore]*tree.Node
	// commit serializes the transactions of one datastore
	commit map[engine.Datastore]*sync.Mutex

	conns    *xsync.MapOf[string, *conn]
	sessions *xsync.MapOf[uint32, *session]

	subsMu sync.RWMutex
	subs   []*subscription
	subSeq uint64

	// notifMu orders sending, logging and replaying notifications, it is
	// taken before subsMu.
	notifMu sync.Mutex
	notifs  *notifLog

	locks   *lockTable
	reqID   atomic.Uint32
	sessID  atomic.Uint32
	pulls   *semaphore.Weighted
	metrics *metrics
	closed  atomic.Bool
}

var _ engine.Engine = (*Engine)(nil)

// New creates an engine over sch. The startup datastore is read from the
// configured store and copied into running.
func New(ctx context.Context, cfg *config.EngineConfig, sch *schema.Schema) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("missing engine config")
	}
	startup, err := cache.New(cfg.Startup)
	if err != nil {
		return nil, types.NewConnectionError(err, "startup store")
	}
	e := &Engine{
		cfg:       cfg,
		schemaCtx: schema.NewContext(sch),
		startup:   startup,
		stores:    map[engine.Datastore]*tree.Node{},
		commit:    map[engine.Datastore]*sync.Mutex{},
		conns:     xsync.NewMapOf[string, *conn](),
		sessions:  xsync.NewMapOf[uint32, *session](),
		notifs:    newNotifLog(cfg.NotificationLog),
		locks:     newLockTable(),
		pulls:     semaphore.NewWeighted(maxParallelPulls),
		metrics:   newMetrics(cfg.Name),
	}
	for _, ds := range []engine.Datastore{engine.Running, engine.Candidate, engine.Startup, engine.FactoryDefault} {
		e.commit[ds] = &sync.Mutex{}
	}
	startupTree, err := e.load(ctx, sch, engine.Startup)
	if err != nil {
		startup.Close()
		return nil, types.NewConnectionError(err, "loading startup datastore")
	}
	factory, err := e.load(ctx, sch, engine.FactoryDefault)
	if err != nil {
		startup.Close()
		return nil, types.NewConnectionError(err, "loading factory-default datastore")
	}
	e.stores[engine.Startup] = startupTree
	e.stores[engine.Running] = startupTree.Clone()
	e.stores[engine.FactoryDefault] = factory
	log.Infof("engine %s started with schema generation %d", cfg.Name, sch.Generation())
	return e, nil
}

func (e *Engine) Name() string { return e.cfg.Name }

// SchemaContext returns the schema context shared by all connections.
func (e *Engine) SchemaContext() *schema.Context { return e.schemaCtx }

// WatchSchema reloads the schema when its files change and rebinds the
// datastores to the new generation.
func (e *Engine) WatchSchema(ctx context.Context, debounce time.Duration) error {
	return schema.Watch(ctx, e.schemaCtx, debounce, e.rebind)
}

func (e *Engine) rebind(prev, next *schema.Schema) {
	e.dsMu.Lock()
	defer e.dsMu.Unlock()
	for ds, root := range e.stores {
		if root == nil {
			continue
		}
		nr := tree.NewRoot(next)
		if err := nr.LoadUpdates(next, tree.ToUpdates(root, false)); err != nil {
			log.Errorf("datastore %s does not fit schema generation %d, keeping its data unbound: %v", ds, next.Generation(), err)
			continue
		}
		e.stores[ds] = nr
	}
	e.sessions.Range(func(_ uint32, s *session) bool {
		s.rebind(next)
		return true
	})
	log.Infof("datastores rebound from schema generation %d to %d", prev.Generation(), next.Generation())
}

func (e *Engine) Connect(ctx context.Context) (engine.Conn, error) {
	if e.closed.Load() {
		return nil, types.NewConnectionError(nil, "engine %s is closed", e.cfg.Name)
	}
	src, err := engine.NewEventSource()
	if err != nil {
		return nil, types.NewConnectionError(err, "creating event source")
	}
	c := &conn{
		id:       uuid.NewString(),
		e:        e,
		src:      src,
		sessions: xsync.NewMapOf[uint32, *session](),
	}
	e.conns.Store(c.id, c)
	e.metrics.connections.Inc()
	log.Debugf("engine %s: connection %s opened", e.cfg.Name, c.id)
	return c, nil
}

// Close closes all connections and the startup store.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	e.conns.Range(func(_ string, c *conn) bool {
		errs = append(errs, c.Close(ctx))
		return true
	})
	errs = append(errs, e.schemaCtx.Close(ctx), e.startup.Close())
	return errors.Join(errs...)
}

// snapshot returns a copy of the configuration held by ds.
func (e *Engine) snapshot(ds engine.Datastore) *tree.Node {
	e.dsMu.RLock()
	defer e.dsMu.RUnlock()
	root := e.stores[ds]
	if root == nil && ds == engine.Candidate {
		root = e.stores[engine.Running]
	}
	if root == nil {
		return tree.NewRoot(e.schemaCtx.Current())
	}
	return root.Clone()
}

func (e *Engine) store(ds engine.Datastore, root *tree.Node) {
	e.dsMu.Lock()
	defer e.dsMu.Unlock()
	e.stores[ds] = root
}

func (e *Engine) nextRequestID() uint32 {
	return e.reqID.Add(1)
}

type subscription struct {
	c    *conn
	req  engine.SubscribeRequest
	path schema.Path
	seq  uint64
	// stop ends a notification subscription at its stop time
	stop *time.Timer
}

func (s *subscription) String() string {
	return fmt.Sprintf("%s sub %d of connection %s", s.req.Kind, s.req.ID, s.c.id)
}

func (e *Engine) subscribe(c *conn, req *engine.SubscribeRequest) error {
	if err := checkNotifTimes(req, time.Now()); err != nil {
		return err
	}
	sub := &subscription{c: c, req: *req}
	if req.Path != "" {
		err := e.schemaCtx.With(func(sch *schema.Schema) error {
			res, err := sch.ResolveString(req.Path)
			if err != nil {
				return err
			}
			if req.Module != "" && res.Module() != req.Module {
				return types.NewInvalidPathError(req.Path, "path is not part of module %q", req.Module)
			}
			sub.path = res.Path
			return nil
		})
		if err != nil {
			return err
		}
	} else if req.Module != "" {
		if e.schemaCtx.Current().Module(req.Module) == nil {
			return types.NewUnknownElementError("", "unknown module %q", req.Module)
		}
	}

	if req.Kind == engine.SubNotification {
		return e.subscribeNotifications(sub)
	}
	return e.register(sub)
}

func (e *Engine) register(sub *subscription) error {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, x := range e.subs {
		if x.c == sub.c && x.req.ID == sub.req.ID {
			return types.NewInvalidStateError("subscription id %d already registered", sub.req.ID)
		}
	}
	e.subSeq++
	sub.seq = e.subSeq
	e.subs = append(e.subs, sub)
	e.metrics.subscriptions.WithLabelValues(sub.req.Kind.String()).Inc()
	log.Debugf("engine %s: registered %s module=%q path=%q priority=%d", e.cfg.Name, sub, sub.req.Module, sub.req.Path, sub.req.Priority)
	return nil
}

func (e *Engine) unsubscribe(c *conn, id uint32) error {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for i, x := range e.subs {
		if x.c == c && x.req.ID == id {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			e.dropped(x)
			return nil
		}
	}
	return types.NewNotFoundError(fmt.Sprintf("subscription %d", id))
}

// drop removes sub, it reports false when sub was already gone.
func (e *Engine) drop(sub *subscription) bool {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for i, x := range e.subs {
		if x == sub {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			e.dropped(x)
			return true
		}
	}
	return false
}

// dropped is called with subsMu held for each removed subscription.
func (e *Engine) dropped(sub *subscription) {
	if sub.stop != nil {
		sub.stop.Stop()
	}
	e.metrics.subscriptions.WithLabelValues(sub.req.Kind.String()).Dec()
}

// subscribers returns the subscriptions f selects, by ascending priority
// and registration order.
func (e *Engine) subscribers(f func(*subscription) bool) []*subscription {
	e.subsMu.RLock()
	var result []*subscription
	for _, x := range e.subs {
		if f(x) {
			result = append(result, x)
		}
	}
	e.subsMu.RUnlock()
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].req.Priority != result[j].req.Priority {
			return result[i].req.Priority < result[j].req.Priority
		}
		return result[i].seq < result[j].seq
	})
	return result
}

// deliver posts ev to the connection of sub and waits for the answer.
func (e *Engine) deliver(ctx context.Context, sub *subscription, ev *engine.Event, timeout time.Duration) (engine.Reply, error) {
	if err := sub.c.src.Post(ev); err != nil {
		return engine.Reply{Gone: true}, nil
	}
	start := time.Now()
	r, err := ev.Wait(ctx, timeout)
	e.metrics.callbackDuration.WithLabelValues(ev.Phase.String()).Observe(time.Since(start).Seconds())
	return r, err
}

func (e *Engine) newEvent(sub *subscription, phase engine.Phase, reqID uint32) *engine.Event {
	ev := engine.NewEvent(sub.req.ID, sub.req.Kind, phase)
	ev.RequestID = reqID
	ev.Datastore = sub.req.Datastore
	ev.Module = sub.req.Module
	ev.Path = sub.req.Path
	return ev
}
