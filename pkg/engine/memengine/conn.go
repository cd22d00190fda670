package memengine

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"

	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/tree"
	"github.com/sdcio/dsruntime/pkg/types"
)

type conn struct {
	id       string
	e        *Engine
	src      *engine.EventSource
	sessions *xsync.MapOf[uint32, *session]
	closed   atomic.Bool
}

var _ engine.Conn = (*conn)(nil)

func (c *conn) ID() string { return c.id }

func (c *conn) SchemaContext() *schema.Context { return c.e.schemaCtx }

func (c *conn) Events() *engine.EventSource { return c.src }

func (c *conn) StartSession(ctx context.Context, ds engine.Datastore) (engine.Session, error) {
	if c.closed.Load() {
		return nil, types.NewConnectionError(nil, "connection %s is closed", c.id)
	}
	s := &session{
		id: c.e.sessID.Add(1),
		c:  c,
		e:  c.e,
		ds: ds,
	}
	s.push = tree.NewRoot(c.e.schemaCtx.Current())
	c.sessions.Store(s.id, s)
	c.e.sessions.Store(s.id, s)
	log.Debugf("connection %s: session %d started on %s", c.id, s.id, ds)
	return s, nil
}

func (c *conn) Subscribe(ctx context.Context, req *engine.SubscribeRequest) error {
	if c.closed.Load() {
		return types.NewConnectionError(nil, "connection %s is closed", c.id)
	}
	return c.e.subscribe(c, req)
}

func (c *conn) Unsubscribe(ctx context.Context, id uint32) error {
	return c.e.unsubscribe(c, id)
}

// Close stops the sessions, drops the subscriptions and closes the event
// source, answering the events still queued as gone.
func (c *conn) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	c.sessions.Range(func(_ uint32, s *session) bool {
		errs = append(errs, s.Stop(ctx))
		return true
	})
	c.e.subsMu.Lock()
	kept := c.e.subs[:0]
	for _, x := range c.e.subs {
		if x.c == c {
			c.e.dropped(x)
			continue
		}
		kept = append(kept, x)
	}
	for i := len(kept); i < len(c.e.subs); i++ {
		c.e.subs[i] = nil
	}
	c.e.subs = kept
	c.e.subsMu.Unlock()

	errs = append(errs, c.src.Close())
	c.e.conns.Delete(c.id)
	c.e.metrics.connections.Dec()
	log.Debugf("engine %s: connection %s closed", c.e.cfg.Name, c.id)
	return errors.Join(errs...)
}
