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

// Package datastore is the caller-facing runtime: connections to an engine,
// sessions with their edit state machine, subscriptions with typed
// callbacks and the change iterator.
package datastore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sdcio/dsruntime/pkg/config"
	"github.com/sdcio/dsruntime/pkg/dispatch"
	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/types"
)

// Connection is a connection to an engine. It owns one reference on the
// schema context, the sessions started from it and the subscription
// registry its event source feeds.
type Connection struct {
	cfg  *config.DispatchConfig
	conn engine.Conn
	// reference held for the lifetime of the connection
	sch *schema.Schema

	reg  *dispatch.Registry
	loop *dispatch.Loop
	// set with the threaded driver
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	mu       sync.Mutex
	sessions map[uint32]*Session

	closed atomic.Bool
}

// Connect opens a connection to eng. A nil cfg selects the threaded driver
// with default settings.
func Connect(ctx context.Context, eng engine.Engine, cfg *config.DispatchConfig) (_ *Connection, err error) {
	ctx, span := tracer.Start(ctx, "datastore.Connect", withAttrs(attribute.String("engine", eng.Name())))
	defer func() { endSpan(span, err) }()

	dcfg := config.DispatchConfig{}
	if cfg != nil {
		dcfg = *cfg
	}
	if err := dcfg.Validate(); err != nil {
		return nil, err
	}
	cfg = &dcfg

	conn, err := eng.Connect(ctx)
	if err != nil {
		if types.KindOf(err) == 0 {
			err = types.NewConnectionError(err, "connecting to engine %s", eng.Name())
		}
		return nil, err
	}
	sch, err := conn.SchemaContext().Acquire()
	if err != nil {
		conn.Close(ctx)
		return nil, types.NewConnectionError(err, "acquiring the schema context")
	}

	reg := dispatch.NewRegistry(conn, cfg.Workers, cfg.UnsubscribeWait)
	c := &Connection{
		cfg:      cfg,
		conn:     conn,
		sch:      sch,
		reg:      reg,
		loop:     dispatch.NewLoop(conn.Events(), reg, cfg.PollInterval),
		sessions: map[uint32]*Session{},
	}
	if cfg.Driver == config.DriverThreaded {
		var loopCtx context.Context
		loopCtx, c.loopCancel = context.WithCancel(context.Background())
		c.loopDone = make(chan struct{})
		go func() {
			defer close(c.loopDone)
			if err := c.loop.Run(loopCtx); err != nil {
				log.Errorf("connection %s: event loop stopped: %v", c.ID(), err)
			}
		}()
	}
	log.Infof("connection %s to engine %s opened, dispatch driver %s", c.ID(), eng.Name(), cfg.Driver)
	return c, nil
}

func (c *Connection) ID() string {
	return c.conn.ID()
}

// EventLoop returns the loop that dispatches the events of the connection.
// With the external driver the application runs it, with the threaded one
// the connection does.
func (c *Connection) EventLoop() *dispatch.Loop {
	return c.loop
}

// Registry returns the subscription registry of the connection.
func (c *Connection) Registry() *dispatch.Registry {
	return c.reg
}

// AcquireSchemaContext borrows the current schema. Every borrow must be
// handed back with ReleaseSchemaContext.
func (c *Connection) AcquireSchemaContext() (*schema.Schema, error) {
	if c.closed.Load() {
		return nil, types.NewInvalidStateError("connection %s is closed", c.ID())
	}
	sch, err := c.conn.SchemaContext().Acquire()
	if err != nil {
		return nil, types.NewConnectionError(err, "acquiring the schema context")
	}
	return sch, nil
}

func (c *Connection) ReleaseSchemaContext(sch *schema.Schema) {
	c.conn.SchemaContext().Release(sch)
}

// WithSchemaContext runs f with a borrowed schema and releases it on every
// exit path.
func (c *Connection) WithSchemaContext(f func(*schema.Schema) error) error {
	sch, err := c.AcquireSchemaContext()
	if err != nil {
		return err
	}
	defer c.ReleaseSchemaContext(sch)
	return f(sch)
}

// StartSession starts a session on ds.
func (c *Connection) StartSession(ctx context.Context, ds engine.Datastore) (*Session, error) {
	if c.closed.Load() {
		return nil, types.NewInvalidStateError("connection %s is closed", c.ID())
	}
	es, err := c.conn.StartSession(ctx, ds)
	if err != nil {
		return nil, err
	}
	s := &Session{c: c, es: es}
	c.mu.Lock()
	c.sessions[es.ID()] = s
	c.mu.Unlock()
	return s, nil
}

func (c *Connection) forget(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s.ID())
}

// Disconnect removes the subscriptions after their running callbacks
// returned, stops the sessions and closes the engine connection. It is
// idempotent. Disconnecting from a callback of the connection, or while
// the application still runs its event loop, is an InvalidStateError and
// leaves the connection open.
func (c *Connection) Disconnect(ctx context.Context) error {
	if c.reg.InCallback(ctx) {
		return types.NewInvalidStateError("connection %s cannot be closed from one of its callbacks", c.ID())
	}
	if c.cfg.Driver == config.DriverExternal && c.loop.Running() {
		return types.NewInvalidStateError("connection %s: event loop is still running", c.ID())
	}
	if c.closed.Load() {
		return nil
	}
	// the loop keeps running so that events posted meanwhile are answered
	if err := c.reg.Close(ctx); err != nil {
		return err
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.loopCancel != nil {
		c.loopCancel()
		<-c.loopDone
	}
	if err := c.conn.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	c.conn.SchemaContext().Release(c.sch)
	log.Infof("connection %s closed", c.ID())
	return errors.Join(errs...)
}
