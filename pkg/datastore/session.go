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

package datastore

import (
	"context"
	"fmt"
	"time"

	"github.com/openconfig/gnmi/proto/gnmi"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sdcio/dsruntime/pkg/convert"
	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/tree"
	"github.com/sdcio/dsruntime/pkg/types"
	"github.com/sdcio/dsruntime/pkg/utils"
)

// State is the edit state of a Session.
type State int

const (
	StateNoPendingEdit State = iota
	StateEditing
	StateValidated
)

func (s State) String() string {
	switch s {
	case StateNoPendingEdit:
		return "no-pending-edit"
	case StateEditing:
		return "editing"
	case StateValidated:
		return "validated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is a datastore session. A Session is not safe for concurrent
// use; separate sessions of one connection are.
type Session struct {
	c     *Connection
	es    engine.Session
	state State
}

// Value is one node returned by GetItem and GetItems. Value holds the
// native value of a leaf or leaf-list entry and a Map for other nodes.
type Value struct {
	Path    string
	Value   any
	Default bool
}

// GetOptions tune the reads of a session.
type GetOptions struct {
	// NoState leaves config false nodes out.
	NoState bool
	// NoConfig returns state data only, with the keys of their lists.
	NoConfig bool
	// NoSubs skips the operational data subscribers.
	NoSubs bool
	// NoStored skips the data pushed to the operational datastore.
	NoStored bool
	// IncludeDefaults keeps the leaves holding an unset default.
	IncludeDefaults     bool
	KeepEmptyContainers bool
	// Qualified prefixes top-level and cross-module names with their
	// module.
	Qualified bool
	// Timeout bounds the operational pulls.
	Timeout time.Duration
}

func (o *GetOptions) engine() *engine.GetOptions {
	if o == nil {
		return nil
	}
	return &engine.GetOptions{
		NoState:  o.NoState,
		NoConfig: o.NoConfig,
		NoSubs:   o.NoSubs,
		NoStored: o.NoStored,
		Timeout:  o.Timeout,
	}
}

func (o *GetOptions) convert() convert.Options {
	if o == nil {
		return convert.Options{}
	}
	return convert.Options{
		IncludeDefaults:     o.IncludeDefaults,
		KeepEmptyContainers: o.KeepEmptyContainers,
		Qualified:           o.Qualified,
	}
}

// RPCOptions tune RPCSend.
type RPCOptions struct {
	// Timeout bounds the wait for the rpc subscribers, the engine default
	// applies when zero.
	Timeout time.Duration
	// IncludeDefaults keeps output leaves holding their default.
	IncludeDefaults     bool
	KeepEmptyContainers bool
}

func (s *Session) ID() uint32 { return s.es.ID() }

func (s *Session) Connection() *Connection { return s.c }

func (s *Session) Datastore() engine.Datastore { return s.es.Datastore() }

func (s *Session) State() State { return s.state }

func (s *Session) String() string {
	return fmt.Sprintf("session %d (%s, %s)", s.ID(), s.Datastore(), s.state)
}

// SwitchDatastore moves the session to ds. It requires the session to
// have no pending edit.
func (s *Session) SwitchDatastore(ds engine.Datastore) error {
	if s.state != StateNoPendingEdit {
		return types.NewInvalidStateError("%s: cannot switch to %s with a pending edit", s, ds)
	}
	return s.es.SwitchDatastore(ds)
}

// SetExtraInfo describes the originator of the changes made by this
// session to the subscribers.
func (s *Session) SetExtraInfo(originator string, netconfID uint32, user string) {
	s.es.SetExtraInfo(engine.ExtraInfo{Originator: originator, NetconfID: netconfID, User: user})
}

// edited moves the state machine after a successful edit. Edits of the
// operational datastore take effect at once.
func (s *Session) edited() {
	if s.Datastore() == engine.Operational {
		return
	}
	s.state = StateEditing
}

// SetItem creates the node at path. Leaves and leaf-lists take value as a
// native value, containers and lists take nil or a Map merged into them.
func (s *Session) SetItem(path string, value any) error {
	return s.c.WithSchemaContext(func(sch *schema.Schema) error {
		res, err := sch.ResolveString(path)
		if err != nil {
			return err
		}
		kind := schema.KindOf(res.Entry())
		var tv *gnmi.TypedValue
		if _, isMap := value.(convert.Map); isMap && (kind == schema.KindLeaf || kind == schema.KindLeafList) {
			return types.NewTypeMismatchError(path, fmt.Errorf("%s %q takes a value, got a Map", kind, res.Entry().Name))
		}
		if value != nil && (kind == schema.KindLeaf || kind == schema.KindLeafList || kind == schema.KindAnydata) {
			if tv, err = convert.LeafValue(res.Entry(), value); err != nil {
				return typeMismatch(path, err)
			}
			if last := len(res.Path) - 1; kind == schema.KindLeafList && len(res.Path[last].Keys) == 0 {
				p := append(schema.Path(nil), res.Path...)
				p[last].Keys = []schema.KeyValue{{Name: ".", Value: utils.TypedValueToString(tv)}}
				path = p.String()
				if res, err = sch.Resolve(p); err != nil {
					return err
				}
			}
		}
		// list entries need their keys, leaf-list entries their value
		if _, err := tree.NewRoot(sch).Ensure(res); err != nil {
			return err
		}
		switch kind {
		case schema.KindLeaf, schema.KindLeafList, schema.KindAnydata:
			err = s.es.SetItem(path, tv)
		default:
			m, ok := value.(convert.Map)
			if value != nil && !ok {
				return types.NewTypeMismatchError(path, fmt.Errorf("%s %q takes a Map, got %T", schema.KindOf(res.Entry()), res.Entry().Name, value))
			}
			if len(m) == 0 {
				err = s.es.SetItem(path, nil)
				break
			}
			n, cerr := convert.ToNative(sch, m, path, convert.NoDefaults())
			if cerr != nil {
				return cerr
			}
			err = s.es.EditBatch(n.Root(), engine.EditMerge)
		}
		if err != nil {
			return err
		}
		s.edited()
		return nil
	})
}

func typeMismatch(path string, err error) error {
	if types.KindOf(err) != 0 {
		return err
	}
	return types.NewTypeMismatchError(path, err)
}

// DeleteItem removes the nodes path selects.
func (s *Session) DeleteItem(path string) error {
	if err := s.es.DeleteItem(path); err != nil {
		return err
	}
	s.edited()
	return nil
}

// MoveItem repositions the user-ordered entry at path. relative names the
// anchor entry for the before and after positions, by its predicate or
// leaf-list value.
func (s *Session) MoveItem(path string, pos tree.Position, relative string) error {
	if err := s.es.MoveItem(path, pos, relative); err != nil {
		return err
	}
	s.edited()
	return nil
}

// EditBatch adds the content of m, rooted at the top-level nodes, to the
// pending edit. op is the default operation for every node.
func (s *Session) EditBatch(m convert.Map, op engine.EditOperation) error {
	return s.c.WithSchemaContext(func(sch *schema.Schema) error {
		n, err := convert.ToNative(sch, m, "", convert.NoDefaults())
		if err != nil {
			return err
		}
		if err := s.es.EditBatch(n, op); err != nil {
			return err
		}
		s.edited()
		return nil
	})
}

// DeleteOperItem hides path from the operational datastore.
func (s *Session) DeleteOperItem(path string) error {
	return s.es.DeleteOperItem(path)
}

// DiscardItems drops the operational data this session pushed below path.
func (s *Session) DiscardItems(path string) error {
	return s.es.DiscardItems(path)
}

// HasChanges reports whether the engine holds a pending edit for the
// session.
func (s *Session) HasChanges() bool {
	return s.es.HasChanges()
}

// Validate checks the pending edit against the schema and the engine
// validators. The edit is kept whatever the outcome.
func (s *Session) Validate(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "datastore.Validate", s.spanAttrs())
	defer func() { endSpan(span, err) }()

	if s.state == StateNoPendingEdit {
		return nil
	}
	if err := s.es.Validate(ctx); err != nil {
		return err
	}
	s.state = StateValidated
	return nil
}

// Apply commits the pending edit through the two-phase protocol. The edit
// is gone afterwards, also when the commit failed.
func (s *Session) Apply(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "datastore.Apply", s.spanAttrs())
	defer func() { endSpan(span, err) }()

	start := time.Now()
	err = s.es.Apply(ctx, 0)
	if s.Datastore() != engine.FactoryDefault {
		s.state = StateNoPendingEdit
	}
	if err != nil {
		log.Debugf("%s: apply failed after %s: %v", s, time.Since(start), err)
		return err
	}
	return nil
}

// Commit is Apply.
func (s *Session) Commit(ctx context.Context) error {
	return s.Apply(ctx)
}

// Discard drops the pending edit.
func (s *Session) Discard() error {
	if err := s.es.Discard(); err != nil {
		return err
	}
	s.state = StateNoPendingEdit
	return nil
}

// ReplaceConfig replaces the configuration of module, all modules when
// empty, with m and applies it.
func (s *Session) ReplaceConfig(ctx context.Context, m convert.Map, module string) (err error) {
	ctx, span := tracer.Start(ctx, "datastore.ReplaceConfig", s.spanAttrs(attribute.String("module", module)))
	defer func() { endSpan(span, err) }()

	var root *tree.Node
	err = s.c.WithSchemaContext(func(sch *schema.Schema) error {
		if module != "" && sch.Module(module) == nil {
			return types.NewUnknownElementError("", "unknown module %q", module)
		}
		var err error
		root, err = convert.ToNative(sch, m, "", convert.NoDefaults())
		return err
	})
	if err != nil {
		return err
	}
	return s.es.ReplaceConfig(ctx, root, module, 0)
}

// CopyConfig replaces the configuration of module in the session
// datastore with the one of src.
func (s *Session) CopyConfig(ctx context.Context, src engine.Datastore, module string) (err error) {
	ctx, span := tracer.Start(ctx, "datastore.CopyConfig", s.spanAttrs(attribute.String("source", src.String())))
	defer func() { endSpan(span, err) }()
	return s.es.CopyConfig(ctx, src, module, 0)
}

// Lock takes the lock of module, the whole datastore when empty, waiting
// up to timeout for another holder to release it.
func (s *Session) Lock(ctx context.Context, module string, timeout time.Duration) error {
	return s.es.Lock(ctx, module, timeout)
}

func (s *Session) Unlock(module string) error {
	return s.es.Unlock(module)
}

func (s *Session) get(ctx context.Context, path string, opts *GetOptions) (*tree.Node, error) {
	return s.es.Get(ctx, path, opts.engine())
}

// GetItems returns the nodes path selects. Keys missing from list
// predicates match every entry.
func (s *Session) GetItems(ctx context.Context, path string, opts *GetOptions) ([]*Value, error) {
	p, err := schema.ParsePath(path)
	if err != nil {
		return nil, types.NewInvalidPathError(path, "%v", err)
	}
	root, err := s.get(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	copts := opts.convert()
	var result []*Value
	for _, n := range root.FindAll(p) {
		v := &Value{Path: n.Path().String(), Default: n.IsDefault()}
		switch n.Kind() {
		case schema.KindLeaf, schema.KindLeafList, schema.KindAnydata:
			v.Value = convert.GoValue(n.Value)
		default:
			v.Value = convert.FromNative(n, copts)
		}
		result = append(result, v)
	}
	return result, nil
}

// GetItem returns the single node at path. NotFoundError when there is
// none.
func (s *Session) GetItem(ctx context.Context, path string) (*Value, error) {
	vals, err := s.GetItems(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	switch len(vals) {
	case 0:
		return nil, types.NewNotFoundError(path)
	case 1:
		return vals[0], nil
	}
	return nil, types.NewInvalidPathError(path, "path selects %d nodes", len(vals))
}

// GetData returns the subtrees path selects with their ancestors, as a Map
// read from the root. NotFoundError when nothing matches.
func (s *Session) GetData(ctx context.Context, path string, opts *GetOptions) (convert.Map, error) {
	root, err := s.get(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	if !root.HasChildren() {
		return nil, types.NewNotFoundError(path)
	}
	return convert.FromNative(root, opts.convert()), nil
}

// RPCSend invokes the rpc or action at path with input and returns its
// output.
func (s *Session) RPCSend(ctx context.Context, path string, input convert.Map, opts *RPCOptions) (_ convert.Map, err error) {
	ctx, span := tracer.Start(ctx, "datastore.RPCSend", s.spanAttrs(attribute.String("path", path)))
	defer func() { endSpan(span, err) }()

	if opts == nil {
		opts = &RPCOptions{}
	}
	var in *tree.Node
	err = s.c.WithSchemaContext(func(sch *schema.Schema) error {
		res, err := sch.ResolveString(path)
		if err != nil {
			return err
		}
		if !schema.KindOf(res.Entry()).IsOperation() {
			return types.NewInvalidPathError(path, "%s is not an rpc or action", schema.KindOf(res.Entry()))
		}
		in, err = convert.ToNative(sch, input, path, convert.NoDefaults())
		return err
	})
	if err != nil {
		return nil, err
	}
	out, err := s.es.RPCSend(ctx, in, opts.Timeout)
	if err != nil {
		return nil, err
	}
	return convert.FromNative(out, convert.Options{
		IncludeDefaults:     opts.IncludeDefaults,
		KeepEmptyContainers: opts.KeepEmptyContainers,
	}), nil
}

// NotificationSend emits the notification at path with content m.
func (s *Session) NotificationSend(ctx context.Context, path string, m convert.Map) error {
	var n *tree.Node
	err := s.c.WithSchemaContext(func(sch *schema.Schema) error {
		res, err := sch.ResolveString(path)
		if err != nil {
			return err
		}
		if schema.KindOf(res.Entry()) != schema.KindNotification {
			return types.NewInvalidPathError(path, "%s is not a notification", schema.KindOf(res.Entry()))
		}
		n, err = convert.ToNative(sch, m, path, convert.NoDefaults())
		return err
	})
	if err != nil {
		return err
	}
	return s.es.NotificationSend(ctx, n)
}

// Stop ends the session, dropping its pending edit and releasing its
// locks. Subscriptions made through the session belong to its Connection:
// they stay registered and Stop does not wait for their running callbacks.
// Unsubscribe them, or Disconnect the Connection, to remove them.
func (s *Session) Stop(ctx context.Context) error {
	err := s.es.Stop(ctx)
	s.state = StateNoPendingEdit
	s.c.forget(s)
	return err
}

func (s *Session) spanAttrs(extra ...attribute.KeyValue) trace.SpanStartOption {
	attrs := append([]attribute.KeyValue{
		attribute.Int64("session.id", int64(s.ID())),
		attribute.String("session.datastore", s.Datastore().String()),
	}, extra...)
	return withAttrs(attrs...)
}
