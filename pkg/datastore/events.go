package datastore

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sdcio/dsruntime/pkg/convert"
	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/tree"
	"github.com/sdcio/dsruntime/pkg/types"
)

// ModuleChangeCallback handles the phases of the transactions touching a
// subscribed module. An error returned in the update or change phase
// vetoes the transaction, later phases only log it.
type ModuleChangeCallback func(ctx context.Context, ev *ModuleChangeEvent) error

// OperDataCallback returns the operational data requested below the
// subscribed path, as a Map read from the root.
type OperDataCallback func(ctx context.Context, req *OperDataRequest) (convert.Map, error)

// RPCCallback runs an rpc or action and returns its output. A nil Map
// means no output.
type RPCCallback func(ctx context.Context, ev *RPCEvent) (convert.Map, error)

// NotificationCallback receives notifications, errors are logged.
type NotificationCallback func(ctx context.Context, ev *NotificationEvent) error

// ModuleChangeEvent is one phase of a transaction as seen by a module
// change subscriber.
type ModuleChangeEvent struct {
	Phase     engine.Phase
	RequestID uint32
	Datastore engine.Datastore
	Module    string
	// Path of the subscription, empty for the whole module.
	Path      string
	Info      engine.ExtraInfo
	Timestamp time.Time

	c       *Connection
	opts    *SubscribeOptions
	config  *tree.Node
	changes []*tree.Change
	edit    *tree.Node
}

func newModuleChangeEvent(c *Connection, opts *SubscribeOptions, ev *engine.Event) *ModuleChangeEvent {
	return &ModuleChangeEvent{
		Phase:     ev.Phase,
		RequestID: ev.RequestID,
		Datastore: ev.Datastore,
		Module:    ev.Module,
		Path:      ev.Path,
		Info:      ev.Info,
		Timestamp: ev.Timestamp,
		c:         c,
		opts:      opts,
		config:    ev.Config,
		changes:   ev.Changes,
	}
}

// Config returns the configuration of the module the event refers to: the
// new one for update, change, enabled and done, the previous one for
// abort.
func (e *ModuleChangeEvent) Config() convert.Map {
	if e.config == nil {
		return convert.Map{}
	}
	root := e.config.Clone()
	for _, c := range append([]*tree.Node(nil), root.Children()...) {
		if c.Module != e.Module {
			c.Remove()
		}
	}
	return convert.FromNative(root, convert.Options{IncludeDefaults: e.opts.IncludeDefaults})
}

// Changes returns an iterator over the changes below scope, all changes of
// the event when scope is empty. Every call yields a new iterator over the
// same records.
func (e *ModuleChangeEvent) Changes(scope string) (*ChangeIterator, error) {
	p, err := schema.ParsePath(scope)
	if err != nil {
		return nil, types.NewInvalidPathError(scope, "%v", err)
	}
	changes := e.changes
	if !e.opts.IncludeDefaults {
		changes = make([]*tree.Change, 0, len(e.changes))
		for _, c := range e.changes {
			if (c.Op == tree.OpCreated || c.Op == tree.OpDeleted) && c.Node.IsDefault() {
				continue
			}
			changes = append(changes, c)
		}
	}
	return newChangeIterator(changes, p), nil
}

// AddEdit sets the leaf or creates the node at path as part of the
// transaction. Only update callbacks may add edits.
func (e *ModuleChangeEvent) AddEdit(path string, value any) error {
	if e.Phase != engine.PhaseUpdate {
		return types.NewInvalidStateError("edits can only be added in the update phase, not in %s", e.Phase)
	}
	return e.c.WithSchemaContext(func(sch *schema.Schema) error {
		res, err := sch.ResolveString(path)
		if err != nil {
			return err
		}
		if e.edit == nil {
			e.edit = tree.NewRoot(sch)
		}
		n, err := e.edit.Ensure(res)
		if err != nil {
			return err
		}
		switch n.Kind() {
		case schema.KindLeaf, schema.KindAnydata:
			tv, err := convert.LeafValue(res.Entry(), value)
			if err != nil {
				return typeMismatch(path, err)
			}
			n.SetValue(tv)
		}
		return nil
	})
}

// OperDataRequest is an operational pull.
type OperDataRequest struct {
	RequestID uint32
	Module    string
	// Path the subscriber registered.
	Path string
	// RequestPath is the path the requester asked for.
	RequestPath string
	Info        engine.ExtraInfo
}

// RPCEvent is the invocation of an rpc or action.
type RPCEvent struct {
	// Phase is rpc, or abort when a later subscriber of the same operation
	// failed.
	Phase     engine.Phase
	RequestID uint32
	// Path of the operation, with the keys of the parents of an action.
	Path  string
	Input convert.Map
	Info  engine.ExtraInfo
}

// NotificationEvent is a delivered notification. Replay-complete and stop
// events have no Notification.
type NotificationEvent struct {
	Type         engine.NotifType
	Path         string
	Notification convert.Map
	Timestamp    time.Time
	Info         engine.ExtraInfo
}

type moduleChangeHandler struct {
	c    *Connection
	opts *SubscribeOptions
	cb   ModuleChangeCallback
}

func (h *moduleChangeHandler) Handle(ctx context.Context, ev *engine.Event) engine.Reply {
	mce := newModuleChangeEvent(h.c, h.opts, ev)
	err := h.cb(ctx, mce)
	switch ev.Phase {
	case engine.PhaseDone, engine.PhaseAbort:
		if err != nil {
			log.Warnf("module %s: %s callback of request %d failed: %v", mce.Module, ev.Phase, ev.RequestID, err)
		}
		return engine.Reply{}
	}
	if err != nil {
		return engine.Reply{Err: err}
	}
	return engine.Reply{Data: mce.edit}
}

type operDataHandler struct {
	c    *Connection
	path string
	cb   OperDataCallback
}

func (h *operDataHandler) Handle(ctx context.Context, ev *engine.Event) engine.Reply {
	req := &OperDataRequest{
		RequestID:   ev.RequestID,
		Module:      ev.Module,
		Path:        h.path,
		RequestPath: ev.Path,
		Info:        ev.Info,
	}
	m, err := h.cb(ctx, req)
	if err != nil {
		return engine.Reply{Err: err}
	}
	if len(m) == 0 {
		return engine.Reply{}
	}
	var data *tree.Node
	err = h.c.WithSchemaContext(func(sch *schema.Schema) error {
		var err error
		data, err = convert.ToNative(sch, m, "", convert.NoDefaults())
		return err
	})
	if err != nil {
		log.Errorf("operational data of %s does not fit the schema: %v", req.Path, err)
		return engine.Reply{Err: err}
	}
	return engine.Reply{Data: data}
}

type rpcHandler struct {
	c  *Connection
	cb RPCCallback
}

func (h *rpcHandler) Handle(ctx context.Context, ev *engine.Event) engine.Reply {
	rev := &RPCEvent{
		Phase:     ev.Phase,
		RequestID: ev.RequestID,
		Path:      ev.Path,
		Info:      ev.Info,
	}
	if ev.Input != nil {
		rev.Input = convert.FromNative(ev.Input, convert.Options{IncludeDefaults: true})
	}
	out, err := h.cb(ctx, rev)
	if ev.Phase == engine.PhaseAbort {
		if err != nil {
			log.Warnf("rpc %s: abort callback failed: %v", rev.Path, err)
		}
		return engine.Reply{}
	}
	if err != nil {
		return engine.Reply{Err: err}
	}
	if len(out) == 0 {
		return engine.Reply{}
	}
	var data *tree.Node
	err = h.c.WithSchemaContext(func(sch *schema.Schema) error {
		var err error
		data, err = convert.ToNative(sch, out, rev.Path, convert.Output(), convert.NoDefaults())
		return err
	})
	if err != nil {
		return engine.Reply{Err: err}
	}
	return engine.Reply{Data: data}
}

type notificationHandler struct {
	cb NotificationCallback
}

func (h *notificationHandler) Handle(ctx context.Context, ev *engine.Event) engine.Reply {
	nev := &NotificationEvent{
		Type:      ev.NotifType,
		Path:      ev.Path,
		Timestamp: ev.Timestamp,
		Info:      ev.Info,
	}
	if ev.Input != nil {
		nev.Path = ev.Input.Path().String()
		nev.Notification = convert.FromNative(ev.Input, convert.Options{})
	}
	if err := h.cb(ctx, nev); err != nil {
		log.Warnf("notification %s: callback failed: %v", nev.Path, err)
		return engine.Reply{Err: err}
	}
	return engine.Reply{}
}
