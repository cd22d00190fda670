package datastore

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sdcio/dsruntime/pkg/dispatch"
	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/tree"
	"github.com/sdcio/dsruntime/pkg/types"
)

// Callback scheduling models, see dispatch.Model.
const (
	Blocking    = dispatch.Blocking
	Cooperative = dispatch.Cooperative
)

// SubscribeOptions tune a subscription. A nil *SubscribeOptions selects
// the defaults.
type SubscribeOptions struct {
	// Priority orders the change subscribers of a module, lower first.
	Priority uint32
	// DoneOnly subscribers only see the done phase.
	DoneOnly bool
	// Passive subscribers do not own the data they watch.
	Passive bool
	// Enabled delivers the current configuration as an enabled and a done
	// event before the subscribe call returns.
	Enabled bool
	// Update adds the update phase, where edits can be added.
	Update bool
	// OperMerge merges pulled operational data into the stored one.
	OperMerge bool
	// IncludeDefaults keeps unset defaults in Config and in the change
	// records.
	IncludeDefaults bool
	// Timeout bounds the enabled and done events of an Enabled
	// subscription, ctx alone when zero.
	Timeout time.Duration
	// StartTime replays the logged notifications sent since then, ended by
	// a replay-complete event. It cannot lie in the future.
	StartTime time.Time
	// StopTime ends a notification subscription with a stop event.
	StopTime time.Time
	// Model schedules the callbacks.
	Model dispatch.Model
}

func (o *SubscribeOptions) flags() engine.SubFlags {
	var f engine.SubFlags
	if o.DoneOnly {
		f |= engine.FlagDoneOnly
	}
	if o.Passive {
		f |= engine.FlagPassive
	}
	if o.Enabled {
		f |= engine.FlagEnabled
	}
	if o.Update {
		f |= engine.FlagUpdate
	}
	if o.OperMerge {
		f |= engine.FlagOperMerge
	}
	return f
}

func (s *Session) request(kind engine.SubKind, module, path string, opts *SubscribeOptions) engine.SubscribeRequest {
	return engine.SubscribeRequest{
		Kind:      kind,
		Datastore: s.Datastore(),
		Module:    module,
		Path:      path,
		Priority:  opts.Priority,
		Flags:     opts.flags(),
		StartTime: opts.StartTime,
		StopTime:  opts.StopTime,
	}
}

// SubscribeModuleChange registers cb for the changes of module in the
// session datastore, below path when not empty.
func (s *Session) SubscribeModuleChange(ctx context.Context, module, path string, cb ModuleChangeCallback, opts *SubscribeOptions) (_ *dispatch.Subscription, err error) {
	ctx, span := tracer.Start(ctx, "datastore.SubscribeModuleChange", s.spanAttrs(attribute.String("module", module), attribute.String("path", path)))
	defer func() { endSpan(span, err) }()

	if opts == nil {
		opts = &SubscribeOptions{}
	}
	if module == "" {
		return nil, types.NewInvalidPathError(path, "module change subscriptions need a module")
	}
	if opts.DoneOnly && opts.Update {
		return nil, types.NewInvalidStateError("done-only subscribers cannot take the update phase")
	}
	h := &moduleChangeHandler{c: s.c, opts: opts, cb: cb}
	sub, err := s.c.reg.Add(ctx, s.request(engine.SubModuleChange, module, path, opts), h, opts.Model)
	if err != nil {
		return nil, err
	}
	if opts.Enabled {
		if err := s.enable(ctx, sub, opts); err != nil {
			if uerr := sub.Unsubscribe(ctx); uerr != nil {
				log.Warnf("%s: removing after failed enable: %v", sub, uerr)
			}
			return nil, err
		}
	}
	return sub, nil
}

// enable hands the current configuration below the subscription to its
// callback, as an enabled event followed by a done event. An error of the
// enabled callback fails the subscription.
func (s *Session) enable(ctx context.Context, sub *dispatch.Subscription, opts *SubscribeOptions) error {
	req := sub.Request()
	sel := req.Path
	if sel == "" {
		sel = fmt.Sprintf("/%s:*", req.Module)
	}
	data, err := s.es.Get(ctx, sel, &engine.GetOptions{NoState: true})
	if err != nil {
		return err
	}
	var changes []*tree.Change
	err = s.c.WithSchemaContext(func(sch *schema.Schema) error {
		changes = tree.Diff(tree.NewRoot(sch), data)
		return nil
	})
	if err != nil {
		return err
	}
	for _, phase := range []engine.Phase{engine.PhaseEnabled, engine.PhaseDone} {
		ev := engine.NewEvent(sub.ID(), engine.SubModuleChange, phase)
		ev.Datastore = req.Datastore
		ev.Module = req.Module
		ev.Path = req.Path
		ev.Config = data
		ev.Changes = changes
		ev.Timestamp = time.Now()
		s.c.reg.Dispatch(ev)
		r, err := ev.Wait(ctx, opts.Timeout)
		if err != nil {
			return err
		}
		if r.Gone {
			return types.NewInvalidStateError("%s removed while being enabled", sub)
		}
		if r.Err != nil && phase == engine.PhaseEnabled {
			return types.NewCommitError(r.Err, "%s rejected the current configuration", sub)
		}
	}
	return nil
}

// SubscribeOperData registers cb as the provider of the operational data
// at path of module.
func (s *Session) SubscribeOperData(ctx context.Context, module, path string, cb OperDataCallback, opts *SubscribeOptions) (*dispatch.Subscription, error) {
	if opts == nil {
		opts = &SubscribeOptions{}
	}
	if path == "" {
		return nil, types.NewInvalidPathError(path, "operational data subscriptions need a path")
	}
	h := &operDataHandler{c: s.c, path: path, cb: cb}
	return s.c.reg.Add(ctx, s.request(engine.SubOperData, module, path, opts), h, opts.Model)
}

// SubscribeRPC registers cb as a handler of the rpc or action at path.
func (s *Session) SubscribeRPC(ctx context.Context, path string, cb RPCCallback, opts *SubscribeOptions) (*dispatch.Subscription, error) {
	if opts == nil {
		opts = &SubscribeOptions{}
	}
	var module string
	err := s.c.WithSchemaContext(func(sch *schema.Schema) error {
		res, err := sch.ResolveString(path)
		if err != nil {
			return err
		}
		if !schema.KindOf(res.Entry()).IsOperation() {
			return types.NewInvalidPathError(path, "%s is not an rpc or action", schema.KindOf(res.Entry()))
		}
		module = res.Module()
		return nil
	})
	if err != nil {
		return nil, err
	}
	h := &rpcHandler{c: s.c, cb: cb}
	return s.c.reg.Add(ctx, s.request(engine.SubRPC, module, path, opts), h, opts.Model)
}

// SubscribeNotification registers cb for the notifications of module,
// only the one at path when not empty.
func (s *Session) SubscribeNotification(ctx context.Context, module, path string, cb NotificationCallback, opts *SubscribeOptions) (*dispatch.Subscription, error) {
	if opts == nil {
		opts = &SubscribeOptions{}
	}
	if module == "" {
		return nil, types.NewInvalidPathError(path, "notification subscriptions need a module")
	}
	h := &notificationHandler{cb: cb}
	return s.c.reg.Add(ctx, s.request(engine.SubNotification, module, path, opts), h, opts.Model)
}
