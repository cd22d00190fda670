package memengine

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/tree"
	"github.com/sdcio/dsruntime/pkg/types"
)

// rpcSend calls the subscribers of the rpc or action input is the
// operation node of, by priority. When one fails the subscribers called
// before get an abort event, in reverse order.
func (e *Engine) rpcSend(ctx context.Context, s *session, input *tree.Node, timeout time.Duration) (*tree.Node, error) {
	if input == nil || !input.Kind().IsOperation() {
		return nil, types.NewInvalidPathError("", "rpc input must be an rpc or action node")
	}
	opPath := input.Path()
	sch, err := e.schemaCtx.Acquire()
	if err != nil {
		return nil, types.NewConnectionError(err, "schema context")
	}
	defer e.schemaCtx.Release(sch)
	res, err := sch.Resolve(opPath)
	if err != nil {
		return nil, err
	}

	subs := e.subscribers(func(x *subscription) bool {
		return x.req.Kind == engine.SubRPC && len(x.path) == len(opPath) && opPath.HasPrefix(x.path)
	})
	if len(subs) == 0 {
		return nil, types.NewNotFoundError(opPath.String())
	}
	if timeout <= 0 {
		timeout = e.cfg.OperTimeout
	}
	in := input.Root().Clone().Find(opPath)
	tree.FillDefaults(in, tree.DefaultsAll)
	out, err := tree.NewOperation(sch, res, true)
	if err != nil {
		return nil, err
	}

	reqID := e.nextRequestID()
	info := s.extraInfo()
	newEvent := func(sub *subscription, phase engine.Phase) *engine.Event {
		ev := e.newEvent(sub, phase, reqID)
		ev.Path = opPath.String()
		ev.Input = in
		ev.Timestamp = time.Now()
		ev.Info = info
		return ev
	}
	var called []*subscription
	for _, sub := range subs {
		r, err := e.deliver(ctx, sub, newEvent(sub, engine.PhaseRPC), timeout)
		if err == nil && r.Gone {
			continue
		}
		if err == nil && r.Err != nil {
			err = types.NewOperationError(r.Err, "rpc %s failed", opPath)
		}
		if err != nil {
			e.metrics.rpcs.WithLabelValues("failed").Inc()
			for i := len(called) - 1; i >= 0; i-- {
				ar, aerr := e.deliver(context.WithoutCancel(ctx), called[i], newEvent(called[i], engine.PhaseAbort), e.cfg.CallbackTimeout)
				if aerr == nil {
					aerr = ar.Err
				}
				if aerr != nil {
					log.Warnf("rpc request %d: abort callback of %s: %v", reqID, called[i], aerr)
				}
			}
			return nil, err
		}
		called = append(called, sub)
		if r.Data != nil {
			out.Merge(r.Data)
		}
	}
	if len(called) == 0 {
		return nil, types.NewNotFoundError(opPath.String())
	}
	tree.FillDefaults(out, tree.DefaultsAll)
	e.metrics.rpcs.WithLabelValues("ok").Inc()
	return out, nil
}

// notify logs notif and posts it to the notification subscribers without
// waiting for them. Their failures are logged.
func (e *Engine) notify(ctx context.Context, s *session, notif *tree.Node) error {
	if notif == nil || notif.Kind() != schema.KindNotification {
		return types.NewInvalidPathError("", "notification data must be a notification node")
	}
	p := notif.Path()
	rec := notifRecord{
		path: p,
		node: notif.Root().Clone().Find(p),
		ts:   time.Now(),
		info: s.extraInfo(),
	}
	e.notifMu.Lock()
	defer e.notifMu.Unlock()
	e.notifs.add(rec)
	subs := e.subscribers(func(x *subscription) bool {
		if !x.wantsNotification(p) {
			return false
		}
		return x.req.StopTime.IsZero() || rec.ts.Before(x.req.StopTime)
	})
	for _, sub := range subs {
		e.postNotification(sub, rec, engine.NotifRealtime)
	}
	return nil
}
