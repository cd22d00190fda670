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

package memengine

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/tree"
	"github.com/sdcio/dsruntime/pkg/types"
)

// txn is a configuration transaction on one datastore.
type txn struct {
	ds    engine.Datastore
	s     *session
	reqID uint32
	// stored form of the content, without defaults
	old, next *tree.Node
	// default filled copies the changes are computed on
	oldFull, nextFull *tree.Node
	changes           []*tree.Change
}

// refresh recomputes the default filled trees and the changes.
func (t *txn) refresh() {
	t.next.Prune()
	t.oldFull = t.old.Clone()
	tree.FillDefaults(t.oldFull, tree.DefaultsConfig)
	t.nextFull = t.next.Clone()
	tree.FillDefaults(t.nextFull, tree.DefaultsConfig)
	t.changes = tree.Diff(t.oldFull, t.nextFull)
}

// modules returns the modules the changes touch, sorted.
func (t *txn) modules() []string {
	seen := map[string]struct{}{}
	for _, c := range t.changes {
		seen[changeModule(c)] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for m := range seen {
		result = append(result, m)
	}
	sort.Strings(result)
	return result
}

func changeModule(c *tree.Change) string {
	p := c.Path()
	if len(p) == 0 {
		return ""
	}
	return p[0].Module
}

// target is a change subscriber with the changes it gets to see.
type target struct {
	sub     *subscription
	changes []*tree.Change
}

func (e *Engine) targets(t *txn, f func(*subscription) bool) []target {
	subs := e.subscribers(func(x *subscription) bool {
		return x.req.Kind == engine.SubModuleChange && x.req.Datastore == t.ds && f(x)
	})
	var result []target
	for _, sub := range subs {
		var changes []*tree.Change
		for _, c := range t.changes {
			if sub.req.Module != "" && changeModule(c) != sub.req.Module {
				continue
			}
			if len(sub.path) > 0 && !c.Path().HasPrefix(sub.path) {
				continue
			}
			changes = append(changes, c)
		}
		if len(changes) > 0 {
			result = append(result, target{sub: sub, changes: changes})
		}
	}
	return result
}

func (e *Engine) newTxn(s *session, ds engine.Datastore, mutate func(*tree.Node, *schema.Schema) error) (*txn, error) {
	t := &txn{ds: ds, s: s, old: e.snapshot(ds)}
	t.next = t.old.Clone()
	if err := e.schemaCtx.With(func(sch *schema.Schema) error {
		return mutate(t.next, sch)
	}); err != nil {
		return nil, err
	}
	t.refresh()
	return t, nil
}

// prepare builds the content ds would hold after mutate, validated.
func (e *Engine) prepare(ds engine.Datastore, mutate func(*tree.Node, *schema.Schema) error) (*txn, error) {
	t, err := e.newTxn(nil, ds, mutate)
	if err != nil {
		return nil, err
	}
	if err := e.validate(t); err != nil {
		return nil, err
	}
	return t, nil
}

// validate checks the new content. A candidate may hold invalid content
// until it is committed.
func (e *Engine) validate(t *txn) error {
	if t.ds == engine.Candidate {
		return nil
	}
	res := tree.Validate(t.nextFull, e.cfg.Validation.DisabledValidators)
	for _, w := range res.WarningsStr() {
		log.Warnf("datastore %s: %s", t.ds, w)
	}
	return res.Err()
}

// apply runs a transaction on ds: the update phase, validation, the change
// phase with abort on veto, storing and the done phase.
func (e *Engine) apply(ctx context.Context, s *session, ds engine.Datastore, mutate func(*tree.Node, *schema.Schema) error, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = e.cfg.CommitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()

	mu := e.commit[ds]
	mu.Lock()
	t, err := e.commitLocked(ctx, s, ds, mutate)
	mu.Unlock()

	result := "applied"
	switch {
	case err != nil:
		result = "failed"
		if types.KindOf(err) == types.KindCommit {
			result = "aborted"
		}
	case t == nil:
		result = "unchanged"
	}
	e.metrics.commits.WithLabelValues(ds.String(), result).Inc()
	e.metrics.commitDuration.WithLabelValues(ds.String()).Observe(time.Since(start).Seconds())
	if err != nil || t == nil {
		return err
	}

	for _, tg := range e.targets(t, func(*subscription) bool { return true }) {
		ev := e.changeEvent(t, tg, engine.PhaseDone, t.nextFull)
		r, err := e.deliver(ctx, tg.sub, ev, e.cfg.CallbackTimeout)
		if err == nil {
			err = r.Err
		}
		if err != nil {
			log.Warnf("request %d: done callback of %s: %v", t.reqID, tg.sub, err)
		}
	}
	log.Debugf("request %d: %d changes applied to %s in %s", t.reqID, len(t.changes), ds, time.Since(start))
	return nil
}

func (e *Engine) changeEvent(t *txn, tg target, phase engine.Phase, config *tree.Node) *engine.Event {
	ev := e.newEvent(tg.sub, phase, t.reqID)
	ev.Datastore = t.ds
	ev.Config = config
	ev.Changes = tg.changes
	ev.Timestamp = time.Now()
	if t.s != nil {
		ev.Info = t.s.extraInfo()
	}
	return ev
}

// commitLocked runs the transaction up to storing the new content. It
// returns a nil txn when there is nothing to change.
func (e *Engine) commitLocked(ctx context.Context, s *session, ds engine.Datastore, mutate func(*tree.Node, *schema.Schema) error) (*txn, error) {
	t, err := e.newTxn(s, ds, mutate)
	if err != nil {
		return nil, err
	}
	if len(t.changes) == 0 {
		return nil, nil
	}
	if err := e.locks.check(ds, t.modules(), s); err != nil {
		return nil, err
	}
	t.reqID = e.nextRequestID()

	for _, tg := range e.targets(t, func(x *subscription) bool { return x.req.Flags.Has(engine.FlagUpdate) }) {
		ev := e.changeEvent(t, tg, engine.PhaseUpdate, t.nextFull.Clone())
		r, err := e.deliver(ctx, tg.sub, ev, e.cfg.CallbackTimeout)
		if err == nil {
			err = r.Err
		}
		if err != nil {
			return nil, types.NewCommitError(err, "update callback of %s failed", tg.sub)
		}
		if r.Data != nil {
			t.next.Merge(r.Data)
			t.refresh()
		}
	}
	if len(t.changes) == 0 {
		return nil, nil
	}
	if err := e.validate(t); err != nil {
		return nil, err
	}

	var notified []target
	var veto error
	var vetoer *subscription
	for _, tg := range e.targets(t, func(x *subscription) bool { return !x.req.Flags.Has(engine.FlagDoneOnly) }) {
		ev := e.changeEvent(t, tg, engine.PhaseChange, t.nextFull)
		r, err := e.deliver(ctx, tg.sub, ev, e.cfg.CallbackTimeout)
		if err == nil && r.Gone {
			continue
		}
		if err == nil {
			err = r.Err
		}
		if err != nil {
			veto, vetoer = err, tg.sub
			break
		}
		notified = append(notified, tg)
	}
	if veto == nil && ds == engine.Startup {
		if err := e.save(ctx, ds, t.next); err != nil {
			veto = types.NewConnectionError(err, "persisting %s", ds)
		}
	}
	if veto != nil {
		e.abort(ctx, t, notified)
		if vetoer == nil {
			return nil, types.NewCommitError(veto, "request %d aborted", t.reqID)
		}
		return nil, types.NewCommitError(veto, "%s vetoed request %d", vetoer, t.reqID)
	}
	e.store(ds, t.next)
	return t, nil
}

// abort tells the notified subscribers, in reverse order, that the change
// they accepted is rolled back.
func (e *Engine) abort(ctx context.Context, t *txn, notified []target) {
	// the change ctx may be what timed out
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallbackTimeout*time.Duration(len(notified)+1))
	defer cancel()
	for i := len(notified) - 1; i >= 0; i-- {
		tg := notified[i]
		ev := e.changeEvent(t, tg, engine.PhaseAbort, t.oldFull)
		r, err := e.deliver(actx, tg.sub, ev, e.cfg.CallbackTimeout)
		if err == nil {
			err = r.Err
		}
		if err != nil {
			log.Warnf("request %d: abort callback of %s: %v", t.reqID, tg.sub, err)
		}
	}
}
