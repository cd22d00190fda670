package memengine

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/tree"
	"github.com/sdcio/dsruntime/pkg/types"
)

// selector is a parsed read path: everything, the top-level nodes of one
// module, or the nodes a path addresses.
type selector struct {
	raw    string
	all    bool
	module string
	path   schema.Path
}

func parseSelector(sch *schema.Schema, path string) (*selector, error) {
	sel := &selector{raw: path}
	p := strings.TrimSuffix(strings.TrimSpace(path), "//.")
	switch {
	case p == "" || p == "/":
		sel.all = true
	case strings.HasPrefix(p, "/") && strings.HasSuffix(p, ":*") && strings.Count(p, "/") == 1:
		sel.module = strings.TrimSuffix(p[1:], ":*")
		if sch.Module(sel.module) == nil {
			return nil, types.NewUnknownElementError(path, "unknown module %q", sel.module)
		}
	default:
		res, err := sch.ResolveString(p)
		if err != nil {
			return nil, err
		}
		sel.path = res.Path
	}
	return sel, nil
}

// covers reports whether data at p may be part of the selection.
func (s *selector) covers(module string, p schema.Path) bool {
	switch {
	case s.all:
		return true
	case s.module != "":
		return module == s.module
	}
	if len(p) == 0 {
		return module == s.path[0].Module
	}
	return schema.Overlaps(p, s.path)
}

// apply returns a tree holding only the selected nodes of root, with their
// ancestors.
func (s *selector) apply(sch *schema.Schema, root *tree.Node) (*tree.Node, error) {
	if s.all {
		return root, nil
	}
	if s.module != "" {
		for _, c := range append([]*tree.Node(nil), root.Children()...) {
			if c.Module != s.module {
				c.Remove()
			}
		}
		return root, nil
	}
	out := tree.NewRoot(sch)
	for _, m := range root.FindAll(s.path) {
		res, err := sch.Resolve(m.Path())
		if err != nil {
			return nil, err
		}
		n, err := out.Ensure(res)
		if err != nil {
			return nil, err
		}
		n.Replace(m)
	}
	return out, nil
}

// get reads ds below path. The result is default filled and holds the
// selected nodes with their ancestors, an empty root when nothing matched.
func (e *Engine) get(ctx context.Context, s *session, ds engine.Datastore, path string, opts *engine.GetOptions) (*tree.Node, error) {
	sch, err := e.schemaCtx.Acquire()
	if err != nil {
		return nil, types.NewConnectionError(err, "schema context")
	}
	defer e.schemaCtx.Release(sch)

	sel, err := parseSelector(sch, path)
	if err != nil {
		return nil, err
	}
	var root *tree.Node
	if ds == engine.Operational {
		root, err = e.operational(ctx, s, sch, sel, opts)
		if err != nil {
			return nil, err
		}
		tree.FillDefaults(root, tree.DefaultsAll)
	} else {
		root = e.snapshot(ds)
		tree.FillDefaults(root, tree.DefaultsConfig)
	}
	if opts.NoState || opts.NoConfig {
		filterData(root, opts.NoState, opts.NoConfig)
	}
	root.Prune()
	return sel.apply(sch, root)
}

// operational assembles the operational view: running configuration, the
// data pushed by sessions and the data pulled from subscribers.
func (e *Engine) operational(ctx context.Context, s *session, sch *schema.Schema, sel *selector, opts *engine.GetOptions) (*tree.Node, error) {
	root := e.snapshot(engine.Running)
	if !opts.NoStored {
		var sessions []*session
		e.sessions.Range(func(_ uint32, x *session) bool {
			sessions = append(sessions, x)
			return true
		})
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].id < sessions[j].id })
		for _, x := range sessions {
			push, hidden := x.operData()
			for _, h := range hidden {
				deleteItem(root, h)
			}
			root.Merge(push)
		}
	}
	if opts.NoSubs {
		return root, nil
	}

	subs := e.subscribers(func(x *subscription) bool {
		return x.req.Kind == engine.SubOperData && sel.covers(x.req.Module, x.path)
	})
	if len(subs) == 0 {
		return root, nil
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.OperTimeout
	}
	reqID := e.nextRequestID()
	var info engine.ExtraInfo
	if s != nil {
		info = s.extraInfo()
	}
	results := make([]*tree.Node, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range subs {
		if err := e.pulls.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer e.pulls.Release(1)
			ev := e.newEvent(sub, engine.PhaseOperPull, reqID)
			ev.Datastore = engine.Operational
			ev.Path = sel.raw
			ev.Timestamp = time.Now()
			ev.Info = info
			r, err := e.deliver(gctx, sub, ev, timeout)
			if err != nil {
				e.metrics.operPulls.WithLabelValues("timeout").Inc()
				return err
			}
			if r.Gone {
				e.metrics.operPulls.WithLabelValues("gone").Inc()
				return nil
			}
			if r.Err != nil {
				e.metrics.operPulls.WithLabelValues("error").Inc()
				return types.NewOperationError(r.Err, "operational data callback of %s failed", sub)
			}
			e.metrics.operPulls.WithLabelValues("ok").Inc()
			results[i] = r.Data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, types.NewTimeoutError("operational request %d: %v", reqID, err)
	}
	for i, sub := range subs {
		if results[i] == nil {
			continue
		}
		if !sub.req.Flags.Has(engine.FlagOperMerge) && len(sub.path) > 0 {
			for _, n := range root.FindAll(sub.path) {
				n.Remove()
			}
		}
		root.Merge(results[i])
	}
	return root, nil
}

// filterData drops state or configuration nodes below n. List keys stay
// with the entries that keep other content.
func filterData(n *tree.Node, noState, noConfig bool) {
	for _, c := range append([]*tree.Node(nil), n.Children()...) {
		config := schema.IsConfig(c.Schema)
		switch c.Kind() {
		case schema.KindLeaf, schema.KindLeafList, schema.KindAnydata:
			if isKey(c) {
				continue
			}
			if (noState && !config) || (noConfig && config) {
				c.Remove()
			}
		default:
			if noState && !config {
				c.Remove()
				continue
			}
			filterData(c, noState, noConfig)
			if noConfig && config && !hasContent(c) {
				c.Remove()
			}
		}
	}
}

func isKey(n *tree.Node) bool {
	if n.Parent == nil || n.Parent.IsRoot() || n.Parent.Kind() != schema.KindList {
		return false
	}
	for _, k := range schema.Keys(n.Parent.Schema) {
		if k == n.Name {
			return true
		}
	}
	return false
}

func hasContent(n *tree.Node) bool {
	for _, c := range n.Children() {
		if !isKey(c) {
			return true
		}
	}
	return false
}
