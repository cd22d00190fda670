package memengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/openconfig/goyang/pkg/yang"
	log "github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"

	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/tree"
	"github.com/sdcio/dsruntime/pkg/types"
	"github.com/sdcio/dsruntime/pkg/utils"
)

// edit is one recorded change of a pending edit. Edits are replayed on
// the datastore content current at apply time.
type edit struct {
	desc  string
	apply func(root *tree.Node, sch *schema.Schema) error
}

type session struct {
	id uint32
	c  *conn
	e  *Engine

	mu      sync.Mutex
	ds      engine.Datastore
	info    engine.ExtraInfo
	edits   []edit
	stopped bool
	// operational data pushed by this session and the paths it hides
	push   *tree.Node
	hidden []schema.Path
}

var _ engine.Session = (*session)(nil)

func (s *session) ID() uint32 { return s.id }

func (s *session) Datastore() engine.Datastore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ds
}

func (s *session) SwitchDatastore(ds engine.Datastore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.edits) > 0 {
		return types.NewInvalidStateError("session %d has a pending edit on %s", s.id, s.ds)
	}
	s.ds = ds
	return nil
}

func (s *session) SetExtraInfo(info engine.ExtraInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
}

func (s *session) extraInfo() engine.ExtraInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *session) String() string {
	return fmt.Sprintf("%d", s.id)
}

// writable is called with s.mu held.
func (s *session) writable() error {
	if s.stopped {
		return types.NewInvalidStateError("session %d is stopped", s.id)
	}
	if s.ds == engine.FactoryDefault {
		return types.NewInvalidStateError("the %s datastore is read-only", s.ds)
	}
	return nil
}

func (s *session) resolve(path string) (*schema.Resolved, error) {
	var res *schema.Resolved
	err := s.e.schemaCtx.With(func(sch *schema.Schema) error {
		var err error
		res, err = sch.ResolveString(path)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !schema.KindOf(res.Entry()).IsData() {
		return nil, types.NewInvalidPathError(path, "%s nodes hold no data", schema.KindOf(res.Entry()))
	}
	if s.ds.IsConventional() && !schema.IsConfig(res.Entry()) {
		return nil, types.NewInvalidPathError(path, "state data cannot be edited in the %s datastore", s.ds)
	}
	return res, nil
}

func cloneValue(tv *gnmi.TypedValue) *gnmi.TypedValue {
	if tv == nil {
		return nil
	}
	return proto.Clone(tv).(*gnmi.TypedValue)
}

func leafValue(path string, e *yang.Entry, tv *gnmi.TypedValue) (*gnmi.TypedValue, error) {
	switch schema.KindOf(e) {
	case schema.KindLeaf, schema.KindAnydata:
	default:
		return nil, nil
	}
	if tv != nil {
		return tv, nil
	}
	if e.Type != nil && e.Type.Kind == yang.Yempty {
		return utils.EmptyValue(), nil
	}
	return nil, types.NewTypeMismatchError(path, fmt.Errorf("%s %q needs a value", schema.KindOf(e), e.Name))
}

func setItem(root *tree.Node, res *schema.Resolved, tv *gnmi.TypedValue) error {
	n, err := root.Ensure(res)
	if err != nil {
		return err
	}
	if tv != nil {
		n.SetValue(cloneValue(tv))
	}
	return nil
}

func (s *session) SetItem(path string, value *gnmi.TypedValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	res, err := s.resolve(path)
	if err != nil {
		return err
	}
	tv, err := leafValue(path, res.Entry(), value)
	if err != nil {
		return err
	}
	if s.ds == engine.Operational {
		s.unhide(res.Path)
		return setItem(s.push, res, tv)
	}
	s.edits = append(s.edits, edit{
		desc: "set " + path,
		apply: func(root *tree.Node, sch *schema.Schema) error {
			res, err := sch.ResolveString(path)
			if err != nil {
				return err
			}
			return setItem(root, res, tv)
		},
	})
	return nil
}

func deleteItem(root *tree.Node, p schema.Path) {
	for _, n := range root.FindAll(p) {
		n.Remove()
	}
	root.Prune()
}

func (s *session) DeleteItem(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	res, err := s.resolve(path)
	if err != nil {
		return err
	}
	p := res.Path
	if s.ds == engine.Operational {
		deleteItem(s.push, p)
		return nil
	}
	s.edits = append(s.edits, edit{
		desc: "delete " + path,
		apply: func(root *tree.Node, _ *schema.Schema) error {
			deleteItem(root, p)
			return nil
		},
	})
	return nil
}

// anchorMatches reports whether x is the instance anchor names: a key
// predicate for list entries, the value for leaf-list entries.
func anchorMatches(x *tree.Node, anchor string) bool {
	if x.Kind() == schema.KindLeafList {
		return utils.TypedValueToString(x.Value) == anchor || x.Predicate() == anchor
	}
	if x.Predicate() == anchor {
		return true
	}
	p, err := schema.ParsePath(x.Name + anchor)
	if err != nil || len(p) != 1 {
		return false
	}
	return x.Parent.Find(p) == x
}

func moveItem(root *tree.Node, res *schema.Resolved, pos tree.Position, anchor string) error {
	n, err := root.Ensure(res)
	if err != nil {
		return err
	}
	var an *tree.Node
	if pos == tree.PositionBefore || pos == tree.PositionAfter {
		for _, x := range n.Parent.Instances(n.Module, n.Name) {
			if anchorMatches(x, anchor) {
				an = x
				break
			}
		}
		if an == nil {
			return types.NewInvalidPathError(res.Path.String(), "no instance %q to move %s", anchor, pos)
		}
	}
	return n.Move(pos, an)
}

func (s *session) MoveItem(path string, pos tree.Position, anchor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	res, err := s.resolve(path)
	if err != nil {
		return err
	}
	if !schema.IsUserOrdered(res.Entry()) {
		return types.NewInvalidPathError(path, "%q is not ordered by user", res.Entry().Name)
	}
	if s.ds == engine.Operational {
		return moveItem(s.push, res, pos, anchor)
	}
	s.edits = append(s.edits, edit{
		desc: fmt.Sprintf("move %s %s %s", path, pos, anchor),
		apply: func(root *tree.Node, sch *schema.Schema) error {
			res, err := sch.ResolveString(path)
			if err != nil {
				return err
			}
			return moveItem(root, res, pos, anchor)
		},
	})
	return nil
}

func batch(root, edit *tree.Node, op engine.EditOperation) {
	if op == engine.EditReplace {
		for _, ec := range edit.Children() {
			if dc := root.Find(schema.Path{ec.PathElem()}); dc != nil {
				dc.Replace(ec)
			}
		}
	}
	root.Merge(edit)
}

func (s *session) EditBatch(e *tree.Node, op engine.EditOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	switch op {
	case engine.EditMerge, engine.EditReplace:
	case "":
		op = engine.EditMerge
	default:
		return types.NewInvalidStateError("unsupported default operation %q", op)
	}
	if e == nil || !e.IsRoot() {
		return types.NewInvalidPathError("", "batch edit must be a data tree root")
	}
	if s.ds.IsConventional() {
		var state *tree.Node
		_ = e.Walk(func(x *tree.Node) error {
			if !x.IsRoot() && !schema.IsConfig(x.Schema) {
				state = x
				return tree.ErrSkipChildren
			}
			return nil
		})
		if state != nil {
			return types.NewInvalidPathError(state.Path().String(), "state data cannot be edited in the %s datastore", s.ds)
		}
	}
	ec := e.Clone()
	if s.ds == engine.Operational {
		batch(s.push, ec, op)
		return nil
	}
	s.edits = append(s.edits, edit{
		desc: fmt.Sprintf("batch %s", op),
		apply: func(root *tree.Node, _ *schema.Schema) error {
			batch(root, ec, op)
			return nil
		},
	})
	return nil
}

// unhide is called with s.mu held.
func (s *session) unhide(p schema.Path) {
	kept := s.hidden[:0]
	for _, h := range s.hidden {
		if !schema.Overlaps(h, p) {
			kept = append(kept, h)
		}
	}
	s.hidden = kept
}

func (s *session) DeleteOperItem(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ds != engine.Operational {
		return types.NewInvalidStateError("operational items cannot be deleted in the %s datastore", s.ds)
	}
	res, err := s.resolve(path)
	if err != nil {
		return err
	}
	deleteItem(s.push, res.Path)
	s.hidden = append(s.hidden, res.Path)
	return nil
}

func (s *session) DiscardItems(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ds != engine.Operational {
		return types.NewInvalidStateError("operational items cannot be discarded in the %s datastore", s.ds)
	}
	if path == "" || path == "/" {
		s.push = tree.NewRoot(s.e.schemaCtx.Current())
		s.hidden = nil
		return nil
	}
	res, err := s.resolve(path)
	if err != nil {
		return err
	}
	deleteItem(s.push, res.Path)
	kept := s.hidden[:0]
	for _, h := range s.hidden {
		if !h.HasPrefix(res.Path) {
			kept = append(kept, h)
		}
	}
	s.hidden = kept
	return nil
}

func (s *session) HasChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.edits) > 0
}

func (s *session) pending() (engine.Datastore, []edit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ds, append([]edit(nil), s.edits...)
}

func replay(edits []edit) func(root *tree.Node, sch *schema.Schema) error {
	return func(root *tree.Node, sch *schema.Schema) error {
		for _, ed := range edits {
			if err := ed.apply(root, sch); err != nil {
				return fmt.Errorf("%s: %w", ed.desc, err)
			}
		}
		return nil
	}
}

func (s *session) Validate(ctx context.Context) error {
	ds, edits := s.pending()
	if !ds.IsConventional() {
		return nil
	}
	_, err := s.e.prepare(ds, replay(edits))
	return err
}

func (s *session) Apply(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if err := s.writable(); err != nil {
		s.mu.Unlock()
		return err
	}
	ds, edits := s.ds, s.edits
	s.edits = nil
	s.mu.Unlock()
	if len(edits) == 0 || !ds.IsConventional() {
		return nil
	}
	return s.e.apply(ctx, s, ds, replay(edits), timeout)
}

func (s *session) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = nil
	return nil
}

// replaceModule swaps the content of module in root for the one in src.
// An empty module replaces everything.
func replaceModule(root, src *tree.Node, module string) {
	for _, c := range root.Children() {
		if module == "" || c.Module == module {
			c.Remove()
		}
	}
	filtered := src.Clone()
	for _, c := range filtered.Children() {
		if module != "" && c.Module != module {
			c.Remove()
		}
	}
	tree.ClearDefaults(filtered)
	root.Merge(filtered)
}

func (s *session) ReplaceConfig(ctx context.Context, config *tree.Node, module string, timeout time.Duration) error {
	s.mu.Lock()
	err := s.writable()
	ds := s.ds
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !ds.IsConventional() {
		return types.NewInvalidStateError("configuration cannot be replaced in the %s datastore", ds)
	}
	if config == nil {
		config = tree.NewRoot(s.e.schemaCtx.Current())
	}
	src := config.Root().Clone()
	return s.e.apply(ctx, s, ds, func(root *tree.Node, _ *schema.Schema) error {
		replaceModule(root, src, module)
		return nil
	}, timeout)
}

func (s *session) CopyConfig(ctx context.Context, src engine.Datastore, module string, timeout time.Duration) error {
	s.mu.Lock()
	err := s.writable()
	ds := s.ds
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !ds.IsConventional() || src == engine.Operational {
		return types.NewInvalidStateError("cannot copy %s into %s", src, ds)
	}
	if src == ds {
		return nil
	}
	content := s.e.snapshot(src)
	if err := s.e.apply(ctx, s, ds, func(root *tree.Node, _ *schema.Schema) error {
		replaceModule(root, content, module)
		return nil
	}, timeout); err != nil {
		return err
	}
	// candidate follows running again once committed or overwritten
	if (src == engine.Candidate && ds == engine.Running) || (src == engine.Running && ds == engine.Candidate) {
		s.e.store(engine.Candidate, nil)
	}
	return nil
}

func (s *session) Lock(ctx context.Context, module string, timeout time.Duration) error {
	if module != "" && s.e.schemaCtx.Current().Module(module) == nil {
		return types.NewUnknownElementError("", "unknown module %q", module)
	}
	return s.e.locks.lock(ctx, s.Datastore(), module, s, timeout)
}

func (s *session) Unlock(module string) error {
	return s.e.locks.unlock(s.Datastore(), module, s)
}

func (s *session) Get(ctx context.Context, path string, opts *engine.GetOptions) (*tree.Node, error) {
	if opts == nil {
		opts = &engine.GetOptions{}
	}
	return s.e.get(ctx, s, s.Datastore(), path, opts)
}

func (s *session) RPCSend(ctx context.Context, input *tree.Node, timeout time.Duration) (*tree.Node, error) {
	return s.e.rpcSend(ctx, s, input, timeout)
}

func (s *session) NotificationSend(ctx context.Context, notif *tree.Node) error {
	return s.e.notify(ctx, s, notif)
}

// Stop drops the pending edit and the pushed operational data and
// releases the locks of the session.
func (s *session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.edits = nil
	s.push = tree.NewRoot(s.e.schemaCtx.Current())
	s.hidden = nil
	s.mu.Unlock()

	s.e.locks.releaseAll(s)
	s.c.sessions.Delete(s.id)
	s.e.sessions.Delete(s.id)
	log.Debugf("connection %s: session %d stopped", s.c.id, s.id)
	return nil
}

// operData returns a copy of the pushed data and the hidden paths.
func (s *session) operData() (*tree.Node, []schema.Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push.Clone(), append([]schema.Path(nil), s.hidden...)
}

func (s *session) rebind(next *schema.Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nr := tree.NewRoot(next)
	if err := nr.LoadUpdates(next, tree.ToUpdates(s.push, false)); err != nil {
		log.Warnf("session %d: dropping pushed operational data after schema reload: %v", s.id, err)
	}
	s.push = nr
}
