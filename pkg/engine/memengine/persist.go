package memengine

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/tree"
)

// load reads the snapshot of ds from the startup store. A missing snapshot
// yields an empty tree.
func (e *Engine) load(ctx context.Context, sch *schema.Schema, ds engine.Datastore) (*tree.Node, error) {
	root := tree.NewRoot(sch)
	n, err := e.startup.Read(ctx, ds.String())
	if err != nil {
		return nil, err
	}
	if n == nil {
		log.Debugf("no %s snapshot stored, starting empty", ds)
		return root, nil
	}
	if err := root.LoadUpdates(sch, n.GetUpdate()); err != nil {
		return nil, fmt.Errorf("%s snapshot: %w", ds, err)
	}
	log.Infof("loaded %s snapshot with %d updates written %s", ds, len(n.GetUpdate()), time.Unix(0, n.GetTimestamp()).Format(time.RFC3339))
	return root, nil
}

func (e *Engine) save(ctx context.Context, ds engine.Datastore, root *tree.Node) error {
	return e.startup.Write(ctx, ds.String(), tree.ToNotification(root, false))
}

// SetFactoryDefault replaces the factory-default content and persists it.
// The datastore is read-only for sessions.
func (e *Engine) SetFactoryDefault(ctx context.Context, root *tree.Node) error {
	mu := e.commit[engine.FactoryDefault]
	mu.Lock()
	defer mu.Unlock()
	c := root.Root().Clone()
	tree.ClearDefaults(c)
	c.Prune()
	if err := e.save(ctx, engine.FactoryDefault, c); err != nil {
		return err
	}
	e.store(engine.FactoryDefault, c)
	return nil
}
