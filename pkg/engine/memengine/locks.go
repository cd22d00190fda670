package memengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/types"
)

// lockKey names a locked module of a datastore. An empty module stands for
// the whole datastore.
type lockKey struct {
	ds     engine.Datastore
	module string
}

type lockTable struct {
	mu   sync.Mutex
	held map[lockKey]*session
	// released is closed and replaced whenever a lock is given up
	released chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{
		held:     map[lockKey]*session{},
		released: make(chan struct{}),
	}
}

// holder returns the session, other than s, holding a lock that conflicts
// with locking module of ds. Called with mu held.
func (l *lockTable) holder(ds engine.Datastore, module string, s *session) (string, *session) {
	for k, owner := range l.held {
		if k.ds != ds || owner == s {
			continue
		}
		if module == "" || k.module == "" || k.module == module {
			return k.module, owner
		}
	}
	return "", nil
}

// lock takes the lock on module of ds for s, waiting up to timeout for a
// conflicting holder to let go.
func (l *lockTable) lock(ctx context.Context, ds engine.Datastore, module string, s *session, timeout time.Duration) error {
	var tc <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		tc = t.C
	}
	for {
		l.mu.Lock()
		k := lockKey{ds: ds, module: module}
		if l.held[k] == s {
			l.mu.Unlock()
			return types.NewInvalidStateError("session %d already holds the lock on %s", s.id, describeLock(k))
		}
		m, owner := l.holder(ds, module, s)
		if owner == nil {
			l.held[k] = s
			l.mu.Unlock()
			return nil
		}
		released := l.released
		l.mu.Unlock()

		if timeout <= 0 {
			return types.NewLockedError(lockedModule(m), owner.String())
		}
		select {
		case <-released:
		case <-tc:
			return types.NewLockedError(lockedModule(m), owner.String())
		case <-ctx.Done():
			return types.NewLockedError(lockedModule(m), owner.String())
		}
	}
}

func (l *lockTable) unlock(ds engine.Datastore, module string, s *session) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := lockKey{ds: ds, module: module}
	if l.held[k] != s {
		return types.NewInvalidStateError("session %d does not hold the lock on %s", s.id, describeLock(k))
	}
	delete(l.held, k)
	l.broadcast()
	return nil
}

func (l *lockTable) releaseAll(s *session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, owner := range l.held {
		if owner == s {
			delete(l.held, k)
			n++
		}
	}
	if n > 0 {
		l.broadcast()
	}
}

// check fails when a module in modules of ds is locked by a session other
// than s.
func (l *lockTable) check(ds engine.Datastore, modules []string, s *session) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range modules {
		if lm, owner := l.holder(ds, m, s); owner != nil {
			if lm == "" {
				lm = m
			}
			return types.NewLockedError(lm, owner.String())
		}
	}
	return nil
}

func (l *lockTable) broadcast() {
	close(l.released)
	l.released = make(chan struct{})
}

func lockedModule(m string) string {
	if m == "" {
		return "*"
	}
	return m
}

func describeLock(k lockKey) string {
	if k.module == "" {
		return fmt.Sprintf("datastore %s", k.ds)
	}
	return fmt.Sprintf("module %s of datastore %s", k.module, k.ds)
}
