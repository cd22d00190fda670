package schema

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

var ErrContextClosed = errors.New("schema context closed")

// Context hands out time-bounded borrows of the current Schema. Swap
// installs a new Schema for future borrows; outstanding borrows keep the
// Schema they were given until released.
type Context struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current *Schema
	refs    map[*Schema]int
	closed  bool
}

func NewContext(s *Schema) *Context {
	c := &Context{
		current: s,
		refs:    map[*Schema]int{},
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Acquire borrows the current Schema. Every successful Acquire must be
// paired with a Release of the returned Schema.
func (c *Context) Acquire() (*Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrContextClosed
	}
	c.refs[c.current]++
	return c.current, nil
}

func (c *Context) Release(s *Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.refs[s]
	if !ok {
		log.Warnf("release of schema generation %d that was not acquired", s.Generation())
		return
	}
	if n <= 1 {
		delete(c.refs, s)
		c.cond.Broadcast()
		return
	}
	c.refs[s] = n - 1
}

// With runs f with a borrowed Schema, releasing it on every exit path.
func (c *Context) With(f func(*Schema) error) error {
	s, err := c.Acquire()
	if err != nil {
		return err
	}
	defer c.Release(s)
	return f(s)
}

// Current returns the current Schema without borrowing it.
func (c *Context) Current() *Schema {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Swap installs s for future borrows and returns the previous Schema.
func (c *Context) Swap(s *Schema) *Schema {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.current
	c.current = s
	log.Infof("schema context swapped: generation %d -> %d", prev.Generation(), s.Generation())
	return prev
}

// Refs returns the number of outstanding borrows over all generations.
func (c *Context) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.refs {
		n += v
	}
	return n
}

// Close refuses further borrows and waits until the outstanding ones are
// released or ctx is done.
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		for len(c.refs) > 0 {
			c.cond.Wait()
		}
		c.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// unblock the waiter
		c.mu.Lock()
		c.refs = map[*Schema]int{}
		c.cond.Broadcast()
		c.mu.Unlock()
		return ctx.Err()
	}
}
