package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var ErrClosed = errors.New("queue closed")

// PanicError is returned for a handler or task that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Pool[T] is a worker pool backed by WorkerPoolQueue.
// It uses an atomic inflight counter + cond to avoid deadlocks between closing the queue
// and tracking outstanding work.
type Pool[T any] struct {
	tasks       *WorkerPoolQueue[T]
	workerCount int

	ctx    context.Context
	cancel context.CancelFunc

	workersWg sync.WaitGroup

	closeOnce sync.Once

	firstErr atomic.Pointer[error]

	closedForSubmit atomic.Bool

	// inflight counter and condition for waiting until work drains
	inflight   int64
	inflightMu sync.Mutex
	inflightC  *sync.Cond
}

// NewWorkerPool creates a new Pool. If workerCount <= 0 it defaults to runtime.NumCPU().
func NewWorkerPool[T any](parent context.Context, workerCount int) *Pool[T] {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(parent)
	p := &Pool[T]{
		tasks:       NewWorkerPoolQueue[T](),
		workerCount: workerCount,
		ctx:         ctx,
		cancel:      cancel,
	}
	p.inflightC = sync.NewCond(&p.inflightMu)
	return p
}

func (p *Pool[T]) addInflight(delta int64) {
	if atomic.AddInt64(&p.inflight, delta) == 0 {
		p.inflightMu.Lock()
		p.inflightC.Broadcast()
		p.inflightMu.Unlock()
	}
}

// Submit enqueues a task. The inflight counter is raised before the enqueue.
// If the pool context is cancelled, Submit returns its error.
func (p *Pool[T]) Submit(item T) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	p.addInflight(1)
	if err := p.tasks.Put(item); err != nil {
		p.addInflight(-1)
		return err
	}
	return nil
}

// Start spawns workerCount workers that call handler(ctx, item, submit).
// A handler error or panic aborts the whole pool; the first one is returned
// by Wait. Handlers may submit child items.
func (p *Pool[T]) Start(handler func(ctx context.Context, item T, submit func(T) error) error) {
	p.workersWg.Add(p.workerCount)
	for i := 0; i < p.workerCount; i++ {
		go func() {
			defer p.workersWg.Done()
			for {
				item, ok := p.tasks.Get()
				if !ok {
					return
				}

				// cancelled: account for the item but skip it
				if p.ctx.Err() != nil {
					p.addInflight(-1)
					continue
				}

				if err := runHandler(p.ctx, item, handler, p.Submit); err != nil {
					ep := new(error)
					*ep = err
					p.firstErr.CompareAndSwap(nil, ep)
					p.cancel()
					p.addInflight(-1)
					p.forceClose()
					continue
				}
				p.addInflight(-1)
			}
		}()
	}

	// closes the queue once CloseForSubmit was called and the work drained,
	// or force-closes on cancellation
	go func() {
		p.inflightMu.Lock()
		defer p.inflightMu.Unlock()
		for {
			if p.closedForSubmit.Load() {
				for atomic.LoadInt64(&p.inflight) != 0 || p.tasks.Len() != 0 {
					p.inflightC.Wait()
				}
				p.closeOnce.Do(func() { p.tasks.Close() })
				return
			}
			if p.ctx.Err() != nil {
				p.inflightMu.Unlock()
				p.forceClose()
				p.inflightMu.Lock()
				return
			}
			p.inflightC.Wait()
		}
	}()

	// wake the monitor on cancellation of the parent
	go func() {
		<-p.ctx.Done()
		p.inflightMu.Lock()
		p.inflightC.Broadcast()
		p.inflightMu.Unlock()
	}()
}

func runHandler[T any](ctx context.Context, item T, handler func(context.Context, T, func(T) error) error, submit func(T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return handler(ctx, item, submit)
}

// CloseForSubmit indicates the caller will not submit more external tasks.
// Workers may still submit child tasks. Once inflight reaches zero and the
// queue is empty the workers exit.
func (p *Pool[T]) CloseForSubmit() {
	p.closedForSubmit.Store(true)
	p.inflightMu.Lock()
	p.inflightC.Broadcast()
	p.inflightMu.Unlock()
}

// Wait blocks until all workers have exited and returns the first error (if any).
func (p *Pool[T]) Wait() error {
	p.workersWg.Wait()
	if e := p.firstErr.Load(); e != nil && *e != nil {
		return *e
	}
	if p.ctx.Err() != nil && !errors.Is(p.ctx.Err(), context.Canceled) {
		return p.ctx.Err()
	}
	return nil
}

// forceClose cancels the pool, closes the queue and writes off queued items
// so that waiters do not block forever.
func (p *Pool[T]) forceClose() {
	p.cancel()
	p.closeOnce.Do(func() {
		if queued := int64(p.tasks.Len()); queued > 0 {
			for {
				cur := atomic.LoadInt64(&p.inflight)
				toSub := min(queued, cur)
				if toSub == 0 {
					break
				}
				if atomic.CompareAndSwapInt64(&p.inflight, cur, cur-toSub) {
					p.inflightMu.Lock()
					p.inflightC.Broadcast()
					p.inflightMu.Unlock()
					break
				}
			}
		}
		p.tasks.Close()
	})
}
