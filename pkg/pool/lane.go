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

package pool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var ErrLaneClosed = errors.New("lane closed for submit")

// Task is a unit of work run by a Lane on the shared workers.
type Task interface {
	Run(ctx context.Context) error
}

type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

// SharedTaskPool runs the tasks of any number of lanes on a fixed set of
// workers.
type SharedTaskPool struct {
	inner *Pool[*laneTask]
}

// NewSharedTaskPool starts workerCount workers, runtime.NumCPU() if not
// positive.
func NewSharedTaskPool(parent context.Context, workerCount int) *SharedTaskPool {
	inner := NewWorkerPool[*laneTask](parent, workerCount)
	// a lane task never fails the shared pool
	inner.Start(func(ctx context.Context, lt *laneTask, _ func(*laneTask) error) error {
		lt.run(ctx)
		return nil
	})
	return &SharedTaskPool{inner: inner}
}

// Close stops taking tasks and waits for the queued ones.
func (s *SharedTaskPool) Close() error {
	s.inner.CloseForSubmit()
	return s.inner.Wait()
}

// NewLane returns a lane whose tasks run one at a time in submission order.
// Tasks of different lanes run in parallel.
func (s *SharedTaskPool) NewLane() *Lane {
	return &Lane{
		pool: s,
		done: make(chan struct{}),
	}
}

// Lane serializes its tasks on the workers of a SharedTaskPool.
type Lane struct {
	pool *SharedTaskPool

	closed atomic.Bool
	// submitted tasks that did not finish, parked ones included
	inflight atomic.Int64
	doneOnce sync.Once
	// closed once the lane is closed and inflight reached zero
	done chan struct{}

	mu      sync.Mutex
	running bool
	parked  []*laneTask
	errs    []error
}

type laneTask struct {
	l    *Lane
	task Task
}

func (lt *laneTask) run(ctx context.Context) {
	defer func() {
		lt.l.next()
		lt.l.release()
	}()
	if err := runTask(ctx, lt.task); err != nil {
		lt.l.mu.Lock()
		lt.l.errs = append(lt.l.errs, err)
		lt.l.mu.Unlock()
	}
}

func runTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return t.Run(ctx)
}

// Submit queues t behind the tasks submitted before it.
func (l *Lane) Submit(t Task) error {
	// raised before the closed check so Close cannot see zero while a
	// submission is underway
	l.inflight.Add(1)
	if l.closed.Load() {
		l.release()
		return ErrLaneClosed
	}

	lt := &laneTask{l: l, task: t}
	l.mu.Lock()
	if l.running {
		l.parked = append(l.parked, lt)
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()

	if err := l.pool.inner.Submit(lt); err != nil {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		l.release()
		return err
	}
	return nil
}

// next hands the first parked task to the shared pool.
func (l *Lane) next() {
	for {
		l.mu.Lock()
		if len(l.parked) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		lt := l.parked[0]
		l.parked = l.parked[1:]
		l.mu.Unlock()

		if err := l.pool.inner.Submit(lt); err != nil {
			// shared pool gone, the task is dropped
			l.release()
			continue
		}
		return
	}
}

func (l *Lane) release() {
	if l.inflight.Add(-1) == 0 && l.closed.Load() {
		l.doneOnce.Do(func() { close(l.done) })
	}
}

// Purge removes the tasks parked behind the running one and hands each to
// f. It returns how many were removed.
func (l *Lane) Purge(f func(Task)) int {
	l.mu.Lock()
	purged := l.parked
	l.parked = nil
	l.mu.Unlock()
	for _, lt := range purged {
		if f != nil {
			f(lt.task)
		}
		l.release()
	}
	return len(purged)
}

// Pending returns the number of submitted tasks that did not finish.
func (l *Lane) Pending() int {
	return int(l.inflight.Load())
}

// Close rejects further submissions and waits for the submitted tasks, or
// for ctx.
func (l *Lane) Close(ctx context.Context) error {
	l.closed.Store(true)
	if l.inflight.Load() == 0 {
		l.doneOnce.Do(func() { close(l.done) })
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors returns the errors and panics of the finished tasks.
func (l *Lane) Errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]error, len(l.errs))
	copy(out, l.errs)
	return out
}
