package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolQueue_Stress(t *testing.T) {
	q := NewWorkerPoolQueue[int]()
	const producers = 8
	const consumers = 32
	const perProducer = 10000
	total := int64(producers * perProducer)

	var putErrors int64
	var consumed int64

	var wg sync.WaitGroup
	wg.Add(consumers)
	for i := 0; i < consumers; i++ {
		go func() {
			defer wg.Done()
			for {
				if _, ok := q.Get(); !ok {
					return
				}
				atomic.AddInt64(&consumed, 1)
			}
		}()
	}

	var pwg sync.WaitGroup
	pwg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(base int) {
			defer pwg.Done()
			for i := 0; i < perProducer; i++ {
				if err := q.Put(base*perProducer + i); err != nil {
					atomic.AddInt64(&putErrors, 1)
				}
			}
		}(p)
	}
	pwg.Wait()

	// closing keeps the queued items available to Get
	q.Close()
	wg.Wait()

	if pe := atomic.LoadInt64(&putErrors); pe != 0 {
		t.Fatalf("Put returned %d errors", pe)
	}
	if c := atomic.LoadInt64(&consumed); c != total {
		t.Fatalf("consumed %d, want %d", c, total)
	}
	if q.Len() != 0 {
		t.Fatalf("queue reports %d items after drain", q.Len())
	}
}

func TestWorkerPoolQueue_Drain(t *testing.T) {
	q := NewWorkerPoolQueue[string]()
	for _, s := range []string{"a", "b", "c"} {
		if err := q.Put(s); err != nil {
			t.Fatal(err)
		}
	}
	got := q.Drain()
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected drain result %v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
	if got := q.Drain(); len(got) != 0 {
		t.Fatalf("second drain returned %v", got)
	}
	q.Close()
	if err := q.Put("d"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	done := make(chan struct{})
	go func() {
		q.Get()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Get blocked on a closed queue")
	}
}
